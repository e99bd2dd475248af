package pty

// ProcessSpec is a fully resolved command line.
type ProcessSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// ProcessHandler receives a process's output and exit. OnData calls come
// from one goroutine in stream order; OnExit is called once, after the last
// OnData.
type ProcessHandler struct {
	OnData func([]byte)
	OnExit func(code int)
}

// Process is a running child attached to a terminal.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	// Kill asks the process to terminate. Exit is still reported through
	// the handler.
	Kill() error
	Pid() int
}

// Spawner starts processes. Spawn must not call h before it returns.
type Spawner interface {
	Spawn(spec ProcessSpec, h ProcessHandler) (Process, error)
}

// PTYSpawner starts processes on a real pseudo-terminal. The zero value is
// ready to use.
type PTYSpawner struct{}
