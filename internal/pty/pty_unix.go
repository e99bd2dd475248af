//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

// drainGrace bounds how long exit delivery waits for the reader after the
// child is gone. Grandchildren holding the tty open can keep reads blocked.
const drainGrace = 2 * time.Second

// Spawn starts spec.Command in a new session with a controlling tty.
func (PTYSpawner) Spawn(spec ProcessSpec, h ProcessHandler) (Process, error) {
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &ptyProcess{
		cmd:      cmd,
		ptmx:     ptmx,
		readDone: make(chan struct{}),
	}
	go p.readPump(h.OnData)
	go p.waitExit(h.OnExit)
	return p, nil
}

type ptyProcess struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	readDone chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (p *ptyProcess) readPump(onData func([]byte)) {
	defer close(p.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (p *ptyProcess) waitExit(onExit func(int)) {
	_ = p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	select {
	case <-p.readDone:
	case <-time.After(drainGrace):
		p.closePTY()
		<-p.readDone
	}
	p.closePTY()

	if onExit != nil {
		onExit(code)
	}
}

func (p *ptyProcess) closePTY() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		_ = p.ptmx.Close()
	})
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return os.ErrClosed
	}
	return creackpty.Setsize(p.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return terminate(p.cmd.Process)
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// terminate sends SIGTERM to the process group. The child leads its own
// session, so this also reaches anything it spawned on the same tty.
func terminate(proc *os.Process) error {
	err := syscall.Kill(-proc.Pid, syscall.SIGTERM)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if sigErr := proc.Signal(syscall.SIGTERM); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
		return sigErr
	}
	return nil
}
