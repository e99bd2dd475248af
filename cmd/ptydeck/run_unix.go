//go:build !windows

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

// exitSettleTimeout bounds the wait for the exit's events after the
// process is gone.
const exitSettleTimeout = 250 * time.Millisecond

func handleRun(args []string) (int, error) {
	own, command := splitCommand(args)

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	kind := fs.String("kind", "", "Session kind: claude, gemini, codex, opencode, shell or a [tools] name")
	title := fs.String("title", "", "Session title")
	cwd := fs.String("cwd", "", "Working directory")
	eventsLog := fs.String("events-log", "", "Append event records to this file as JSON lines")
	quiet := fs.Bool("quiet", false, "Do not print the summary on exit")

	fs.Usage = func() {
		fmt.Println("Usage: ptydeck run [options] [-- command args...]")
		fmt.Println()
		fmt.Println("Run one session attached to this terminal and track its agent state.")
		fmt.Println("Press Ctrl+] to kill the session and return.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, own)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, nil
		}
		return 2, fmt.Errorf("flag parsing: %w", err)
	}
	if len(command) == 0 {
		command = fs.Args()
	}

	cfg := setupLogging()
	cliLog := logging.ForComponent(logging.CompCLI)
	opts := runSpawnOptions(cfg, *kind, command, *title, *cwd)

	exits := make(chan int, 1)
	st := newStack(cfg, nil, terminalSink{out: os.Stdout, exits: exits})
	tracker, untrack := newRunTracker(st.bus)
	defer untrack()

	if *eventsLog != "" {
		closeLog, err := openEventLog(*eventsLog, st.buffer)
		if err != nil {
			_ = st.close()
			return 1, err
		}
		defer func() { _ = closeLog() }()
	}

	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	if interactive {
		if cols, rows, err := term.GetSize(fd); err == nil {
			opts.Cols, opts.Rows = cols, rows
		}
	}

	if err := st.manager.Spawn(runSessionID, opts); err != nil {
		_ = st.close()
		return 1, err
	}
	started := time.Now()

	restore := func() {}
	if interactive {
		if oldState, err := term.MakeRaw(fd); err == nil {
			restore = func() { _ = term.Restore(fd, oldState) }
		} else {
			cliLog.Warn("raw_mode_failed", slog.String("error", err.Error()))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = st.manager.Kill(runSessionID, "interrupted")
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if cols, rows, err := term.GetSize(fd); err == nil {
				_ = st.manager.Resize(runSessionID, cols, rows)
			}
		}
	}()

	go pumpStdin(os.Stdin, st.manager)

	code := <-exits
	if opts.Kind.IsAgent() {
		select {
		case <-tracker.settled:
		case <-time.After(exitSettleTimeout):
		}
	}
	restore()

	if err := st.close(); err != nil {
		cliLog.Warn("dispose_incomplete", slog.String("error", err.Error()))
	}
	if !*quiet {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, tracker.summary(opts, code, time.Since(started)))
	}
	return code, nil
}

// pumpStdin forwards keystrokes until the session is gone or the detach key
// is pressed.
func pumpStdin(in io.Reader, manager *pty.Manager) {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					_ = manager.Write(runSessionID, chunk[:i])
				}
				_ = manager.Kill(runSessionID, "detached")
				return
			}
			if manager.Write(runSessionID, chunk) != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
