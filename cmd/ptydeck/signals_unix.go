//go:build !windows

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

// installDumpHandler makes SIGUSR1 dump the log ring buffer into dir.
func installDumpHandler(dir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				logging.ForComponent(logging.CompCLI).Error("crash_dump_failed",
					slog.String("error", err.Error()))
			} else {
				logging.ForComponent(logging.CompCLI).Info("crash_dump_written",
					slog.String("path", dumpPath))
			}
		}
	}()
}

// shutdownSignals are the signals that stop `ptydeck serve`.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
