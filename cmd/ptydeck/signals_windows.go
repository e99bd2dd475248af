//go:build windows

package main

import "os"

func installDumpHandler(string) {}

var shutdownSignals = []os.Signal{os.Interrupt}
