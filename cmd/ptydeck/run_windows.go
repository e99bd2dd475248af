//go:build windows

package main

import "errors"

func handleRun(args []string) (int, error) {
	return 1, errors.New("run requires a POSIX terminal; use 'ptydeck serve' on Windows")
}
