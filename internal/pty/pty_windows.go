//go:build windows

package pty

import "errors"

// Spawn always fails; ConPTY is not wired up.
func (PTYSpawner) Spawn(spec ProcessSpec, h ProcessHandler) (Process, error) {
	return nil, errors.New("pty sessions are not supported on windows")
}
