package server

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	errEmptyArgv = errors.New("server: empty argv")
	errArgMax    = errors.New("server: argc >= ARGMAX")
)

// signalProcess sends signum to pid, the Go side of kill(2).
func signalProcess(pid, signum int) error {
	return unix.Kill(pid, unix.Signal(signum))
}
