package server

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// reapEvent is a {pid, waitstatus} pair the event loop folds back into
// the command table.
type reapEvent struct {
	pid    int
	status unix.WaitStatus
}

// runReaper is the Go rendition of the reference supervisor's third event
// source. Where the C event loop gets woken by a self-pipe written from a
// SIGCHLD handler, this goroutine is woken directly by signal.Notify and
// drains every reapable child with non-blocking wait4, exactly like the
// WNOHANG polling loop in nssetup's shutdown path.
func runReaper(out chan<- reapEvent, done <-chan struct{}) {
	sigchld := make(chan os.Signal, 16)
	signal.Notify(sigchld, syscall.SIGCHLD)
	defer signal.Stop(sigchld)

	drain := func() {
		for {
			var status unix.WaitStatus
			pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
			if err != nil || pid <= 0 {
				return
			}
			select {
			case out <- reapEvent{pid: pid, status: status}:
			case <-done:
				return
			}
		}
	}

	for {
		select {
		case <-done:
			return
		case <-sigchld:
			drain()
		}
	}
}
