package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/coreemu/core/internal/client"
	"github.com/coreemu/core/internal/logging"
)

// forwardableSignals is the practical subset of the reference client's
// "every catchable signal" forwarding: Go's signal package can only
// usefully intercept signals a process legitimately expects to handle,
// not the runtime-reserved ones (SIGSEGV, SIGBUS, ...), and SIGKILL/
// SIGSTOP were never catchable in the original either.
var forwardableSignals = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGTERM,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
	syscall.SIGTSTP,
	syscall.SIGCONT,
}

// forwardSignals relays every signal in forwardableSignals to the server
// as CMDSIGNAL{cmdid, signum}. Returns a stop func to unregister on exit.
func forwardSignals(cl *client.Client, cmdid int32, log *logging.Logger) func() {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, forwardableSignals...)

	go func() {
		for sig := range ch {
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			if err := cl.Kill(cmdid, int32(s)); err != nil {
				log.Warn("forward signal failed", logging.Ctx{"signal": sig.String(), "err": err.Error()})
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

// setupRawTerminal puts the local terminal into raw mode for the duration
// of a PTY session, returning a func that restores it. Returns nil if the
// terminal could not be made raw (stdout is not actually a terminal).
func setupRawTerminal(log *logging.Logger) func() {
	fd := int(os.Stdout.Fd())

	state, err := term.MakeRaw(fd)
	if err != nil {
		log.Warn("could not set terminal raw mode", logging.Ctx{"err": err.Error()})
		return nil
	}

	return func() {
		if err := term.Restore(fd, state); err != nil {
			log.Warn("could not restore terminal", logging.Ctx{"err": err.Error()})
		}
	}
}

// propagateWinsize copies the local terminal's current size onto pty,
// matching the reference's sigwinch_handler.
func propagateWinsize(pty *os.File, log *logging.Logger) {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return
	}
	if err := unix.IoctlSetWinsize(int(pty.Fd()), unix.TIOCSWINSZ, ws); err != nil {
		log.Warn("could not set pty window size", logging.Ctx{"err": err.Error()})
	}
}

// watchWinsize re-propagates the window size on every SIGWINCH until the
// returned stop func runs.
func watchWinsize(pty *os.File, log *logging.Logger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)

	go func() {
		for range ch {
			propagateWinsize(pty, log)
		}
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

// relay copies src to dst until src returns EOF or an error, the way the
// reference's single-buffer ev_io read/write callback forwards PTY I/O.
func relay(dst io.Writer, src io.Reader) {
	_, _ = io.Copy(dst, src)
}
