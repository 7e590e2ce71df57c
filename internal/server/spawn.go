package server

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// spawnResult is what forkexec reports back: the pid on success, or -1 on
// failure, mirroring vnode_cmd.c's forkexec() return convention.
type spawnResult struct {
	pid int
	err error
}

// forkexec launches argv with in/out/err dup'd onto the child's stdio. A
// fd of -1 leaves that stream on /dev/null, matching the reference
// DUP2/CLOSE_IF_NOT macros where a negative fd is simply left alone.
//
// Go can't literally fork() a multi-threaded runtime and keep running Go
// code in the child, so os/exec stands in for fork+dup2+execvp: its
// ProcAttr.Files plumbing does the dup2-onto-0/1/2 dance in the
// single-threaded post-fork child exactly like the C version's DUP2
// macro, and SysProcAttr.{Setsid,Setctty} replace the explicit
// setsid()/ioctl(TIOCSCTTY) calls.
func forkexec(argv []string, in, out, err int) spawnResult {
	cmd := exec.Command(argv[0], argv[1:]...)

	var closeAfterStart []int
	var stdin, stdout, stderr *os.File

	assign := func(fd int, dst **os.File) {
		if fd < 0 {
			return
		}
		// O_NONBLOCK is a file-status flag on the open file description,
		// not the fd number, so it survives both the SCM_RIGHTS transfer
		// that brought this fd in (os.Pipe's ends are always opened
		// non-blocking) and the dup2 onto 0/1/2 below. Clear it here so
		// the child execs with ordinary blocking stdio, matching
		// clear_nonblock().
		_ = unix.SetNonblock(fd, false)
		*dst = os.NewFile(uintptr(fd), "cmdio")
		closeAfterStart = append(closeAfterStart, fd)
	}

	assign(in, &stdin)
	assign(out, &stdout)
	assign(err, &stderr)

	if stdin != nil {
		cmd.Stdin = stdin
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	attr := &syscall.SysProcAttr{Setsid: true}
	if isTTY(in) {
		attr.Setctty = true
		attr.Ctty = 0
	} else if isTTY(out) {
		attr.Setctty = true
		attr.Ctty = 1
	}
	cmd.SysProcAttr = attr

	startErr := cmd.Start()

	// The child's dup2'd copies are all it needs; drop ours the way the
	// reference parent-side CLOSE(fd) macro does, win or lose.
	for _, fd := range closeAfterStart {
		_ = unix.Close(fd)
	}

	if startErr != nil {
		return spawnResult{pid: -1, err: startErr}
	}

	pid := cmd.Process.Pid
	// Release so a later cmd.Wait() isn't required and isn't possible
	// from this goroutine anyway: reaping happens centrally via the
	// server's SIGCHLD-driven reaper, not per-spawn.
	_ = cmd.Process.Release()

	return spawnResult{pid: pid}
}

// isTTY reports whether fd refers to a terminal, the Go equivalent of
// isatty() used to decide whether to claim a controlling tty.
func isTTY(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}
