// Package netns brings a freshly started vnoded up inside its own set of
// Linux namespaces.
//
// The reference implementation does this with clone(2): fork into new
// mount/uts/ipc/pid/net namespaces, have the parent print the child's pid
// and exit, and let the child finish setup as the namespace's pid 1. A Go
// process can't safely call a raw clone() that keeps running Go code in the
// child — the runtime's other OS threads don't come along for the ride — so
// Bringup gets there by re-executing the same binary with
// SysProcAttr.Cloneflags set, handing it the already-bound control socket
// across the exec via ExtraFiles.
package netns

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/coreemu/core/internal/logging"
)

// reexecEnv flags a process as the re-exec'd namespace leader rather than
// the original, unshared process that is about to hand off and exit.
const reexecEnv = "VNODED_NS_REEXEC"

// listenerFD is the fd number the control socket lands on in the re-exec'd
// child: fd 0-2 are stdio (inherited as-is), so the first ExtraFiles entry
// is fd 3.
const listenerFD = 3

// cloneFlags matches NSCLONEFLGS from the reference nsfork(): a fresh mount,
// uts, ipc, pid and net namespace per container.
const cloneFlags = syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWPID | syscall.CLONE_NEWNET

// Config controls how Bringup establishes the daemon's namespaces.
type Config struct {
	// Listener is the already-bound control-channel socket. When
	// Namespaces is set, Bringup hands its fd across the re-exec and
	// closes the original in this process.
	Listener *net.UnixListener

	// Namespaces selects the normal clone-into-a-fresh-namespace-set
	// path. False is the "-n" debug mode: vnoded stays in the caller's
	// namespaces.
	Namespaces bool

	// Chdir is an optional working directory for the namespace leader.
	Chdir string

	Log *logging.Logger
}

// Result reports which process should continue running the event loop.
type Result struct {
	// Detached is true in the original, pre-exec process: the caller
	// should print ChildPID and exit without touching Listener.
	Detached bool
	ChildPID int

	// Listener is set on the process that should run the event loop:
	// either the re-exec'd namespace leader, or the original process
	// itself when Namespaces was false.
	Listener *net.UnixListener
}

// Bringup establishes the namespace set Config asks for and reports which
// of the current process and a freshly spawned one should continue as the
// daemon.
func Bringup(cfg Config) (*Result, error) {
	if os.Getenv(reexecEnv) == "1" {
		return finishAsNamespaceLeader(cfg)
	}

	if !cfg.Namespaces {
		if err := chdirIfSet(cfg.Chdir); err != nil {
			return nil, err
		}
		return &Result{Listener: cfg.Listener}, nil
	}

	return reexecIntoNamespaces(cfg)
}

func chdirIfSet(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("netns: chdir %s: %w", dir, err)
	}
	return nil
}

// reexecIntoNamespaces spawns a copy of the running binary into a fresh
// namespace set, passing the control socket across as fd 3, then reports
// that this process is done and should exit.
func reexecIntoNamespaces(cfg Config) (*Result, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("netns: resolve self: %w", err)
	}

	lf, err := cfg.Listener.File()
	if err != nil {
		return nil, fmt.Errorf("netns: dup listener for handoff: %w", err)
	}
	defer lf.Close()

	cmd := &exec.Cmd{
		Path:       self,
		Args:       os.Args,
		Env:        append(os.Environ(), reexecEnv+"=1"),
		ExtraFiles: []*os.File{lf},
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: cloneFlags,
		},
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("netns: start namespace leader: %w", err)
	}

	// The daemon now lives in the child; this process's copy of the
	// socket is just a dup from here on.
	_ = cfg.Listener.Close()

	return &Result{Detached: true, ChildPID: cmd.Process.Pid}, nil
}

// finishAsNamespaceLeader runs in the re-exec'd child: it mounts the private
// /proc and /sys the new namespaces need, adopts the handed-off control
// socket, and closes everything else it inherited.
func finishAsNamespaceLeader(cfg Config) (*Result, error) {
	mountPrivateFilesystems(cfg.Log)

	if err := chdirIfSet(cfg.Chdir); err != nil {
		return nil, err
	}

	l, err := adoptListener(listenerFD)
	if err != nil {
		return nil, err
	}

	closeInherited(cfg.Log, listenerFD)

	return &Result{Listener: l}, nil
}

// mountPrivateFilesystems matches nssetup(): remount / as a slave mount so
// the container's mount changes don't propagate to the host, then mount a
// namespace-private /proc. /sys is mounted best-effort — it fails under an
// unprivileged net-only namespace set and that is not fatal.
func mountPrivateFilesystems(log *logging.Logger) {
	warn := func(op string, err error) {
		if err == nil || log == nil {
			return
		}
		log.WithError(err).Warn("netns: mount failed", logging.Ctx{"op": op})
	}

	warn("remount / MS_SLAVE|MS_REC", unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""))
	warn("mount /proc", unix.Mount("proc", "/proc", "proc", 0, ""))
	warn("mount /sys", unix.Mount("sysfs", "/sys", "sysfs", 0, ""))
}

func adoptListener(fd int) (*net.UnixListener, error) {
	f := os.NewFile(uintptr(fd), "vnoded-control")
	if f == nil {
		return nil, fmt.Errorf("netns: fd %d not open in re-exec'd process", fd)
	}

	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("netns: adopt control socket: %w", err)
	}
	_ = f.Close()

	ul, ok := l.(*net.UnixListener)
	if !ok {
		return nil, fmt.Errorf("netns: fd %d is not a unix listener", fd)
	}

	return ul, nil
}

// closeInherited walks /proc/self/fd closing everything except stdio and
// the fds named in keep, matching close_inherited()'s sweep in LXD's
// forkexec shim.
func closeInherited(log *logging.Logger, keep ...int) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("netns: could not enumerate inherited fds")
		}
		return
	}

	keepSet := make(map[int]bool, len(keep)+3)
	for _, fd := range []int{0, 1, 2} {
		keepSet[fd] = true
	}
	for _, fd := range keep {
		keepSet[fd] = true
	}

	for _, e := range entries {
		fd, err := parseFDName(e.Name())
		if err != nil || keepSet[fd] {
			continue
		}
		_ = unix.Close(fd)
	}
}

func parseFDName(name string) (int, error) {
	var fd int
	if _, err := fmt.Sscanf(name, "%d", &fd); err != nil {
		return 0, err
	}
	return fd, nil
}
