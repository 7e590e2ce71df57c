package client

import (
	"fmt"
	"os"

	"github.com/creack/pty"
)

// IOVariant selects how a submitted command's stdio is wired: closed,
// passed through verbatim, piped, or attached to a pseudo-terminal.
type IOVariant int

const (
	// IONone closes the child's stdio (left on /dev/null).
	IONone IOVariant = iota
	// IOFD passes caller-supplied fds through verbatim.
	IOFD
	// IOPipe allocates three pipes; the caller keeps the parent ends.
	IOPipe
	// IOPTY allocates a pseudo-terminal; the caller keeps the master.
	IOPTY
)

// IOHandle is the caller-facing half of a submitted command's I/O. Only
// the fields matching Variant are populated.
type IOHandle struct {
	Variant IOVariant

	// Stdin/Stdout/Stderr are populated for IOPipe: Stdin is the write
	// end the caller writes the child's input to, Stdout/Stderr are the
	// read ends the child's output arrives on.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// PTY is the master side of the pseudo-terminal for IOPTY,
	// bidirectional: write to send input, read to receive output.
	PTY *os.File
}

// Close releases every caller-facing fd in the handle. Safe to call on a
// handle with unset fields.
func (h *IOHandle) Close() {
	if h == nil {
		return
	}
	for _, f := range []*os.File{h.Stdin, h.Stdout, h.Stderr, h.PTY} {
		if f != nil {
			_ = f.Close()
		}
	}
}

// FDRequest is the caller-supplied triple for IOFD: fds the command's
// stdin/stdout/stderr should become directly.
type FDRequest struct {
	Stdin, Stdout, Stderr int
}

// prepareIO builds the three fds to ship over SCM_RIGHTS for variant, the
// *os.File(s) backing them (which Cmdreq closes exactly once each after
// the send), and the IOHandle the caller keeps.
func prepareIO(variant IOVariant, fdReq FDRequest) (sendFDs []int, toClose []*os.File, handle *IOHandle, err error) {
	switch variant {
	case IONone:
		return nil, nil, &IOHandle{Variant: IONone}, nil

	case IOFD:
		// The caller owns these as raw fds, not *os.File; wrap purely to
		// give the post-send close a single safe owner each.
		in := os.NewFile(uintptr(fdReq.Stdin), "cmdio-in")
		out := os.NewFile(uintptr(fdReq.Stdout), "cmdio-out")
		errF := os.NewFile(uintptr(fdReq.Stderr), "cmdio-err")
		return []int{fdReq.Stdin, fdReq.Stdout, fdReq.Stderr}, []*os.File{in, out, errF}, &IOHandle{Variant: IOFD}, nil

	case IOPipe:
		inR, inW, err := os.Pipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("client: stdin pipe: %w", err)
		}
		outR, outW, err := os.Pipe()
		if err != nil {
			inR.Close()
			inW.Close()
			return nil, nil, nil, fmt.Errorf("client: stdout pipe: %w", err)
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			inR.Close()
			inW.Close()
			outR.Close()
			outW.Close()
			return nil, nil, nil, fmt.Errorf("client: stderr pipe: %w", err)
		}

		handle = &IOHandle{Variant: IOPipe, Stdin: inW, Stdout: outR, Stderr: errR}
		return []int{int(inR.Fd()), int(outW.Fd()), int(errW.Fd())}, []*os.File{inR, outW, errW}, handle, nil

	case IOPTY:
		master, slave, err := pty.Open()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("client: open pty: %w", err)
		}
		handle = &IOHandle{Variant: IOPTY, PTY: master}
		fd := int(slave.Fd())
		return []int{fd, fd, fd}, []*os.File{slave}, handle, nil

	default:
		return nil, nil, nil, fmt.Errorf("client: unknown IO variant %d", variant)
	}
}
