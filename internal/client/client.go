// Package client implements the vcmd side of the control channel: it
// submits command requests, correlates CMDREQACK/CMDSTATUS replies back to
// the caller, and forwards signals.
//
// The reference client is meant to be driven from someone else's event
// loop; this port keeps that shape as a reader goroutine plus a
// mutex-guarded in-flight table instead of a readiness callback, so an
// embedder can treat Open/Cmdreq/Close as ordinary blocking-ish calls.
// OnDone fires from the reader goroutine, which may not be the one that
// called Cmdreq.
package client

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/coreemu/core/internal/protocol"
)

// OnDone is invoked exactly once per successful Cmdreq, reporting the
// same cmdid Cmdreq returned.
type OnDone func(cmdid int32, pid int32, status int32)

// argMax bounds argc; argc == argMax is rejected, not just argc > argMax.
const argMax = 1024

var (
	ErrEmptyArgv    = errors.New("client: empty argv")
	ErrArgMax       = errors.New("client: argc >= ARGMAX")
	ErrClientClosed = errors.New("client: closed")
)

type inflight struct {
	pid    int32
	onDone OnDone
}

// Client is a connected command client. Not safe for concurrent Cmdreq
// calls to race with Close, but concurrent Cmdreq calls from multiple
// goroutines are fine — the in-flight table is mutex-guarded.
type Client struct {
	conn    *protocol.Conn
	onIOErr func(error)

	mu      sync.Mutex
	nextID  int32
	table   map[int32]*inflight
	closed  bool
	readErr chan struct{}
}

// Open dials path and starts the reader goroutine. onIOErr, if non-nil, is
// invoked once when the reader observes a hard connection error; after
// that every still-outstanding command is resolved with status -1.
func Open(path string, onIOErr func(error)) (*Client, error) {
	conn, err := protocol.Dial(path)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		onIOErr: onIOErr,
		table:   make(map[int32]*inflight),
		readErr: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Cmdreq submits argv for execution with the given I/O variant. On a
// successful send the client's references to the command's child-side
// descriptors are already closed; the returned IOHandle holds only the
// caller-facing ends.
func (c *Client) Cmdreq(argv []string, variant IOVariant, fdReq FDRequest, onDone OnDone) (cmdid int32, handle *IOHandle, err error) {
	if len(argv) == 0 {
		return 0, nil, ErrEmptyArgv
	}
	if len(argv) >= argMax {
		return 0, nil, ErrArgMax
	}

	sendFDs, toClose, handle, err := prepareIO(variant, fdReq)
	if err != nil {
		return 0, nil, err
	}

	c.mu.Lock()
	if c.closed || c.table == nil {
		c.mu.Unlock()
		closeFiles(toClose)
		handle.Close()
		return 0, nil, ErrClientClosed
	}
	id := c.nextID
	c.nextID++
	// Registered before the send so the reader goroutine can match a
	// CMDREQACK/CMDSTATUS that arrives before this call returns.
	c.table[id] = &inflight{pid: -1, onDone: onDone}
	c.mu.Unlock()

	tlvs := make([]protocol.TLV, 0, len(argv)+1)
	tlvs = append(tlvs, protocol.Int32TLV(protocol.TLVCmdID, id))
	for _, a := range argv {
		tlvs = append(tlvs, protocol.StringTLV(protocol.TLVCmdArg, a))
	}
	msg := &protocol.Message{Type: protocol.MsgCmdReq, TLVs: tlvs}

	sendErr := c.conn.Send(msg, sendFDs)
	closeFiles(toClose)

	if sendErr != nil {
		c.mu.Lock()
		delete(c.table, id)
		c.mu.Unlock()
		handle.Close()
		return 0, nil, fmt.Errorf("client: send CMDREQ: %w", sendErr)
	}

	return id, handle, nil
}

// Kill sends CMDSIGNAL{cmdid, signum}. No reply is expected.
func (c *Client) Kill(cmdid int32, signum int32) error {
	msg := &protocol.Message{Type: protocol.MsgCmdSignal, TLVs: []protocol.TLV{
		protocol.Int32TLV(protocol.TLVCmdID, cmdid),
		protocol.Int32TLV(protocol.TLVSignum, signum),
	}}
	return c.conn.Send(msg, nil)
}

// Close stops the reader, closes the connection, and resolves every
// still-in-flight command with status -1 so no caller waits forever.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.table
	c.table = nil
	c.mu.Unlock()

	err := c.conn.Close()

	for id, e := range pending {
		if e.onDone != nil {
			e.onDone(id, e.pid, -1)
		}
	}

	return err
}

func (c *Client) readLoop() {
	for {
		msg, fds, err := c.conn.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				continue
			}
			c.handleIOError(err)
			return
		}
		closeFDs(fds) // CMDREQACK/CMDSTATUS never carry fds

		switch msg.Type {
		case protocol.MsgCmdReqAck:
			c.handleAck(msg)
		case protocol.MsgCmdStatus:
			c.handleStatus(msg)
		}
	}
}

func (c *Client) handleAck(msg *protocol.Message) {
	idTLV, ok := msg.First(protocol.TLVCmdID)
	if !ok {
		return
	}
	id, err := idTLV.Int32()
	if err != nil {
		return
	}

	pidTLV, ok := msg.First(protocol.TLVCmdPid)
	if !ok {
		return
	}
	pid, err := pidTLV.Int32()
	if err != nil {
		return
	}

	c.mu.Lock()
	entry, ok := c.table[id]
	if !ok {
		c.mu.Unlock()
		return
	}

	if pid == -1 {
		delete(c.table, id)
		c.mu.Unlock()
		if entry.onDone != nil {
			entry.onDone(id, -1, -1)
		}
		return
	}

	entry.pid = pid
	c.mu.Unlock()
}

func (c *Client) handleStatus(msg *protocol.Message) {
	idTLV, ok := msg.First(protocol.TLVCmdID)
	if !ok {
		return
	}
	id, err := idTLV.Int32()
	if err != nil {
		return
	}

	stTLV, ok := msg.First(protocol.TLVCmdStatus)
	if !ok {
		return
	}
	status, err := stTLV.Int32()
	if err != nil {
		return
	}

	c.mu.Lock()
	entry, ok := c.table[id]
	if ok {
		delete(c.table, id)
	}
	c.mu.Unlock()

	if ok && entry.onDone != nil {
		entry.onDone(id, entry.pid, status)
	}
}

func (c *Client) handleIOError(err error) {
	c.mu.Lock()
	pending := c.table
	c.table = nil
	c.mu.Unlock()

	if c.onIOErr != nil {
		c.onIOErr(err)
	}

	for id, e := range pending {
		if e.onDone != nil {
			e.onDone(id, e.pid, -1)
		}
	}
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
