// Package server implements vnoded's control-channel supervisor: it
// listens on the control socket, accepts clients, spawns requested
// commands, reaps them, and forwards signals and exit status back to the
// client that owns each command.
//
// The reference implementation is a single-threaded libev reactor
// watching three kinds of sources (listening socket, per-client sockets,
// a SIGCHLD-driven reap source). This port keeps the same dispatch
// guarantees — a connection's handler runs a message to completion,
// including its replies, before that connection's next message is read,
// and CMDREQACK always precedes CMDSTATUS for the same cmdid — but
// expresses the three sources as goroutines feeding a single mutex-guarded
// state machine instead of one poll loop.
package server

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/coreemu/core/internal/logging"
	"github.com/coreemu/core/internal/protocol"
)

// Config describes the environment a Server runs in.
type Config struct {
	SocketPath string
	PidFile    string
	// PID1 is true when this process is the namespace's init; it gates
	// the SIGTERM/SIGKILL shutdown sweep on Shutdown.
	PID1 bool
	Log  *logging.Logger
}

// Server owns the listening socket and all server-side state.
type Server struct {
	cfg Config
	log *logging.Logger
	ln  *net.UnixListener

	mu       sync.Mutex
	clients  map[uint64]*connClient
	commands *commandTable
	nextConn uint64

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an already-bound listener (protocol.Listen / netns.Bringup's
// handoff) as a Server.
func New(ln *net.UnixListener, cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Log,
		ln:       ln,
		clients:  make(map[uint64]*connClient),
		commands: newCommandTable(),
		done:     make(chan struct{}),
	}
}

// Serve runs the accept loop, the reaper and the reap consumer until
// Shutdown is called, and returns only after Shutdown's cleanup (including
// the PID-1 sweep) has finished: nil after a clean Shutdown, or the accept
// loop's error if accepting failed before it.
func (s *Server) Serve() error {
	g := new(errgroup.Group)
	reaps := make(chan reapEvent, 32)

	g.Go(func() error {
		runReaper(reaps, s.done)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case ev := <-reaps:
				s.handleReap(ev)
			case <-s.done:
				return nil
			}
		}
	})

	g.Go(func() error {
		return s.acceptLoop()
	})

	err := g.Wait()
	// done is closed at the start of Shutdown's once-func; Do blocks until
	// that func has returned, so the socket/pidfile removal and the sweep
	// are complete before the caller (vnoded's main) can exit.
	s.closeOnce.Do(func() {})
	return err
}

func (s *Server) acceptLoop() error {
	for {
		uc, err := s.ln.AcceptUnix()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return err
			}
		}

		id := atomic.AddUint64(&s.nextConn, 1)
		c := newConnClient(id, protocol.NewConn(uc), s.log)

		s.mu.Lock()
		s.clients[id] = c
		s.mu.Unlock()

		c.log.Debug("client connected")
		go s.handleClient(c)
	}
}

// handleClient reads and dispatches one client's messages synchronously:
// a CMDREQ's CMDREQACK is sent before Recv is called again, preserving
// per-connection message ordering.
func (s *Server) handleClient(c *connClient) {
	defer s.dropClient(c)

	for {
		msg, fds, err := c.conn.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				c.log.Debug("malformed datagram, dropping")
				continue
			}
			c.log.Debug("client connection closed", logging.Ctx{"err": err.Error()})
			return
		}

		switch msg.Type {
		case protocol.MsgCmdReq:
			s.handleCmdReq(c, msg, fds)
		case protocol.MsgCmdSignal:
			closeFDs(fds)
			s.handleCmdSignal(c, msg)
		default:
			closeFDs(fds)
			c.log.Warn("unexpected message type from client", logging.Ctx{"type": msg.Type.String()})
		}
	}
}

func (s *Server) dropClient(c *connClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	_ = c.conn.Close()
	c.log.Debug("client disconnected")
	// Commands this client owned are left running; their status has
	// nowhere to go and is dropped when they are reaped.
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// handleReap matches a reaped pid to its command entry and, if the owning
// client is still connected, sends CMDSTATUS. An unmatched pid (a reaped
// grandchild the command itself forked) is logged and otherwise ignored.
func (s *Server) handleReap(ev reapEvent) {
	s.mu.Lock()
	entry, ok := s.commands.byPid(ev.pid)
	if ok {
		s.commands.remove(entry)
	}
	var owner *connClient
	if ok {
		owner = s.clients[entry.owner]
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("reaped unknown pid", logging.Ctx{"pid": ev.pid})
		return
	}

	if owner == nil {
		s.log.Debug("owning client gone, dropping status", logging.Ctx{"pid": ev.pid, "cmdid": entry.cmdid})
		return
	}

	msg := &protocol.Message{
		Type: protocol.MsgCmdStatus,
		TLVs: []protocol.TLV{
			protocol.Int32TLV(protocol.TLVCmdID, entry.cmdid),
			protocol.Int32TLV(protocol.TLVCmdStatus, int32(ev.status)),
		},
	}

	// Blocks until handleCmdReq's own sendMu-held CMDREQACK send (if one
	// is in flight for this connection) has completed, so CMDSTATUS can
	// never overtake CMDREQACK on the wire for the same cmdid.
	owner.sendMu.Lock()
	sendErr := owner.conn.Send(msg, nil)
	owner.sendMu.Unlock()

	if sendErr != nil {
		owner.log.Warn("send CMDSTATUS failed", logging.Ctx{"cmdid": entry.cmdid, "err": sendErr.Error()})
	}
}

// Shutdown runs once: unlinking the socket and pid file, closing every
// client connection, and — when this process is the namespace's PID 1 —
// sweeping the namespace with SIGTERM then SIGKILL.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ln.Close()

		s.mu.Lock()
		clients := make([]*connClient, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.clients = nil
		s.mu.Unlock()

		for _, c := range clients {
			_ = c.conn.Close()
		}

		if s.cfg.SocketPath != "" {
			_ = os.Remove(s.cfg.SocketPath)
		}
		if s.cfg.PidFile != "" {
			_ = os.Remove(s.cfg.PidFile)
		}

		if s.cfg.PID1 {
			s.sweepNamespace()
		}
	})
}

// sweepNamespace implements the PID-1 shutdown sequence: SIGTERM every
// process in the namespace, poll for reaps with a two-second ceiling
// between polls (cut short by a fresh SIGCHLD), then SIGKILL survivors.
func (s *Server) sweepNamespace() {
	_ = unix.Kill(-1, unix.SIGTERM)

	sigchld := make(chan os.Signal, 16)
	// runReaper already installed its own signal.Notify; this one is a
	// second independent subscription purely to interrupt the sleep
	// below, matching the reference's "handler installed so SIGCHLD
	// interrupts nanosleep" comment.
	notifySigchld(sigchld)
	defer stopSigchld(sigchld)

	for {
		pid, err := unix.Wait4(-1, nil, unix.WNOHANG, nil)
		if err != nil {
			break
		}
		if pid > 0 {
			continue
		}

		select {
		case <-sigchld:
			continue
		case <-time.After(2 * time.Second):
		}

		pid, err = unix.Wait4(-1, nil, unix.WNOHANG, nil)
		if err != nil || pid == 0 {
			break
		}
	}

	_ = unix.Kill(-1, unix.SIGKILL)
}

func notifySigchld(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGCHLD)
}

func stopSigchld(ch chan os.Signal) {
	signal.Stop(ch)
}
