package server

import (
	"github.com/coreemu/core/internal/logging"
	"github.com/coreemu/core/internal/protocol"
)

// argMax bounds argc; argc == argMax is rejected, not just argc > argMax.
const argMax = 1024

// handleCmdReq forks/execs the requested command and acks with the
// resulting pid (or -1 on failure). The pid-to-cmdid mapping is installed
// before the ack is sent: the reaper runs on its own goroutine and can
// observe SIGCHLD for a short-lived child before this handler's sendmsg(2)
// and the caller ever see CMDREQACK, so the table has to be ready first.
// The table lookup, not the ack send, is what has to happen-before the
// reap.
func (s *Server) handleCmdReq(c *connClient, msg *protocol.Message, fds []int) {
	cmdidTLV, ok := msg.First(protocol.TLVCmdID)
	if !ok {
		closeFDs(fds)
		c.log.Warn("CMDREQ missing CMDID")
		return
	}
	cmdid, err := cmdidTLV.Int32()
	if err != nil {
		closeFDs(fds)
		c.log.Warn("CMDREQ malformed CMDID")
		return
	}

	argv, err := decodeArgv(msg)
	if err != nil {
		closeFDs(fds)
		c.log.Warn("CMDREQ rejected", logging.Ctx{"cmdid": cmdid, "err": err.Error()})
		return
	}

	in, out, errFD, ok := decodeCmdio(fds)
	if !ok {
		closeFDs(fds)
		c.log.Warn("CMDREQ carried an invalid fd bundle", logging.Ctx{"cmdid": cmdid, "nfds": len(fds)})
		return
	}

	c.log.Debug("spawning", logging.Ctx{"cmdid": cmdid, "argv0": argv[0]})
	res := forkexec(argv, in, out, errFD)

	ack := &protocol.Message{
		Type: protocol.MsgCmdReqAck,
		TLVs: []protocol.TLV{
			protocol.Int32TLV(protocol.TLVCmdID, cmdid),
			protocol.Int32TLV(protocol.TLVCmdPid, int32(res.pid)),
		},
	}

	if res.err != nil {
		c.log.Warn("fork/exec failed", logging.Ctx{"cmdid": cmdid, "err": res.err.Error()})
		_ = c.conn.Send(ack, nil)
		return
	}

	entry := &commandEntry{cmdid: cmdid, pid: res.pid, owner: c.id}

	// sendMu is held across the insert and the ack send: the reaper can
	// observe this pid's SIGCHLD on its own goroutine the instant
	// forkexec returns, so the table has to be ready first, but holding
	// sendMu here too blocks handleReap's CMDSTATUS send (it takes the
	// same lock) until this CMDREQACK send has completed, keeping the
	// two messages in order on the wire despite the table update
	// happening before either send starts.
	c.sendMu.Lock()
	s.mu.Lock()
	s.commands.insert(entry)
	s.mu.Unlock()

	sendErr := c.conn.Send(ack, nil)
	c.sendMu.Unlock()

	if sendErr != nil {
		// Client went away between receive and ack. The child is
		// intentionally left running and reaped normally; its status
		// will simply have no owner to deliver to.
		c.log.Warn("CMDREQACK send failed, child left running", logging.Ctx{"cmdid": cmdid, "pid": res.pid})
	}
}

// handleCmdSignal allows a client to signal only commands it owns,
// checked by connection id rather than trusting the cmdid alone.
func (s *Server) handleCmdSignal(c *connClient, msg *protocol.Message) {
	cmdidTLV, ok := msg.First(protocol.TLVCmdID)
	if !ok {
		c.log.Warn("CMDSIGNAL missing CMDID")
		return
	}
	cmdid, err := cmdidTLV.Int32()
	if err != nil {
		c.log.Warn("CMDSIGNAL malformed CMDID")
		return
	}

	signumTLV, ok := msg.First(protocol.TLVSignum)
	if !ok {
		c.log.Warn("CMDSIGNAL missing SIGNUM", logging.Ctx{"cmdid": cmdid})
		return
	}
	signum, err := signumTLV.Int32()
	if err != nil {
		c.log.Warn("CMDSIGNAL malformed SIGNUM", logging.Ctx{"cmdid": cmdid})
		return
	}

	s.mu.Lock()
	entry, ok := s.commands.byCmdid(cmdid)
	owned := ok && entry.owner == c.id
	var pid int
	if owned {
		pid = entry.pid
	}
	s.mu.Unlock()

	if !owned {
		c.log.Warn("CMDSIGNAL for unowned or unknown cmdid", logging.Ctx{"cmdid": cmdid})
		return
	}

	if err := signalProcess(pid, int(signum)); err != nil {
		c.log.Warn("kill() failed", logging.Ctx{"pid": pid, "signum": signum, "err": err.Error()})
	}
}

func decodeArgv(msg *protocol.Message) ([]string, error) {
	tlvs := msg.All(protocol.TLVCmdArg)
	if len(tlvs) == 0 {
		return nil, errEmptyArgv
	}
	if len(tlvs) >= argMax {
		return nil, errArgMax
	}

	argv := make([]string, 0, len(tlvs))
	for _, t := range tlvs {
		s, err := t.String()
		if err != nil {
			return nil, err
		}
		argv = append(argv, s)
	}
	return argv, nil
}

// decodeCmdio maps the ancillary fd bundle onto {in, out, err}: either
// exactly three fds (NONE is encoded as no fds at all rather than three
// -1 sentinels, since SCM_RIGHTS only ever carries real descriptors) or
// zero fds, meaning all three streams stay on /dev/null.
func decodeCmdio(fds []int) (in, out, errFD int, ok bool) {
	switch len(fds) {
	case 0:
		return -1, -1, -1, true
	case 3:
		return fds[0], fds[1], fds[2], true
	default:
		return 0, 0, 0, false
	}
}
