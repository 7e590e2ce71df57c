package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coreemu/core/internal/protocol"
)

// testServer starts a Server on a throwaway socket path and returns it
// along with a teardown func. Namespaces are never requested here: these
// tests run as an ordinary process, exercising only the event loop and
// command bookkeeping, the same scope vnoded's "-n" debug mode covers.
func testServer(t *testing.T) (*Server, string) {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "ctrl.sock")
	ln, err := protocol.Listen(sockPath)
	require.NoError(t, err)

	srv := New(ln, Config{SocketPath: sockPath})
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)

	return srv, sockPath
}

func dial(t *testing.T, path string) *protocol.Conn {
	t.Helper()
	c, err := protocol.Dial(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendCmdReq(t *testing.T, c *protocol.Conn, cmdid int32, argv []string) {
	t.Helper()
	tlvs := []protocol.TLV{protocol.Int32TLV(protocol.TLVCmdID, cmdid)}
	for _, a := range argv {
		tlvs = append(tlvs, protocol.StringTLV(protocol.TLVCmdArg, a))
	}
	msg := &protocol.Message{Type: protocol.MsgCmdReq, TLVs: tlvs}
	require.NoError(t, c.Send(msg, nil))
}

func recvAck(t *testing.T, c *protocol.Conn) (cmdid int32, pid int32) {
	t.Helper()
	msg, fds, err := c.Recv()
	require.NoError(t, err)
	require.Empty(t, fds)
	require.Equal(t, protocol.MsgCmdReqAck, msg.Type)

	idTLV, ok := msg.First(protocol.TLVCmdID)
	require.True(t, ok)
	id, err := idTLV.Int32()
	require.NoError(t, err)

	pidTLV, ok := msg.First(protocol.TLVCmdPid)
	require.True(t, ok)
	p, err := pidTLV.Int32()
	require.NoError(t, err)

	return id, p
}

func recvStatus(t *testing.T, c *protocol.Conn) (cmdid int32, status unix.WaitStatus) {
	t.Helper()
	msg, fds, err := c.Recv()
	require.NoError(t, err)
	require.Empty(t, fds)
	require.Equal(t, protocol.MsgCmdStatus, msg.Type)

	idTLV, ok := msg.First(protocol.TLVCmdID)
	require.True(t, ok)
	id, err := idTLV.Int32()
	require.NoError(t, err)

	stTLV, ok := msg.First(protocol.TLVCmdStatus)
	require.True(t, ok)
	st, err := stTLV.Int32()
	require.NoError(t, err)

	return id, unix.WaitStatus(st)
}

func TestExitCodeRoundTrip(t *testing.T) {
	_, sockPath := testServer(t)
	c := dial(t, sockPath)

	sendCmdReq(t, c, 1, []string{"/bin/sh", "-c", "exit 7"})

	ackID, pid := recvAck(t, c)
	require.Equal(t, int32(1), ackID)
	require.Greater(t, pid, int32(0))

	statusID, status := recvStatus(t, c)
	require.Equal(t, int32(1), statusID)
	require.True(t, status.Exited())
	require.Equal(t, 7, status.ExitStatus())
}

// TestAckPrecedesStatusForFastExitingCommand guards against the
// CMDREQACK/CMDSTATUS ordering race: /bin/true can exit and be reaped
// before the ack's sendmsg(2) and table insert would have completed under
// the old ordering, which either dropped the status (unknown-pid reap) or
// let CMDSTATUS overtake CMDREQACK on the wire. Repeated across many
// cmdids to keep the race live.
func TestAckPrecedesStatusForFastExitingCommand(t *testing.T) {
	_, sockPath := testServer(t)
	c := dial(t, sockPath)

	const n = 50
	for i := int32(1); i <= n; i++ {
		sendCmdReq(t, c, i, []string{"/bin/true"})

		_ = c.Underlying().SetReadDeadline(time.Now().Add(2 * time.Second))
		ackID, pid := recvAck(t, c)
		require.Equal(t, i, ackID)
		require.Greater(t, pid, int32(0))

		_ = c.Underlying().SetReadDeadline(time.Now().Add(2 * time.Second))
		statusID, status := recvStatus(t, c)
		require.Equal(t, i, statusID)
		require.True(t, status.Exited())
		require.Equal(t, 0, status.ExitStatus())
	}
}

func TestSignalDelivery(t *testing.T) {
	_, sockPath := testServer(t)
	c := dial(t, sockPath)

	sendCmdReq(t, c, 2, []string{"/bin/sleep", "3600"})
	ackID, pid := recvAck(t, c)
	require.Equal(t, int32(2), ackID)
	require.Greater(t, pid, int32(0))

	sig := &protocol.Message{Type: protocol.MsgCmdSignal, TLVs: []protocol.TLV{
		protocol.Int32TLV(protocol.TLVCmdID, 2),
		protocol.Int32TLV(protocol.TLVSignum, int32(unix.SIGTERM)),
	}}
	require.NoError(t, c.Send(sig, nil))

	_ = c.Underlying().SetReadDeadline(time.Now().Add(2 * time.Second))
	statusID, status := recvStatus(t, c)
	require.Equal(t, int32(2), statusID)
	require.True(t, status.Signaled())
	require.Equal(t, unix.SIGTERM, status.Signal())
}

func TestUnownedSignalIsIgnored(t *testing.T) {
	_, sockPath := testServer(t)
	a := dial(t, sockPath)
	b := dial(t, sockPath)

	sendCmdReq(t, a, 3, []string{"/bin/sleep", "3600"})
	ackID, pid := recvAck(t, a)
	require.Equal(t, int32(3), ackID)
	require.Greater(t, pid, int32(0))
	t.Cleanup(func() { _ = unix.Kill(int(pid), unix.SIGKILL) })

	sig := &protocol.Message{Type: protocol.MsgCmdSignal, TLVs: []protocol.TLV{
		protocol.Int32TLV(protocol.TLVCmdID, 3),
		protocol.Int32TLV(protocol.TLVSignum, int32(unix.SIGTERM)),
	}}
	require.NoError(t, b.Send(sig, nil))

	_ = a.Underlying().SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := a.Recv()
	require.Error(t, err, "client A should not observe a CMDSTATUS from client B's signal")
}
