package protocol

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MaxFDs is the number of file descriptors a CMDREQ's SCM_RIGHTS bundle
// carries: stdin, stdout, stderr, in that order.
const MaxFDs = 3

// Conn is a single control-channel connection: a SOCK_SEQPACKET UNIX
// socket ("unixpacket" in net's vocabulary) that frames TLV messages and
// may carry fds via SCM_RIGHTS.
//
// Each datagram is exactly one message; because the transport preserves
// record boundaries there is no re-assembly to do, unlike a stream
// socket. Send and Recv keep no state of their own beyond the socket, and
// each is a single sendmsg(2)/recvmsg(2), so concurrent calls do not
// corrupt one another; Conn does not order concurrent sends. Callers that
// need an order serialize their sends (the server's per-connection
// sendMu) and dispatch each received message before the next Recv.
type Conn struct {
	uc *net.UnixConn
}

// NewConn wraps an established unixpacket connection.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Underlying returns the wrapped socket, e.g. for SetDeadline or File().
func (c *Conn) Underlying() *net.UnixConn {
	return c.uc
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// Send frames msg and writes it in a single sendmsg(2) call. If fds is
// non-empty it is attached as one SCM_RIGHTS control message built
// byte-exactly from a cmsghdr plus len(fds) ints — the kernel silently
// drops malformed control data, so the layout has to be right the first
// time (unix.UnixRights constructs it correctly).
//
// A short send is a fatal error on the connection.
func (c *Conn) Send(msg *Message, fds []int) error {
	if len(fds) > MaxFDs {
		return fmt.Errorf("protocol: too many fds: %d", len(fds))
	}

	b := NewBuilder()
	for _, tlv := range msg.TLVs {
		b.raw(tlv.Type, tlv.Val)
	}

	payload := b.Bytes()
	if headerSize+len(payload) > MaxFrameSize {
		return fmt.Errorf("protocol: frame too large: %d bytes", headerSize+len(payload))
	}

	frame := make([]byte, headerSize+len(payload))
	nativeEndian.PutUint32(frame[0:4], uint32(msg.Type))
	nativeEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, oobn, err := c.uc.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("protocol: sendmsg: %w", err)
	}

	if n != len(frame) || oobn != len(oob) {
		return fmt.Errorf("protocol: short sendmsg: wrote %d/%d data, %d/%d oob", n, len(frame), oobn, len(oob))
	}

	return nil
}

// Recv reads one datagram and decodes it.
//
// Return conventions:
//   - a nil Message with ErrMalformed: the datagram was received but
//     must be ignored; the connection stays open and the caller should
//     call Recv again. Any fds that arrived with a discarded datagram
//     are closed here so they don't leak.
//   - a nil Message with any other error: the peer closed the
//     connection or a hard I/O error occurred; the caller must tear the
//     connection down.
//   - a non-nil Message with a nil error: a well-formed message, plus
//     any fds sent alongside it (only CMDREQ carries any; ownership of
//     those fds passes to the caller).
func (c *Conn) Recv() (*Message, []int, error) {
	data := make([]byte, MaxFrameSize)
	oob := make([]byte, unix.CmsgSpace(4*MaxFDs))

	n, oobn, _, _, err := c.uc.ReadMsgUnix(data, oob)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: recvmsg: %w", err)
	}

	fds := parseRights(oob[:oobn])

	msg, parseErr := decodeFrame(data[:n])
	if parseErr != nil {
		closeFDs(fds)
		return nil, nil, parseErr
	}

	return msg, fds, nil
}

func decodeFrame(frame []byte) (*Message, error) {
	if len(frame) < headerSize {
		return nil, ErrMalformed
	}

	mtype := MessageType(nativeEndian.Uint32(frame[0:4]))
	datalen := nativeEndian.Uint32(frame[4:8])

	if !mtype.Valid() {
		return nil, ErrMalformed
	}

	if int(datalen) != len(frame)-headerSize {
		return nil, ErrMalformed
	}

	tlvs, err := parseTLVs(frame[headerSize:])
	if err != nil {
		return nil, err
	}

	return &Message{Type: mtype, TLVs: tlvs}, nil
}

func parseRights(oob []byte) []int {
	if len(oob) == 0 {
		return nil
	}

	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil || len(scms) == 0 {
		return nil
	}

	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return nil
	}

	return fds
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
