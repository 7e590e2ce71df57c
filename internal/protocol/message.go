// Package protocol implements the length-delimited, type-tag-value wire
// format carried over the control channel's SOCK_SEQPACKET UNIX socket.
//
// A Message is a header {type, datalen} followed by datalen bytes of TLV
// payload; up to three file descriptors travel alongside a CMDREQ as
// SCM_RIGHTS ancillary data rather than as TLVs. Integers are encoded
// native-endian, matching the original protocol's intra-host assumption.
package protocol

import "fmt"

// MessageType identifies the kind of message carried by a frame.
type MessageType uint32

// Message types understood by the control channel. Any other numeric
// value is rejected by Conn.Recv.
const (
	MsgNone MessageType = iota
	MsgCmdReq
	MsgCmdReqAck
	MsgCmdStatus
	MsgCmdSignal
	msgMax
)

func (t MessageType) String() string {
	switch t {
	case MsgNone:
		return "NONE"
	case MsgCmdReq:
		return "CMDREQ"
	case MsgCmdReqAck:
		return "CMDREQACK"
	case MsgCmdStatus:
		return "CMDSTATUS"
	case MsgCmdSignal:
		return "CMDSIGNAL"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// Valid reports whether t is a message type the codec will dispatch.
func (t MessageType) Valid() bool {
	return t > MsgNone && t < msgMax
}

// TLVType identifies the kind of value carried by a TLV.
type TLVType uint32

// TLV types understood by the control channel. STDIN/STDOUT/STDERR are
// reserved tags: the corresponding file descriptors travel via ancillary
// data, never as TLV values.
const (
	TLVNone TLVType = iota
	TLVCmdID
	TLVStdin
	TLVStdout
	TLVStderr
	TLVCmdArg
	TLVCmdPid
	TLVCmdStatus
	TLVSignum
	tlvMax
)

func (t TLVType) String() string {
	switch t {
	case TLVNone:
		return "NONE"
	case TLVCmdID:
		return "CMDID"
	case TLVStdin:
		return "STDIN"
	case TLVStdout:
		return "STDOUT"
	case TLVStderr:
		return "STDERR"
	case TLVCmdArg:
		return "CMDARG"
	case TLVCmdPid:
		return "CMDPID"
	case TLVCmdStatus:
		return "CMDSTATUS"
	case TLVSignum:
		return "SIGNUM"
	default:
		return fmt.Sprintf("TLVType(%d)", uint32(t))
	}
}

const (
	// headerSize is the on-wire size of {type, datalen}.
	headerSize = 8
	// tlvHeaderSize is the on-wire size of {type, vallen}.
	tlvHeaderSize = 8
	// MaxFrameSize is the largest a single framed message may be,
	// header included.
	MaxFrameSize = 65535
	// ArgMax bounds argc for a CMDREQ. internal/client and
	// internal/server each keep their own argMax of the same value.
	ArgMax = 1024
)

// TLV is a single decoded type-length-value field.
type TLV struct {
	Type TLVType
	Val  []byte
}

// Message is a fully decoded frame: a message type plus its TLV payload.
type Message struct {
	Type MessageType
	TLVs []TLV
}

// First returns the first TLV of the given type, if present.
func (m *Message) First(t TLVType) (TLV, bool) {
	for _, tlv := range m.TLVs {
		if tlv.Type == t {
			return tlv, true
		}
	}

	return TLV{}, false
}

// All returns every TLV of the given type, in wire order.
func (m *Message) All(t TLVType) []TLV {
	var out []TLV
	for _, tlv := range m.TLVs {
		if tlv.Type == t {
			out = append(out, tlv)
		}
	}

	return out
}
