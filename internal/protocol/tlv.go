package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed signals a datagram or TLV that should be dropped without
// tearing down the connection: it was received but should be ignored.
var ErrMalformed = errors.New("protocol: malformed message")

// nativeEndian matches the wire format's "native-endian" framing: the
// control channel never crosses a host boundary, so there is no need to
// fix a byte order independent of the runtime's.
var nativeEndian = binary.NativeEndian

// Int32 returns the TLV's value interpreted as a native-endian int32.
// Integer TLVs must have a 4-byte value.
func (t TLV) Int32() (int32, error) {
	if len(t.Val) != 4 {
		return 0, fmt.Errorf("%w: %s has length %d, want 4", ErrMalformed, t.Type, len(t.Val))
	}

	return int32(nativeEndian.Uint32(t.Val)), nil
}

// String returns the TLV's value as a string, stripping the trailing NUL
// every CMDARG TLV must carry. A value without a trailing NUL is
// malformed and causes the whole message to be skipped.
func (t TLV) String() (string, error) {
	if len(t.Val) == 0 || t.Val[len(t.Val)-1] != 0 {
		return "", fmt.Errorf("%w: %s missing trailing NUL", ErrMalformed, t.Type)
	}

	return string(t.Val[:len(t.Val)-1]), nil
}

// Int32TLV builds a CMDID/CMDPID/CMDSTATUS/SIGNUM-shaped TLV for use in a
// Message that will be handed to Conn.Send.
func Int32TLV(t TLVType, v int32) TLV {
	var val [4]byte
	nativeEndian.PutUint32(val[:], uint32(v))
	return TLV{Type: t, Val: val[:]}
}

// StringTLV builds a CMDARG-shaped TLV, adding the required trailing NUL.
func StringTLV(t TLVType, v string) TLV {
	val := make([]byte, len(v)+1)
	copy(val, v)
	return TLV{Type: t, Val: val}
}

// Builder accumulates TLVs into a single message payload.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder with its scratch buffer preallocated to
// MaxFrameSize, growing further only for a pathologically large payload.
func NewBuilder() *Builder {
	return &Builder{buf: make([]byte, 0, MaxFrameSize)}
}

// Int32 appends a CMDID/CMDPID/CMDSTATUS/SIGNUM-shaped TLV.
func (b *Builder) Int32(t TLVType, v int32) *Builder {
	var val [4]byte
	nativeEndian.PutUint32(val[:], uint32(v))
	return b.raw(t, val[:])
}

// String appends a CMDARG-shaped TLV, adding the required trailing NUL.
func (b *Builder) String(t TLVType, v string) *Builder {
	val := make([]byte, len(v)+1)
	copy(val, v)
	return b.raw(t, val)
}

func (b *Builder) raw(t TLVType, val []byte) *Builder {
	var hdr [tlvHeaderSize]byte
	nativeEndian.PutUint32(hdr[0:4], uint32(t))
	nativeEndian.PutUint32(hdr[4:8], uint32(len(val)))
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, val...)
	return b
}

// Bytes returns the accumulated TLV payload.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// parseTLVs walks a message payload, decoding TLVs in place.
//
// At each step it reads {type, vallen} and advances by 8+vallen; a
// zero-length value is invalid but recoverable — skip its
// 8-byte header and keep walking. A TLV whose declared length would run
// past the end of the payload can't be skipped safely (we don't know how
// far to advance), so parsing stops there and returns what was decoded
// so far along with ErrMalformed; the caller treats the datagram as
// malformed and keeps the connection open.
func parseTLVs(data []byte) ([]TLV, error) {
	var tlvs []TLV
	var truncated error

	offset := 0
	for offset+tlvHeaderSize <= len(data) {
		t := TLVType(nativeEndian.Uint32(data[offset : offset+4]))
		vallen := nativeEndian.Uint32(data[offset+4 : offset+8])

		if vallen == 0 {
			offset += tlvHeaderSize
			continue
		}

		end := offset + tlvHeaderSize + int(vallen)
		if end > len(data) || end < offset {
			truncated = ErrMalformed
			break
		}

		tlvs = append(tlvs, TLV{Type: t, Val: data[offset+tlvHeaderSize : end]})
		offset = end
	}

	return tlvs, truncated
}
