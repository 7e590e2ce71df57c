package protocol

import "testing"

func TestBuilderRoundTripInt32(t *testing.T) {
	b := NewBuilder().Int32(TLVCmdID, 42)
	tlvs, err := parseTLVs(b.Bytes())
	if err != nil {
		t.Fatalf("parseTLVs: %v", err)
	}

	if len(tlvs) != 1 {
		t.Fatalf("got %d tlvs, want 1", len(tlvs))
	}

	v, err := tlvs[0].Int32()
	if err != nil {
		t.Fatalf("Int32: %v", err)
	}

	if v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
}

func TestBuilderRoundTripString(t *testing.T) {
	b := NewBuilder().String(TLVCmdArg, "/bin/sh")
	tlvs, err := parseTLVs(b.Bytes())
	if err != nil {
		t.Fatalf("parseTLVs: %v", err)
	}

	s, err := tlvs[0].String()
	if err != nil {
		t.Fatalf("String: %v", err)
	}

	if s != "/bin/sh" {
		t.Fatalf("got %q, want /bin/sh", s)
	}
}

func TestBuilderMultipleTLVs(t *testing.T) {
	b := NewBuilder().
		Int32(TLVCmdID, 7).
		String(TLVCmdArg, "/bin/sh").
		String(TLVCmdArg, "-c").
		String(TLVCmdArg, "exit 7")

	tlvs, err := parseTLVs(b.Bytes())
	if err != nil {
		t.Fatalf("parseTLVs: %v", err)
	}

	if len(tlvs) != 4 {
		t.Fatalf("got %d tlvs, want 4", len(tlvs))
	}

	msg := &Message{TLVs: tlvs}
	args := msg.All(TLVCmdArg)
	if len(args) != 3 {
		t.Fatalf("got %d CMDARG tlvs, want 3", len(args))
	}
}

func TestParseTLVsSkipsZeroLength(t *testing.T) {
	var raw []byte
	// A zero-length TLV header followed by a valid one.
	raw = append(raw, encodeHeader(TLVCmdID, 0)...)
	raw = append(raw, encodeHeader(TLVSignum, 4)...)
	raw = append(raw, 9, 0, 0, 0)

	tlvs, err := parseTLVs(raw)
	if err != nil {
		t.Fatalf("parseTLVs: %v", err)
	}

	if len(tlvs) != 1 || tlvs[0].Type != TLVSignum {
		t.Fatalf("expected only the SIGNUM tlv to survive, got %+v", tlvs)
	}
}

func TestParseTLVsTruncatedValueIsMalformed(t *testing.T) {
	raw := encodeHeader(TLVCmdID, 100) // claims 100 bytes, has none

	_, err := parseTLVs(raw)
	if err == nil {
		t.Fatal("expected error for truncated TLV")
	}
}

func TestStringTLVWithoutNULIsMalformed(t *testing.T) {
	tlv := TLV{Type: TLVCmdArg, Val: []byte("no-nul")}
	if _, err := tlv.String(); err == nil {
		t.Fatal("expected error for missing trailing NUL")
	}
}

func TestInt32TLVWrongLengthIsMalformed(t *testing.T) {
	tlv := TLV{Type: TLVCmdID, Val: []byte{1, 2, 3}}
	if _, err := tlv.Int32(); err == nil {
		t.Fatal("expected error for wrong-length int32 TLV")
	}
}

func encodeHeader(t TLVType, vallen uint32) []byte {
	var hdr [8]byte
	nativeEndian.PutUint32(hdr[0:4], uint32(t))
	nativeEndian.PutUint32(hdr[4:8], vallen)
	return hdr[:]
}
