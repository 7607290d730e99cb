package wire

import (
	"bytes"
	"testing"
)

func sampleHeader(op Opcode, hasTopo bool) Header {
	h := Header{
		ProtoVer:   ProtoVersion,
		Opcode:     op,
		Seq:        42,
		TopoVer:    7,
		VirtID:     VirtPhysical,
		TsMs:       0x0102030405,
		SenderMAC:  [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		SenderRole: RoleSens,
	}
	if hasTopo {
		h.Flags |= FlagHasTopo
	}
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader(OpSensReport, true)
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)

	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
	if !got.HasTopo() {
		t.Fatalf("expected HasTopo true")
	}
	if !got.IsPhysical() {
		t.Fatalf("expected IsPhysical true")
	}
}

func TestParseHeaderRejectsBadVersion(t *testing.T) {
	h := sampleHeader(OpPing, false)
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)
	buf[0] = ProtoVersion + 1

	if _, err := ParseHeader(buf); err == nil {
		t.Fatalf("expected error for bad protocol version")
	}
}

func TestParseHeaderRejectsReservedByte(t *testing.T) {
	h := sampleHeader(OpPing, false)
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)
	buf[9] = 1

	if _, err := ParseHeader(buf); err == nil {
		t.Fatalf("expected error for nonzero reserved byte")
	}
}

func TestParseHeaderShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, HeaderLen-1)); err == nil {
		t.Fatalf("expected error for short header")
	}
}

func TestTrailerRoundTrip(t *testing.T) {
	tr := Trailer{Nonce: NonceFromU64(0xABCDEF012345), Tag: [TrailerTagLen]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}}
	buf := make([]byte, TrailerLen)
	PutTrailer(buf, tr)

	got, err := ParseTrailer(buf)
	if err != nil {
		t.Fatalf("ParseTrailer: %v", err)
	}
	if got != tr {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, tr)
	}
	if got.NonceU64() != 0xABCDEF012345 {
		t.Fatalf("NonceU64 = %x", got.NonceU64())
	}
}

func TestRequiresAuth(t *testing.T) {
	if RequiresAuth(OpPairReq) {
		t.Fatalf("PAIR_REQ must not require auth")
	}
	for _, op := range []Opcode{OpPairAck, OpPing, OpSensReport, OpFwBegin} {
		if !RequiresAuth(op) {
			t.Fatalf("%s must require auth", op)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleHeader(OpSensReport, false)
	admission := [AdmissionLen]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	payload := SensReport{Lux: 100, Health: 9}.Marshal()
	trailer := Trailer{Nonce: NonceFromU64(1), Tag: [TrailerTagLen]byte{9}}

	buf := make([]byte, MTU)
	out, err := Encode(buf, h, admission, nil, payload, trailer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	f, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Header != h {
		t.Fatalf("decoded header mismatch: got %+v want %+v", f.Header, h)
	}
	if f.Admission != admission {
		t.Fatalf("decoded admission mismatch")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("decoded payload mismatch: got %x want %x", f.Payload, payload)
	}
	if f.Trailer != trailer {
		t.Fatalf("decoded trailer mismatch")
	}
	wantSigned := out[:len(out)-TrailerTagLen]
	if !bytes.Equal(f.Signed, wantSigned) {
		t.Fatalf("signed region mismatch")
	}
}

func TestEncodeRejectsFlagMismatch(t *testing.T) {
	h := sampleHeader(OpPing, true) // flag set but no token passed
	buf := make([]byte, MTU)
	_, err := Encode(buf, h, [AdmissionLen]byte{}, nil, Ping{EchoSeq: 1}.Marshal(), Trailer{})
	if err == nil {
		t.Fatalf("expected error when FlagHasTopo set without token")
	}
}

func TestDecodeRejectsShortPayload(t *testing.T) {
	h := sampleHeader(OpSensReport, false)
	buf := make([]byte, MTU)
	// payload shorter than the 30-byte SensReport minimum
	out, err := Encode(buf, h, [AdmissionLen]byte{}, nil, make([]byte, 10), Trailer{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(out); err == nil {
		t.Fatalf("expected error for undersized SensReport payload")
	}
}

func TestDecodeRejectsMissingTrailer(t *testing.T) {
	h := sampleHeader(OpPing, false)
	buf := make([]byte, HeaderLen+AdmissionLen+2) // no room for trailer
	PutHeader(buf, h)
	copy(buf[HeaderLen:HeaderLen+AdmissionLen], make([]byte, AdmissionLen))
	copy(buf[HeaderLen+AdmissionLen:], Ping{EchoSeq: 5}.Marshal())

	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for missing trailer")
	}
}

func TestDecodeUnauthenticatedPairReq(t *testing.T) {
	h := sampleHeader(OpPairReq, false)
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)

	f, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.HasAdmission || f.HasTrailer {
		t.Fatalf("PAIR_REQ must carry neither admission token nor trailer")
	}
}

func TestMaxTailLenBounded(t *testing.T) {
	room := MaxTailLen(OpFwChunk, false)
	if room <= 0 || room > MTU {
		t.Fatalf("unreasonable MaxTailLen: %d", room)
	}
	if fixedOverhead(OpFwChunk, false)+MinPayloadLen(OpFwChunk)+room > MTU {
		t.Fatalf("MaxTailLen overruns MTU")
	}
}
