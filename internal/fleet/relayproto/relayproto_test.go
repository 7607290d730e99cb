package relayproto

import (
	"bytes"
	"testing"
)

func TestFrameHMACRoundTrip(t *testing.T) {
	token := []byte("0123456789abcdef0123456789abcdef")
	data := []byte("firmware image bytes go here")

	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameTypeBlobChunk, token, data); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	// ReadFrameRaw needs a net.Conn; exercise the header/HMAC path directly
	// instead of standing up a real socket.
	raw := buf.Bytes()
	if string(raw[:4]) != relayMagic {
		t.Fatalf("bad magic in written frame")
	}
	hdr := FrameHeader{Length: uint32(len(data)), Version: relayVersion, Type: FrameTypeBlobChunk}
	sum := raw[len(raw)-32:]
	if err := hdr.VerifyHMAC(token, data, sum); err != nil {
		t.Fatalf("VerifyHMAC: %v", err)
	}

	wrongToken := []byte("different-token-value-entirely!!")
	if err := hdr.VerifyHMAC(wrongToken, data, sum); err == nil {
		t.Fatalf("expected HMAC mismatch with the wrong token")
	}
}

func TestControlFrameHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	data := []byte{1, 2, 3, 4}
	if err := WriteControlFrame(&buf, ControlTypeFetchRequest, data); err != nil {
		t.Fatalf("WriteControlFrame: %v", err)
	}
	raw := buf.Bytes()
	if len(raw) != 4+len(data) {
		t.Fatalf("unexpected frame length: %d", len(raw))
	}
}
