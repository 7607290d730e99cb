package fleetpb

import (
	"bytes"
	"testing"
)

func TestFetchRequestRoundTrip(t *testing.T) {
	want := &FetchRequest{
		Kind:         FetchFirmware,
		TargetRole:   3,
		ImageID:      bytes.Repeat([]byte{0xAB}, 16),
		Installation: "driveway-east",
	}
	var got FetchRequest
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Kind != want.Kind || got.TargetRole != want.TargetRole || got.Installation != want.Installation {
		t.Fatalf("scalar mismatch: got %+v want %+v", got, want)
	}
	if !bytes.Equal(got.ImageID, want.ImageID) {
		t.Fatalf("ImageID mismatch")
	}
}

func TestFetchResponseRoundTrip(t *testing.T) {
	want := &FetchResponse{
		Ok:            true,
		RelayEndpoint: "127.0.0.1:24002",
		StreamID:      0xdeadbeef,
		Token:         []byte("a-32-byte-token-value-padded!!!"),
		TotalLen:      65536,
	}
	var got FetchResponse
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Ok != want.Ok || got.RelayEndpoint != want.RelayEndpoint || got.StreamID != want.StreamID || got.TotalLen != want.TotalLen {
		t.Fatalf("mismatch: got %+v want %+v", got, want)
	}
	if !bytes.Equal(got.Token, want.Token) {
		t.Fatalf("Token mismatch")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	req := &HandshakeRequest{StreamID: 42, SenderPeerID: []byte("peer-id-bytes")}
	var gotReq HandshakeRequest
	if err := gotReq.Unmarshal(req.Marshal()); err != nil {
		t.Fatalf("Unmarshal request: %v", err)
	}
	if gotReq.StreamID != req.StreamID || !bytes.Equal(gotReq.SenderPeerID, req.SenderPeerID) {
		t.Fatalf("request mismatch: got %+v want %+v", gotReq, req)
	}

	ack := &HandshakeAck{Ok: false, Error: "no such stream"}
	var gotAck HandshakeAck
	if err := gotAck.Unmarshal(ack.Marshal()); err != nil {
		t.Fatalf("Unmarshal ack: %v", err)
	}
	if gotAck != *ack {
		t.Fatalf("ack mismatch: got %+v want %+v", gotAck, ack)
	}
}
