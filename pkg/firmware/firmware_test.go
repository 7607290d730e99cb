package firmware

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/nowmesh/v2h/pkg/sigverify"
	"github.com/nowmesh/v2h/pkg/wire"
)

func TestCRC16CCITTKnownVector(t *testing.T) {
	// "123456789" is the standard CRC-16/CCITT-FALSE test vector, expected 0x29B1.
	got := CRC16CCITT([]byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("CRC16CCITT(123456789) = %04X, want 29B1", got)
	}
}

func TestBeginRejectsRoleMismatch(t *testing.T) {
	s := NewSession(wire.RoleSens)
	status, abort, err := s.Begin(wire.FwBegin{ImageID: 1, TargetRole: wire.RolePMS})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if s.State() != StateError {
		t.Fatalf("expected StateError, got %v", s.State())
	}
	if abort == nil || wire.FwAbortReason(abort.Reason) != wire.FwAbortRoleMism {
		t.Fatalf("expected RoleMismatch abort, got %+v", abort)
	}
	if status.State != uint8(StateError) {
		t.Fatalf("status.State = %d, want %d", status.State, StateError)
	}
}

func buildImage(t *testing.T, chunkSize uint16, nChunks int) ([][]byte, [32]byte) {
	t.Helper()
	h := sha256.New()
	chunks := make([][]byte, nChunks)
	for i := 0; i < nChunks; i++ {
		c := make([]byte, chunkSize)
		for j := range c {
			c[j] = byte(i*31 + j)
		}
		chunks[i] = c
		h.Write(c)
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return chunks, digest
}

func beginSession(t *testing.T, windowSize uint16, chunkSize uint16, nChunks int) (*Session, [][]byte, [32]byte) {
	t.Helper()
	chunks, digest := buildImage(t, chunkSize, nChunks)
	s := NewSession(wire.RoleSens)
	_, _, err := s.Begin(wire.FwBegin{
		ImageID:     7,
		TargetRole:  wire.RoleSens,
		WindowSize:  windowSize,
		ChunkSize:   chunkSize,
		TotalChunks: uint16(nChunks),
		TotalSize:   uint32(nChunks) * uint32(chunkSize),
		SHA256:      digest,
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return s, chunks, digest
}

func chunkHeader(s *Session, idx int, data []byte) wire.FwChunkHeader {
	return wire.FwChunkHeader{
		ImageID:    7,
		ChunkIndex: uint32(idx),
		DataLen:    uint16(len(data)),
		CRC16CCITT: CRC16CCITT(data),
	}
}

func TestChunkSequentialDeliveryReachesReady(t *testing.T) {
	s, chunks, _ := beginSession(t, 4, 16, 4)
	for i, c := range chunks {
		status, emitted, err := s.Chunk(chunkHeader(s, i, c), c)
		if err != nil {
			t.Fatalf("Chunk %d: %v", i, err)
		}
		if !emitted {
			t.Fatalf("chunk %d should have advanced the cursor and emitted status", i)
		}
		if i < len(chunks)-1 && status.State != uint8(StateReceiving) {
			t.Fatalf("expected Receiving after chunk %d, got %d", i, status.State)
		}
	}
	if s.State() != StateReady {
		t.Fatalf("expected StateReady after last chunk, got %v", s.State())
	}
}

func TestChunkOutOfOrderWithinWindowReordersOnArrival(t *testing.T) {
	s, chunks, _ := beginSession(t, 4, 16, 3)

	_, emitted, err := s.Chunk(chunkHeader(s, 1, chunks[1]), chunks[1])
	if err != nil {
		t.Fatalf("Chunk 1: %v", err)
	}
	if emitted {
		t.Fatalf("chunk 1 arriving before chunk 0 must not advance the cursor yet")
	}

	status, emitted, err := s.Chunk(chunkHeader(s, 0, chunks[0]), chunks[0])
	if err != nil {
		t.Fatalf("Chunk 0: %v", err)
	}
	if !emitted {
		t.Fatalf("chunk 0 should unblock the buffered chunk 1 and advance")
	}
	if status.NextNeeded != 2 {
		t.Fatalf("NextNeeded = %d, want 2 after chunks 0 and 1 both landed", status.NextNeeded)
	}
}

func TestChunkCRCMismatchDroppedSilently(t *testing.T) {
	s, chunks, _ := beginSession(t, 4, 16, 2)
	bad := chunkHeader(s, 0, chunks[0])
	bad.CRC16CCITT ^= 0xFFFF

	status, emitted, err := s.Chunk(bad, chunks[0])
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if emitted {
		t.Fatalf("CRC-mismatched chunk must not emit a status")
	}
	_ = status
	if s.cursor != 0 {
		t.Fatalf("cursor must not advance on CRC mismatch")
	}
}

func TestChunkUnknownImageIDSilentDrop(t *testing.T) {
	s, chunks, _ := beginSession(t, 4, 16, 2)
	h := chunkHeader(s, 0, chunks[0])
	h.ImageID = 999

	_, emitted, err := s.Chunk(h, chunks[0])
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if emitted {
		t.Fatalf("unknown image id must not emit status")
	}
}

func TestDuplicateChunkWithinWindowIgnored(t *testing.T) {
	s, chunks, _ := beginSession(t, 4, 16, 2)
	s.Chunk(chunkHeader(s, 0, chunks[0]), chunks[0])

	_, emitted, err := s.Chunk(chunkHeader(s, 0, chunks[0]), chunks[0])
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if emitted {
		t.Fatalf("duplicate already-consumed chunk must not re-emit status")
	}
}

func TestCommitSucceedsAndAppliesAtBoot(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, chunks, digest := beginSession(t, 4, 16, 2)
	s.sigAlgo = sigverify.AlgoECDSAP256
	for i, c := range chunks {
		if _, _, err := s.Chunk(chunkHeader(s, i, c), c); err != nil {
			t.Fatalf("Chunk %d: %v", i, err)
		}
	}
	if s.State() != StateReady {
		t.Fatalf("expected Ready before commit, got %v", s.State())
	}

	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}
	point := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	v, err := sigverify.NewECDSAP256Verifier(point)
	if err != nil {
		t.Fatalf("NewECDSAP256Verifier: %v", err)
	}
	reg := sigverify.NewRegistry()
	reg.Register(sigverify.AlgoECDSAP256, v)

	status, abort, err := s.Commit(wire.FwCommitHeader{ImageID: 7, ApplyAtBoot: 1}, sig, reg)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if abort != nil {
		t.Fatalf("unexpected abort on successful commit: %+v", abort)
	}
	if s.State() != StateRebooting {
		t.Fatalf("expected Rebooting after apply_at_boot=1 commit, got %v", s.State())
	}
	_ = status
}

func TestCommitRejectsBadSignature(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, chunks, _ := beginSession(t, 4, 16, 1)
	s.sigAlgo = sigverify.AlgoECDSAP256
	s.Chunk(chunkHeader(s, 0, chunks[0]), chunks[0])

	point := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	v, err := sigverify.NewECDSAP256Verifier(point)
	if err != nil {
		t.Fatalf("NewECDSAP256Verifier: %v", err)
	}
	reg := sigverify.NewRegistry()
	reg.Register(sigverify.AlgoECDSAP256, v)

	_, abort, err := s.Commit(wire.FwCommitHeader{ImageID: 7}, make([]byte, 64), reg)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if abort == nil || wire.FwAbortReason(abort.Reason) != wire.FwAbortDigest {
		t.Fatalf("expected a digest/signature-failure abort, got %+v", abort)
	}
	if s.State() != StateError {
		t.Fatalf("expected Error state after failed commit, got %v", s.State())
	}
}

func TestAbortReturnsToIdle(t *testing.T) {
	s, chunks, _ := beginSession(t, 4, 16, 2)
	s.Chunk(chunkHeader(s, 0, chunks[0]), chunks[0])

	status := s.Abort(wire.FwAbortOperator)
	if s.State() != StateIdle {
		t.Fatalf("expected Idle after Abort, got %v", s.State())
	}
	if status.State != uint8(StateIdle) {
		t.Fatalf("status.State = %d, want Idle", status.State)
	}
}
