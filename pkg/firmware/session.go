// Package firmware implements the node-side firmware update state machine:
// Idle, Receiving, Ready, Verifying, Applying, Rebooting, Error, driven by
// FwBegin/FwChunk/FwCommit/FwAbort frames.
package firmware

import (
	"crypto/sha256"
	"hash"

	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/pkg/sigverify"
	"github.com/nowmesh/v2h/pkg/wire"
)

// State is a firmware session's state machine position.
type State uint8

const (
	StateIdle State = iota
	StateReceiving
	StateReady
	StateVerifying
	StateApplying
	StateRebooting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReceiving:
		return "Receiving"
	case StateReady:
		return "Ready"
	case StateVerifying:
		return "Verifying"
	case StateApplying:
		return "Applying"
	case StateRebooting:
		return "Rebooting"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ErrWrongState is returned when a frame arrives for a session state that
// cannot handle it.
var ErrWrongState = errors.New("firmware: frame not valid in current state")

// Session is one node's firmware transfer state, owned exclusively by the
// core runtime's single cooperative context.
type Session struct {
	selfRole wire.Role

	state   State
	imageID uint32

	targetRole  wire.Role
	windowSize  uint16
	totalSize   uint32
	chunkSize   uint16
	totalChunks uint16
	sigAlgo     sigverify.Algorithm
	expected    [32]byte

	cursor        uint32
	receivedBytes uint32
	pending       map[uint32][]byte
	digest        hash.Hash

	lastError wire.FwAbortReason
}

// NewSession returns an idle Session for a node whose immutable role is
// selfRole.
func NewSession(selfRole wire.Role) *Session {
	return &Session{selfRole: selfRole, state: StateIdle}
}

// State reports the session's current state.
func (s *Session) State() State { return s.state }

// LastError reports the most recent abort reason (zero value OperatorAbort
// if none has occurred).
func (s *Session) LastError() wire.FwAbortReason { return s.lastError }

func (s *Session) statusFrame() wire.FwStatus {
	return wire.FwStatus{
		ImageID:       s.imageID,
		NextNeeded:    s.cursor,
		ReceivedBytes: s.receivedBytes,
		State:         uint8(s.state),
		LastError:     uint16(s.lastError),
	}
}

// Begin handles Idle + FwBegin → Receiving. If the target role does not
// match this node, the session moves to Error and the caller must also
// send the returned FwAbort.
func (s *Session) Begin(b wire.FwBegin) (status wire.FwStatus, abort *wire.FwAbort, err error) {
	if b.TargetRole != s.selfRole {
		s.state = StateError
		s.lastError = wire.FwAbortRoleMism
		s.imageID = b.ImageID
		st := s.statusFrame()
		return st, &wire.FwAbort{ImageID: b.ImageID, Reason: uint8(wire.FwAbortRoleMism)}, nil
	}

	s.imageID = b.ImageID
	s.targetRole = b.TargetRole
	s.windowSize = b.WindowSize
	s.totalSize = b.TotalSize
	s.chunkSize = b.ChunkSize
	s.totalChunks = b.TotalChunks
	s.sigAlgo = sigverify.Algorithm(b.SigAlgo)
	s.expected = b.SHA256
	s.cursor = 0
	s.receivedBytes = 0
	s.pending = make(map[uint32][]byte)
	s.digest = sha256.New()
	s.lastError = 0
	s.state = StateReceiving

	return s.statusFrame(), nil, nil
}

// Chunk handles Receiving + FwChunk. A CRC failure drops the chunk silently
// (the caller emits no status, leaving next_needed unchanged so the
// controller retransmits); an unknown image id is likewise a silent drop.
// emitted reports whether a status frame should be sent.
func (s *Session) Chunk(h wire.FwChunkHeader, data []byte) (status wire.FwStatus, emitted bool, err error) {
	if s.state != StateReceiving {
		return wire.FwStatus{}, false, ErrWrongState
	}
	if h.ImageID != s.imageID {
		return wire.FwStatus{}, false, nil // unknown image id: silent drop
	}
	if uint32(h.ChunkIndex) >= uint32(s.totalChunks) {
		return wire.FwStatus{}, false, nil
	}
	if int(h.DataLen) != len(data) || h.DataLen > s.chunkSize {
		return wire.FwStatus{}, false, nil
	}
	if CRC16CCITT(data) != h.CRC16CCITT {
		return wire.FwStatus{}, false, nil // CRC mismatch: drop, no status emitted
	}

	idx := h.ChunkIndex
	if idx < uint32(s.cursor) {
		return wire.FwStatus{}, false, nil // duplicate, already past the cursor
	}
	if idx >= uint32(s.cursor)+uint32(s.windowSize) {
		return wire.FwStatus{}, false, nil // outside the current window
	}
	if _, dup := s.pending[idx]; dup {
		return wire.FwStatus{}, false, nil // duplicate within the window
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.pending[idx] = cp

	advanced := false
	for {
		chunk, ok := s.pending[s.cursor]
		if !ok {
			break
		}
		s.digest.Write(chunk)
		s.receivedBytes += uint32(len(chunk))
		delete(s.pending, s.cursor)
		s.cursor++
		advanced = true
	}
	if !advanced {
		return wire.FwStatus{}, false, nil
	}

	if s.cursor == uint32(s.totalChunks) {
		s.state = StateReady
	}
	return s.statusFrame(), true, nil
}

// Commit handles Ready + FwCommit: verify digest and signature, then apply
// immediately or stage for boot.
func (s *Session) Commit(h wire.FwCommitHeader, signature []byte, verifier *sigverify.Registry) (status wire.FwStatus, abort *wire.FwAbort, err error) {
	if s.state != StateReady {
		return wire.FwStatus{}, nil, ErrWrongState
	}
	if h.ImageID != s.imageID {
		return wire.FwStatus{}, nil, nil
	}

	s.state = StateVerifying
	var digest [32]byte
	copy(digest[:], s.digest.Sum(nil))
	if digest != s.expected {
		return s.fail(wire.FwAbortDigest)
	}
	if err := verifier.Verify(s.sigAlgo, digest, signature); err != nil {
		return s.fail(wire.FwAbortDigest)
	}

	s.state = StateApplying
	if h.ApplyAtBoot != 0 {
		s.state = StateRebooting
	} else {
		s.state = StateIdle
	}
	return s.statusFrame(), nil, nil
}

func (s *Session) fail(reason wire.FwAbortReason) (wire.FwStatus, *wire.FwAbort, error) {
	s.state = StateError
	s.lastError = reason
	return s.statusFrame(), &wire.FwAbort{ImageID: s.imageID, Reason: uint8(reason)}, nil
}

// Abort handles any-state + FwAbort → Idle.
func (s *Session) Abort(reason wire.FwAbortReason) wire.FwStatus {
	s.state = StateIdle
	s.lastError = reason
	s.cursor = 0
	s.receivedBytes = 0
	s.pending = nil
	s.digest = nil
	return s.statusFrame()
}
