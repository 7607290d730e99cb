// Package replay implements the v2H replay guard: a bounded, per-(sender
// MAC, opcode) window over the 16-bit header sequence and the 48-bit
// trailer nonce.
package replay

import (
	"sync"

	"github.com/nowmesh/v2h/pkg/wire"
)

// Capacity is the fixed number of tracked (MAC, opcode) states. Eviction
// under pressure overwrites slot 0, matching the original firmware's
// fixed-array duplicate window.
const Capacity = 12

// DefaultBackWindow is the nonce back-acceptance window width: a nonce up to
// this far behind last_nonce is still accepted (but does not advance
// last_nonce). Zero disables back-acceptance entirely.
const DefaultBackWindow = 32

type key struct {
	mac [6]byte
	op  wire.Opcode
}

type state struct {
	key       key
	lastSeq   uint16
	lastNonce uint64
	// seenMask bit i (0-indexed) records that nonce lastNonce-(i+1) has
	// already been accepted through the back-window branch below, so it
	// cannot be replayed again. It only tracks the 64 nonces immediately
	// behind the watermark; a configured window wider than that is capped
	// to 64 for dedup purposes (see Check).
	seenMask uint64
	inUse    bool
}

// Guard tracks replay state across peers and opcodes. It is not safe for
// concurrent ticks with the rest of the core runtime, matching the
// single-threaded cooperative model; its internal mutex only guards against
// accidental concurrent access from tests or an embedding host's own
// goroutines.
type Guard struct {
	mu         sync.Mutex
	window     uint64
	slots      [Capacity]state
}

// NewGuard returns a Guard using backWindow as the nonce back-acceptance
// width.
func NewGuard(backWindow uint64) *Guard {
	return &Guard{window: backWindow}
}

// New returns a Guard using DefaultBackWindow.
func New() *Guard { return NewGuard(DefaultBackWindow) }

func (g *Guard) find(k key) int {
	for i := range g.slots {
		if g.slots[i].inUse && g.slots[i].key == k {
			return i
		}
	}
	return -1
}

func (g *Guard) firstFree() int {
	for i := range g.slots {
		if !g.slots[i].inUse {
			return i
		}
	}
	return -1
}

// Check reports whether a frame from mac with the given opcode, sequence,
// and nonce should be accepted, and records it if so:
// accept if the sequence is strictly newer within the forward half-space
// (0, 0x8000], OR the nonce strictly exceeds the stored one, OR the nonce
// falls strictly behind the stored one but within the back-acceptance
// window and has not already been consumed there. Unless the sequence is
// strictly newer, the watermark nonce itself, and any nonce already
// accepted through the back window, are never re-acceptable — that is what
// makes this a replay guard rather than a plain ordering check. A brand-new (mac, opcode) pair is always accepted
// and seeds the table.
func (g *Guard) Check(mac [6]byte, op wire.Opcode, seq uint16, nonce uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key{mac: mac, op: op}
	idx := g.find(k)
	if idx < 0 {
		g.seed(k, seq, nonce)
		return true
	}

	s := &g.slots[idx]
	diff := seq - s.lastSeq // uint16 wraparound arithmetic, matches the original's intent
	seqNewer := diff != 0 && diff <= 0x8000

	switch {
	case seqNewer:
		s.lastSeq = seq
		if nonce > s.lastNonce {
			g.advanceNonce(s, nonce)
		}
		return true
	case nonce > s.lastNonce:
		s.lastSeq = seq
		g.advanceNonce(s, nonce)
		return true
	case g.window > 0 && nonce < s.lastNonce && s.lastNonce-nonce <= g.window:
		// Back-window acceptance: out-of-order delivery can still present a
		// nonce strictly behind the watermark. seenMask makes sure each such
		// nonce is only ever accepted once.
		offset := s.lastNonce - nonce
		if offset > 64 {
			return false
		}
		bit := uint64(1) << (offset - 1)
		if s.seenMask&bit != 0 {
			return false
		}
		s.seenMask |= bit
		s.lastSeq = seq
		return true
	default:
		return false
	}
}

// advanceNonce moves s's watermark forward to nonce and slides seenMask
// along with it, so a bit that tracked "lastNonce-3 already seen" still
// refers to the same absolute nonce once lastNonce changes.
func (g *Guard) advanceNonce(s *state, nonce uint64) {
	adv := nonce - s.lastNonce
	if adv >= 64 {
		s.seenMask = 0
	} else {
		s.seenMask <<= adv
	}
	s.lastNonce = nonce
}

func (g *Guard) seed(k key, seq uint16, nonce uint64) {
	idx := g.firstFree()
	if idx < 0 {
		idx = 0 // table full: overwrite slot 0, matching the original firmware
	}
	g.slots[idx] = state{key: k, lastSeq: seq, lastNonce: nonce, inUse: true}
}

// Forget drops tracked state for (mac, op), e.g. after a re-pair issues a
// fresh admission token and sequence/nonce counters reset to zero on the
// peer side.
func (g *Guard) Forget(mac [6]byte, op wire.Opcode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx := g.find(key{mac: mac, op: op}); idx >= 0 {
		g.slots[idx] = state{}
	}
}
