// Package pairing implements the v2H pairing handshake and the deferred
// channel-switch command.
package pairing

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/pkg/wire"
)

// ErrRandSource is returned when the system random source fails.
var ErrRandSource = errors.New("pairing: random source failed")

// Registry is the controller-side record of issued device tokens, keyed by
// peer MAC. It is the "controller remembers the token per peer" half of
// the pairing contract.
type Registry struct {
	byMAC map[[6]byte][wire.AdmissionLen]byte
}

// NewRegistry returns an empty token registry.
func NewRegistry() *Registry {
	return &Registry{byMAC: make(map[[6]byte][wire.AdmissionLen]byte)}
}

// Issue allocates a fresh, uniformly random 128-bit device token for peerMAC
// and records it. google/uuid's v4 generator is backed by crypto/rand,
// matching the "uniformly random" requirement directly.
func (r *Registry) Issue(peerMAC [6]byte) ([wire.AdmissionLen]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return [wire.AdmissionLen]byte{}, errors.Wrap(ErrRandSource, err.Error())
	}
	var token [wire.AdmissionLen]byte
	copy(token[:], id[:])
	r.byMAC[peerMAC] = token
	return token, nil
}

// Lookup returns the token on file for peerMAC, if any.
func (r *Registry) Lookup(peerMAC [6]byte) ([wire.AdmissionLen]byte, bool) {
	t, ok := r.byMAC[peerMAC]
	return t, ok
}

// Forget removes peerMAC's token, e.g. on explicit unpair.
func (r *Registry) Forget(peerMAC [6]byte) {
	delete(r.byMAC, peerMAC)
}

// PendingChannelSwitch tracks a node's own deferred channel reinitialization
// after accepting a NetSetChan command. A later NetSetChan cancels and
// replaces any switch already pending: the most recent command always wins.
type PendingChannelSwitch struct {
	NewChannel uint8
	AtMs       uint64
}

// Scheduler tracks at most one pending channel switch at a time.
type Scheduler struct {
	pending *PendingChannelSwitch
}

// NewScheduler returns a Scheduler with no pending switch.
func NewScheduler() *Scheduler { return &Scheduler{} }

// Schedule records a channel switch to fire at nowMs+waitMs, replacing any
// switch already pending.
func (s *Scheduler) Schedule(newChannel uint8, waitMs uint16, nowMs uint64) {
	s.pending = &PendingChannelSwitch{NewChannel: newChannel, AtMs: nowMs + uint64(waitMs)}
}

// Cancel clears any pending switch.
func (s *Scheduler) Cancel() { s.pending = nil }

// Pending returns the currently pending switch, if any.
func (s *Scheduler) Pending() (PendingChannelSwitch, bool) {
	if s.pending == nil {
		return PendingChannelSwitch{}, false
	}
	return *s.pending, true
}

// Due reports whether the pending switch's deadline has passed at nowMs,
// and if so clears it and returns the channel to switch to.
func (s *Scheduler) Due(nowMs uint64) (channel uint8, fire bool) {
	if s.pending == nil || nowMs < s.pending.AtMs {
		return 0, false
	}
	ch := s.pending.NewChannel
	s.pending = nil
	return ch, true
}

// controllerSwitchLeadMs is how much earlier than the node's grace delay the
// controller switches its own radio, so it is already listening on the new
// channel before any node arrives there.
const controllerSwitchLeadMs = 100

// ControllerSwitchAtMs returns the time (relative to nowMs) at which the
// controller should switch its own radio to stay ahead of the nodes it just
// commanded, given the grace delay it sent them.
func ControllerSwitchAtMs(nowMs uint64, waitMs uint16) uint64 {
	lead := uint64(waitMs)
	if lead > controllerSwitchLeadMs {
		lead -= controllerSwitchLeadMs
	} else {
		lead = 0
	}
	return nowMs + lead
}
