// Package meshclock is the core runtime's sole source of time: wall-clock
// milliseconds for scheduler pacing and header timestamps, and random
// 48-bit trailer nonces. The clock is swappable in tests via NewMock;
// NewNonce always draws from crypto/rand.
package meshclock

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Clock wraps benbjohnson/clock so the core runtime depends on an interface
// it can fake deterministically instead of calling time.Now directly.
type Clock struct {
	c clock.Clock
}

// New returns a Clock backed by the real wall clock.
func New() *Clock { return &Clock{c: clock.New()} }

// NewMock returns a Clock backed by a *clock.Mock for deterministic tests.
func NewMock() (*Clock, *clock.Mock) {
	m := clock.NewMock()
	return &Clock{c: m}, m
}

// NowMs returns the current time as milliseconds since the Unix epoch,
// truncated to 48 bits to match the wire header's TsMs field width.
func (c *Clock) NowMs() uint64 {
	return uint64(c.c.Now().UnixMilli()) & 0xFFFFFFFFFFFF
}

// After mirrors clock.Clock.After for scheduler retry/backoff timers.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	return c.c.After(d)
}

// Timer mirrors clock.Clock.Timer for firmware session window deadlines.
func (c *Clock) Timer(d time.Duration) *clock.Timer {
	return c.c.Timer(d)
}

// NewNonce generates a cryptographically random 48-bit trailer nonce.
func NewNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[2:8]); err != nil {
		return 0, errors.Wrap(err, "meshclock: nonce generation failed")
	}
	return binary.BigEndian.Uint64(b[:]) & 0xFFFFFFFFFFFF, nil
}
