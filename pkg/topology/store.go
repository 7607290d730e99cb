package topology

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoAuthItem is returned when a pushed blob carries no authentication
// TLV item.
var ErrNoAuthItem = errors.New("topology: push carries no authentication item")

// ErrVersionRegression is returned when a push's version is older than the
// currently installed one.
var ErrVersionRegression = errors.New("topology: push version regresses current version")

// ErrAuthFailed is returned when the blob's authentication item fails to
// verify.
var ErrAuthFailed = errors.New("topology: push authentication failed")

// AuthVerifier checks a topology blob's embedded authentication item,
// either an HMAC item under the pushing peer's application key or a
// signature item under the deployment signature key. Store is deliberately
// ignorant of which; that decision belongs to the caller wiring one in.
type AuthVerifier interface {
	VerifyTopologyAuth(version uint16, items []Item, authItem Item) bool
}

// Store holds the authoritative (version, blob) pair and validates pushes
// and topology tokens. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	verifier AuthVerifier
	version  uint16
	blob     []byte
	items    []Item
}

// NewStore returns an empty Store (version 0, no blob) using verifier to
// authenticate pushes.
func NewStore(verifier AuthVerifier) *Store {
	return &Store{verifier: verifier}
}

// Apply implements three-step push acceptance: presence of an auth item,
// version non-regression (equal permits idempotent reapply), and
// authentication. On success it installs (version, blob) atomically.
func (s *Store) Apply(version uint16, blob []byte) error {
	items, err := Parse(blob)
	if err != nil {
		return err
	}
	authItem, ok := AuthItem(items)
	if !ok {
		return ErrNoAuthItem
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if version < s.version {
		return ErrVersionRegression
	}
	if !s.verifier.VerifyTopologyAuth(version, items, authItem) {
		return ErrAuthFailed
	}

	s.version = version
	s.blob = append([]byte(nil), blob...)
	s.items = items
	return nil
}

// Version returns the currently installed topology version (0 if none).
func (s *Store) Version() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Blob returns a copy of the currently installed blob.
func (s *Store) Blob() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.blob...)
}

// Items returns the currently installed blob's parsed TLV items.
func (s *Store) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Item(nil), s.items...)
}

// Installed reports whether any non-zero version has ever been accepted.
func (s *Store) Installed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version != 0
}

// IssueToken returns the topology token to attach to an outbound
// topology-dependent command, derived from the currently installed version.
// This is deliberately the simplest value that satisfies ValidateToken
// today (any non-zero token once a topology is installed); a future
// deployment-upgrade path can replace this with
// HMAC(key, version ∥ target-role ∥ virtual-index ∥ target-MAC) without the
// caller or the router needing to change. Returns the zero token if no
// topology is installed.
func (s *Store) IssueToken() [16]byte {
	var token [16]byte
	v := s.Version()
	if v == 0 {
		return token
	}
	token[0] = byte(v)
	token[1] = byte(v >> 8)
	return token
}

// ValidateToken is the single predicate the router calls for
// topology-token-gated opcodes (presently relay-control): until a non-zero
// version is installed, every token fails; once installed, any non-zero
// token passes. A future deployment-upgrade path can tighten this to bind
// the token to HMAC(key, version ∥ target-role ∥ virtual-index ∥
// target-MAC) without the router needing to change.
func (s *Store) ValidateToken(token [16]byte) bool {
	if !s.Installed() {
		return false
	}
	var zero [16]byte
	return token != zero
}
