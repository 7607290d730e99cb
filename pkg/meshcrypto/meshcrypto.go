// Package meshcrypto derives per-peer application keys and signs/verifies
// the wire trailer's truncated HMAC-SHA256 tag. It knows nothing about frame
// layout or replay state — those live in pkg/wire and pkg/replay.
package meshcrypto

import (
	"crypto/hmac"
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/pkg/wire"
)

// PeerKeyCacheSize bounds the derived-key cache so a mesh of many transient
// peers (pairing churn, REMU/SEMU virtuals) can't grow it unbounded.
const PeerKeyCacheSize = 256

// KeyLen is the fixed size of each deployment-provisioned key component.
const KeyLen = 16

// Keys is the deployment-provisioned key material every peer's application
// key is derived from: a fleet-wide pre-shared key, a per-installation
// link key, and a deployment salt. All three are 16 bytes, matching the
// firmware's provisioning format.
type Keys struct {
	PreShared [KeyLen]byte
	PerLink   [KeyLen]byte
	Salt      [KeyLen]byte
}

// ErrNoMasterSecret is returned when Signer is constructed with no
// pre-shared key.
var ErrNoMasterSecret = errors.New("meshcrypto: pre-shared key is empty")

// Signer derives and caches per-peer application keys from the deployment's
// Keys, known only to the installation's ICM and its paired devices, then
// signs and verifies frame trailers with the derived key.
type Signer struct {
	keys  Keys
	cache *lru.Cache[string, []byte]
}

// NewSigner constructs a Signer over keys, the installation-wide key
// material provisioned at deployment time. keys is never used directly to
// sign a frame; each peer's admission token and the deployment salt are
// mixed in first.
func NewSigner(keys Keys) (*Signer, error) {
	var zero [KeyLen]byte
	if keys.PreShared == zero {
		return nil, ErrNoMasterSecret
	}
	cache, err := lru.New[string, []byte](PeerKeyCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "meshcrypto: cache init failed")
	}
	return &Signer{keys: keys, cache: cache}, nil
}

// peerKeyID scopes the key cache by admission token, since a node's
// application key is a function of its token, not its MAC (tokens rotate
// independently of hardware identity across re-pairs).
func peerKeyID(admission [wire.AdmissionLen]byte) string {
	return string(admission[:])
}

// deriveKey computes
// HMAC-SHA256(pre-shared || per-link, admission || salt) and caches it by
// admission token.
func (s *Signer) deriveKey(admission [wire.AdmissionLen]byte) []byte {
	id := peerKeyID(admission)
	if k, ok := s.cache.Get(id); ok {
		return k
	}
	hmacKey := make([]byte, 0, 2*KeyLen)
	hmacKey = append(hmacKey, s.keys.PreShared[:]...)
	hmacKey = append(hmacKey, s.keys.PerLink[:]...)
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(admission[:])
	mac.Write(s.keys.Salt[:])
	key := mac.Sum(nil)
	s.cache.Add(id, key)
	return key
}

// Sign computes the truncated HMAC tag over signed (the header through the
// trailer's nonce, per wire.Frame.Signed) using the key derived for
// admission.
func (s *Signer) Sign(admission [wire.AdmissionLen]byte, signed []byte) [wire.TrailerTagLen]byte {
	key := s.deriveKey(admission)
	mac := hmac.New(sha256.New, key)
	mac.Write(signed)
	full := mac.Sum(nil)
	var tag [wire.TrailerTagLen]byte
	copy(tag[:], full[:wire.TrailerTagLen])
	return tag
}

// Verify reports whether tag is the correct truncated HMAC tag for signed
// under the key derived for admission, using a constant-time comparison.
func (s *Signer) Verify(admission [wire.AdmissionLen]byte, signed []byte, tag [wire.TrailerTagLen]byte) bool {
	want := s.Sign(admission, signed)
	return hmac.Equal(want[:], tag[:])
}

// Forget evicts a peer's derived key, e.g. after a re-pair issues a new
// admission token and the old one must no longer verify.
func (s *Signer) Forget(admission [wire.AdmissionLen]byte) {
	s.cache.Remove(peerKeyID(admission))
}
