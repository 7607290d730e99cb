package topology

import (
	"crypto/sha256"

	"github.com/nowmesh/v2h/pkg/meshcrypto"
	"github.com/nowmesh/v2h/pkg/sigverify"
	"github.com/nowmesh/v2h/pkg/wire"
)

// AuthPayload reconstructs the bytes a topology push's authentication item
// is computed over: the 16-bit version, little-endian, followed by every
// non-authentication TLV item re-serialized in blob order. Both
// HMACVerifier and SigVerifier check this exact byte string, and the
// controller-side code that builds a push must sign/MAC it the same way
// before attaching the authentication item.
func AuthPayload(version uint16, items []Item) ([]byte, error) {
	nonAuth := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Tag == TagAuthHMAC || it.Tag == TagAuthSig {
			continue
		}
		nonAuth = append(nonAuth, it)
	}
	blob, err := Build(nonAuth)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2, 2+len(blob))
	out[0] = byte(version)
	out[1] = byte(version >> 8)
	return append(out, blob...), nil
}

// HMACVerifier authenticates a TagAuthHMAC item under the per-peer
// application key a device shares with its paired controller — the same
// key pkg/meshcrypto derives for every frame trailer. It is the right
// choice when a controller addresses a topology push at one peer at a
// time and can mint that peer's own HMAC item; a controller that instead
// broadcasts one byte-identical blob to every paired peer must use
// SigVerifier, since a single symmetric tag can't be valid under every
// peer's distinct application key.
type HMACVerifier struct {
	Signer    *meshcrypto.Signer
	Admission [wire.AdmissionLen]byte
}

// VerifyTopologyAuth implements Store's AuthVerifier.
func (v HMACVerifier) VerifyTopologyAuth(version uint16, items []Item, authItem Item) bool {
	if authItem.Tag != TagAuthHMAC || len(authItem.Value) != wire.TrailerTagLen {
		return false
	}
	payload, err := AuthPayload(version, items)
	if err != nil {
		return false
	}
	var tag [wire.TrailerTagLen]byte
	copy(tag[:], authItem.Value)
	return v.Signer.Verify(v.Admission, payload, tag)
}

// SigVerifier authenticates a TagAuthSig item against the deployment's
// signature keys, the same sigverify.Registry the firmware commit step
// verifies against. Its Value is the one-byte sigverify.Algorithm
// followed by the raw signature, matching FwCommitHeader's SigAlgo/
// signature convention. This is the verifier a controller that broadcasts
// one identical blob to every paired peer should install by default: the
// signature checks out under one shared public key no matter which peer
// received it.
type SigVerifier struct {
	Registry *sigverify.Registry
}

// VerifyTopologyAuth implements Store's AuthVerifier.
func (v SigVerifier) VerifyTopologyAuth(version uint16, items []Item, authItem Item) bool {
	if authItem.Tag != TagAuthSig || len(authItem.Value) < 1 {
		return false
	}
	algo := sigverify.Algorithm(authItem.Value[0])
	sig := authItem.Value[1:]
	payload, err := AuthPayload(version, items)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return v.Registry.Verify(algo, digest, sig) == nil
}
