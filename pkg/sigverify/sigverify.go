// Package sigverify implements the one signature verifier the firmware
// commit step is allowed to use. Two algorithms are supported, selected by
// FwBegin.SigAlgo: Ed25519 and ECDSA-P256.
package sigverify

import (
	"crypto/ecdsa"
	"crypto/elliptic"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/pkg/errors"
)

// Algorithm identifies the signature scheme for a firmware commit.
type Algorithm uint8

const (
	AlgoEd25519   Algorithm = 0
	AlgoECDSAP256 Algorithm = 1
)

var ErrUnknownAlgorithm = errors.New("sigverify: unknown signature algorithm")
var ErrBadSignature = errors.New("sigverify: signature does not verify")
var ErrBadPublicKey = errors.New("sigverify: malformed public key")

// Verifier checks a firmware commit signature over a SHA-256 digest against
// a deployment public key. One Verifier instance is configured per
// algorithm at provisioning time; the firmware session picks the instance
// matching FwBegin.SigAlgo.
type Verifier interface {
	Verify(digest [32]byte, signature []byte) bool
}

// ed25519Verifier wraps a libp2p Ed25519 public key. libp2p's crypto
// package is already part of the dependency closure for the fleet plane's
// host identity; reusing it here avoids a second Ed25519 implementation.
type ed25519Verifier struct {
	pub libp2pcrypto.PubKey
}

// NewEd25519Verifier parses a raw 32-byte Ed25519 public key.
func NewEd25519Verifier(rawPub []byte) (Verifier, error) {
	pub, err := libp2pcrypto.UnmarshalEd25519PublicKey(rawPub)
	if err != nil {
		return nil, errors.Wrap(ErrBadPublicKey, err.Error())
	}
	return ed25519Verifier{pub: pub}, nil
}

func (v ed25519Verifier) Verify(digest [32]byte, signature []byte) bool {
	ok, err := v.pub.Verify(digest[:], signature)
	return err == nil && ok
}

// ecdsaP256Verifier wraps a stdlib ECDSA P-256 public key. No pack example
// ships a P-256-specific library (decred/dcrd/dcrec/secp256k1 is a
// different curve entirely), so this branch is the one place in the
// firmware path that reaches for the standard library instead of a
// third-party dependency.
type ecdsaP256Verifier struct {
	pub *ecdsa.PublicKey
}

// NewECDSAP256Verifier parses an uncompressed SEC1 point (0x04 || X || Y).
func NewECDSAP256Verifier(uncompressedPoint []byte) (Verifier, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, uncompressedPoint)
	if x == nil {
		return nil, ErrBadPublicKey
	}
	return ecdsaP256Verifier{pub: &ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
}

func (v ecdsaP256Verifier) Verify(digest [32]byte, signature []byte) bool {
	return ecdsa.VerifyASN1(v.pub, digest[:], signature)
}

// Registry dispatches a firmware commit's signature to the Verifier
// registered for its algorithm.
type Registry struct {
	byAlgo map[Algorithm]Verifier
}

func NewRegistry() *Registry {
	return &Registry{byAlgo: make(map[Algorithm]Verifier)}
}

func (r *Registry) Register(algo Algorithm, v Verifier) {
	r.byAlgo[algo] = v
}

func (r *Registry) Verify(algo Algorithm, digest [32]byte, signature []byte) error {
	v, ok := r.byAlgo[algo]
	if !ok {
		return errors.Wrapf(ErrUnknownAlgorithm, "algo %d", algo)
	}
	if !v.Verify(digest, signature) {
		return ErrBadSignature
	}
	return nil
}
