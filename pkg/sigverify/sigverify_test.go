package sigverify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

func TestEd25519VerifierRoundTrip(t *testing.T) {
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEd25519Key: %v", err)
	}
	rawPub, err := pub.Raw()
	if err != nil {
		t.Fatalf("pub.Raw: %v", err)
	}
	v, err := NewEd25519Verifier(rawPub)
	if err != nil {
		t.Fatalf("NewEd25519Verifier: %v", err)
	}

	digest := sha256.Sum256([]byte("firmware image bytes"))
	sig, err := priv.Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !v.Verify(digest, sig) {
		t.Fatalf("Verify rejected a valid Ed25519 signature")
	}
}

func TestEd25519VerifierRejectsBogusSignature(t *testing.T) {
	_, pub, _ := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	rawPub, _ := pub.Raw()
	v, _ := NewEd25519Verifier(rawPub)

	digest := sha256.Sum256([]byte("x"))
	if v.Verify(digest, make([]byte, 64)) {
		t.Fatalf("Verify accepted a bogus signature")
	}
}

func TestECDSAP256VerifierRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	point := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	v, err := NewECDSAP256Verifier(point)
	if err != nil {
		t.Fatalf("NewECDSAP256Verifier: %v", err)
	}

	digest := sha256.Sum256([]byte("firmware image bytes"))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}
	if !v.Verify(digest, sig) {
		t.Fatalf("Verify rejected a valid ECDSA-P256 signature")
	}
}

func TestECDSAP256VerifierRejectsBadPoint(t *testing.T) {
	if _, err := NewECDSAP256Verifier([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected error for malformed public key point")
	}
}

func TestRegistryDispatchesByAlgorithm(t *testing.T) {
	r := NewRegistry()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	point := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	v, err := NewECDSAP256Verifier(point)
	if err != nil {
		t.Fatalf("NewECDSAP256Verifier: %v", err)
	}
	r.Register(AlgoECDSAP256, v)

	digest := sha256.Sum256([]byte("image"))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}
	if err := r.Verify(AlgoECDSAP256, digest, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := r.Verify(AlgoEd25519, digest, sig); err == nil {
		t.Fatalf("expected ErrUnknownAlgorithm for unregistered algorithm")
	}
}
