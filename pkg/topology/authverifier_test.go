package topology

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"

	"github.com/nowmesh/v2h/pkg/meshcrypto"
	"github.com/nowmesh/v2h/pkg/sigverify"
	"github.com/nowmesh/v2h/pkg/wire"
)

func testSigner(t *testing.T) *meshcrypto.Signer {
	t.Helper()
	s, err := meshcrypto.NewSigner(meshcrypto.Keys{
		PreShared: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		PerLink:   [16]byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		Salt:      [16]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xAA, 0xBB, 0xCC, 0xDD, 0xAA, 0xBB, 0xCC, 0xDD, 0xAA, 0xBB, 0xCC, 0xDD},
	})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestHMACVerifierAcceptsMatchingTag(t *testing.T) {
	signer := testSigner(t)
	var admission [wire.AdmissionLen]byte
	admission[0] = 0x42

	nodeEntry := Item{Tag: TagNodeEntry, Value: []byte{1, 2, 3}}
	payload, err := AuthPayload(7, []Item{nodeEntry})
	if err != nil {
		t.Fatalf("AuthPayload: %v", err)
	}
	tag := signer.Sign(admission, payload)
	authItem := Item{Tag: TagAuthHMAC, Value: tag[:]}

	v := HMACVerifier{Signer: signer, Admission: admission}
	if !v.VerifyTopologyAuth(7, []Item{nodeEntry, authItem}, authItem) {
		t.Fatalf("expected a correctly derived HMAC item to verify")
	}
}

func TestHMACVerifierRejectsWrongPeerKey(t *testing.T) {
	signer := testSigner(t)
	var signerAdmission [wire.AdmissionLen]byte
	signerAdmission[0] = 0x42
	var otherAdmission [wire.AdmissionLen]byte
	otherAdmission[0] = 0x99

	nodeEntry := Item{Tag: TagNodeEntry, Value: []byte{1, 2, 3}}
	payload, err := AuthPayload(7, []Item{nodeEntry})
	if err != nil {
		t.Fatalf("AuthPayload: %v", err)
	}
	tag := signer.Sign(signerAdmission, payload)
	authItem := Item{Tag: TagAuthHMAC, Value: tag[:]}

	v := HMACVerifier{Signer: signer, Admission: otherAdmission}
	if v.VerifyTopologyAuth(7, []Item{nodeEntry, authItem}, authItem) {
		t.Fatalf("HMAC item signed for one peer must not verify under another peer's key")
	}
}

func TestHMACVerifierRejectsTamperedItems(t *testing.T) {
	signer := testSigner(t)
	var admission [wire.AdmissionLen]byte
	admission[0] = 0x42

	nodeEntry := Item{Tag: TagNodeEntry, Value: []byte{1, 2, 3}}
	payload, err := AuthPayload(7, []Item{nodeEntry})
	if err != nil {
		t.Fatalf("AuthPayload: %v", err)
	}
	tag := signer.Sign(admission, payload)
	authItem := Item{Tag: TagAuthHMAC, Value: tag[:]}

	tampered := Item{Tag: TagNodeEntry, Value: []byte{9, 9, 9}}
	v := HMACVerifier{Signer: signer, Admission: admission}
	if v.VerifyTopologyAuth(7, []Item{tampered, authItem}, authItem) {
		t.Fatalf("a tampered node entry must invalidate the authentication item")
	}
}

func TestSigVerifierAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	verifier, err := sigverify.NewEd25519Verifier(pub)
	if err != nil {
		t.Fatalf("NewEd25519Verifier: %v", err)
	}
	reg := sigverify.NewRegistry()
	reg.Register(sigverify.AlgoEd25519, verifier)

	nodeEntry := Item{Tag: TagNodeEntry, Value: []byte{4, 5, 6}}
	payload, err := AuthPayload(3, []Item{nodeEntry})
	if err != nil {
		t.Fatalf("AuthPayload: %v", err)
	}
	digest := sha256.Sum256(payload)
	sig := ed25519.Sign(priv, digest[:])
	authItem := Item{Tag: TagAuthSig, Value: append([]byte{byte(sigverify.AlgoEd25519)}, sig...)}

	v := SigVerifier{Registry: reg}
	if !v.VerifyTopologyAuth(3, []Item{nodeEntry, authItem}, authItem) {
		t.Fatalf("expected a validly signed topology blob to verify")
	}
}

func TestSigVerifierRejectsWrongSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	verifier, err := sigverify.NewEd25519Verifier(pub)
	if err != nil {
		t.Fatalf("NewEd25519Verifier: %v", err)
	}
	reg := sigverify.NewRegistry()
	reg.Register(sigverify.AlgoEd25519, verifier)

	_, wrongPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	nodeEntry := Item{Tag: TagNodeEntry, Value: []byte{4, 5, 6}}
	payload, err := AuthPayload(3, []Item{nodeEntry})
	if err != nil {
		t.Fatalf("AuthPayload: %v", err)
	}
	digest := sha256.Sum256(payload)
	sig := ed25519.Sign(wrongPriv, digest[:])
	authItem := Item{Tag: TagAuthSig, Value: append([]byte{byte(sigverify.AlgoEd25519)}, sig...)}

	v := SigVerifier{Registry: reg}
	if v.VerifyTopologyAuth(3, []Item{nodeEntry, authItem}, authItem) {
		t.Fatalf("a signature from the wrong key must not verify")
	}
}
