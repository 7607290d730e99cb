package topology

import "testing"

func TestTLVBuildParseRoundTrip(t *testing.T) {
	items := []Item{
		{Tag: TagNodeEntry, Value: []byte{1, 2, 3}},
		{Tag: TagVersion, Value: []byte{0, 5}},
		{Tag: TagAuthHMAC, Value: make([]byte, 16)},
	}
	blob, err := Build(items)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("got %d items, want %d", len(got), len(items))
	}
	if !HasAuthItem(got) {
		t.Fatalf("expected HasAuthItem true")
	}
}

func TestParseRejectsTruncatedValue(t *testing.T) {
	blob := []byte{TagNodeEntry, 10, 1, 2} // declares 10 bytes, only 2 present
	if _, err := Parse(blob); err == nil {
		t.Fatalf("expected malformed TLV error")
	}
}

func TestNodeEntries(t *testing.T) {
	items := []Item{
		{Tag: TagNodeEntry, Value: []byte{1}},
		{Tag: TagVersion, Value: []byte{0, 1}},
		{Tag: TagNodeEntry, Value: []byte{2}},
	}
	entries := NodeEntries(items)
	if len(entries) != 2 {
		t.Fatalf("got %d node entries, want 2", len(entries))
	}
}

type alwaysVerifier struct{ ok bool }

func (a alwaysVerifier) VerifyTopologyAuth(version uint16, items []Item, authItem Item) bool {
	return a.ok
}

func blobWithAuth(t *testing.T) []byte {
	t.Helper()
	blob, err := Build([]Item{
		{Tag: TagNodeEntry, Value: []byte{9}},
		{Tag: TagAuthHMAC, Value: make([]byte, 16)},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return blob
}

func TestApplyAcceptsFirstPush(t *testing.T) {
	s := NewStore(alwaysVerifier{ok: true})
	if err := s.Apply(1, blobWithAuth(t)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.Version() != 1 {
		t.Fatalf("Version() = %d, want 1", s.Version())
	}
	if !s.Installed() {
		t.Fatalf("expected Installed true")
	}
}

func TestApplyRejectsMissingAuthItem(t *testing.T) {
	s := NewStore(alwaysVerifier{ok: true})
	blob, _ := Build([]Item{{Tag: TagNodeEntry, Value: []byte{1}}})
	if err := s.Apply(1, blob); err == nil {
		t.Fatalf("expected ErrNoAuthItem")
	}
}

func TestApplyRejectsVersionRegression(t *testing.T) {
	s := NewStore(alwaysVerifier{ok: true})
	if err := s.Apply(5, blobWithAuth(t)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Apply(4, blobWithAuth(t)); err == nil {
		t.Fatalf("expected ErrVersionRegression")
	}
}

func TestApplyAllowsIdempotentReapplyAtEqualVersion(t *testing.T) {
	s := NewStore(alwaysVerifier{ok: true})
	if err := s.Apply(5, blobWithAuth(t)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Apply(5, blobWithAuth(t)); err != nil {
		t.Fatalf("equal-version reapply should be accepted, got: %v", err)
	}
}

func TestApplyRejectsFailedAuth(t *testing.T) {
	s := NewStore(alwaysVerifier{ok: false})
	if err := s.Apply(1, blobWithAuth(t)); err == nil {
		t.Fatalf("expected ErrAuthFailed")
	}
	if s.Installed() {
		t.Fatalf("failed auth must not install the blob")
	}
}

func TestValidateTokenRequiresInstalledTopology(t *testing.T) {
	s := NewStore(alwaysVerifier{ok: true})
	var token [16]byte
	token[0] = 1
	if s.ValidateToken(token) {
		t.Fatalf("token must fail before any topology is installed")
	}
	if err := s.Apply(1, blobWithAuth(t)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !s.ValidateToken(token) {
		t.Fatalf("nonzero token must pass once a topology is installed")
	}
	var zero [16]byte
	if s.ValidateToken(zero) {
		t.Fatalf("zero token must always fail")
	}
}
