package nodestate

import (
	"path/filepath"
	"testing"

	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/wire"
)

func sampleRecord() roleadapter.Record {
	var token [wire.AdmissionLen]byte
	for i := range token {
		token[i] = byte(i)
	}
	return roleadapter.Record{
		Role:            wire.RoleSens,
		DeviceToken:     token,
		ControllerMAC:   [6]byte{1, 2, 3, 4, 5, 6},
		Channel:         6,
		TopologyVersion: 9,
		TopologyBlob:    []byte{0x10, 0x01, 0xAA},
		FwImageID:       42,
		FwState:         3,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := sampleRecord()
	data := Encode(rec)

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Role != rec.Role || got.DeviceToken != rec.DeviceToken || got.ControllerMAC != rec.ControllerMAC {
		t.Fatalf("decoded record mismatch: %+v", got)
	}
	if got.Channel != rec.Channel || got.TopologyVersion != rec.TopologyVersion {
		t.Fatalf("decoded record mismatch: %+v", got)
	}
	if string(got.TopologyBlob) != string(rec.TopologyBlob) {
		t.Fatalf("topology blob mismatch: got %x want %x", got.TopologyBlob, rec.TopologyBlob)
	}
	if got.FwImageID != rec.FwImageID || got.FwState != rec.FwState {
		t.Fatalf("firmware fields mismatch: %+v", got)
	}
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected ErrCorrupt for a short buffer")
	}
}

func TestDecodeRejectsBadFormatVersion(t *testing.T) {
	data := Encode(sampleRecord())
	data[0] = 0xFF
	if _, err := Decode(data); err == nil {
		t.Fatalf("expected ErrCorrupt for an unsupported format version")
	}
}

func TestFileStoreLoadMissingFileReturnsZeroRecord(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nonexistent.bin"))
	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Role != 0 || rec.TopologyVersion != 0 {
		t.Fatalf("expected zero-value record for a missing file, got %+v", rec)
	}
}

func TestFileStoreSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.bin")
	s := NewFileStore(path)
	rec := sampleRecord()

	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ControllerMAC != rec.ControllerMAC || got.Channel != rec.Channel {
		t.Fatalf("round trip through disk mismatched: %+v", got)
	}
}
