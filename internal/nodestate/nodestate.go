// Package nodestate implements the core's owned persisted record as a flat,
// versioned binary blob, in the spirit of the original firmware's NVS-backed
// config rather than a database: a fixed header followed by the variable
// topology blob tail.
package nodestate

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/wire"
)

// FormatVersion is bumped whenever the fixed layout below changes shape.
const FormatVersion uint8 = 1

// fixedLen is the size of everything preceding the variable topology blob:
// format version, role, device token, controller MAC, channel, topology
// version, topology blob length, firmware image id, firmware state.
const fixedLen = 1 + 1 + wire.AdmissionLen + 6 + 1 + 2 + 2 + 4 + 1

var ErrCorrupt = errors.New("nodestate: corrupt record")

// FileStore persists a roleadapter.Record to a single file, matching the
// teacher's LoadOrCreatePrivateKey pattern of a small on-disk blob owned by
// one component.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads and decodes the record at path. A missing file is not an
// error: it returns a zero-value Record so a fresh node can pair from
// scratch.
func (f *FileStore) Load() (roleadapter.Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return roleadapter.Record{}, nil
	}
	if err != nil {
		return roleadapter.Record{}, errors.Wrap(err, "nodestate: read failed")
	}
	return Decode(data)
}

// Save atomically writes rec to path (write to a temp file, then rename).
func (f *FileStore) Save(rec roleadapter.Record) error {
	data := Encode(rec)
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "nodestate: write failed")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "nodestate: rename failed")
	}
	return nil
}

// Encode serializes rec into the flat on-disk layout.
func Encode(rec roleadapter.Record) []byte {
	buf := make([]byte, fixedLen+len(rec.TopologyBlob))
	off := 0
	buf[off] = FormatVersion
	off++
	buf[off] = uint8(rec.Role)
	off++
	copy(buf[off:off+wire.AdmissionLen], rec.DeviceToken[:])
	off += wire.AdmissionLen
	copy(buf[off:off+6], rec.ControllerMAC[:])
	off += 6
	buf[off] = rec.Channel
	off++
	binary.LittleEndian.PutUint16(buf[off:off+2], rec.TopologyVersion)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(rec.TopologyBlob)))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], rec.FwImageID)
	off += 4
	buf[off] = rec.FwState
	off++
	copy(buf[off:], rec.TopologyBlob)
	return buf
}

// Decode parses the flat on-disk layout produced by Encode.
func Decode(data []byte) (roleadapter.Record, error) {
	if len(data) < fixedLen {
		return roleadapter.Record{}, errors.Wrap(ErrCorrupt, "short record")
	}
	var rec roleadapter.Record
	off := 0
	rec.FormatVersion = data[off]
	off++
	if rec.FormatVersion != FormatVersion {
		return roleadapter.Record{}, errors.Wrapf(ErrCorrupt, "unsupported format version %d", rec.FormatVersion)
	}
	rec.Role = wire.Role(data[off])
	off++
	copy(rec.DeviceToken[:], data[off:off+wire.AdmissionLen])
	off += wire.AdmissionLen
	copy(rec.ControllerMAC[:], data[off:off+6])
	off += 6
	rec.Channel = data[off]
	off++
	rec.TopologyVersion = binary.LittleEndian.Uint16(data[off : off+2])
	off += 2
	blobLen := binary.LittleEndian.Uint16(data[off : off+2])
	off += 2
	rec.TopologyBlobLen = blobLen
	rec.FwImageID = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	rec.FwState = data[off]
	off++
	if len(data) < off+int(blobLen) {
		return roleadapter.Record{}, errors.Wrap(ErrCorrupt, "truncated topology blob")
	}
	rec.TopologyBlob = append([]byte(nil), data[off:off+int(blobLen)]...)
	return rec, nil
}
