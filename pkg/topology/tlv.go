// Package topology implements the TLV topology blob codec and the
// authoritative topology store: current (version, blob) and topology-token
// issuance/validation. No role-specific projection of the blob is derived.
package topology

import "github.com/pkg/errors"

// TLV item type codes, matching the original firmware's topology blob
// encoding.
const (
	TagNodeEntry uint8 = 0x10
	TagVersion   uint8 = 0x11
	TagAuthHMAC  uint8 = 0xF0
	TagAuthSig   uint8 = 0xF1
)

// ErrMalformedTLV is returned when a blob's length prefixes don't fit.
var ErrMalformedTLV = errors.New("topology: malformed TLV blob")

// Item is one decoded TLV entry: type, then its value bytes.
type Item struct {
	Tag   uint8
	Value []byte
}

// Parse walks blob as a flat sequence of <type:1><len:1><value:len> items.
// Value slices alias blob; callers must not retain blob across a mutation.
func Parse(blob []byte) ([]Item, error) {
	var items []Item
	off := 0
	for off+2 <= len(blob) {
		tag := blob[off]
		l := int(blob[off+1])
		off += 2
		if off+l > len(blob) {
			return nil, ErrMalformedTLV
		}
		items = append(items, Item{Tag: tag, Value: blob[off : off+l]})
		off += l
	}
	if off != len(blob) {
		return nil, ErrMalformedTLV
	}
	return items, nil
}

// Build serializes items back into a flat TLV blob. Each item's Value must
// not exceed 255 bytes.
func Build(items []Item) ([]byte, error) {
	var out []byte
	for _, it := range items {
		if len(it.Value) > 0xFF {
			return nil, errors.Errorf("topology: TLV value too long for tag 0x%02x: %d bytes", it.Tag, len(it.Value))
		}
		out = append(out, it.Tag, byte(len(it.Value)))
		out = append(out, it.Value...)
	}
	return out, nil
}

// HasAuthItem reports whether items contains an HMAC or signature
// authentication entry, a precondition for accepting any topology push.
func HasAuthItem(items []Item) bool {
	for _, it := range items {
		if it.Tag == TagAuthHMAC || it.Tag == TagAuthSig {
			return true
		}
	}
	return false
}

// AuthItem returns the first HMAC or signature authentication item, or
// found=false if none is present.
func AuthItem(items []Item) (it Item, found bool) {
	for _, i := range items {
		if i.Tag == TagAuthHMAC || i.Tag == TagAuthSig {
			return i, true
		}
	}
	return Item{}, false
}

// NodeEntries returns every TagNodeEntry item's raw value, in blob order.
// Entries are not filtered by role; nothing in this module decides which
// entries matter to a sensor vs. a relay.
func NodeEntries(items []Item) [][]byte {
	var out [][]byte
	for _, it := range items {
		if it.Tag == TagNodeEntry {
			out = append(out, it.Value)
		}
	}
	return out
}
