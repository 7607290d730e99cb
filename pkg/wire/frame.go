package wire

import "github.com/pkg/errors"

// Frame is a decoded view over a received buffer. Payload and Signed are
// subslices of the original buffer, not copies; the fixed-size tokens and
// trailer are copied into the Frame value.
type Frame struct {
	Header    Header
	Admission [AdmissionLen]byte
	HasAdmission bool
	TopoToken [TopoTokenLen]byte
	Payload   []byte
	Trailer   Trailer
	HasTrailer bool

	// Signed is the portion of the buffer the trailer's HMAC tag covers: the
	// header, tokens, payload, and the trailer's own nonce — everything
	// preceding the tag itself.
	Signed []byte
}

// Encode composes header, admission token (if op requires auth), optional
// topology token, payload and trailer into buf, returning the slice actually
// written. buf must be at least MTU bytes. The trailer's Tag field is
// written as-is; signing callers encode first, then compute the tag (see
// meshcrypto) over the encoded header, tokens, payload and the trailer's
// own nonce, and patch it into the last TrailerTagLen bytes.
func Encode(buf []byte, h Header, admission [AdmissionLen]byte, topoToken *[TopoTokenLen]byte, payload []byte, trailer Trailer) ([]byte, error) {
	needsAuth := RequiresAuth(h.Opcode)
	hasTopo := topoToken != nil
	if hasTopo != h.HasTopo() {
		return nil, errors.Wrap(ErrMalformed, "FlagHasTopo does not match topoToken presence")
	}

	total := HeaderLen
	if needsAuth {
		total += AdmissionLen
	}
	if hasTopo {
		total += TopoTokenLen
	}
	total += len(payload)
	if needsAuth {
		total += TrailerLen
	}
	if total > MTU {
		return nil, errors.Wrapf(ErrMalformed, "encoded frame %d exceeds MTU %d", total, MTU)
	}
	if len(buf) < total {
		return nil, errors.Wrap(ErrMalformed, "buf too small")
	}

	off := 0
	PutHeader(buf[off:off+HeaderLen], h)
	off += HeaderLen
	if needsAuth {
		copy(buf[off:off+AdmissionLen], admission[:])
		off += AdmissionLen
	}
	if hasTopo {
		copy(buf[off:off+TopoTokenLen], topoToken[:])
		off += TopoTokenLen
	}
	copy(buf[off:off+len(payload)], payload)
	off += len(payload)
	if needsAuth {
		PutTrailer(buf[off:off+TrailerLen], trailer)
		off += TrailerLen
	}
	return buf[:off], nil
}

// Decode parses buf into a Frame. It enforces every structural invariant
// short of HMAC verification and replay checks, which belong to
// meshcrypto and replay respectively: protocol version,
// reserved byte, admission-token presence for non-PAIR_REQ opcodes, the
// topology-token-fits-if-flagged check, trailer presence/fit, and the
// opcode's declared minimum payload length.
func Decode(buf []byte) (Frame, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Frame{}, err
	}

	off := HeaderLen
	var f Frame
	f.Header = h

	needsAuth := RequiresAuth(h.Opcode)
	if needsAuth {
		if len(buf) < off+AdmissionLen {
			return Frame{}, errors.Wrap(ErrMalformed, "truncated admission token")
		}
		copy(f.Admission[:], buf[off:off+AdmissionLen])
		f.HasAdmission = true
		off += AdmissionLen
	}

	if h.HasTopo() {
		if len(buf) < off+TopoTokenLen {
			return Frame{}, errors.Wrap(ErrMalformed, "FlagHasTopo set but token doesn't fit")
		}
		copy(f.TopoToken[:], buf[off:off+TopoTokenLen])
		off += TopoTokenLen
	}

	minPayload := MinPayloadLen(h.Opcode)
	if minPayload < 0 {
		return Frame{}, errors.Wrapf(ErrMalformed, "unknown opcode 0x%02x", h.Opcode)
	}

	trailerStart := len(buf)
	if needsAuth {
		if len(buf) < TrailerLen {
			return Frame{}, errors.Wrap(ErrMalformed, "trailer doesn't fit")
		}
		trailerStart = len(buf) - TrailerLen
	}
	if trailerStart < off+minPayload {
		return Frame{}, errors.Wrapf(ErrMalformed, "payload shorter than opcode minimum %d", minPayload)
	}

	f.Payload = buf[off:trailerStart]

	if needsAuth {
		tagStart := len(buf) - TrailerTagLen
		f.Signed = buf[:tagStart]
		t, err := ParseTrailer(buf[trailerStart:])
		if err != nil {
			return Frame{}, err
		}
		f.Trailer = t
		f.HasTrailer = true
	} else {
		f.Signed = buf[:trailerStart]
	}

	return f, nil
}
