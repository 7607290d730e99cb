// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// Package relayproto implements the fleet-distribution plane's two framings:
// a libp2p-stream control channel used to negotiate a relay allocation, and
// a TCP data-plane framing, HMAC-keyed by the token that allocation issued,
// used to bridge the actual firmware/topology blob bytes between two fleet
// peers through the relay.
package relayproto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/pkg/errors"
)

var (
	ErrTooLarge     = errors.New("relayproto: payload too large")
	ErrBadMagic     = errors.New("relayproto: bad magic")
	ErrBadVersion   = errors.New("relayproto: bad version")
	ErrHMACMismatch = errors.New("relayproto: hmac mismatch")
)

// Control framing over a libp2p stream: Length (LE16) + Type (LE16) + data.
const (
	ControlTypeFetchRequest  uint16 = 0x0301
	ControlTypeFetchResponse uint16 = 0x0302
)

// WriteControlFrame writes a length-prefixed control frame to w.
func WriteControlFrame(w io.Writer, typ uint16, data []byte) error {
	if len(data) > 0xFFFF {
		return ErrTooLarge
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(data)))
	binary.LittleEndian.PutUint16(hdr[2:4], typ)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := w.Write(data)
		return err
	}
	return nil
}

// ReadControlFrame reads one control frame from a libp2p stream, bounding
// the read with timeout.
func ReadControlFrame(s network.Stream, timeout time.Duration) (typ uint16, data []byte, err error) {
	var hdr [4]byte
	_ = s.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = s.SetReadDeadline(time.Time{}) }()

	if _, err = io.ReadFull(s, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	typ = binary.LittleEndian.Uint16(hdr[2:4])
	if length == 0 {
		return typ, nil, nil
	}
	data = make([]byte, int(length))
	_, err = io.ReadFull(s, data)
	return typ, data, err
}

// Data-plane framing over a plain TCP connection:
//
//	Magic "V2HF" (4B)
//	Length (LE32) -- length of Data only
//	Version (1B) -- fixed 0x01
//	Type (1B)
//	Data (NB)
//	HMAC (32B) -- HMAC-SHA256(key=token, msg = Magic||Length||Version||Type||Data)
//
// Types 0x01 and 0x02 are the handshake request and ack exchanged once per
// connection (see fleetpb.HandshakeRequest/Ack); type 0x03 is a raw blob
// chunk with no further structure — the bridge just pipes bytes once both sides are
// handshaked.
const (
	relayMagic   = "V2HF"
	relayVersion = byte(0x01)

	FrameTypeHandshakeRequest = byte(0x01)
	FrameTypeHandshakeAck     = byte(0x02)
	FrameTypeBlobChunk        = byte(0x03)
)

// FrameHeader is a parsed data-plane frame header, HMAC not yet verified.
type FrameHeader struct {
	Length  uint32
	Version byte
	Type    byte
}

// WriteFrame writes one data-plane frame with its HMAC computed under token.
func WriteFrame(w io.Writer, typ byte, token []byte, data []byte) error {
	hdr := FrameHeader{Length: uint32(len(data)), Version: relayVersion, Type: typ}
	buf := bytes.NewBuffer(nil)
	buf.Grow(4 + 4 + 1 + 1 + len(data) + sha256.Size)
	buf.WriteString(relayMagic)
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], hdr.Length)
	buf.Write(le[:])
	buf.WriteByte(hdr.Version)
	buf.WriteByte(hdr.Type)
	if len(data) > 0 {
		buf.Write(data)
	}
	buf.Write(buildHMAC(token, hdr, data))
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrameRaw reads one data-plane frame and returns its header, data and
// the trailing HMAC bytes, unverified — callers check VerifyHMAC themselves
// once they know which token the frame's stream ID maps to.
func ReadFrameRaw(r net.Conn, timeout time.Duration) (hdr FrameHeader, data []byte, sum []byte, err error) {
	var magic [4]byte
	_ = r.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = r.SetReadDeadline(time.Time{}) }()

	if _, err = io.ReadFull(r, magic[:]); err != nil {
		return
	}
	if string(magic[:]) != relayMagic {
		err = ErrBadMagic
		return
	}
	var le [4]byte
	if _, err = io.ReadFull(r, le[:]); err != nil {
		return
	}
	hdr.Length = binary.LittleEndian.Uint32(le[:])

	var verType [2]byte
	if _, err = io.ReadFull(r, verType[:]); err != nil {
		return
	}
	hdr.Version = verType[0]
	if hdr.Version != relayVersion {
		err = ErrBadVersion
		return
	}
	hdr.Type = verType[1]

	if hdr.Length > 0 {
		data = make([]byte, int(hdr.Length))
		if _, err = io.ReadFull(r, data); err != nil {
			return
		}
	}
	sum = make([]byte, sha256.Size)
	_, err = io.ReadFull(r, sum)
	return
}

// VerifyHMAC checks a frame's trailing HMAC against token.
func (h FrameHeader) VerifyHMAC(token []byte, data []byte, got []byte) error {
	want := buildHMAC(token, h, data)
	if !hmac.Equal(want, got) {
		return ErrHMACMismatch
	}
	return nil
}

func buildHMAC(token []byte, hdr FrameHeader, data []byte) []byte {
	mac := hmac.New(sha256.New, token)
	mac.Write([]byte(relayMagic))
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], hdr.Length)
	mac.Write(le[:])
	mac.Write([]byte{hdr.Version, hdr.Type})
	mac.Write(data)
	return mac.Sum(nil)
}
