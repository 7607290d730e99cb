// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// Package fleetpb hand-frames the fleet-distribution control messages using
// google.golang.org/protobuf/encoding/protowire directly. There is no
// .proto/protoc-gen step in this environment to produce generated message
// types, so each message implements its own Marshal/Unmarshal the way a
// generated MarshalVT/UnmarshalVT pair would, using the same wire tags a
// .proto definition for these fields would assign.
package fleetpb

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a message ends mid-field.
var ErrTruncated = errors.New("fleetpb: truncated message")

// HandshakeRequest opens a relay data-plane connection for a previously
// allocated stream.
type HandshakeRequest struct {
	StreamID     uint64
	SenderPeerID []byte
}

func (m *HandshakeRequest) Marshal() []byte {
	var b []byte
	if m.StreamID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.StreamID)
	}
	if len(m.SenderPeerID) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SenderPeerID)
	}
	return b
}

func (m *HandshakeRequest) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.StreamID = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			m.SenderPeerID = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// HandshakeAck answers a HandshakeRequest.
type HandshakeAck struct {
	Ok    bool
	Error string
}

func (m *HandshakeAck) Marshal() []byte {
	var b []byte
	if m.Ok {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Error != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Error)
	}
	return b
}

func (m *HandshakeAck) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.Ok = v != 0
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ErrTruncated
			}
			m.Error = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// FetchKind selects what a FetchRequest is asking for.
type FetchKind uint32

const (
	FetchFirmware FetchKind = 0
	FetchTopology FetchKind = 1
)

// FetchRequest asks a fleet peer to relay a firmware image or a topology
// blob for a target installation/role.
type FetchRequest struct {
	Kind         FetchKind
	TargetRole   uint32
	ImageID      []byte // 16 bytes, firmware only
	TopoVersion  uint32 // topology only
	Installation string
}

func (m *FetchRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.TargetRole))
	if len(m.ImageID) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ImageID)
	}
	if m.TopoVersion != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TopoVersion))
	}
	if m.Installation != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.Installation)
	}
	return b
}

func (m *FetchRequest) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.Kind = FetchKind(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.TargetRole = uint32(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			m.ImageID = append([]byte(nil), v...)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.TopoVersion = uint32(v)
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ErrTruncated
			}
			m.Installation = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// FetchResponse answers a FetchRequest with a relay allocation the client
// can then dial to stream the blob over, or an error.
type FetchResponse struct {
	Ok            bool
	Error         string
	RelayEndpoint string
	StreamID      uint64
	Token         []byte
	TotalLen      uint64
}

func (m *FetchResponse) Marshal() []byte {
	var b []byte
	if m.Ok {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Error != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Error)
	}
	if m.RelayEndpoint != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.RelayEndpoint)
	}
	if m.StreamID != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, m.StreamID)
	}
	if len(m.Token) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Token)
	}
	if m.TotalLen != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, m.TotalLen)
	}
	return b
}

func (m *FetchResponse) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.Ok = v != 0
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ErrTruncated
			}
			m.Error = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ErrTruncated
			}
			m.RelayEndpoint = v
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.StreamID = v
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			m.Token = append([]byte(nil), v...)
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.TotalLen = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}
