// Package wire implements the v2H frame layout: the fixed header, the
// admission/topology tokens, the fixed and variable opcode payloads, and the
// mandatory HMAC trailer. It knows nothing about keys, replay state, or
// routing policy — those live in pkg/meshcrypto, pkg/replay, and
// internal/router respectively.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformed is returned by Decode for any structurally invalid frame:
// truncated fixed sections, a non-zero reserved byte, a flag asserting a
// token that doesn't fit, or a trailer that wouldn't fit.
var ErrMalformed = errors.New("wire: malformed frame")

const (
	// ProtoVersion is the only protocol version this codec accepts.
	ProtoVersion uint8 = 3

	// MTU is the transport's maximum datagram size.
	MTU = 250

	HeaderLen       = 23
	AdmissionLen    = 16
	TopoTokenLen    = 16
	TrailerNonceLen = 6
	TrailerTagLen   = 12
	TrailerLen      = TrailerNonceLen + TrailerTagLen // 18

	// VirtPhysical marks a frame addressed to a physical (non-emulated)
	// endpoint rather than a virtual index behind an emulator.
	VirtPhysical uint8 = 0xFF
)

// Flags bitfield (header.Flags).
const (
	FlagHasTopo uint16 = 1 << 0 // NowTopoToken128 follows the admission token
	FlagUrgent  uint16 = 1 << 1 // scheduler hint: jump the outbound queue
)

// Opcode identifies the frame's message type.
type Opcode uint8

const (
	OpPairReq     Opcode = 0x00
	OpPairAck     Opcode = 0x01
	OpTopoPush    Opcode = 0x02
	OpNetSetChan  Opcode = 0x03
	OpCtrlRelay   Opcode = 0x10
	OpSensReport  Opcode = 0x20
	OpRlyState    Opcode = 0x21
	OpPmsStatus   Opcode = 0x22
	OpConfigWrite Opcode = 0x30
	OpPing        Opcode = 0x40
	OpPingReply   Opcode = 0x41
	OpTimeSync    Opcode = 0x42
	OpFwBegin     Opcode = 0x50
	OpFwChunk     Opcode = 0x51
	OpFwStatus    Opcode = 0x52
	OpFwCommit    Opcode = 0x53
	OpFwAbort     Opcode = 0x54
)

func (o Opcode) String() string {
	switch o {
	case OpPairReq:
		return "PAIR_REQ"
	case OpPairAck:
		return "PAIR_ACK"
	case OpTopoPush:
		return "TOPO_PUSH"
	case OpNetSetChan:
		return "NET_SET_CHAN"
	case OpCtrlRelay:
		return "CTRL_RELAY"
	case OpSensReport:
		return "SENS_REPORT"
	case OpRlyState:
		return "RLY_STATE"
	case OpPmsStatus:
		return "PMS_STATUS"
	case OpConfigWrite:
		return "CONFIG_WRITE"
	case OpPing:
		return "PING"
	case OpPingReply:
		return "PING_REPLY"
	case OpTimeSync:
		return "TIME_SYNC"
	case OpFwBegin:
		return "FW_BEGIN"
	case OpFwChunk:
		return "FW_CHUNK"
	case OpFwStatus:
		return "FW_STATUS"
	case OpFwCommit:
		return "FW_COMMIT"
	case OpFwAbort:
		return "FW_ABORT"
	default:
		return "UNKNOWN"
	}
}

// Role is the immutable device role assigned at provisioning.
type Role uint8

const (
	RoleICM   Role = 0x00
	RolePMS   Role = 0x01
	RoleRelay Role = 0x02
	RoleSens  Role = 0x03
	RoleREMU  Role = 0x05
	RoleSEMU  Role = 0x06
)

// PingReply state flags, supplemented from the original firmware's
// NOW_STATE_* bit definitions.
const (
	StateModeAuto   uint16 = 1 << 0
	StateModeManual uint16 = 1 << 1
	StateUpdating   uint16 = 1 << 2
	StateStartingUp uint16 = 1 << 3
	StateBusy       uint16 = 1 << 4
	StatePairing    uint16 = 1 << 5
	StateIdle       uint16 = 1 << 6
)

// RelayOp selects a relay-control action.
type RelayOp uint8

const (
	RelayNop   RelayOp = 0
	RelayOff   RelayOp = 1
	RelayOn    RelayOp = 2
	RelayPulse RelayOp = 3
)

// ActResult is the result code carried in RlyState, supplemented in full
// from the original firmware's relay action result codes.
type ActResult uint8

const (
	ActOK        ActResult = 0
	ActInterlock ActResult = 1
	ActThermal   ActResult = 2
	ActRate      ActResult = 3
	ActDenied    ActResult = 4
	ActTopoMism  ActResult = 5
	ActOther     ActResult = 15
)

// ConfigType tags the value encoding of a ConfigWrite payload (supplemented
// from original_source/EspNowAPI.h).
type ConfigType uint8

const (
	CfgU8   ConfigType = 1
	CfgU16  ConfigType = 2
	CfgU32  ConfigType = 3
	CfgI16  ConfigType = 4
	CfgI32  ConfigType = 5
	CfgSTR6 ConfigType = 6
	CfgBIN  ConfigType = 7
)

// Header is the fixed 23-byte frame header, little-endian throughout except
// the raw MAC and role bytes which carry no endianness.
type Header struct {
	ProtoVer   uint8
	Opcode     Opcode
	Flags      uint16
	Seq        uint16
	TopoVer    uint16
	VirtID     uint8
	Reserved   uint8
	TsMs       uint64 // lower 48 bits significant
	SenderMAC  [6]byte
	SenderRole Role
}

// HasTopo reports whether FlagHasTopo is set.
func (h Header) HasTopo() bool { return h.Flags&FlagHasTopo != 0 }

// Urgent reports whether FlagUrgent is set.
func (h Header) Urgent() bool { return h.Flags&FlagUrgent != 0 }

// IsPhysical reports whether VirtID denotes a physical (non-emulated) endpoint.
func (h Header) IsPhysical() bool { return h.VirtID == VirtPhysical }

// PutHeader serializes h into the first HeaderLen bytes of buf.
func PutHeader(buf []byte, h Header) {
	_ = buf[HeaderLen-1]
	buf[0] = h.ProtoVer
	buf[1] = uint8(h.Opcode)
	binary.LittleEndian.PutUint16(buf[2:4], h.Flags)
	binary.LittleEndian.PutUint16(buf[4:6], h.Seq)
	binary.LittleEndian.PutUint16(buf[6:8], h.TopoVer)
	buf[8] = h.VirtID
	buf[9] = h.Reserved
	put48(buf[10:16], h.TsMs)
	copy(buf[16:22], h.SenderMAC[:])
	buf[22] = uint8(h.SenderRole)
}

// ParseHeader reads the first HeaderLen bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, errors.Wrap(ErrMalformed, "short header")
	}
	var h Header
	h.ProtoVer = buf[0]
	h.Opcode = Opcode(buf[1])
	h.Flags = binary.LittleEndian.Uint16(buf[2:4])
	h.Seq = binary.LittleEndian.Uint16(buf[4:6])
	h.TopoVer = binary.LittleEndian.Uint16(buf[6:8])
	h.VirtID = buf[8]
	h.Reserved = buf[9]
	h.TsMs = get48(buf[10:16])
	copy(h.SenderMAC[:], buf[16:22])
	h.SenderRole = Role(buf[22])
	if h.ProtoVer != ProtoVersion {
		return Header{}, errors.Wrapf(ErrMalformed, "bad protocol version %d", h.ProtoVer)
	}
	if h.Reserved != 0 {
		return Header{}, errors.Wrap(ErrMalformed, "reserved byte set")
	}
	return h, nil
}

func put48(b []byte, v uint64) {
	_ = b[5]
	for i := 0; i < 6; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func get48(b []byte) uint64 {
	_ = b[5]
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Trailer is the mandatory 18-byte authentication trailer, present on every
// frame except PAIR_REQ.
type Trailer struct {
	Nonce [TrailerNonceLen]byte // 48-bit sender nonce, little-endian
	Tag   [TrailerTagLen]byte   // truncated HMAC-SHA256 tag
}

func (t Trailer) NonceU64() uint64 { return get48(t.Nonce[:]) }

func NonceFromU64(n uint64) [TrailerNonceLen]byte {
	var b [TrailerNonceLen]byte
	put48(b[:], n)
	return b
}

func PutTrailer(buf []byte, t Trailer) {
	_ = buf[TrailerLen-1]
	copy(buf[0:TrailerNonceLen], t.Nonce[:])
	copy(buf[TrailerNonceLen:TrailerLen], t.Tag[:])
}

func ParseTrailer(buf []byte) (Trailer, error) {
	if len(buf) < TrailerLen {
		return Trailer{}, errors.Wrap(ErrMalformed, "short trailer")
	}
	var t Trailer
	copy(t.Nonce[:], buf[0:TrailerNonceLen])
	copy(t.Tag[:], buf[TrailerNonceLen:TrailerLen])
	return t, nil
}

// RequiresAuth reports whether op carries an admission token and trailer.
// PAIR_REQ is the sole unauthenticated opcode.
func RequiresAuth(op Opcode) bool { return op != OpPairReq }

// MinPayloadLen returns the minimum payload length for op, per the fixed
// per-opcode sizes table, or -1 for an unknown opcode. Variable-length
// opcodes return the length of their fixed header only; the remainder is the
// opcode's own tail.
func MinPayloadLen(op Opcode) int {
	switch op {
	case OpPairReq:
		return 0
	case OpPairAck:
		return 24
	case OpTopoPush:
		return 4
	case OpNetSetChan:
		return 4
	case OpCtrlRelay:
		return 4
	case OpSensReport:
		return 30
	case OpRlyState:
		return 4
	case OpPmsStatus:
		return 17
	case OpConfigWrite:
		return 8
	case OpPing:
		return 2
	case OpPingReply:
		return 5
	case OpTimeSync:
		return 8
	case OpFwBegin:
		return 52
	case OpFwChunk:
		return 12
	case OpFwStatus:
		return 16
	case OpFwCommit:
		return 8
	case OpFwAbort:
		return 8
	default:
		return -1
	}
}

// fixedOverhead returns the bytes consumed by header+admission+trailer
// (+topology token when present) for a frame carrying op.
func fixedOverhead(op Opcode, hasTopo bool) int {
	n := HeaderLen
	if RequiresAuth(op) {
		n += AdmissionLen + TrailerLen
	}
	if hasTopo {
		n += TopoTokenLen
	}
	return n
}

// MaxTailLen returns the maximum variable-tail length (TLV blob, config
// value, firmware chunk data, or signature) that still fits within MTU for
// the given opcode.
func MaxTailLen(op Opcode, hasTopo bool) int {
	min := MinPayloadLen(op)
	if min < 0 {
		return 0
	}
	room := MTU - fixedOverhead(op, hasTopo) - min
	if room < 0 {
		return 0
	}
	return room
}
