package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PairAck is the ICM -> device pairing acknowledgement (24 bytes).
type PairAck struct {
	ICMMac      [6]byte
	Channel     uint8
	Reserved    uint8
	DeviceToken [AdmissionLen]byte
}

func (p PairAck) Marshal() []byte {
	buf := make([]byte, 24)
	copy(buf[0:6], p.ICMMac[:])
	buf[6] = p.Channel
	buf[7] = p.Reserved
	copy(buf[8:24], p.DeviceToken[:])
	return buf
}

func ParsePairAck(b []byte) (PairAck, error) {
	if len(b) < 24 {
		return PairAck{}, errors.Wrap(ErrMalformed, "short PairAck")
	}
	var p PairAck
	copy(p.ICMMac[:], b[0:6])
	p.Channel = b[6]
	p.Reserved = b[7]
	copy(p.DeviceToken[:], b[8:24])
	return p, nil
}

// NetSetChan requests a channel switch after a grace delay (4 bytes).
type NetSetChan struct {
	NewChannel uint8
	Reserved   uint8
	WaitMs     uint16
}

func (n NetSetChan) Marshal() []byte {
	buf := make([]byte, 4)
	buf[0] = n.NewChannel
	buf[1] = n.Reserved
	binary.LittleEndian.PutUint16(buf[2:4], n.WaitMs)
	return buf
}

func ParseNetSetChan(b []byte) (NetSetChan, error) {
	if len(b) < 4 {
		return NetSetChan{}, errors.Wrap(ErrMalformed, "short NetSetChan")
	}
	return NetSetChan{
		NewChannel: b[0],
		Reserved:   b[1],
		WaitMs:     binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// TopoFmt identifies the topology blob encoding. TLV v1 is the only one defined.
const TopoFmtTLVv1 uint8 = 1

// TopoPushHeader is the 4-byte fixed header preceding the TLV blob.
type TopoPushHeader struct {
	TopoFmt  uint8
	Reserved uint8
	TopoLen  uint16
}

func (t TopoPushHeader) Marshal() []byte {
	buf := make([]byte, 4)
	buf[0] = t.TopoFmt
	buf[1] = t.Reserved
	binary.LittleEndian.PutUint16(buf[2:4], t.TopoLen)
	return buf
}

func ParseTopoPushHeader(b []byte) (TopoPushHeader, error) {
	if len(b) < 4 {
		return TopoPushHeader{}, errors.Wrap(ErrMalformed, "short TopoPush header")
	}
	return TopoPushHeader{
		TopoFmt:  b[0],
		Reserved: b[1],
		TopoLen:  binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// CtrlRelay commands a relay (or REMU virtual) output (4 bytes).
type CtrlRelay struct {
	Channel uint8
	Op      RelayOp
	PulseMs uint16
}

func (c CtrlRelay) Marshal() []byte {
	buf := make([]byte, 4)
	buf[0] = c.Channel
	buf[1] = uint8(c.Op)
	binary.LittleEndian.PutUint16(buf[2:4], c.PulseMs)
	return buf
}

func ParseCtrlRelay(b []byte) (CtrlRelay, error) {
	if len(b) < 4 {
		return CtrlRelay{}, errors.Wrap(ErrMalformed, "short CtrlRelay")
	}
	return CtrlRelay{
		Channel: b[0],
		Op:      RelayOp(b[1]),
		PulseMs: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// TFPairSample is one TF-Luna distance sample (8 bytes).
type TFPairSample struct {
	DistMM    int16
	Amp       uint16
	TempC100  int16
	OK        uint8
	Reserved  uint8
}

func putTFPairSample(buf []byte, s TFPairSample) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(s.DistMM))
	binary.LittleEndian.PutUint16(buf[2:4], s.Amp)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(s.TempC100))
	buf[6] = s.OK
	buf[7] = s.Reserved
}

func parseTFPairSample(b []byte) TFPairSample {
	return TFPairSample{
		DistMM:   int16(binary.LittleEndian.Uint16(b[0:2])),
		Amp:      binary.LittleEndian.Uint16(b[2:4]),
		TempC100: int16(binary.LittleEndian.Uint16(b[4:6])),
		OK:       b[6],
		Reserved: b[7],
	}
}

// SensReport is the SENS/SEMU live report (30 bytes).
type SensReport struct {
	A             TFPairSample
	B             TFPairSample
	Lux           uint16
	TempC100      int16
	RHx100        uint16
	PressPa       uint32
	FPS           uint16
	PresentFlags  uint8
	Health        uint8
}

// PresentFlags bits; only forward/reverse are currently defined, the
// remaining bits are reserved for future sensor capabilities.
const (
	PresentForward uint8 = 1 << 0
	PresentReverse uint8 = 1 << 1
)

func (s SensReport) Marshal() []byte {
	buf := make([]byte, 30)
	putTFPairSample(buf[0:8], s.A)
	putTFPairSample(buf[8:16], s.B)
	binary.LittleEndian.PutUint16(buf[16:18], s.Lux)
	binary.LittleEndian.PutUint16(buf[18:20], uint16(s.TempC100))
	binary.LittleEndian.PutUint16(buf[20:22], s.RHx100)
	binary.LittleEndian.PutUint32(buf[22:26], s.PressPa)
	binary.LittleEndian.PutUint16(buf[26:28], s.FPS)
	buf[28] = s.PresentFlags
	buf[29] = s.Health
	return buf
}

func ParseSensReport(b []byte) (SensReport, error) {
	if len(b) < 30 {
		return SensReport{}, errors.Wrap(ErrMalformed, "short SensReport")
	}
	return SensReport{
		A:            parseTFPairSample(b[0:8]),
		B:            parseTFPairSample(b[8:16]),
		Lux:          binary.LittleEndian.Uint16(b[16:18]),
		TempC100:     int16(binary.LittleEndian.Uint16(b[18:20])),
		RHx100:       binary.LittleEndian.Uint16(b[20:22]),
		PressPa:      binary.LittleEndian.Uint32(b[22:26]),
		FPS:          binary.LittleEndian.Uint16(b[26:28]),
		PresentFlags: b[28],
		Health:       b[29],
	}, nil
}

// RlyState is the REL/REMU relay-state report (4 bytes). For REMU this
// carries the entire device output mask regardless of which virtual was
// addressed.
type RlyState struct {
	Bitmask  uint16
	Result   ActResult
	Reserved uint8
}

func (r RlyState) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], r.Bitmask)
	buf[2] = uint8(r.Result)
	buf[3] = r.Reserved
	return buf
}

func ParseRlyState(b []byte) (RlyState, error) {
	if len(b) < 4 {
		return RlyState{}, errors.Wrap(ErrMalformed, "short RlyState")
	}
	return RlyState{
		Bitmask: binary.LittleEndian.Uint16(b[0:2]),
		Result:  ActResult(b[2]),
		Reserved: b[3],
	}, nil
}

// PmsStatus is the power-management telemetry report (17 bytes).
type PmsStatus struct {
	SourceSel uint8
	Rails     uint8
	VbusMV    uint16
	IbusMA    uint16
	VbatMV    uint16
	IbatMA    uint16
	TempC10   int16
	FanPWM    uint8
	FanRPM    uint16
	Faults    uint16
}

func (p PmsStatus) Marshal() []byte {
	buf := make([]byte, 17)
	buf[0] = p.SourceSel
	buf[1] = p.Rails
	binary.LittleEndian.PutUint16(buf[2:4], p.VbusMV)
	binary.LittleEndian.PutUint16(buf[4:6], p.IbusMA)
	binary.LittleEndian.PutUint16(buf[6:8], p.VbatMV)
	binary.LittleEndian.PutUint16(buf[8:10], p.IbatMA)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(p.TempC10))
	buf[12] = p.FanPWM
	binary.LittleEndian.PutUint16(buf[13:15], p.FanRPM)
	binary.LittleEndian.PutUint16(buf[15:17], p.Faults)
	return buf
}

func ParsePmsStatus(b []byte) (PmsStatus, error) {
	if len(b) < 17 {
		return PmsStatus{}, errors.Wrap(ErrMalformed, "short PmsStatus")
	}
	return PmsStatus{
		SourceSel: b[0],
		Rails:     b[1],
		VbusMV:    binary.LittleEndian.Uint16(b[2:4]),
		IbusMA:    binary.LittleEndian.Uint16(b[4:6]),
		VbatMV:    binary.LittleEndian.Uint16(b[6:8]),
		IbatMA:    binary.LittleEndian.Uint16(b[8:10]),
		TempC10:   int16(binary.LittleEndian.Uint16(b[10:12])),
		FanPWM:    b[12],
		FanRPM:    binary.LittleEndian.Uint16(b[13:15]),
		Faults:    binary.LittleEndian.Uint16(b[15:17]),
	}, nil
}

// ConfigWriteHeader is the 8-byte fixed header preceding the value bytes.
// Exactly one 6-char key per frame; key bytes carry no NUL terminator.
type ConfigWriteHeader struct {
	Key6 [6]byte
	Type ConfigType
	Len  uint8
}

func (c ConfigWriteHeader) Marshal() []byte {
	buf := make([]byte, 8)
	copy(buf[0:6], c.Key6[:])
	buf[6] = uint8(c.Type)
	buf[7] = c.Len
	return buf
}

func ParseConfigWriteHeader(b []byte) (ConfigWriteHeader, error) {
	if len(b) < 8 {
		return ConfigWriteHeader{}, errors.Wrap(ErrMalformed, "short ConfigWrite header")
	}
	var c ConfigWriteHeader
	copy(c.Key6[:], b[0:6])
	c.Type = ConfigType(b[6])
	c.Len = b[7]
	return c, nil
}

// Ping is a liveness probe (2 bytes).
type Ping struct{ EchoSeq uint16 }

func (p Ping) Marshal() []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, p.EchoSeq)
	return buf
}

func ParsePing(b []byte) (Ping, error) {
	if len(b) < 2 {
		return Ping{}, errors.Wrap(ErrMalformed, "short Ping")
	}
	return Ping{EchoSeq: binary.LittleEndian.Uint16(b[0:2])}, nil
}

// PingReply answers a Ping with role and runtime state flags (5 bytes).
type PingReply struct {
	EchoSeq    uint16
	Role       Role
	StateFlags uint16
}

func (p PingReply) Marshal() []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint16(buf[0:2], p.EchoSeq)
	buf[2] = uint8(p.Role)
	binary.LittleEndian.PutUint16(buf[3:5], p.StateFlags)
	return buf
}

func ParsePingReply(b []byte) (PingReply, error) {
	if len(b) < 5 {
		return PingReply{}, errors.Wrap(ErrMalformed, "short PingReply")
	}
	return PingReply{
		EchoSeq:    binary.LittleEndian.Uint16(b[0:2]),
		Role:       Role(b[2]),
		StateFlags: binary.LittleEndian.Uint16(b[3:5]),
	}, nil
}

// TimeSync carries the controller's epoch milliseconds (8 bytes).
type TimeSync struct{ ICMEpochMs uint64 }

func (t TimeSync) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, t.ICMEpochMs)
	return buf
}

func ParseTimeSync(b []byte) (TimeSync, error) {
	if len(b) < 8 {
		return TimeSync{}, errors.Wrap(ErrMalformed, "short TimeSync")
	}
	return TimeSync{ICMEpochMs: binary.LittleEndian.Uint64(b[0:8])}, nil
}

// FwBegin declares a firmware image transfer (52 bytes).
type FwBegin struct {
	ImageID       uint32
	TargetRole    Role
	SigAlgo       uint8
	WindowSize    uint16
	TotalSize     uint32
	ChunkSize     uint16
	TotalChunks   uint16
	TargetVersion uint32
	SHA256        [32]byte
}

func (f FwBegin) Marshal() []byte {
	buf := make([]byte, 52)
	binary.LittleEndian.PutUint32(buf[0:4], f.ImageID)
	buf[4] = uint8(f.TargetRole)
	buf[5] = f.SigAlgo
	binary.LittleEndian.PutUint16(buf[6:8], f.WindowSize)
	binary.LittleEndian.PutUint32(buf[8:12], f.TotalSize)
	binary.LittleEndian.PutUint16(buf[12:14], f.ChunkSize)
	binary.LittleEndian.PutUint16(buf[14:16], f.TotalChunks)
	binary.LittleEndian.PutUint32(buf[16:20], f.TargetVersion)
	copy(buf[20:52], f.SHA256[:])
	return buf
}

func ParseFwBegin(b []byte) (FwBegin, error) {
	if len(b) < 52 {
		return FwBegin{}, errors.Wrap(ErrMalformed, "short FwBegin")
	}
	var f FwBegin
	f.ImageID = binary.LittleEndian.Uint32(b[0:4])
	f.TargetRole = Role(b[4])
	f.SigAlgo = b[5]
	f.WindowSize = binary.LittleEndian.Uint16(b[6:8])
	f.TotalSize = binary.LittleEndian.Uint32(b[8:12])
	f.ChunkSize = binary.LittleEndian.Uint16(b[12:14])
	f.TotalChunks = binary.LittleEndian.Uint16(b[14:16])
	f.TargetVersion = binary.LittleEndian.Uint32(b[16:20])
	copy(f.SHA256[:], b[20:52])
	return f, nil
}

// FwChunkHeader precedes the chunk's data bytes (12 bytes).
type FwChunkHeader struct {
	ImageID    uint32
	ChunkIndex uint32
	DataLen    uint16
	CRC16CCITT uint16
}

func (f FwChunkHeader) Marshal() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], f.ImageID)
	binary.LittleEndian.PutUint32(buf[4:8], f.ChunkIndex)
	binary.LittleEndian.PutUint16(buf[8:10], f.DataLen)
	binary.LittleEndian.PutUint16(buf[10:12], f.CRC16CCITT)
	return buf
}

func ParseFwChunkHeader(b []byte) (FwChunkHeader, error) {
	if len(b) < 12 {
		return FwChunkHeader{}, errors.Wrap(ErrMalformed, "short FwChunk header")
	}
	return FwChunkHeader{
		ImageID:    binary.LittleEndian.Uint32(b[0:4]),
		ChunkIndex: binary.LittleEndian.Uint32(b[4:8]),
		DataLen:    binary.LittleEndian.Uint16(b[8:10]),
		CRC16CCITT: binary.LittleEndian.Uint16(b[10:12]),
	}, nil
}

// FwStatus reports transfer progress (16 bytes).
type FwStatus struct {
	ImageID       uint32
	NextNeeded    uint32
	ReceivedBytes uint32
	State         uint8
	Reserved      uint8
	LastError     uint16
}

func (f FwStatus) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], f.ImageID)
	binary.LittleEndian.PutUint32(buf[4:8], f.NextNeeded)
	binary.LittleEndian.PutUint32(buf[8:12], f.ReceivedBytes)
	buf[12] = f.State
	buf[13] = f.Reserved
	binary.LittleEndian.PutUint16(buf[14:16], f.LastError)
	return buf
}

func ParseFwStatus(b []byte) (FwStatus, error) {
	if len(b) < 16 {
		return FwStatus{}, errors.Wrap(ErrMalformed, "short FwStatus")
	}
	return FwStatus{
		ImageID:       binary.LittleEndian.Uint32(b[0:4]),
		NextNeeded:    binary.LittleEndian.Uint32(b[4:8]),
		ReceivedBytes: binary.LittleEndian.Uint32(b[8:12]),
		State:         b[12],
		Reserved:      b[13],
		LastError:     binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// FwCommitHeader precedes the signature bytes (8 bytes).
type FwCommitHeader struct {
	ImageID      uint32
	ApplyAtBoot  uint8
	SigLen       uint8
	Reserved     uint16
}

func (f FwCommitHeader) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], f.ImageID)
	buf[4] = f.ApplyAtBoot
	buf[5] = f.SigLen
	binary.LittleEndian.PutUint16(buf[6:8], f.Reserved)
	return buf
}

func ParseFwCommitHeader(b []byte) (FwCommitHeader, error) {
	if len(b) < 8 {
		return FwCommitHeader{}, errors.Wrap(ErrMalformed, "short FwCommit header")
	}
	return FwCommitHeader{
		ImageID:     binary.LittleEndian.Uint32(b[0:4]),
		ApplyAtBoot: b[4],
		SigLen:      b[5],
		Reserved:    binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// FwAbort requests or reports abandonment of a firmware session (8 bytes).
type FwAbort struct {
	ImageID  uint32
	Reason   uint8
	Reserved uint8
	Reserved2 uint16
}

func (f FwAbort) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], f.ImageID)
	buf[4] = f.Reason
	buf[5] = f.Reserved
	binary.LittleEndian.PutUint16(buf[6:8], f.Reserved2)
	return buf
}

func ParseFwAbort(b []byte) (FwAbort, error) {
	if len(b) < 8 {
		return FwAbort{}, errors.Wrap(ErrMalformed, "short FwAbort")
	}
	return FwAbort{
		ImageID:   binary.LittleEndian.Uint32(b[0:4]),
		Reason:    b[4],
		Reserved:  b[5],
		Reserved2: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// FwAbortReason enumerates abort/error codes (supplemented from
// original_source/EspNowAPI.h).
const (
	FwAbortOperator FwAbortReason = 0
	FwAbortRoleMism FwAbortReason = 1
	FwAbortVersion  FwAbortReason = 2
	FwAbortSpace    FwAbortReason = 3
	FwAbortCRC      FwAbortReason = 4
	FwAbortDigest   FwAbortReason = 5
	FwAbortInternal FwAbortReason = 15
)

type FwAbortReason uint8
