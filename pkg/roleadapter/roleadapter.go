// Package roleadapter defines the narrow capability surface the inbound
// router dispatches to, and the persisted-record shape the core reads and
// writes through it. Each role (ICM, PMS, relay, sensor, REMU, SEMU)
// implements only the methods reachable given its role; internal/meshcore
// calls through this interface without knowing which.
package roleadapter

import "github.com/nowmesh/v2h/pkg/wire"

// Adapter is the tagged dispatch surface the router invokes after a frame
// clears every inbound gate (privilege, HMAC, replay, topology token).
// Every method receives the sender's MAC and virtual index alongside the
// decoded payload.
type Adapter interface {
	OnPing(mac [6]byte, virtID uint8, p wire.Ping) (wire.PingReply, bool)
	OnPingReply(mac [6]byte, virtID uint8, p wire.PingReply)
	OnCtrlRelay(mac [6]byte, virtID uint8, c wire.CtrlRelay) wire.RlyState
	OnSensorReport(mac [6]byte, virtID uint8, r wire.SensReport)
	OnRelayState(mac [6]byte, virtID uint8, r wire.RlyState)
	OnPowerStatus(mac [6]byte, virtID uint8, p wire.PmsStatus)
	OnConfigWrite(mac [6]byte, key6 [6]byte, typ wire.ConfigType, value []byte) wire.ActResult
	OnTopologyPush(mac [6]byte, version uint16, tlv []byte) error
	OnFwStatus(mac [6]byte, s wire.FwStatus)
	OnTimeSync(mac [6]byte, t wire.TimeSync)
}

// NopAdapter implements Adapter with no-ops, for roles that reach none of
// the dispatch surface (or as a test double's embedded default).
type NopAdapter struct{}

func (NopAdapter) OnPing(mac [6]byte, virtID uint8, p wire.Ping) (wire.PingReply, bool) {
	return wire.PingReply{}, false
}
func (NopAdapter) OnPingReply(mac [6]byte, virtID uint8, p wire.PingReply)      {}
func (NopAdapter) OnCtrlRelay(mac [6]byte, virtID uint8, c wire.CtrlRelay) wire.RlyState {
	return wire.RlyState{Result: wire.ActOther}
}
func (NopAdapter) OnSensorReport(mac [6]byte, virtID uint8, r wire.SensReport) {}
func (NopAdapter) OnRelayState(mac [6]byte, virtID uint8, r wire.RlyState)     {}
func (NopAdapter) OnPowerStatus(mac [6]byte, virtID uint8, p wire.PmsStatus)   {}
func (NopAdapter) OnConfigWrite(mac [6]byte, key6 [6]byte, typ wire.ConfigType, value []byte) wire.ActResult {
	return wire.ActOther
}
func (NopAdapter) OnTopologyPush(mac [6]byte, version uint16, tlv []byte) error { return nil }
func (NopAdapter) OnFwStatus(mac [6]byte, s wire.FwStatus)                      {}
func (NopAdapter) OnTimeSync(mac [6]byte, t wire.TimeSync)                      {}

// Record is the small, versioned persisted state the core owns: role,
// device token, controller MAC, channel, topology version, and whatever the
// firmware session needs to resume after a restart. Its representation is
// opaque to collaborators; PersistenceStore below is the only thing that
// reads or writes it directly.
type Record struct {
	FormatVersion   uint8
	Role            wire.Role
	DeviceToken     [wire.AdmissionLen]byte
	ControllerMAC   [6]byte
	Channel         uint8
	TopologyVersion uint16
	TopologyBlobLen uint16
	TopologyBlob    []byte
	FwImageID       uint32
	FwState         uint8
}

// PersistenceStore is the `load()/save()` contract the spec assigns to
// persistence. internal/nodestate provides the concrete flat-binary
// implementation.
type PersistenceStore interface {
	Load() (Record, error)
	Save(Record) error
}
