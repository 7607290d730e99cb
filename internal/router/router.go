// Package router implements the v2H inbound pipeline: the structural
// checks delegated to pkg/wire, then privilege gating, HMAC verification,
// the replay window, topology-token gating, and dispatch to the role
// adapter or the local firmware session.
package router

import (
	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/pkg/firmware"
	"github.com/nowmesh/v2h/pkg/meshclock"
	"github.com/nowmesh/v2h/pkg/meshcrypto"
	"github.com/nowmesh/v2h/pkg/pairing"
	"github.com/nowmesh/v2h/pkg/replay"
	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/sigverify"
	"github.com/nowmesh/v2h/pkg/topology"
	"github.com/nowmesh/v2h/pkg/wire"
)

// ErrDropped is the sentinel wrapped by every rejection the router makes
// after structural decode succeeds. Callers that only care about success
// vs. drop can test errors.Is(err, ErrDropped); callers that need the
// reason can inspect the wrapped message.
var ErrDropped = errors.New("router: frame dropped")

// SendFunc enqueues an outbound frame. The router calls it for every
// protocol-mandated reply (pair-ack, ping-reply, relay-state, firmware
// status/abort); it never blocks and never retries — that is the
// scheduler's job on the other side of SendFunc. virtID is the virtual
// index the reply is reporting for, not necessarily the node's own
// physical identity: a relay-state reply must echo the virt_id the
// commanding CTRL_RELAY carried.
type SendFunc func(mac [6]byte, op wire.Opcode, virtID uint8, payload []byte, urgent bool)

// privilegedOpcodes require sender-role=Controller and sender MAC equal to
// the node's stored controller MAC.
func isPrivileged(op wire.Opcode) bool {
	switch op {
	case wire.OpTopoPush, wire.OpNetSetChan, wire.OpTimeSync,
		wire.OpFwBegin, wire.OpFwChunk, wire.OpFwCommit, wire.OpFwAbort:
		return true
	default:
		return false
	}
}

// requiresTopoToken reports whether op requires a validated topology token
// before dispatch. Presently only relay-control.
func requiresTopoToken(op wire.Opcode) bool {
	return op == wire.OpCtrlRelay
}

// Router is the node-side inbound pipeline. A controller-role Router is
// constructed with ControllerMAC left at its own identity and Firmware nil;
// a device-role Router is constructed with the paired controller's MAC and,
// if it accepts firmware updates, a live firmware.Session.
type Router struct {
	SelfRole      wire.Role
	ControllerMAC [6]byte

	Signer   *meshcrypto.Signer
	Replay   *replay.Guard
	Topology *topology.Store
	Adapter  roleadapter.Adapter
	Send     SendFunc

	// Pairing is non-nil only on the controller: it issues device tokens
	// for PAIR_REQ frames.
	Pairing *pairing.Registry

	// ChannelScheduler receives the deferred radio reinitialization that a
	// NET_SET_CHAN frame schedules; meshcore sets it on every Core.
	ChannelScheduler *pairing.Scheduler
	Clock            *meshclock.Clock

	// Firmware is non-nil only on nodes that accept firmware updates.
	Firmware    *firmware.Session
	SigRegistry *sigverify.Registry

	// OnPairAck is non-nil only on a device: it receives the controller's
	// identity and the freshly issued token so the caller can persist them.
	// HandleInbound has already verified the ack's HMAC using the key
	// derived from the admission token carried in the frame itself, so this
	// callback only needs to adopt what arrived.
	OnPairAck func(ack wire.PairAck)
}

// HandleInbound runs raw through the full pipeline. A nil error means the
// frame was accepted and dispatched (which may itself have produced zero or
// more replies via Send); a non-nil error is always safe to log and ignore.
func (r *Router) HandleInbound(raw []byte) error {
	frame, err := wire.Decode(raw)
	if err != nil {
		return err
	}
	h := frame.Header

	if h.Opcode == wire.OpPairReq {
		return r.handlePairReq(h)
	}

	if isPrivileged(h.Opcode) {
		if h.SenderRole != wire.RoleICM || h.SenderMAC != r.ControllerMAC {
			return errors.Wrapf(ErrDropped, "privileged opcode %s from non-controller sender", h.Opcode)
		}
	}

	if !r.Signer.Verify(frame.Admission, frame.Signed, frame.Trailer.Tag) {
		return errors.Wrapf(ErrDropped, "HMAC verification failed for %s", h.Opcode)
	}

	if !r.Replay.Check(h.SenderMAC, h.Opcode, h.Seq, frame.Trailer.NonceU64()) {
		return errors.Wrapf(ErrDropped, "replay check failed for %s", h.Opcode)
	}

	if requiresTopoToken(h.Opcode) {
		if !r.Topology.ValidateToken(frame.TopoToken) {
			return errors.Wrapf(ErrDropped, "%s: %v", h.Opcode, ErrTopologyMismatch)
		}
	}

	return r.dispatch(h, frame.Payload)
}

// ErrTopologyMismatch is the router-level reason surfaced for a failed
// topology-token check.
var ErrTopologyMismatch = errors.New("topology token invalid or no topology installed")

func (r *Router) handlePairReq(h wire.Header) error {
	if r.Pairing == nil {
		return errors.Wrap(ErrDropped, "pair-request received by a non-controller node")
	}
	token, err := r.Pairing.Issue(h.SenderMAC)
	if err != nil {
		return err
	}
	ack := wire.PairAck{
		ICMMac:      r.ControllerMAC,
		Channel:     1,
		DeviceToken: token,
	}
	r.Send(h.SenderMAC, wire.OpPairAck, wire.VirtPhysical, ack.Marshal(), true)
	return nil
}

func (r *Router) dispatch(h wire.Header, payload []byte) error {
	switch h.Opcode {
	case wire.OpPing:
		p, err := wire.ParsePing(payload)
		if err != nil {
			return err
		}
		reply, ok := r.Adapter.OnPing(h.SenderMAC, h.VirtID, p)
		if ok {
			r.Send(h.SenderMAC, wire.OpPingReply, h.VirtID, reply.Marshal(), false)
		}
		return nil

	case wire.OpPairAck:
		ack, err := wire.ParsePairAck(payload)
		if err != nil {
			return err
		}
		if r.OnPairAck != nil {
			r.OnPairAck(ack)
		}
		return nil

	case wire.OpPingReply:
		p, err := wire.ParsePingReply(payload)
		if err != nil {
			return err
		}
		r.Adapter.OnPingReply(h.SenderMAC, h.VirtID, p)
		return nil

	case wire.OpCtrlRelay:
		c, err := wire.ParseCtrlRelay(payload)
		if err != nil {
			return err
		}
		state := r.Adapter.OnCtrlRelay(h.SenderMAC, h.VirtID, c)
		// Echo the commanded virt_id: a relay-emulator fans a single
		// physical command out to several virtuals, and the controller
		// tells them apart by the virt_id each reply carries, not by MAC.
		r.Send(h.SenderMAC, wire.OpRlyState, h.VirtID, state.Marshal(), false)
		return nil

	case wire.OpSensReport:
		s, err := wire.ParseSensReport(payload)
		if err != nil {
			return err
		}
		r.Adapter.OnSensorReport(h.SenderMAC, h.VirtID, s)
		return nil

	case wire.OpRlyState:
		s, err := wire.ParseRlyState(payload)
		if err != nil {
			return err
		}
		r.Adapter.OnRelayState(h.SenderMAC, h.VirtID, s)
		return nil

	case wire.OpPmsStatus:
		s, err := wire.ParsePmsStatus(payload)
		if err != nil {
			return err
		}
		r.Adapter.OnPowerStatus(h.SenderMAC, h.VirtID, s)
		return nil

	case wire.OpConfigWrite:
		hdr, err := wire.ParseConfigWriteHeader(payload)
		if err != nil {
			return err
		}
		value := payload[8:]
		r.Adapter.OnConfigWrite(h.SenderMAC, hdr.Key6, hdr.Type, value)
		return nil

	case wire.OpTopoPush:
		return r.dispatchTopoPush(h, payload)

	case wire.OpNetSetChan:
		n, err := wire.ParseNetSetChan(payload)
		if err != nil {
			return err
		}
		if r.ChannelScheduler != nil && r.Clock != nil {
			r.ChannelScheduler.Schedule(n.NewChannel, n.WaitMs, r.Clock.NowMs())
		}
		return nil

	case wire.OpTimeSync:
		t, err := wire.ParseTimeSync(payload)
		if err != nil {
			return err
		}
		r.Adapter.OnTimeSync(h.SenderMAC, t)
		return nil

	case wire.OpFwBegin, wire.OpFwChunk, wire.OpFwCommit, wire.OpFwAbort:
		return r.dispatchFirmware(h, payload)

	case wire.OpFwStatus:
		s, err := wire.ParseFwStatus(payload)
		if err != nil {
			return err
		}
		r.Adapter.OnFwStatus(h.SenderMAC, s)
		return nil

	default:
		return errors.Wrapf(ErrDropped, "unhandled opcode %s", h.Opcode)
	}
}

func (r *Router) dispatchTopoPush(h wire.Header, payload []byte) error {
	hdr, err := wire.ParseTopoPushHeader(payload)
	if err != nil {
		return err
	}
	tlv := payload[4:]
	if int(hdr.TopoLen) != len(tlv) {
		return errors.Wrap(ErrDropped, "TopoPush length mismatch")
	}
	if err := r.Topology.Apply(h.TopoVer, tlv); err != nil {
		return errors.Wrap(ErrDropped, err.Error())
	}
	return r.Adapter.OnTopologyPush(h.SenderMAC, h.TopoVer, tlv)
}

func (r *Router) dispatchFirmware(h wire.Header, payload []byte) error {
	if r.Firmware == nil {
		return errors.Wrap(ErrDropped, "firmware opcode on a node with no firmware session")
	}
	switch h.Opcode {
	case wire.OpFwBegin:
		b, err := wire.ParseFwBegin(payload)
		if err != nil {
			return err
		}
		status, abort, err := r.Firmware.Begin(b)
		if err != nil {
			return err
		}
		r.Send(h.SenderMAC, wire.OpFwStatus, wire.VirtPhysical, status.Marshal(), false)
		if abort != nil {
			r.Send(h.SenderMAC, wire.OpFwAbort, wire.VirtPhysical, abort.Marshal(), true)
		}
		return nil

	case wire.OpFwChunk:
		hdr, err := wire.ParseFwChunkHeader(payload)
		if err != nil {
			return err
		}
		data := payload[12:]
		status, emitted, err := r.Firmware.Chunk(hdr, data)
		if err != nil {
			return err
		}
		if emitted {
			r.Send(h.SenderMAC, wire.OpFwStatus, wire.VirtPhysical, status.Marshal(), false)
		}
		return nil

	case wire.OpFwCommit:
		hdr, err := wire.ParseFwCommitHeader(payload)
		if err != nil {
			return err
		}
		sig := payload[8:]
		status, abort, err := r.Firmware.Commit(hdr, sig, r.SigRegistry)
		if err != nil {
			return err
		}
		r.Send(h.SenderMAC, wire.OpFwStatus, wire.VirtPhysical, status.Marshal(), false)
		if abort != nil {
			r.Send(h.SenderMAC, wire.OpFwAbort, wire.VirtPhysical, abort.Marshal(), true)
		}
		return nil

	case wire.OpFwAbort:
		a, err := wire.ParseFwAbort(payload)
		if err != nil {
			return err
		}
		status := r.Firmware.Abort(wire.FwAbortReason(a.Reason))
		r.Send(h.SenderMAC, wire.OpFwStatus, wire.VirtPhysical, status.Marshal(), false)
		return nil

	default:
		return errors.Wrap(ErrDropped, "unreachable firmware opcode")
	}
}
