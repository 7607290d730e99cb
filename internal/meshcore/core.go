// Package meshcore wires the leaf packages — wire, meshclock, meshcrypto,
// replay, radio, topology, scheduler, firmware, pairing, roleadapter, and
// the inbound router — into a single cooperative runtime: a radio inbound
// callback and a periodic tick are its only two entry points, and no two
// handlers ever run concurrently.
package meshcore

import (
	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/internal/nodestate"
	"github.com/nowmesh/v2h/internal/router"
	"github.com/nowmesh/v2h/pkg/firmware"
	"github.com/nowmesh/v2h/pkg/meshclock"
	"github.com/nowmesh/v2h/pkg/meshcrypto"
	"github.com/nowmesh/v2h/pkg/pairing"
	"github.com/nowmesh/v2h/pkg/radio"
	"github.com/nowmesh/v2h/pkg/replay"
	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/scheduler"
	"github.com/nowmesh/v2h/pkg/sigverify"
	"github.com/nowmesh/v2h/pkg/topology"
	"github.com/nowmesh/v2h/pkg/wire"
)

// Config carries everything a node's Core instance needs beyond its role
// adapter: its own identity, its paired controller's identity (ignored for
// a controller instance), and its cryptographic, transport and topology
// collaborators.
type Config struct {
	SelfMAC       [6]byte
	SelfRole      wire.Role
	ControllerMAC [6]byte
	CryptoKeys    meshcrypto.Keys
	Radio         radio.Radio
	Clock         *meshclock.Clock
	Adapter       roleadapter.Adapter
	Persistence   roleadapter.PersistenceStore

	// DeviceToken is this node's admission token as issued by the
	// controller at pairing, or the zero value before it has paired.
	DeviceToken [wire.AdmissionLen]byte

	// TopologyVerifier authenticates topology pushes; see pkg/topology.
	TopologyVerifier topology.AuthVerifier

	// AcceptsFirmware starts a firmware.Session for this node. Only device
	// roles (not the controller) set this.
	AcceptsFirmware bool

	// SigRegistry supplies the signature verifiers used at firmware
	// commit. Required when AcceptsFirmware is true.
	SigRegistry *sigverify.Registry

	ReplayBackWindow uint64
}

// Core is one node's (or the controller's) runtime instance.
type Core struct {
	cfg Config

	clock    *meshclock.Clock
	radioDev radio.Radio
	signer   *meshcrypto.Signer
	sched    *scheduler.Scheduler
	topo     *topology.Store
	router   *router.Router
	pairing  *pairing.Registry // non-nil on the controller only
	chanSwch *pairing.Scheduler
	fw       *firmware.Session // non-nil when this node accepts firmware

	deviceToken [wire.AdmissionLen]byte
	outSeq      map[wire.Opcode]uint16
}

// New constructs a Core for cfg. Pass cfg.SelfRole = wire.RoleICM to build a
// controller instance (it gets a pairing.Registry and no firmware session by
// default); any other role builds a device instance.
func New(cfg Config) (*Core, error) {
	if cfg.Radio == nil || cfg.Clock == nil || cfg.Adapter == nil {
		return nil, errors.New("meshcore: Radio, Clock and Adapter are required")
	}
	signer, err := meshcrypto.NewSigner(cfg.CryptoKeys)
	if err != nil {
		return nil, err
	}
	backWindow := cfg.ReplayBackWindow
	if backWindow == 0 {
		backWindow = replay.DefaultBackWindow
	}

	c := &Core{
		cfg:         cfg,
		clock:       cfg.Clock,
		radioDev:    cfg.Radio,
		signer:      signer,
		sched:       scheduler.New(cfg.Clock, cfg.Radio),
		topo:        topology.NewStore(cfg.TopologyVerifier),
		chanSwch:    pairing.NewScheduler(),
		deviceToken: cfg.DeviceToken,
		outSeq:      make(map[wire.Opcode]uint16),
	}

	controllerMAC := cfg.ControllerMAC
	if cfg.SelfRole == wire.RoleICM {
		c.pairing = pairing.NewRegistry()
		// A controller has no upstream controller of its own; it self-
		// identifies here purely so pair-ack can report its own MAC.
		controllerMAC = cfg.SelfMAC
		c.cfg.ControllerMAC = cfg.SelfMAC
	}
	if cfg.AcceptsFirmware {
		c.fw = firmware.NewSession(cfg.SelfRole)
	}

	c.router = &router.Router{
		SelfRole:         cfg.SelfRole,
		ControllerMAC:    controllerMAC,
		Signer:           signer,
		Replay:           replay.NewGuard(backWindow),
		Topology:         c.topo,
		Adapter:          cfg.Adapter,
		Pairing:          c.pairing,
		ChannelScheduler: c.chanSwch,
		Clock:            cfg.Clock,
		Firmware:         c.fw,
		SigRegistry:      cfg.SigRegistry,
		Send:             c.send,
	}
	c.router.OnPairAck = c.onPairAck

	cfg.Radio.OnRecv(func(mac [6]byte, data []byte) {
		_ = c.router.HandleInbound(data)
	})

	return c, nil
}

// Tick advances the outbound scheduler and fires any deferred channel
// switch whose grace delay has elapsed.
func (c *Core) Tick() {
	c.sched.Tick()
	if ch, fire := c.chanSwch.Due(c.clock.NowMs()); fire {
		c.radioDev.RemovePeer(c.cfg.ControllerMAC)
		_ = c.radioDev.Init(ch)
	}
}

// LoadState restores device token, controller MAC and topology from the
// persisted record, if one exists. Call it once at startup before the radio
// is brought up.
func (c *Core) LoadState() error {
	if c.cfg.Persistence == nil {
		return nil
	}
	rec, err := c.cfg.Persistence.Load()
	if err != nil {
		return err
	}
	if rec.FormatVersion == 0 {
		return nil // no record on disk yet
	}
	c.deviceToken = rec.DeviceToken
	c.cfg.ControllerMAC = rec.ControllerMAC
	c.router.ControllerMAC = rec.ControllerMAC
	if len(rec.TopologyBlob) > 0 {
		_ = c.topo.Apply(rec.TopologyVersion, rec.TopologyBlob)
	}
	return nil
}

// SaveState persists the node's current device token, controller MAC and
// topology through the configured PersistenceStore.
func (c *Core) SaveState() error {
	if c.cfg.Persistence == nil {
		return nil
	}
	rec := roleadapter.Record{
		FormatVersion: nodestate.FormatVersion,
		Role:          c.cfg.SelfRole,
		DeviceToken:   c.deviceToken,
		ControllerMAC: c.cfg.ControllerMAC,
		Channel:       c.radioDev.Channel(),
		TopologyVersion: c.topo.Version(),
		TopologyBlob:    c.topo.Blob(),
	}
	if c.fw != nil {
		rec.FwState = uint8(c.fw.State())
	}
	return c.cfg.Persistence.Save(rec)
}

// Topology exposes the installed topology store for role adapters and
// reference binaries that need to read the current projection.
func (c *Core) Topology() *topology.Store { return c.topo }

// Firmware exposes the node's firmware session, or nil on a controller or a
// device that does not accept updates.
func (c *Core) Firmware() *firmware.Session { return c.fw }

// Pairing exposes the controller's token registry, or nil on a device.
func (c *Core) Pairing() *pairing.Registry { return c.pairing }

// SelfMAC returns this node's own MAC, for reference binaries that built
// their Config from a variable rather than a literal in scope.
func (c *Core) SelfMAC() [6]byte { return c.cfg.SelfMAC }

// nextSeq returns the next outbound sequence number for op, starting at 1
// and wrapping through 0 after 65535.
func (c *Core) nextSeq(op wire.Opcode) uint16 {
	c.outSeq[op]++
	return c.outSeq[op]
}

// admissionFor resolves the admission token to stamp on an outbound frame
// to mac: the controller looks up the peer's issued token, a device always
// uses its own.
func (c *Core) admissionFor(mac [6]byte) [wire.AdmissionLen]byte {
	if c.pairing != nil {
		if tok, ok := c.pairing.Lookup(mac); ok {
			return tok
		}
	}
	return c.deviceToken
}

// send implements router.SendFunc: it builds a complete, signed wire frame
// around payload and hands it to the outbound scheduler. PAIR_REQ aside
// (sent without admission token or trailer), every opcode goes through the
// same signed framing path. virtID identifies
// which virtual (or the physical device itself) this frame speaks for; a
// relay-emulator's RlyState reply must carry the virt_id its commanding
// CTRL_RELAY addressed, not the node's own physical identity.
func (c *Core) send(mac [6]byte, op wire.Opcode, virtID uint8, payload []byte, urgent bool) {
	h := wire.Header{
		ProtoVer:   wire.ProtoVersion,
		Opcode:     op,
		Seq:        c.nextSeq(op),
		TopoVer:    c.topo.Version(),
		VirtID:     virtID,
		TsMs:       c.clock.NowMs(),
		SenderMAC:  c.cfg.SelfMAC,
		SenderRole: c.cfg.SelfRole,
	}
	if urgent {
		h.Flags |= wire.FlagUrgent
	}

	var topoTokenPtr *[wire.TopoTokenLen]byte
	if op == wire.OpCtrlRelay {
		tok := c.topo.IssueToken()
		if tok != ([wire.TopoTokenLen]byte{}) {
			h.Flags |= wire.FlagHasTopo
			topoTokenPtr = &tok
		}
	}

	admission := c.admissionFor(mac)
	buf := make([]byte, wire.MTU)

	if !wire.RequiresAuth(op) {
		out, err := wire.Encode(buf, h, admission, topoTokenPtr, payload, wire.Trailer{})
		if err != nil {
			return
		}
		_ = c.sched.Enqueue(mac, op, out, urgent)
		return
	}

	nonce, err := meshclock.NewNonce()
	if err != nil {
		return
	}
	trailer := wire.Trailer{Nonce: wire.NonceFromU64(nonce)}
	out, err := wire.Encode(buf, h, admission, topoTokenPtr, payload, trailer)
	if err != nil {
		return
	}
	signed := out[:len(out)-wire.TrailerTagLen]
	tag := c.signer.Sign(admission, signed)
	copy(out[len(out)-wire.TrailerTagLen:], tag[:])

	_ = c.sched.Enqueue(mac, op, out, urgent)
}

// Send frames and enqueues an arbitrary opcode addressed to mac, speaking
// for the node's physical identity. It exists for reference binaries and
// role adapters that need to drive opcodes beyond the handful Core has a
// named convenience for (SendPairRequest, BroadcastTopology) — a controller
// issuing firmware-update frames, for instance.
func (c *Core) Send(mac [6]byte, op wire.Opcode, payload []byte, urgent bool) {
	c.send(mac, op, wire.VirtPhysical, payload, urgent)
}

// SendVirt is Send for a frame that speaks for a specific virtual index
// rather than the node's physical identity, e.g. a relay-emulator command
// addressed at one of its emulated virtuals.
func (c *Core) SendVirt(mac [6]byte, op wire.Opcode, virtID uint8, payload []byte, urgent bool) {
	c.send(mac, op, virtID, payload, urgent)
}

// onPairAck adopts a controller's identity and the newly issued device
// token after a successful pairing handshake.
func (c *Core) onPairAck(ack wire.PairAck) {
	c.deviceToken = ack.DeviceToken
	c.cfg.ControllerMAC = ack.ICMMac
	c.router.ControllerMAC = ack.ICMMac
}

// SendPairRequest builds and enqueues the one frame the core ever sends
// unauthenticated: a device's bootstrap PAIR_REQ to controllerMAC.
func (c *Core) SendPairRequest() {
	c.send(c.cfg.ControllerMAC, wire.OpPairReq, wire.VirtPhysical, nil, true)
}

// PushTopology is the controller-side convenience for installing a new
// topology locally. It sends nothing; BroadcastTopology sends the installed
// blob to one peer per call. Installing locally first means the
// controller's own topology-token issuance reflects the new version
// immediately.
func (c *Core) PushTopology(version uint16, blob []byte) error {
	if err := c.topo.Apply(version, blob); err != nil {
		return err
	}
	return nil
}

// BroadcastTopology sends the currently installed topology blob to peer.
func (c *Core) BroadcastTopology(peer [6]byte) {
	blob := c.topo.Blob()
	hdr := wire.TopoPushHeader{TopoFmt: wire.TopoFmtTLVv1, TopoLen: uint16(len(blob))}
	payload := append(hdr.Marshal(), blob...)
	c.send(peer, wire.OpTopoPush, wire.VirtPhysical, payload, false)
}
