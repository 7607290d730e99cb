package meshcore

import (
	"testing"

	"github.com/nowmesh/v2h/pkg/meshclock"
	"github.com/nowmesh/v2h/pkg/meshcrypto"
	"github.com/nowmesh/v2h/pkg/radio"
	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/topology"
	"github.com/nowmesh/v2h/pkg/wire"
)

var icmMAC = [6]byte{1, 1, 1, 1, 1, 1}
var relayMAC = [6]byte{2, 2, 2, 2, 2, 2}

type recordingAdapter struct {
	roleadapter.NopAdapter
	relayResults []wire.RlyState
}

func (a *recordingAdapter) OnCtrlRelay(mac [6]byte, virtID uint8, c wire.CtrlRelay) wire.RlyState {
	st := wire.RlyState{Bitmask: 1, Result: wire.ActOK}
	a.relayResults = append(a.relayResults, st)
	return st
}

type alwaysVerifier struct{}

func (alwaysVerifier) VerifyTopologyAuth(version uint16, items []topology.Item, authItem topology.Item) bool {
	return true
}

func newPair(t *testing.T) (icm *Core, relay *Core, relayAdapter *recordingAdapter) {
	t.Helper()
	bus := radio.NewBus()
	icmRadio := radio.NewLoopback(bus, icmMAC)
	relayRadio := radio.NewLoopback(bus, relayMAC)
	_ = icmRadio.Init(6)
	_ = relayRadio.Init(6)
	_ = icmRadio.AddEncryptedPeer(relayMAC, []byte("link"), []byte("psk"))
	_ = relayRadio.AddEncryptedPeer(icmMAC, []byte("link"), []byte("psk"))

	clk := meshclock.New()
	keys := meshcrypto.Keys{
		PreShared: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		PerLink:   [16]byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		Salt:      [16]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xAA, 0xBB, 0xCC, 0xDD, 0xAA, 0xBB, 0xCC, 0xDD, 0xAA, 0xBB, 0xCC, 0xDD},
	}

	relayAdapter = &recordingAdapter{}
	var err error
	icm, err = New(Config{
		SelfMAC:          icmMAC,
		SelfRole:         wire.RoleICM,
		Radio:            icmRadio,
		Clock:            clk,
		Adapter:          roleadapter.NopAdapter{},
		CryptoKeys:       keys,
		TopologyVerifier: alwaysVerifier{},
	})
	if err != nil {
		t.Fatalf("New(icm): %v", err)
	}

	relay, err = New(Config{
		SelfMAC:          relayMAC,
		SelfRole:         wire.RoleRelay,
		ControllerMAC:    icmMAC,
		Radio:            relayRadio,
		Clock:            clk,
		Adapter:          relayAdapter,
		CryptoKeys:       keys,
		TopologyVerifier: alwaysVerifier{},
	})
	if err != nil {
		t.Fatalf("New(relay): %v", err)
	}
	return icm, relay, relayAdapter
}

// pump ticks both cores enough times to drain their outbound queues.
func pump(icm, relay *Core, n int) {
	for i := 0; i < n; i++ {
		icm.Tick()
		relay.Tick()
	}
}

func TestPairingHandshakeIssuesAndAdoptsToken(t *testing.T) {
	icm, relay, _ := newPair(t)

	relay.SendPairRequest()
	pump(icm, relay, 4)

	token, ok := icm.Pairing().Lookup(relayMAC)
	if !ok {
		t.Fatalf("controller never recorded a token for the relay")
	}
	if relay.deviceToken != token {
		t.Fatalf("relay did not adopt the issued token: got %x want %x", relay.deviceToken, token)
	}
	if relay.cfg.ControllerMAC != icmMAC {
		t.Fatalf("relay did not adopt the controller MAC from the ack")
	}
}

func TestTopologyPushThenRelayControlAccepted(t *testing.T) {
	icm, relay, adapter := newPair(t)
	relay.SendPairRequest()
	pump(icm, relay, 4)

	tlv, err := topology.Build([]topology.Item{{Tag: topology.TagAuthHMAC, Value: []byte{0x01}}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := icm.PushTopology(1, tlv); err != nil {
		t.Fatalf("PushTopology: %v", err)
	}
	icm.BroadcastTopology(relayMAC)
	pump(icm, relay, 4)

	if relay.Topology().Version() != 1 {
		t.Fatalf("relay never installed the pushed topology, version=%d", relay.Topology().Version())
	}

	icm.send(relayMAC, wire.OpCtrlRelay, wire.VirtPhysical, wire.CtrlRelay{Channel: 0, Op: wire.RelayOn}.Marshal(), false)
	pump(icm, relay, 4)

	if len(adapter.relayResults) != 1 {
		t.Fatalf("expected exactly one CtrlRelay dispatch, got %d", len(adapter.relayResults))
	}
}

func TestRelayControlRejectedWithoutTopology(t *testing.T) {
	icm, relay, adapter := newPair(t)
	relay.SendPairRequest()
	pump(icm, relay, 4)

	icm.send(relayMAC, wire.OpCtrlRelay, wire.VirtPhysical, wire.CtrlRelay{Channel: 0, Op: wire.RelayOn}.Marshal(), false)
	pump(icm, relay, 4)

	if len(adapter.relayResults) != 0 {
		t.Fatalf("relay control should have been rejected with no topology installed")
	}
}
