// Package radio defines the link-layer abstraction the core talks to: an
// ESP-NOW-style encrypted datagram service with no IP stack underneath. It
// ships a loopback implementation for tests and reference binaries; real
// hardware backends live outside this module.
package radio

import "github.com/pkg/errors"

// SendResult is the outcome of a best-effort Send call.
type SendResult uint8

const (
	SendOK SendResult = iota
	SendQueued
	SendBusyOrError
)

// ErrUnknownPeer is returned by Send when mac has not been added as an
// encrypted peer.
var ErrUnknownPeer = errors.New("radio: unknown peer")

// RecvFunc is the inbound callback registered with a Radio. mac is the
// sender's link-layer address, data is the raw received datagram.
type RecvFunc func(mac [6]byte, data []byte)

// Radio is the narrow capability interface the core depends on. All peers
// are added encrypted; there is no unencrypted-peer path by policy.
type Radio interface {
	Init(channel uint8) error
	AddEncryptedPeer(mac [6]byte, linkKey, preSharedKey []byte) error
	RemovePeer(mac [6]byte) error
	Send(mac [6]byte, data []byte) (SendResult, error)
	OnRecv(fn RecvFunc)
	Channel() uint8
}

type peer struct {
	linkKey      []byte
	preSharedKey []byte
}

// Loopback is an in-process Radio used by tests and the reference
// simulator binaries: Send to a known peer is delivered synchronously to
// the Loopback with that MAC on the same Bus, if it is tuned to the same
// channel.
type Loopback struct {
	mac     [6]byte
	bus     *Bus
	channel uint8
	peers   map[[6]byte]peer
	recv    RecvFunc
}

// Bus maps MACs to the Loopbacks attached to it. A Loopback's Send reaches
// only the one member whose MAC is the destination, and only when that
// member is tuned to the sender's channel.
type Bus struct {
	members map[[6]byte]*Loopback
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{members: make(map[[6]byte]*Loopback)}
}

// NewLoopback returns a Loopback radio for mac attached to bus.
func NewLoopback(bus *Bus, mac [6]byte) *Loopback {
	l := &Loopback{mac: mac, bus: bus, peers: make(map[[6]byte]peer)}
	bus.members[mac] = l
	return l
}

func (l *Loopback) Init(channel uint8) error {
	l.channel = channel
	return nil
}

func (l *Loopback) AddEncryptedPeer(mac [6]byte, linkKey, preSharedKey []byte) error {
	l.peers[mac] = peer{linkKey: linkKey, preSharedKey: preSharedKey}
	return nil
}

func (l *Loopback) RemovePeer(mac [6]byte) error {
	delete(l.peers, mac)
	return nil
}

func (l *Loopback) Send(mac [6]byte, data []byte) (SendResult, error) {
	if _, ok := l.peers[mac]; !ok {
		return SendBusyOrError, ErrUnknownPeer
	}
	dst, ok := l.bus.members[mac]
	if !ok || dst.channel != l.channel {
		return SendBusyOrError, nil
	}
	if dst.recv != nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		dst.recv(l.mac, cp)
	}
	return SendOK, nil
}

func (l *Loopback) OnRecv(fn RecvFunc) { l.recv = fn }

func (l *Loopback) Channel() uint8 { return l.channel }
