// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// Package node wraps a libp2p host plus a Kademlia DHT into the overlay an
// ICM fleet-gateway uses to discover and dial other installations'
// fleet-gateways. It carries none of the mesh's own wire protocol — it
// exists purely so two ICM hosts on different networks can find each other
// well enough to negotiate a relaymanager allocation.
package node

import (
	"context"
	crand "crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
)

// Node is one ICM installation's fleet-overlay peer.
type Node struct {
	Context context.Context
	PrivKey crypto.PrivKey
	Host    host.Host
	DHT     *dht.IpfsDHT

	// BootstrapPeers seeds the DHT. Unlike a public libp2p deployment this
	// overlay has no well-known bootstrap infrastructure of its own: an
	// installation's fleet-gateway is configured with the addresses of the
	// other installations it fleets with (flag-configured, see
	// cmd/icm-fleet-gateway), and an empty list is valid for a lone
	// installation that only ever receives inbound dials.
	BootstrapPeers []peer.AddrInfo

	// ListenPort controls the libp2p listen port for both TCP and QUIC. If
	// 0, libp2p's default listen addresses are used.
	ListenPort int

	Libp2pOptions []libp2p.Option

	ctx    context.Context
	cancel context.CancelFunc
}

// Init brings the host and DHT up. Call once before Host is used.
func (n *Node) Init() error {
	var err error
	if n.Context == nil {
		n.Context = context.Background()
	}
	n.ctx, n.cancel = context.WithCancel(n.Context)

	if n.PrivKey == nil {
		n.PrivKey, _, err = crypto.GenerateEd25519Key(crand.Reader)
		if err != nil {
			return err
		}
	}

	opts := []libp2p.Option{
		libp2p.Identity(n.PrivKey),
		libp2p.UserAgent("v2h-fleet-gateway"),
		libp2p.DefaultTransports,
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.NATPortMap(),
		libp2p.FallbackDefaults,
	}
	opts = append(opts, n.Libp2pOptions...)

	if n.ListenPort > 0 {
		addrs := []string{
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", n.ListenPort),
			fmt.Sprintf("/ip6/::/tcp/%d", n.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", n.ListenPort),
			fmt.Sprintf("/ip6/::/udp/%d/quic-v1", n.ListenPort),
		}
		opts = append(opts, libp2p.ListenAddrStrings(addrs...))
	} else {
		opts = append(opts, libp2p.DefaultListenAddrs)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return err
	}
	n.Host = h

	ddht, err := dht.New(n.ctx, h, dht.Mode(dht.ModeServer), dht.BootstrapPeers(n.BootstrapPeers...))
	if err != nil {
		return err
	}
	n.DHT = ddht

	ping.NewPingService(n.Host)

	return nil
}

// Close tears down the DHT and host.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.DHT != nil {
		_ = n.DHT.Close()
	}
	if n.Host != nil {
		return n.Host.Close()
	}
	return nil
}

// Connect dials pi directly and adds it to the DHT's routing table,
// bypassing discovery — used when an operator supplies a peer's address
// explicitly rather than relying on the DHT to find it.
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if err := n.Host.Connect(ctx, pi); err != nil {
		return err
	}
	_, err := n.DHT.RoutingTable().TryAddPeer(pi.ID, true, false)
	return err
}
