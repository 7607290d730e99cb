// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// icm-fleet-gateway runs one installation's side of the fleet-distribution
// overlay: a libp2p host discoverable by other installations, a relay
// manager bridging the firmware/topology blob transfers they negotiate, and
// an operator dashboard feed. Run with --fetch-peer, --fetch-image and
// --fetch-out to instead pull one firmware image from a remote installation
// into a file and exit, without starting the relay manager or feed.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nowmesh/v2h/internal/fleet/client"
	"github.com/nowmesh/v2h/internal/fleet/fleetpb"
	"github.com/nowmesh/v2h/internal/fleet/node"
	"github.com/nowmesh/v2h/internal/fleet/relaymanager"
	"github.com/nowmesh/v2h/internal/opsfeed"
	"github.com/nowmesh/v2h/pkg/util"
)

func main() {
	privKeyFile := flag.String("private-key", "fleet-gateway.key", "path to this gateway's libp2p identity key")
	listenPort := flag.Int("listen-port", 0, "libp2p listen port (0 picks libp2p's defaults)")
	relayListen := flag.String("relay-listen", ":24002", "TCP listen address for the blob relay data plane")
	wsAddr := flag.String("ws-addr", ":8090", "address to serve the operator dashboard websocket feed on")
	firmwareDir := flag.String("firmware-dir", "./firmware", "directory of firmware images, named <image-id-hex>.bin")
	topologyDir := flag.String("topology-dir", "./topology", "directory of topology blobs, named <version>.tlv")
	bootstrap := flag.String("bootstrap", "", "comma-separated bootstrap peer multiaddrs")
	fetchPeer := flag.String("fetch-peer", "", "if set, fetch a blob from this peer multiaddr and exit")
	fetchImageHex := flag.String("fetch-image", "", "16-byte image id (hex) to request with --fetch-peer")
	fetchOut := flag.String("fetch-out", "", "output file path for --fetch-peer")
	flag.Parse()

	priv, err := util.LoadOrCreatePrivateKey(*privKeyFile)
	if err != nil {
		log.Fatalf("load private key: %v", err)
	}

	n := &node.Node{PrivKey: priv, ListenPort: *listenPort, BootstrapPeers: parseBootstrap(*bootstrap)}
	if err := n.Init(); err != nil {
		log.Fatalf("node init: %v", err)
	}
	defer n.Close()

	log.Printf("[icm-fleet-gateway] host id: %s", n.Host.ID())
	for _, a := range n.Host.Addrs() {
		log.Printf("[icm-fleet-gateway] listening on: %s/p2p/%s", a, n.Host.ID())
	}

	if *fetchPeer != "" {
		runFetch(n, *fetchPeer, *fetchImageHex, *fetchOut)
		return
	}

	hub := opsfeed.NewHub()
	go func() {
		log.Printf("[icm-fleet-gateway] operator feed listening on %s", *wsAddr)
		if err := http.ListenAndServe(*wsAddr, http.HandlerFunc(hub.ServeWS)); err != nil {
			log.Printf("[icm-fleet-gateway] operator feed stopped: %v", err)
		}
	}()

	relay := relaymanager.New(*relayListen)
	if err := relay.Start(context.Background()); err != nil {
		log.Fatalf("relay manager start: %v", err)
	}
	defer relay.Stop()

	server := &client.FetchServer{
		Host:   n.Host,
		Relay:  relay,
		Source: fileBlobSource(*firmwareDir, *topologyDir),
		TTL:    2 * time.Minute,
	}
	server.RegisterProtocol()

	log.Printf("[icm-fleet-gateway] ready, serving fetches from %s and %s", *firmwareDir, *topologyDir)
	select {}
}

func runFetch(n *node.Node, peerAddr, imageIDHex, outPath string) {
	if imageIDHex == "" || outPath == "" {
		log.Fatal("--fetch-peer requires --fetch-image and --fetch-out")
	}
	maddr, err := ma.NewMultiaddr(peerAddr)
	if err != nil {
		log.Fatalf("bad --fetch-peer: %v", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		log.Fatalf("bad --fetch-peer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Connect(ctx, *info); err != nil {
		log.Fatalf("connect: %v", err)
	}

	imageID, err := hex.DecodeString(imageIDHex)
	if err != nil {
		log.Fatalf("bad --fetch-image: %v", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		log.Fatalf("create %s: %v", outPath, err)
	}
	defer out.Close()

	var fc client.FetchClient
	req := fleetpb.FetchRequest{Kind: fleetpb.FetchFirmware, ImageID: imageID}
	if err := fc.Fetch(ctx, n.Host, info.ID, req, out); err != nil {
		log.Fatalf("fetch: %v", err)
	}
	log.Printf("[icm-fleet-gateway] fetched image %s to %s", imageIDHex, outPath)
}

// fileBlobSource answers a FetchRequest from flat files on disk: firmware
// images keyed by their hex-encoded image id, topology blobs keyed by their
// decimal version number.
func fileBlobSource(firmwareDir, topologyDir string) client.BlobSource {
	return func(req fleetpb.FetchRequest) (io.ReadCloser, int64, error) {
		var path string
		switch req.Kind {
		case fleetpb.FetchFirmware:
			path = filepath.Join(firmwareDir, hex.EncodeToString(req.ImageID)+".bin")
		case fleetpb.FetchTopology:
			path = filepath.Join(topologyDir, fmt.Sprintf("%d.tlv", req.TopoVersion))
		default:
			return nil, 0, fmt.Errorf("unknown fetch kind %d", req.Kind)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, st.Size(), nil
	}
}

func parseBootstrap(csv string) []peer.AddrInfo {
	if csv == "" {
		return nil
	}
	var out []peer.AddrInfo
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("[icm-fleet-gateway] skipping bad bootstrap addr %q: %v", s, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Printf("[icm-fleet-gateway] skipping bad bootstrap addr %q: %v", s, err)
			continue
		}
		out = append(out, *info)
	}
	return out
}
