// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// node-sim wires a single meshcore.Core for one node role and drives it
// through its two entry points — the radio's inbound callback and a
// periodic Tick — the way a real firmware port would. It is a template:
// production deployments swap radio.Loopback for a driver talking to actual
// ESP-NOW/NRF24 hardware; everything else in this file stays the same.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/internal/meshcore"
	"github.com/nowmesh/v2h/internal/nodestate"
	"github.com/nowmesh/v2h/internal/opsfeed"
	"github.com/nowmesh/v2h/pkg/meshclock"
	"github.com/nowmesh/v2h/pkg/meshcrypto"
	"github.com/nowmesh/v2h/pkg/radio"
	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/sigverify"
	"github.com/nowmesh/v2h/pkg/topology"
	"github.com/nowmesh/v2h/pkg/wire"
)

func main() {
	roleFlag := flag.String("role", "relay", "node role: icm | pms | relay | sens | remu | semu")
	macFlag := flag.String("mac", "020000000001", "this node's 6-byte MAC, hex encoded")
	controllerMACFlag := flag.String("controller-mac", "", "controller's 6-byte MAC, hex encoded (ignored for --role=icm)")
	preSharedFlag := flag.String("pre-shared-key", "node-sim-pre-shared-key", "fleet-wide pre-shared key material for application-key derivation")
	perLinkFlag := flag.String("per-link-key", "node-sim-per-link-key", "per-installation link key material for application-key derivation")
	saltFlag := flag.String("deployment-salt", "node-sim-deployment-salt", "deployment salt mixed into application-key derivation")
	topoSigPub := flag.String("topology-sig-pub", "", "deployment's Ed25519 topology-signature public key, hex encoded (required unless --topology-allow-unauthenticated)")
	topoAllowAll := flag.Bool("topology-allow-unauthenticated", false, "accept any topology push unverified; for local testing only")
	stateFile := flag.String("state-file", "", "path to persist this node's record across restarts (optional)")
	channel := flag.Int("channel", 6, "radio channel")
	wsAddr := flag.String("ws-addr", "", "address to serve the operator dashboard websocket feed on (optional, e.g. :8091)")
	tickInterval := flag.Duration("tick-interval", 100*time.Millisecond, "Core.Tick() period")
	flag.Parse()

	verifier, err := buildTopologyVerifier(*topoSigPub, *topoAllowAll)
	if err != nil {
		log.Fatalf("topology verifier: %v", err)
	}

	role, err := parseRole(*roleFlag)
	if err != nil {
		log.Fatalf("--role: %v", err)
	}
	mac, err := parseMAC(*macFlag)
	if err != nil {
		log.Fatalf("--mac: %v", err)
	}
	var controllerMAC [6]byte
	if role != wire.RoleICM {
		controllerMAC, err = parseMAC(*controllerMACFlag)
		if err != nil {
			log.Fatalf("--controller-mac: %v", err)
		}
	}

	hub := opsfeed.NewHub()
	if *wsAddr != "" {
		go func() {
			log.Printf("[node-sim] operator feed listening on %s", *wsAddr)
			if err := http.ListenAndServe(*wsAddr, http.HandlerFunc(hub.ServeWS)); err != nil {
				log.Printf("[node-sim] operator feed stopped: %v", err)
			}
		}()
	}

	bus := radio.NewBus()
	dev := radio.NewLoopback(bus, mac)
	if err := dev.Init(uint8(*channel)); err != nil {
		log.Fatalf("radio init: %v", err)
	}

	var store roleadapter.PersistenceStore
	if *stateFile != "" {
		store = nodestate.NewFileStore(*stateFile)
	}

	core, err := meshcore.New(meshcore.Config{
		SelfMAC:       mac,
		SelfRole:      role,
		ControllerMAC: controllerMAC,
		CryptoKeys: meshcrypto.Keys{
			PreShared: keyFromString(*preSharedFlag),
			PerLink:   keyFromString(*perLinkFlag),
			Salt:      keyFromString(*saltFlag),
		},
		Radio:            dev,
		Clock:            meshclock.New(),
		Adapter:          &opsfeed.TeeAdapter{Inner: roleadapter.NopAdapter{}, Hub: hub},
		Persistence:      store,
		TopologyVerifier: verifier,
	})
	if err != nil {
		log.Fatalf("meshcore.New: %v", err)
	}
	if err := core.LoadState(); err != nil {
		log.Printf("[node-sim] no prior state loaded: %v", err)
	}

	log.Printf("[node-sim] mac=%s role=%d controller=%s", hex.EncodeToString(mac[:]), role, hex.EncodeToString(controllerMAC[:]))

	if role != wire.RoleICM {
		core.SendPairRequest()
	}

	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		core.Tick()
	}
}

func parseRole(s string) (wire.Role, error) {
	switch strings.ToLower(s) {
	case "icm":
		return wire.RoleICM, nil
	case "pms":
		return wire.RolePMS, nil
	case "relay":
		return wire.RoleRelay, nil
	case "sens":
		return wire.RoleSens, nil
	case "remu":
		return wire.RoleREMU, nil
	case "semu":
		return wire.RoleSEMU, nil
	default:
		return 0, errUnknownRole(s)
	}
}

type errUnknownRole string

func (e errUnknownRole) Error() string { return "unknown role " + string(e) }

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return mac, err
	}
	if len(b) != 6 {
		return mac, errBadMACLength
	}
	copy(mac[:], b)
	return mac, nil
}

var errBadMACLength = errMAC("MAC must decode to exactly 6 bytes")

type errMAC string

func (e errMAC) Error() string { return string(e) }

// keyFromString expands an operator-supplied string into the fixed-size key
// material meshcrypto.Keys needs, the same way a human-friendly install
// secret becomes firmware-ready key bytes at provisioning time.
func keyFromString(s string) [meshcrypto.KeyLen]byte {
	digest := sha256.Sum256([]byte(s))
	var k [meshcrypto.KeyLen]byte
	copy(k[:], digest[:meshcrypto.KeyLen])
	return k
}

// buildTopologyVerifier wires the production topology.AuthVerifier: the
// reference controller broadcasts one identical topology blob to every
// device without re-signing it per peer, so the only verifier that can
// work here is the deployment-wide signature path.
// allowUnauthenticated exists purely so a local demo can run without
// provisioning a keypair first; it must never be set in a real deployment.
func buildTopologyVerifier(sigPubHex string, allowUnauthenticated bool) (topology.AuthVerifier, error) {
	if sigPubHex == "" {
		if allowUnauthenticated {
			log.Printf("[node-sim] WARNING: running with --topology-allow-unauthenticated, topology pushes are not authenticated")
			return alwaysVerifier{}, nil
		}
		return nil, errors.New("one of --topology-sig-pub or --topology-allow-unauthenticated is required")
	}
	pub, err := hex.DecodeString(sigPubHex)
	if err != nil {
		return nil, errors.Wrap(err, "--topology-sig-pub")
	}
	v, err := sigverify.NewEd25519Verifier(pub)
	if err != nil {
		return nil, errors.Wrap(err, "--topology-sig-pub")
	}
	reg := sigverify.NewRegistry()
	reg.Register(sigverify.AlgoEd25519, v)
	return topology.SigVerifier{Registry: reg}, nil
}

// alwaysVerifier accepts any topology push. It exists only behind
// --topology-allow-unauthenticated for local testing; every real deployment
// wires a topology.SigVerifier or topology.HMACVerifier instead.
type alwaysVerifier struct{}

func (alwaysVerifier) VerifyTopologyAuth(version uint16, items []topology.Item, authItem topology.Item) bool {
	return true
}
