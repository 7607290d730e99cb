// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// icm-sim is a self-contained reference controller: it wires one ICM
// meshcore.Core against a handful of simulated relay devices sharing an
// in-process radio.Bus, then drives them through pairing, a topology push,
// a relay command, and a full firmware update — the same sequence a real
// installation's controller runs against real hardware, minus the radio.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/nowmesh/v2h/internal/meshcore"
	"github.com/nowmesh/v2h/internal/opsfeed"
	"github.com/nowmesh/v2h/pkg/firmware"
	"github.com/nowmesh/v2h/pkg/meshclock"
	"github.com/nowmesh/v2h/pkg/meshcrypto"
	"github.com/nowmesh/v2h/pkg/radio"
	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/sigverify"
	"github.com/nowmesh/v2h/pkg/topology"
	"github.com/nowmesh/v2h/pkg/wire"
)

var icmMAC = [6]byte{0x10, 0, 0, 0, 0, 0x01}

type loggingAdapter struct {
	roleadapter.NopAdapter
	name string
}

func (a loggingAdapter) OnFwStatus(mac [6]byte, s wire.FwStatus) {
	log.Printf("[%s] fw status: image=%d state=%d received=%d/%d", a.name, s.ImageID, s.State, s.ReceivedBytes, s.NextNeeded)
}

func (a loggingAdapter) OnRelayState(mac [6]byte, virtID uint8, r wire.RlyState) {
	log.Printf("[%s] relay state: bitmask=%04x result=%d", a.name, r.Bitmask, r.Result)
}

func main() {
	deviceCount := flag.Int("devices", 3, "number of simulated relay devices")
	wsAddr := flag.String("ws-addr", ":8090", "address to serve the operator dashboard websocket feed on")
	preSharedFlag := flag.String("pre-shared-key", "icm-sim-pre-shared-key", "fleet-wide pre-shared key material for application-key derivation")
	perLinkFlag := flag.String("per-link-key", "icm-sim-per-link-key", "per-installation link key material for application-key derivation")
	saltFlag := flag.String("deployment-salt", "icm-sim-deployment-salt", "deployment salt mixed into application-key derivation")
	flag.Parse()

	hub := opsfeed.NewHub()
	go func() {
		log.Printf("[icm-sim] operator feed listening on %s", *wsAddr)
		if err := http.ListenAndServe(*wsAddr, http.HandlerFunc(hub.ServeWS)); err != nil {
			log.Printf("[icm-sim] operator feed stopped: %v", err)
		}
	}()

	clk := meshclock.New()
	keys := meshcrypto.Keys{
		PreShared: keyFromString(*preSharedFlag),
		PerLink:   keyFromString(*perLinkFlag),
		Salt:      keyFromString(*saltFlag),
	}
	bus := radio.NewBus()

	icmRadio := radio.NewLoopback(bus, icmMAC)
	if err := icmRadio.Init(6); err != nil {
		log.Fatalf("icm radio init: %v", err)
	}

	// One deployment signature keypair authenticates both firmware commits
	// and topology pushes: both are deployment-wide artifacts broadcast
	// byte-identical to every device, so both need the asymmetric path
	// rather than a per-peer symmetric key.
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("generate deployment signing key: %v", err)
	}
	sigReg := sigverify.NewRegistry()
	verifier, err := sigverify.NewEd25519Verifier(sigPub)
	if err != nil {
		log.Fatalf("build deployment verifier: %v", err)
	}
	sigReg.Register(sigverify.AlgoEd25519, verifier)
	topoVerifier := topology.SigVerifier{Registry: sigReg}

	icm, err := meshcore.New(meshcore.Config{
		SelfMAC:          icmMAC,
		SelfRole:         wire.RoleICM,
		Radio:            icmRadio,
		Clock:            clk,
		Adapter:          &opsfeed.TeeAdapter{Inner: loggingAdapter{name: "icm"}, Hub: hub},
		CryptoKeys:       keys,
		TopologyVerifier: topoVerifier,
	})
	if err != nil {
		log.Fatalf("meshcore.New(icm): %v", err)
	}

	devices := make([]*meshcore.Core, *deviceCount)
	for i := range devices {
		mac := [6]byte{0x20, 0, 0, 0, 0, byte(i + 1)}
		r := radio.NewLoopback(bus, mac)
		if err := r.Init(6); err != nil {
			log.Fatalf("device radio init: %v", err)
		}
		if err := r.AddEncryptedPeer(icmMAC, []byte("link"), []byte("psk")); err != nil {
			log.Fatalf("device AddEncryptedPeer: %v", err)
		}
		if err := icmRadio.AddEncryptedPeer(mac, []byte("link"), []byte("psk")); err != nil {
			log.Fatalf("icm AddEncryptedPeer: %v", err)
		}

		dev, err := meshcore.New(meshcore.Config{
			SelfMAC:          mac,
			SelfRole:         wire.RoleRelay,
			ControllerMAC:    icmMAC,
			Radio:            r,
			Clock:            clk,
			Adapter:          &opsfeed.TeeAdapter{Inner: loggingAdapter{name: "device"}, Hub: hub},
			CryptoKeys:       keys,
			TopologyVerifier: topoVerifier,
			AcceptsFirmware:  true,
			SigRegistry:      sigReg,
		})
		if err != nil {
			log.Fatalf("meshcore.New(device %d): %v", i, err)
		}
		devices[i] = dev
	}

	tick := func(n int) {
		for i := 0; i < n; i++ {
			icm.Tick()
			for _, d := range devices {
				d.Tick()
			}
		}
	}

	log.Printf("[icm-sim] pairing %d devices...", len(devices))
	for _, d := range devices {
		d.SendPairRequest()
	}
	tick(8)

	const topoVersion = 1
	topoPayload, err := topology.AuthPayload(topoVersion, nil)
	if err != nil {
		log.Fatalf("build topology auth payload: %v", err)
	}
	topoDigest := sha256.Sum256(topoPayload)
	topoSig := ed25519.Sign(sigPriv, topoDigest[:])
	authItem := topology.Item{Tag: topology.TagAuthSig, Value: append([]byte{byte(sigverify.AlgoEd25519)}, topoSig...)}
	tlv, err := topology.Build([]topology.Item{authItem})
	if err != nil {
		log.Fatalf("build topology: %v", err)
	}
	if err := icm.PushTopology(topoVersion, tlv); err != nil {
		log.Fatalf("push topology: %v", err)
	}
	for _, d := range devices {
		icm.BroadcastTopology(d.SelfMAC())
	}
	tick(8)

	log.Printf("[icm-sim] commanding relay 0 on")
	icm.Send(devices[0].SelfMAC(), wire.OpCtrlRelay, wire.CtrlRelay{Channel: 0, Op: wire.RelayOn}.Marshal(), false)
	tick(4)

	log.Printf("[icm-sim] pushing firmware image to device 0")
	pushFirmware(icm, devices[0].SelfMAC(), sigPriv)
	tick(20)

	log.Printf("[icm-sim] demo sequence complete, continuing to tick for dashboard observers")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		tick(1)
	}
}

// pushFirmware drives a tiny, entirely synthetic firmware image through
// FwBegin/FwChunk/FwCommit against target, signing the digest with priv.
func pushFirmware(icm *meshcore.Core, target [6]byte, priv ed25519.PrivateKey) {
	const imageID = 1
	image := make([]byte, 96)
	_, _ = rand.Read(image)

	const chunkSize = 32
	totalChunks := (len(image) + chunkSize - 1) / chunkSize

	begin := wire.FwBegin{
		ImageID:     imageID,
		TargetRole:  wire.RoleRelay,
		SigAlgo:     uint8(sigverify.AlgoEd25519),
		WindowSize:  4,
		TotalSize:   uint32(len(image)),
		ChunkSize:   chunkSize,
		TotalChunks: uint16(totalChunks),
	}
	digest := sha256.Sum256(image)
	begin.SHA256 = digest
	icm.Send(target, wire.OpFwBegin, begin.Marshal(), true)

	for i := 0; i < totalChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := image[start:end]
		hdr := wire.FwChunkHeader{
			ImageID:    imageID,
			ChunkIndex: uint32(i),
			DataLen:    uint16(len(chunk)),
			CRC16CCITT: firmware.CRC16CCITT(chunk),
		}
		icm.Send(target, wire.OpFwChunk, append(hdr.Marshal(), chunk...), false)
	}

	sig := ed25519.Sign(priv, digest[:])
	commit := wire.FwCommitHeader{ImageID: imageID, ApplyAtBoot: 0, SigLen: uint8(len(sig))}
	icm.Send(target, wire.OpFwCommit, append(commit.Marshal(), sig...), true)
}

// keyFromString expands an operator-supplied string into the fixed-size key
// material meshcrypto.Keys needs, the same way a human-friendly install
// secret becomes firmware-ready key bytes at provisioning time.
func keyFromString(s string) [meshcrypto.KeyLen]byte {
	digest := sha256.Sum256([]byte(s))
	var k [meshcrypto.KeyLen]byte
	copy(k[:], digest[:meshcrypto.KeyLen])
	return k
}
