// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// Package relaymanager allocates and bridges the TCP data-plane connections
// two fleet peers use to move a firmware image or topology blob through an
// ICM fleet-gateway that neither peer can dial directly. It is a direct
// generalization of a generic TCP-throughput relay: the bytes bridged here
// happen to be firmware/topology blobs headed for a node's existing
// FwBegin/FwChunk/FwCommit pipeline, but the manager itself never inspects
// them.
package relaymanager

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/internal/fleet/fleetpb"
	"github.com/nowmesh/v2h/internal/fleet/relayproto"
)

var (
	ErrAllocationNotFound = errors.New("relaymanager: allocation not found")
	ErrBadPeer            = errors.New("relaymanager: unrecognized peer for this allocation")
)

type allocation struct {
	streamID     uint64
	token        []byte // 32 bytes
	serverPeerID peer.ID
	clientPeerID peer.ID

	mu      sync.Mutex
	sideS   net.Conn
	sideC   net.Conn
	created time.Time
	ttl     time.Duration
}

func (a *allocation) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sideS != nil {
		_ = a.sideS.Close()
	}
	if a.sideC != nil {
		_ = a.sideC.Close()
	}
	return nil
}

// Manager listens for TCP data-plane connections and bridges the two sides
// of each allocated firmware/topology blob transfer.
type Manager struct {
	listenAddr string

	mu          sync.Mutex
	allocations map[uint64]*allocation
	wg          sync.WaitGroup
	lis         net.Listener
	ctx         context.Context
	cancel      context.CancelFunc
}

// New constructs a Manager listening on listenAddr (e.g. ":24002") once
// Start is called.
func New(listenAddr string) *Manager {
	return &Manager{listenAddr: listenAddr, allocations: make(map[uint64]*allocation)}
}

// Start begins accepting TCP connections and running the TTL garbage
// collector.
func (m *Manager) Start(ctx context.Context) error {
	if m.cancel != nil {
		return errors.New("relaymanager: already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	ln, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		return err
	}
	m.lis = ln
	log.Printf("[fleet-relay] listening on %s", ln.Addr().String())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptLoop()
	}()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-t.C:
				m.gc()
			}
		}
	}()
	return nil
}

// Stop shuts the listener down, closes every allocation, and waits for the
// accept and GC loops to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.lis != nil {
		_ = m.lis.Close()
	}
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.allocations {
		_ = a.Close()
	}
	m.allocations = make(map[uint64]*allocation)
}

// CreateStream allocates a new bridge between serverPeerID (the side
// holding the blob) and clientPeerID (the side requesting it), returning
// the stream id, its HMAC token, and this manager's TCP endpoint.
func (m *Manager) CreateStream(serverPeerID, clientPeerID peer.ID, ttl time.Duration) (streamID uint64, token []byte, endpoint string, err error) {
	streamID = randomUint64()
	token = make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, token); err != nil {
		return 0, nil, "", err
	}
	a := &allocation{
		streamID:     streamID,
		token:        token,
		serverPeerID: serverPeerID,
		clientPeerID: clientPeerID,
		created:      time.Now(),
		ttl:          ttl,
	}
	m.mu.Lock()
	m.allocations[streamID] = a
	m.mu.Unlock()
	return streamID, token, m.listenAddr, nil
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.lis.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			log.Printf("[fleet-relay] accept error: %v", err)
			continue
		}
		m.wg.Add(1)
		go func(c net.Conn) {
			defer m.wg.Done()
			if err := m.handleConn(c); err != nil {
				log.Printf("[fleet-relay] conn error: %v", err)
				_ = c.Close()
			}
		}(conn)
	}
}

func (m *Manager) handleConn(c net.Conn) error {
	hdr, data, sum, err := relayproto.ReadFrameRaw(c, 10*time.Second)
	if err != nil {
		return errors.Wrap(err, "read data-plane frame")
	}
	if hdr.Type != relayproto.FrameTypeHandshakeRequest {
		return errors.Errorf("unexpected data-plane frame type: %d", hdr.Type)
	}
	var req fleetpb.HandshakeRequest
	if err := req.Unmarshal(data); err != nil {
		return errors.Wrap(err, "decode handshake request")
	}

	m.mu.Lock()
	a := m.allocations[req.StreamID]
	m.mu.Unlock()
	if a == nil {
		ack := &fleetpb.HandshakeAck{Ok: false, Error: "no such stream"}
		_ = relayproto.WriteFrame(c, relayproto.FrameTypeHandshakeAck, make([]byte, 32), ack.Marshal())
		return ErrAllocationNotFound
	}

	if err := hdr.VerifyHMAC(a.token, data, sum); err != nil {
		ack := &fleetpb.HandshakeAck{Ok: false, Error: "hmac mismatch"}
		_ = relayproto.WriteFrame(c, relayproto.FrameTypeHandshakeAck, a.token, ack.Marshal())
		return err
	}

	senderPeerID, err := peer.IDFromBytes(req.SenderPeerID)
	if err != nil {
		return errors.Wrap(err, "decode sender peer id")
	}
	isServerPeer := a.serverPeerID == senderPeerID
	isClientPeer := a.clientPeerID == senderPeerID
	if !isServerPeer && !isClientPeer {
		log.Printf("[fleet-relay] warning: sender mismatch alloc=(%s, %s) got=%s",
			a.serverPeerID, a.clientPeerID, senderPeerID)
		return ErrBadPeer
	}

	ack := &fleetpb.HandshakeAck{Ok: true}
	if err := relayproto.WriteFrame(c, relayproto.FrameTypeHandshakeAck, a.token, ack.Marshal()); err != nil {
		return errors.Wrap(err, "write ack")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if isServerPeer {
		if a.sideS != nil {
			return errors.New("relaymanager: server side already bridged")
		}
		a.sideS = c
	} else {
		if a.sideC != nil {
			return errors.New("relaymanager: client side already bridged")
		}
		a.sideC = c
	}
	if a.sideS != nil && a.sideC != nil {
		go m.startBridge(req.StreamID, a)
	}
	return nil
}

func (m *Manager) startBridge(id uint64, a *allocation) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer a.Close()
		_, _ = io.Copy(a.sideS, a.sideC)
	}()
	go func() {
		defer wg.Done()
		defer a.Close()
		_, _ = io.Copy(a.sideC, a.sideS)
	}()
	wg.Wait()

	m.mu.Lock()
	delete(m.allocations, id)
	m.mu.Unlock()
}

// gc drops allocations whose TTL has elapsed before both sides connected.
// A fully bridged allocation is left alone; it cleans itself up when the
// bridge ends.
func (m *Manager) gc() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.allocations {
		if now.Sub(a.created) > a.ttl && (a.sideS == nil || a.sideC == nil) {
			_ = a.Close()
			delete(m.allocations, id)
		}
	}
}

func randomUint64() uint64 {
	var b [8]byte
	_, _ = io.ReadFull(rand.Reader, b[:])
	return binary.LittleEndian.Uint64(b[:])
}
