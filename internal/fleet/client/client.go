// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// Package client implements both sides of a fleet firmware/topology fetch:
// a FetchClient that asks a remote installation's fleet-gateway for a blob
// and streams it down, and a FetchServer that answers those requests from a
// local BlobSource and pushes the bytes into the relay the gateway's
// relaymanager allocated.
package client

import (
	"context"
	"io"
	"log"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/nowmesh/v2h/internal/fleet/fleetpb"
	"github.com/nowmesh/v2h/internal/fleet/relaymanager"
	"github.com/nowmesh/v2h/internal/fleet/relayproto"
)

// FetchClient requests a firmware image or topology blob from a remote
// fleet peer and streams the bytes down over the relay it allocates.
type FetchClient struct{}

// Fetch sends req to serverPeerID over h, then dials the returned relay
// allocation and copies exactly the advertised length into w.
func (FetchClient) Fetch(ctx context.Context, h host.Host, serverPeerID peer.ID, req fleetpb.FetchRequest, w io.Writer) error {
	stream, err := h.NewStream(network.WithAllowLimitedConn(ctx, ""), serverPeerID, ProtoFleetFetch)
	if err != nil {
		return errors.Wrap(err, "open fleet fetch stream")
	}
	defer stream.Close()

	if err := relayproto.WriteControlFrame(stream, relayproto.ControlTypeFetchRequest, req.Marshal()); err != nil {
		return errors.Wrap(err, "write fetch request")
	}
	typ, data, err := relayproto.ReadControlFrame(stream, 10*time.Second)
	if err != nil {
		return errors.Wrap(err, "read fetch response")
	}
	if typ != relayproto.ControlTypeFetchResponse {
		return errors.Errorf("fleet client: unexpected control type 0x%04x", typ)
	}
	var resp fleetpb.FetchResponse
	if err := resp.Unmarshal(data); err != nil {
		return errors.Wrap(err, "decode fetch response")
	}
	if !resp.Ok {
		return errors.Errorf("fleet client: server refused fetch: %s", resp.Error)
	}

	conn, err := net.DialTimeout("tcp", resp.RelayEndpoint, 10*time.Second)
	if err != nil {
		return errors.Wrap(err, "dial relay endpoint")
	}
	defer conn.Close()

	senderID, err := h.ID().MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal local peer id")
	}
	hs := &fleetpb.HandshakeRequest{StreamID: resp.StreamID, SenderPeerID: senderID}
	if err := relayproto.WriteFrame(conn, relayproto.FrameTypeHandshakeRequest, resp.Token, hs.Marshal()); err != nil {
		return errors.Wrap(err, "write relay handshake")
	}
	hdr, ackData, sum, err := relayproto.ReadFrameRaw(conn, 10*time.Second)
	if err != nil {
		return errors.Wrap(err, "read relay handshake ack")
	}
	if err := hdr.VerifyHMAC(resp.Token, ackData, sum); err != nil {
		return errors.Wrap(err, "relay handshake ack HMAC")
	}
	var ack fleetpb.HandshakeAck
	if err := ack.Unmarshal(ackData); err != nil {
		return errors.Wrap(err, "decode relay handshake ack")
	}
	if !ack.Ok {
		return errors.Errorf("fleet client: relay nack: %s", ack.Error)
	}

	n, err := io.CopyN(w, conn, int64(resp.TotalLen))
	if err != nil {
		return errors.Wrapf(err, "stream blob bytes (%d/%d received)", n, resp.TotalLen)
	}
	return nil
}

// BlobSource supplies the bytes for a FetchRequest. It returns the blob's
// total length up front so FetchServer can advertise it in FetchResponse
// before the transfer starts.
type BlobSource func(req fleetpb.FetchRequest) (blob io.ReadCloser, length int64, err error)

// FetchServer answers fleet fetch requests from Source and bridges the
// blob bytes through Relay.
type FetchServer struct {
	Host   host.Host
	Relay  *relaymanager.Manager
	Source BlobSource
	TTL    time.Duration
}

// RegisterProtocol installs the fetch stream handler on s.Host.
func (s *FetchServer) RegisterProtocol() {
	s.Host.SetStreamHandler(ProtoFleetFetch, s.handleFetch)
}

func (s *FetchServer) handleFetch(stream network.Stream) {
	defer stream.Close()
	clientPeerID := stream.Conn().RemotePeer()

	typ, data, err := relayproto.ReadControlFrame(stream, 10*time.Second)
	if err != nil {
		log.Printf("[fleet-server] read fetch request: %v", err)
		return
	}
	if typ != relayproto.ControlTypeFetchRequest {
		log.Printf("[fleet-server] unexpected control type 0x%04x", typ)
		return
	}
	var req fleetpb.FetchRequest
	if err := req.Unmarshal(data); err != nil {
		log.Printf("[fleet-server] decode fetch request: %v", err)
		return
	}

	blob, length, err := s.Source(req)
	if err != nil {
		s.reject(stream, err.Error())
		return
	}

	ttl := s.TTL
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	streamID, token, endpoint, err := s.Relay.CreateStream(s.Host.ID(), clientPeerID, ttl)
	if err != nil {
		blob.Close()
		s.reject(stream, err.Error())
		return
	}

	resp := fleetpb.FetchResponse{Ok: true, RelayEndpoint: endpoint, StreamID: streamID, Token: token, TotalLen: uint64(length)}
	if err := relayproto.WriteControlFrame(stream, relayproto.ControlTypeFetchResponse, resp.Marshal()); err != nil {
		log.Printf("[fleet-server] write fetch response: %v", err)
		blob.Close()
		return
	}

	go s.pushBlob(endpoint, streamID, token, blob)
}

func (s *FetchServer) reject(stream network.Stream, reason string) {
	resp := fleetpb.FetchResponse{Ok: false, Error: reason}
	if err := relayproto.WriteControlFrame(stream, relayproto.ControlTypeFetchResponse, resp.Marshal()); err != nil {
		log.Printf("[fleet-server] write fetch rejection: %v", err)
	}
}

// pushBlob dials the manager's own listener as the "server side" of the
// allocation and copies blob into it; the manager bridges it to whichever
// client connects with the matching token.
func (s *FetchServer) pushBlob(endpoint string, streamID uint64, token []byte, blob io.ReadCloser) {
	defer blob.Close()
	conn, err := net.DialTimeout("tcp", endpoint, 10*time.Second)
	if err != nil {
		log.Printf("[fleet-server] dial relay endpoint: %v", err)
		return
	}
	defer conn.Close()

	senderID, err := s.Host.ID().MarshalBinary()
	if err != nil {
		log.Printf("[fleet-server] marshal local peer id: %v", err)
		return
	}
	hs := &fleetpb.HandshakeRequest{StreamID: streamID, SenderPeerID: senderID}
	if err := relayproto.WriteFrame(conn, relayproto.FrameTypeHandshakeRequest, token, hs.Marshal()); err != nil {
		log.Printf("[fleet-server] write relay handshake: %v", err)
		return
	}
	hdr, ackData, sum, err := relayproto.ReadFrameRaw(conn, 10*time.Second)
	if err != nil {
		log.Printf("[fleet-server] read relay handshake ack: %v", err)
		return
	}
	if err := hdr.VerifyHMAC(token, ackData, sum); err != nil {
		log.Printf("[fleet-server] relay handshake ack HMAC: %v", err)
		return
	}
	var ack fleetpb.HandshakeAck
	if err := ack.Unmarshal(ackData); err != nil || !ack.Ok {
		log.Printf("[fleet-server] relay handshake nack: %v %+v", err, ack)
		return
	}

	if _, err := io.Copy(conn, blob); err != nil {
		log.Printf("[fleet-server] push blob: %v", err)
	}
}
