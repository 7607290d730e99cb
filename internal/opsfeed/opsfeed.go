// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// Package opsfeed tees every role-adapter report to connected operator
// dashboards over a websocket push feed. It wraps a roleadapter.Adapter and
// implements the same interface: every call is forwarded to the inner
// adapter unchanged, and a JSON event describing the call is fanned out to
// whichever dashboards are currently connected. When a dashboard's send
// buffer is full the event is dropped for that dashboard rather than allowed
// to block the core's single-threaded dispatch path; the dashboard stays
// connected.
package opsfeed

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/wire"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pingInterval     = 25 * time.Second
	pongWait         = 70 * time.Second
)

// Event is the JSON shape pushed to every connected dashboard.
type Event struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"ts_unix_ms"`
	MAC       string      `json:"mac,omitempty"`
	VirtID    *uint8      `json:"virt_id,omitempty"`
	Body      interface{} `json:"body,omitempty"`
}

// Hub accepts websocket upgrades and broadcasts Events to every registered
// client. Its zero value is not usable; construct with NewHub.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	sendCh chan []byte
}

// NewHub constructs an empty Hub. CheckOrigin is permissive by default,
// matching an operator dashboard served from the same gateway over a
// trusted network; callers needing stricter CORS behavior should wrap
// ServeWS.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeWS upgrades r to a websocket connection and registers it as a
// dashboard feed subscriber. It blocks until the connection closes, so
// callers should invoke it directly as an http.HandlerFunc.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, sendCh: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()

	// Dashboards never send anything meaningful; drain reads purely to
	// notice disconnects and service the pong handler above.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(c.sendCh)
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast encodes ev and enqueues it on every connected client, dropping
// it for any client whose send buffer is full.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[opsfeed] marshal event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.sendCh <- data:
		default:
			log.Printf("[opsfeed] client send buffer full, dropping event")
		}
	}
}

// TeeAdapter wraps an inner roleadapter.Adapter, forwarding every call
// unchanged and publishing an Event describing it to hub.
type TeeAdapter struct {
	Inner roleadapter.Adapter
	Hub   *Hub

	// Now supplies the event timestamp; defaults to time.Now when nil, and
	// is overridable so tests can produce deterministic output.
	Now func() time.Time
}

func (t *TeeAdapter) now() int64 {
	if t.Now != nil {
		return t.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

func macString(mac [6]byte) string {
	return hex.EncodeToString(mac[:])
}

func virtPtr(v uint8) *uint8 { return &v }

func (t *TeeAdapter) publish(typ string, mac [6]byte, virtID *uint8, body interface{}) {
	if t.Hub == nil {
		return
	}
	t.Hub.Broadcast(Event{Type: typ, Timestamp: t.now(), MAC: macString(mac), VirtID: virtID, Body: body})
}

func (t *TeeAdapter) OnPing(mac [6]byte, virtID uint8, p wire.Ping) (wire.PingReply, bool) {
	reply, handled := t.Inner.OnPing(mac, virtID, p)
	t.publish("ping", mac, virtPtr(virtID), p)
	return reply, handled
}

func (t *TeeAdapter) OnPingReply(mac [6]byte, virtID uint8, p wire.PingReply) {
	t.Inner.OnPingReply(mac, virtID, p)
	t.publish("ping_reply", mac, virtPtr(virtID), p)
}

func (t *TeeAdapter) OnCtrlRelay(mac [6]byte, virtID uint8, c wire.CtrlRelay) wire.RlyState {
	state := t.Inner.OnCtrlRelay(mac, virtID, c)
	t.publish("ctrl_relay", mac, virtPtr(virtID), map[string]interface{}{"command": c, "result": state})
	return state
}

func (t *TeeAdapter) OnSensorReport(mac [6]byte, virtID uint8, r wire.SensReport) {
	t.Inner.OnSensorReport(mac, virtID, r)
	t.publish("sensor_report", mac, virtPtr(virtID), r)
}

func (t *TeeAdapter) OnRelayState(mac [6]byte, virtID uint8, r wire.RlyState) {
	t.Inner.OnRelayState(mac, virtID, r)
	t.publish("relay_state", mac, virtPtr(virtID), r)
}

func (t *TeeAdapter) OnPowerStatus(mac [6]byte, virtID uint8, p wire.PmsStatus) {
	t.Inner.OnPowerStatus(mac, virtID, p)
	t.publish("power_status", mac, virtPtr(virtID), p)
}

func (t *TeeAdapter) OnConfigWrite(mac [6]byte, key6 [6]byte, typ wire.ConfigType, value []byte) wire.ActResult {
	result := t.Inner.OnConfigWrite(mac, key6, typ, value)
	t.publish("config_write", mac, nil, map[string]interface{}{
		"key":    macString(key6),
		"type":   typ,
		"result": result,
	})
	return result
}

func (t *TeeAdapter) OnTopologyPush(mac [6]byte, version uint16, tlv []byte) error {
	err := t.Inner.OnTopologyPush(mac, version, tlv)
	status := "ok"
	if err != nil {
		status = err.Error()
	}
	t.publish("topology_push", mac, nil, map[string]interface{}{
		"version": version,
		"tlv_len": len(tlv),
		"status":  status,
	})
	return err
}

func (t *TeeAdapter) OnFwStatus(mac [6]byte, s wire.FwStatus) {
	t.Inner.OnFwStatus(mac, s)
	t.publish("fw_status", mac, nil, s)
}

func (t *TeeAdapter) OnTimeSync(mac [6]byte, ts wire.TimeSync) {
	t.Inner.OnTimeSync(mac, ts)
	t.publish("time_sync", mac, nil, ts)
}

var _ roleadapter.Adapter = (*TeeAdapter)(nil)
