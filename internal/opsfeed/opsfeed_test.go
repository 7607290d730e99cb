package opsfeed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nowmesh/v2h/pkg/roleadapter"
	"github.com/nowmesh/v2h/pkg/wire"
)

type recordingAdapter struct {
	roleadapter.NopAdapter
	sensorReports int
}

func (a *recordingAdapter) OnSensorReport(mac [6]byte, virtID uint8, r wire.SensReport) {
	a.sensorReports++
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTeeAdapterForwardsAndBroadcasts(t *testing.T) {
	hub := NewHub()
	inner := &recordingAdapter{}
	tee := &TeeAdapter{Inner: inner, Hub: hub}

	conn := dialHub(t, hub)
	// Give the accept goroutine a moment to register the client before we
	// broadcast; ServeWS registers the client right after Upgrade returns,
	// so the dial can complete first and a short poll is needed.
	waitForClientCount(t, hub, 1)

	mac := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	tee.OnSensorReport(mac, 2, wire.SensReport{Lux: 1200})

	if inner.sensorReports != 1 {
		t.Fatalf("expected inner adapter to be called once, got %d", inner.sensorReports)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != "sensor_report" {
		t.Fatalf("unexpected event type: %q", ev.Type)
	}
	if ev.MAC != "aabbccddeeff" {
		t.Fatalf("unexpected mac in event: %q", ev.MAC)
	}
	if ev.VirtID == nil || *ev.VirtID != 2 {
		t.Fatalf("unexpected virt_id in event: %v", ev.VirtID)
	}
}

func TestHubDropsDisconnectedClientsSilently(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)
	waitForClientCount(t, hub, 1)

	conn.Close()
	waitForClientCount(t, hub, 0)

	// Broadcasting with zero clients must not block or panic.
	hub.Broadcast(Event{Type: "time_sync"})
}

func waitForClientCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for client count %d", want)
}
