package dashboard

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestDashboard(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Config{StatsInterval: 20 * time.Millisecond})
	srv.Start()
	t.Cleanup(srv.Stop)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func dialWS(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubscribeReceivesStats(t *testing.T) {
	srv, httpSrv := newTestDashboard(t)
	srv.SetStatsProvider(func() *StatsData {
		return &StatsData{StratumRunning: true, Clients: 5, Hashrate: 1234}
	})

	conn := dialWS(t, httpSrv)

	sub := SubscribeRequest{Channels: []string{"stats"}}
	subData, _ := json.Marshal(sub)
	if err := conn.WriteJSON(Message{Type: MsgTypeSubscribe, Data: subData}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == MsgTypeStats {
			break
		}
	}

	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if !stats.StratumRunning || stats.Clients != 5 || stats.Hashrate != 1234 {
		t.Errorf("stats = %+v, want matching provider output", stats)
	}
}

func TestUnsubscribedClientDoesNotReceiveBlocks(t *testing.T) {
	srv, httpSrv := newTestDashboard(t)
	conn := dialWS(t, httpSrv)

	// No subscription sent; a broadcast block should never reach us.
	// If the connection stays silent, shouldReceive correctly gated the
	// (non-existent) "blocks" subscription.
	srv.BroadcastBlock(&BlockData{Height: 1, Path: "hash"})
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var msg Message
	err := conn.ReadJSON(&msg)
	if err == nil {
		t.Fatalf("expected no message for unsubscribed client, got %+v", msg)
	}
}

func TestPingPong(t *testing.T) {
	_, httpSrv := newTestDashboard(t)
	conn := dialWS(t, httpSrv)

	if err := conn.WriteJSON(Message{Type: MsgTypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if msg.Type != MsgTypePong {
		t.Errorf("Type = %q, want pong", msg.Type)
	}
}
