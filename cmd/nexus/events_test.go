package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nexus/pkg/gate"
	"nexus/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestStreamEventsForwardsVerdicts(t *testing.T) {
	s := newTestServer(t, anomalousModel(-0.4), nil)
	srv := httptest.NewServer(http.HandlerFunc(s.streamEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready event: %v", err)
	}
	var status map[string]string
	if ready.Type != stream.EventReady || json.Unmarshal(ready.Data, &status) != nil {
		t.Fatalf("unexpected ready payload: %#v", ready)
	}
	if status["sentinel"] != sentinelActive || status["router"] != routerDisabled {
		t.Fatalf("unexpected ready status: %v", status)
	}

	rr := do(t, s.Routes(), http.MethodPost, "/api/security/validate", `{"ip":"198.51.100.7","latency":40}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("validate: %d %s", rr.Code, rr.Body.String())
	}

	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read verdict event: %v", err)
	}
	if evt.Type != stream.EventVerdict || evt.Seq == 0 {
		t.Fatalf("expected sequenced %s, got %+v", stream.EventVerdict, evt)
	}
	var d gate.Decision
	if err := json.Unmarshal(evt.Data, &d); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if d.ClientID != "198.51.100.7" || !d.Verdict.Anomalous || d.Source != "validate" {
		t.Fatalf("unexpected decision: %+v", d)
	}

	// Closing the socket releases the subscription.
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(2 * time.Second)
	for s.Events.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after client close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamEventsRejectsForeignOrigin(t *testing.T) {
	s := newTestServer(t, nil, nil, func(s *Server) {
		s.WSOriginPatterns = []string{"console.example.com"}
	})
	srv := httptest.NewServer(http.HandlerFunc(s.streamEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.net"}},
	})
	if err == nil {
		t.Fatal("expected dial from a foreign origin to fail")
	}
}

func TestStreamEventsWithoutHub(t *testing.T) {
	s := &Server{}
	rr := httptest.NewRecorder()
	s.streamEvents(rr, httptest.NewRequest(http.MethodGet, "/api/security/events", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
