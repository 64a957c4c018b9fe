package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nexus/pkg/httpx"
	"nexus/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	eventBuffer    = 64
	eventWriteWait = 5 * time.Second
	eventPingEvery = 30 * time.Second
)

// streamEvents pushes anomalous gate verdicts to a websocket client until
// either side goes away. The client never sends data; anything it does send
// ends the stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.WSOriginPatterns})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	sub := s.Events.Subscribe(eventBuffer)
	defer sub.Close()
	ctx := conn.CloseRead(r.Context())

	send := func(evt stream.Event) error {
		wctx, cancel := context.WithTimeout(ctx, eventWriteWait)
		defer cancel()
		return wsjson.Write(wctx, conn, evt)
	}
	ready := stream.NewEvent(stream.EventReady, map[string]string{
		"sentinel": s.sentinelStatus(),
		"router":   s.routerStatus(),
	})
	if err := send(ready); err != nil {
		return
	}

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteWait)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := send(evt); err != nil {
				if !errors.Is(err, context.Canceled) {
					_ = conn.Close(websocket.StatusInternalError, "write failed")
				}
				return
			}
		}
	}
}
