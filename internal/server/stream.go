package server

import (
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"taskgraph/internal/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// registerStream relays committed events to websocket clients. Query parameters
// project_id and type (comma separated) narrow the feed.
func registerStream(r chi.Router, basePath string, bus *events.Bus, logger *log.Logger) {
	r.Get(path.Join(basePath, "events/stream"), func(w http.ResponseWriter, req *http.Request) {
		if bus == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "", "event stream unavailable", nil))
			return
		}
		filter := events.Filter{ProjectID: strings.TrimSpace(req.URL.Query().Get("project_id"))}
		for _, t := range strings.Split(req.URL.Query().Get("type"), ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, t)
			}
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Printf("stream: upgrade: %v", err)
			return
		}
		defer conn.Close()

		sub := bus.Subscribe(filter)
		defer bus.Unsubscribe(sub)

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(streamPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case <-req.Context().Done():
				return
			case evt, ok := <-sub:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
					return
				}
				if err := conn.WriteJSON(eventResponse(evt)); err != nil {
					logger.Printf("stream: write: %v", err)
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
