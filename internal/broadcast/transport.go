// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Subscriber upgrades incoming HTTP connections to WebSocket and pumps
// Hub updates to them. It owns no business logic: an authoritative
// snapshot still comes from the Run Store, not from this transport.
type Subscriber struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewSubscriber creates a WebSocket transport in front of hub.
func NewSubscriber(hub *Hub, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		hub:    hub,
		logger: logger.With("component", "broadcast.subscriber"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams updates until the
// connection closes. Mount it at whatever path the API layer chooses.
func (s *Subscriber) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	go s.pump(conn)
}

func (s *Subscriber) pump(conn *websocket.Conn) {
	updates, unsubscribe := s.hub.Subscribe()
	defer func() {
		unsubscribe()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Discard anything the client sends; this is a publish-only channel.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			b, err := json.Marshal(u)
			if err != nil {
				s.logger.Error("marshal update failed", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Debug("write update failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
