// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package telemetry

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebsocketSink broadcasts events as JSON text frames to every connected
// operational dashboard. A slow or disconnected client is dropped rather
// than allowed to back-pressure Emit, since telemetry must never become a
// correctness dependency for the caller reporting the event.
type WebsocketSink struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewWebsocketSink constructs an empty sink ready to accept connections via
// its ServeHTTP handler.
func NewWebsocketSink() *WebsocketSink {
	return &WebsocketSink{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// ServeHTTP upgrades the connection and registers it to receive future
// broadcasts until it disconnects or falls behind.
func (s *WebsocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	out := make(chan []byte, 64)

	s.mu.Lock()
	s.clients[conn] = out
	s.mu.Unlock()

	go func() {
		defer s.removeClient(conn)
		for msg := range out {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// drain and discard client-initiated frames so the read pump notices a
	// close frame and the connection cleans up promptly
	go func() {
		defer s.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *WebsocketSink) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	out, ok := s.clients[conn]
	if ok {
		delete(s.clients, conn)
		close(out)
	}
	s.mu.Unlock()
	conn.Close()
}

// Emit broadcasts e to every connected client. A client whose outbound
// buffer is full is dropped: a slow dashboard must never slow down the
// engine's own telemetry-reporting call sites.
func (s *WebsocketSink) Emit(e Event) {
	body, err := marshalFields(e)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, out := range s.clients {
		select {
		case out <- body:
		default:
			delete(s.clients, conn)
			close(out)
			conn.Close()
		}
	}
}
