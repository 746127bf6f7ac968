package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// upgrade switches r to a websocket and starts the read pump that answers
// pings and notices the client going away. The returned channel is closed
// when the client disconnects.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, <-chan struct{}, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("httpapi: websocket upgrade failed", "error", err)
		return nil, nil, false
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return conn, gone, true
}

// handleStatusStream pushes the current status and then every transition
// as JSON text messages.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, gone, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()

	events, unsubscribe := s.relay.Subscribe("ws")
	defer unsubscribe()

	remote := r.RemoteAddr
	slog.Debug("httpapi: status stream opened", "remote", remote)
	defer slog.Debug("httpapi: status stream closed", "remote", remote)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(s.relay.State().Message()); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			closeMessage(conn)
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case st, ok := <-events:
			if !ok {
				closeMessage(conn)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st.Message()); err != nil {
				return
			}
		}
	}
}

// handlePreviewStream sends each new preview frame as a msgpack binary
// message.
func (s *Server) handlePreviewStream(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "preview disabled"})
		return
	}

	conn, gone, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var sent uint64
	for {
		frame, changed := s.preview.Latest()
		if frame != nil && frame.Seq != sent {
			payload, err := msgpack.Marshal(frame)
			if err != nil {
				slog.Error("httpapi: failed to encode preview frame", "error", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
			sent = frame.Seq
		}

		select {
		case <-s.done:
			closeMessage(conn)
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-changed:
		}
	}
}

func closeMessage(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
