package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/lanecount/internal/lane"
	"github.com/banshee-data/lanecount/internal/monitoring"
)

var wsLogf = monitoring.Tagged("ws")

const (
	wsWriteWait    = 10 * time.Second
	wsMaxCmdLength = 512
)

type wsCommand struct {
	Cmd string `json:"cmd"`
}

type wsState struct {
	Cmd string `json:"cmd"`
	lane.Snapshot
}

type wsPong struct {
	Cmd string `json:"cmd"`
	TS  int64  `json:"ts"`
}

type wsError struct {
	Cmd   string `json:"cmd"`
	Error string `json:"error"`
}

// streamSnapshots sends every broadcast snapshot as a server-sent event.
func (s *Server) streamSnapshots(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, snaps := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	keepAlive := time.NewTicker(s.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				monitoring.Logf("[sse] marshal snapshot: %v", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// serveWebSocket pushes snapshots to the client and accepts reset and ping
// commands. Only this goroutine writes to the connection.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsLogf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	id, snaps := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)
	wsLogf("client %s connected (%d observers)", r.RemoteAddr, s.hub.Subscribers())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan any, 4)
	go s.readCommands(ctx, cancel, conn, out)

	for {
		var msg any
		select {
		case <-ctx.Done():
			wsLogf("client %s disconnected", r.RemoteAddr)
			return
		case snap, ok := <-snaps:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			msg = wsState{Cmd: "state", Snapshot: snap}
		case msg = <-out:
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			wsLogf("write to %s failed: %v", r.RemoteAddr, err)
			return
		}
	}
}

func (s *Server) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- any) {
	defer cancel()
	conn.SetReadLimit(wsMaxCmdLength)

	reply := func(m any) {
		select {
		case out <- m:
		case <-ctx.Done():
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLogf("read failed: %v", err)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply(wsError{Cmd: "error", Error: "malformed command"})
			continue
		}
		switch cmd.Cmd {
		case "reset":
			// The new state reaches every observer through the hub.
			s.counter.Reset(ctx, "ws")
		case "ping":
			reply(wsPong{Cmd: "pong", TS: s.counter.Uptime().Milliseconds()})
		default:
			reply(wsError{Cmd: "error", Error: fmt.Sprintf("unknown command %q", cmd.Cmd)})
		}
	}
}
