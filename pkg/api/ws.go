package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/go-chi/chi/v5"

	"github.com/sissississi-013/parrot/pkg/logging"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

const wsWriteTimeout = 10 * time.Second

// handleSessionEvents streams a session's events over a WebSocket. The
// subscriber first receives the retained buffer, then live events in publish
// order, and finally the closed sentinel before the socket shuts down.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.reg.Get(id); err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn(logging.CategoryServer, "ws_accept_failed", id, map[string]any{"error": err.Error()})
		return
	}

	sub := s.mux.Subscribe(id)
	defer sub.Close()

	// Write-only socket: CloseRead keeps the connection's control frames
	// serviced and cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			if ev.Kind == workflow.EventClosed {
				conn.Close(websocket.StatusNormalClosure, "session terminal")
				return
			}
		}
	}
}
