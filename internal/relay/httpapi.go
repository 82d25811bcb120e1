package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Routes serves the hub's diagnostics surface: health, a session listing,
// and a websocket feed of session lifecycle events. Read-only; the wire
// protocol itself stays on the raw TCP listener.
func Routes(h *Hub, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/sessions", listSessions(h))
	r.Get("/ws", observe(h, log))
	return r
}

func listSessions(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []SessionView, 1)
		h.Inbox() <- GetSessions{Reply: reply}

		select {
		case views := <-reply:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(views)
		case <-r.Context().Done():
		}
	}
}

func observe(h *Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan Event, 16)
		obsID := uuid.NewString()
		h.Inbox() <- Subscribe{ID: obsID, Outbox: out}
		defer func() { h.Inbox() <- Unsubscribe{ID: obsID} }()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for ev := range out {
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				err = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
		}()

		// The feed is one-way; reading only notices the client going away.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				log.Debug("observer read ended", zap.Error(err))
				return
			}
		}
	}
}
