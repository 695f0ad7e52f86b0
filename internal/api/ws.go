package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/tracehub"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTrace upgrades the connection and streams tracehub.Events for one
// query_id until the repair loop reaches a terminal stage or the client
// disconnects (spec §6's `GET /v1/trace/{query_id}`). The route accepts any
// query_id: the pipeline publishes stage events for every request, and the
// request body's `trace` field is decoded but not consulted.
func (a *API) handleTrace(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")
	if queryID == "" {
		http.Error(w, "missing query_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	cl := &tracehub.Client{Send: func(ev tracehub.Event) error {
		err := conn.WriteJSON(ev)
		if ev.Terminal {
			select {
			case <-done:
			default:
				close(done)
			}
		}
		return err
	}}

	a.hub.Subscribe(queryID, cl)
	defer a.hub.Unsubscribe(queryID, cl)

	// Drain client reads (pings/close frames) in the background so the
	// connection's read deadline is serviced while we wait on done.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-done:
	case err := <-readErr:
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			a.logger.Info("trace ws closed", zap.String("query_id", queryID), zap.Int("code", ce.Code))
		} else {
			a.logger.Debug("trace ws read ended", zap.String("query_id", queryID), zap.Error(err))
		}
	}
}
