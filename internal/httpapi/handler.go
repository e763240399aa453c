// Package httpapi serves call snapshots, event submission and a websocket
// notification feed for local tooling.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/calls"
	"github.com/dense-identity/callctl/internal/delegate"
	"github.com/dense-identity/callctl/internal/event"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// local tooling only
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Core is the part of the call manager the HTTP surface drives.
type Core interface {
	Submit(p event.Payload)
	Snapshot(ctx context.Context) ([]calls.Summary, error)
	Stats() (queued int, executed, panicked uint64)
}

type Handler struct {
	Core Core
	Feed *delegate.Broadcaster
	Log  *logrus.Entry
}

func NewHandler(core Core, feed *delegate.Broadcaster, log *logrus.Entry) *Handler {
	return &Handler{Core: core, Feed: feed, Log: log}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/calls", h.listCalls)
	r.Post("/events", h.submit)
	r.Get("/ws", h.ServeWS)
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	queued, executed, panicked := h.Core.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"queued":   queued,
		"executed": executed,
		"panicked": panicked,
	})
}

func (h *Handler) listCalls(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	list, err := h.Core.Snapshot(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []calls.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var doc map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	p, err := event.FromMap(doc)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.Core.Submit(p)
	w.WriteHeader(http.StatusAccepted)
}

// ServeWS pushes every notification to the client as a JSON text frame
// until either side goes away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Errorf("error while upgrading ws: %v", err)
		return
	}
	defer conn.Close()

	sub := h.Feed.Subscribe()
	defer h.Feed.Unsubscribe(sub)

	l := h.Log.WithField("remote", r.RemoteAddr)
	l.Info("notification client connected")
	defer l.Info("notification client disconnected")

	// reads only detect the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					l.Warnf("unexpected close: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				l.Warnf("write failed: %v", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
