package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/location"
	"offlinenav/pkg/model"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = 25 * time.Second
	watchBuffer     = 8
)

// LocationService is the subset of location.Service the API needs.
type LocationService interface {
	Current(ctx context.Context) (model.Location, error)
	Last() (model.Location, bool)
	Update(ctx context.Context, fix model.Position) (model.Location, error)
}

// Watcher streams location updates. location.Service satisfies it.
type Watcher interface {
	Watch(fn func(model.Location)) *location.Subscription
}

// LocationHandler reads and updates the device location.
type LocationHandler struct {
	svc      LocationService
	watcher  Watcher
	upgrader websocket.Upgrader
}

// NewLocationHandler creates a new location handler. Streaming is available
// when svc also implements Watcher.
func NewLocationHandler(svc LocationService) *LocationHandler {
	h := &LocationHandler{
		svc:      svc,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	if w, ok := svc.(Watcher); ok {
		h.watcher = w
	}
	return h
}

// HandleGet handles GET /api/location. cached=true returns the last known
// location without acquiring a new one.
func (h *LocationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if boolParam(r, "cached") {
		loc, ok := h.svc.Last()
		if !ok {
			writeError(w, r, fmt.Errorf("%w: no location yet", errs.ErrNoResult))
			return
		}
		writeJSON(w, http.StatusOK, loc)
		return
	}
	loc, err := h.svc.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// HandlePost handles POST /api/location with a model.Position body.
func (h *LocationHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	var fix model.Position
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&fix); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed body: %v", errs.ErrInvalid, err))
		return
	}
	loc, err := h.svc.Update(r.Context(), fix)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// HandleWatch handles GET /api/location/watch: a websocket that receives the
// last known location, then every update as JSON. The watch is stopped when
// the client goes away. Updates are dropped for a client that cannot keep up.
func (h *LocationHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	if h.watcher == nil {
		writeError(w, r, fmt.Errorf("%w: location streaming", errs.ErrUnsupported))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		slog.Debug("Location watch upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates := make(chan model.Location, watchBuffer)
	push := func(loc model.Location) {
		select {
		case updates <- loc:
		default:
		}
	}
	if loc, ok := h.svc.Last(); ok {
		push(loc)
	}
	sub := h.watcher.Watch(push)
	defer sub.Stop()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(watchPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case loc := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(loc); err != nil {
				slog.Debug("Location watch write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		}
	}
}
