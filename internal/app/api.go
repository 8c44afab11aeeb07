package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/pkg/device"
)

var errUnknownChannel = errors.New("unknown channel")

// Handler returns the HTTP control surface:
//
//	GET  /channels                 every channel with state and buffer depth
//	GET  /channels/{name}          one channel
//	POST /channels/{name}/start    start (the whole group when grouped)
//	POST /channels/{name}/stop     stop immediately
//	POST /channels/{name}/pause    toggle pause (capture only)
//	PUT  /channels/{name}/group    join {"group": "..."}; empty leaves
//	GET  /groups                   sync groups and members
//	POST /registry/persist         write group membership to the registry
//	GET  /events                   websocket event feed (?channel= filters)
//	GET  /metrics                  Prometheus metrics
//	GET  /healthz, /readyz         liveness and readiness
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /channels", a.handleList)
	mux.HandleFunc("GET /channels/{name}", a.handleGet)
	mux.HandleFunc("POST /channels/{name}/start", a.handleControl(a.Start))
	mux.HandleFunc("POST /channels/{name}/stop", a.handleControl(a.Stop))
	mux.HandleFunc("POST /channels/{name}/pause", a.handleControl(a.Pause))
	mux.HandleFunc("PUT /channels/{name}/group", a.handleGroup)
	mux.HandleFunc("GET /groups", a.handleGroups)
	mux.HandleFunc("POST /registry/persist", a.handlePersist)
	mux.Handle("GET /events", a.hub)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Channels())
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ch, ok := a.channels[name]
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	group, _ := a.groups.GroupOf(name)
	writeJSON(w, http.StatusOK, ch.Info(group))
}

// handleControl adapts a channel operation to a POST handler that answers
// with the channel's new state.
func (a *App) handleControl(op func(ctx context.Context, name string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := op(r.Context(), name); err != nil {
			observe.Logger(r.Context()).Warn("channel operation failed", "channel", name, "path", r.URL.Path, "err", err)
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		ch := a.channels[name]
		group, _ := a.groups.GroupOf(name)
		writeJSON(w, http.StatusOK, ch.Info(group))
	}
}

// groupRequest is the JSON body for the group endpoint.
type groupRequest struct {
	Group string `json:"group"`
}

func (a *App) handleGroup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.SetGroup(name, req.Group); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, a.Groups())
}

func (a *App) handleGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Groups())
}

func (a *App) handlePersist(w http.ResponseWriter, r *http.Request) {
	if err := a.Persist(r.Context()); err != nil {
		observe.Logger(r.Context()).Error("failed to persist sync groups", "err", err)
		http.Error(w, "persist: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusOf maps the control error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, channel.ErrAlreadyRunning),
		errors.Is(err, channel.ErrAlreadyStopped),
		errors.Is(err, channel.ErrNotRunning),
		errors.Is(err, channel.ErrAccessDenied),
		errors.Is(err, channel.ErrNotLocked):
		return http.StatusConflict
	case errors.Is(err, channel.ErrNotEnabled),
		errors.Is(err, channel.ErrInvalidArgument),
		errors.Is(err, channel.ErrInvalidMode),
		errors.Is(err, channel.ErrInvalidFormat),
		errors.Is(err, channel.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, channel.ErrClosed),
		errors.Is(err, device.ErrRemoved),
		errors.Is(err, device.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
