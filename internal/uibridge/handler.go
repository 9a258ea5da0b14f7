package uibridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"teller/internal/platform/middleware"
	"teller/internal/session"
)

const heartbeatInterval = 15 * time.Second

// Controller is the slice of the session controller the bridge needs.
type Controller interface {
	SubmitUI(button string, data map[string]string)
	State() session.State
}

// Handler is the thin HTTP layer over the controller and the hub.
type Handler struct {
	ctrl   Controller
	hub    *Hub
	logger *slog.Logger
}

func NewHandler(ctrl Controller, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		ctrl:   ctrl,
		hub:    hub,
		logger: logger.With("component", "uibridge"),
	}
}

// NewRouter wires the bridge endpoints with middleware.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.ContentTypeJSON)

	r.Post("/api/v1/message", h.handleMessage)
	r.Get("/api/v1/events", h.handleEvents)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type messageRequest struct {
	Button string            `json:"button"`
	Data   map[string]string `json:"data,omitempty"`
}

// handleMessage accepts one button press from the renderer. Delivery is
// asynchronous: the controller decides on its own goroutine, and the
// outcome arrives through the event stream.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid_request", "malformed message body", http.StatusBadRequest)
		return
	}
	if req.Button == "" {
		writeJSONError(w, "invalid_request", "button is required", http.StatusBadRequest)
		return
	}

	h.ctrl.SubmitUI(req.Button, req.Data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// handleEvents streams controller broadcasts as server-sent events until
// the renderer disconnects.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, "streaming_unsupported", "response writer cannot stream", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.hub.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case b := <-events:
			payload, err := json.Marshal(b)
			if err != nil {
				h.logger.Error("marshalling broadcast failed", "err", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  string(h.ctrl.State()),
	})
}

func writeJSONError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
