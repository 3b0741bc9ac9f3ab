package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/beekhof/calensync/internal/model"
	"github.com/beekhof/calensync/internal/outcome"
)

// Headers Google sets on push notifications.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderResourceID    = "X-Goog-Resource-ID"
)

// Enqueuer defers notifications to a background consumer.
type Enqueuer interface {
	EnqueueNotification(ctx context.Context, n Notification) error
}

// Handler serves the notification endpoint and a health check.
type Handler struct {
	controller *Controller
	queue      Enqueuer
	log        *slog.Logger
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithQueue makes the handler enqueue notifications instead of handling them
// inside the request.
func WithQueue(q Enqueuer) HandlerOption {
	return func(h *Handler) { h.queue = q }
}

func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

func NewHandler(controller *Controller, opts ...HandlerOption) *Handler {
	h := &Handler{controller: controller, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthz" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/webhook" && r.Method == http.MethodPost:
		h.handleNotification(w, r)
	case r.URL.Path == "/webhook":
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (h *Handler) handleNotification(w http.ResponseWriter, r *http.Request) {
	n := Notification{
		ChannelID:  r.Header.Get(HeaderChannelID),
		Token:      r.Header.Get(HeaderChannelToken),
		State:      r.Header.Get(HeaderResourceState),
		ResourceID: r.Header.Get(HeaderResourceID),
	}
	if err := n.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if h.queue != nil {
		if err := h.queue.EnqueueNotification(r.Context(), n); err != nil {
			h.log.Warn("failed to enqueue notification", "channel", n.ChannelID, "error", err)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
		return
	}

	h.writeOutcome(w, n, h.controller.Handle(r.Context(), n))
}

func (h *Handler) writeOutcome(w http.ResponseWriter, n Notification, o outcome.Outcome) {
	switch {
	case o.IsOK():
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(o.Err, ErrDebounced):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "debounced", o.Reason)
	case o.IsRetryable():
		h.log.Warn("notification will be retried", "channel", n.ChannelID, "outcome", o.String())
		writeError(w, http.StatusServiceUnavailable, "retry", o.Reason)
	case model.IsValidation(o.Err):
		writeError(w, http.StatusBadRequest, "bad_request", o.AsError().Error())
	default:
		h.log.Error("notification failed", "channel", n.ChannelID, "outcome", o.String())
		writeError(w, http.StatusInternalServerError, "internal_error", o.Reason)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
