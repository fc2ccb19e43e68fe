// Package webhook receives waiver submissions from the external waiver
// vendor and stores them for the membership facility. The vendor retries
// on non-2xx responses, so the handler only acknowledges after the row is
// durably written.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/effector"
)

// ServiceWaiver names the webhook service in logs and health responses.
const ServiceWaiver = "waiver-webhook"

// maxPayloadBytes caps inbound webhook bodies.
const maxPayloadBytes = 1 << 20

// WaiverStore persists received waiver payloads. Satisfied by routing.Store.
type WaiverStore interface {
	SaveWaiver(ctx context.Context, details json.RawMessage) (int64, error)
}

// Handler serves the waiver webhook endpoint.
type Handler struct {
	store WaiverStore
}

// NewHandler creates a webhook handler backed by the given store.
func NewHandler(store WaiverStore) *Handler {
	return &Handler{store: store}
}

// Routes mounts the webhook endpoints. The path is the one registered with
// the waiver vendor and cannot change without coordinating with them.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/receiveWillNotDieHereWaiver", h.receiveWaiver)
}

// NewServer builds the webhook HTTP server on the shared effector chassis.
func NewServer(store WaiverStore, port int) *effector.Server {
	h := NewHandler(store)
	return effector.NewServer(ServiceWaiver, port, h.Routes)
}

func (h *Handler) receiveWaiver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		effector.BadRequest(w, "failed to read request body")
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		logger.Error("rejecting malformed waiver payload", "bytes", len(body))
		effector.BadRequest(w, "request body must be a JSON document")
		return
	}

	id, err := h.store.SaveWaiver(r.Context(), body)
	if err != nil {
		// A 5xx makes the vendor retry, which is what we want when the
		// database is down.
		logger.Error("failed to store waiver", logger.KeyError, err)
		effector.InternalError(w, "failed to store waiver")
		return
	}

	logger.Info("stored waiver", "waiver_id", id, "bytes", len(body))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"stored": true,
		"id":     id,
	})
}
