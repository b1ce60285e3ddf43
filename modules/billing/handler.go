package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/greengo/membership/pkg/membership"
)

// maxWebhookBody bounds webhook payload size. App Store signed payloads run
// a few KB; anything near the limit is garbage.
const maxWebhookBody = 1 << 20

// EventProcessor is the membership service surface the HTTP module drives.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev membership.BillingEvent) error
	VerifyPurchase(ctx context.Context, req membership.VerifyPurchaseRequest) error
	Grant(ctx context.Context, userID uuid.UUID, tier membership.Tier, durationDays int) error
}

// Archiver stores raw webhook payloads before processing. Archival is best
// effort; a failed write never blocks event processing.
type Archiver interface {
	Archive(ctx context.Context, platform membership.Platform, eventID string, payload []byte) error
}

// Handler serves the billing webhook and admin endpoints.
type Handler struct {
	service  EventProcessor
	archiver Archiver
	log      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithArchiver enables raw payload archival.
func WithArchiver(a Archiver) HandlerOption {
	return func(h *Handler) {
		h.archiver = a
	}
}

// WithLogger sets the handler logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// NewHandler creates the billing HTTP handler. Panics if service is nil.
func NewHandler(service EventProcessor, opts ...HandlerOption) *Handler {
	if service == nil {
		panic("billing: EventProcessor is required")
	}
	h := &Handler{
		service: service,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Webhook returns the handler for one platform's webhook endpoint. The
// platform expects 2xx to stop redelivering: malformed payloads get 400,
// transient failures get 503 so the platform retries, and everything else
// is acknowledged with 200 even when the event applied no transition.
func (h *Handler) Webhook(normalizer membership.Normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
			return
		}

		ev, err := normalizer.Normalize(body)
		if err != nil {
			h.log.WarnContext(r.Context(), "malformed webhook payload",
				slog.String("platform", string(normalizer.Platform())),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed payload"})
			return
		}

		if h.archiver != nil {
			if err := h.archiver.Archive(r.Context(), ev.Platform, ev.ID, body); err != nil {
				h.log.ErrorContext(r.Context(), "webhook archive failed",
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()))
			}
		}

		if err := h.service.ProcessEvent(r.Context(), ev); err != nil {
			h.respondProcessError(w, r, ev, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "processed"})
	}
}

func (h *Handler) respondProcessError(w http.ResponseWriter, r *http.Request, ev membership.BillingEvent, err error) {
	switch {
	case errors.Is(err, membership.ErrMalformedPayload):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed payload"})

	case membership.Retryable(err):
		h.log.WarnContext(r.Context(), "webhook processing failed, requesting redelivery",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})

	case errors.Is(err, membership.ErrSubscriptionNotFound),
		errors.Is(err, membership.ErrPurchaserUnknown),
		errors.Is(err, membership.ErrExternalRefBound),
		errors.Is(err, membership.ErrUnknownProduct):
		// Logged anomalies: redelivery cannot fix these, so acknowledge.
		writeJSON(w, http.StatusOK, statusResponse{Status: "acknowledged"})

	default:
		h.log.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
	}
}

type verifyPurchaseRequest struct {
	UserID        uuid.UUID `json:"user_id"`
	Platform      string    `json:"platform"`
	ProductID     string    `json:"product_id"`
	ExternalRef   string    `json:"external_ref"`
	TransactionAt time.Time `json:"transaction_at"`
}

// VerifyPurchase records a store purchase reported by an authenticated
// client, creating the subscription before the platform webhook arrives.
func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	var req verifyPurchaseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	err := h.service.VerifyPurchase(r.Context(), membership.VerifyPurchaseRequest{
		UserID:        req.UserID,
		Platform:      membership.Platform(req.Platform),
		ProductID:     req.ProductID,
		ExternalRef:   req.ExternalRef,
		TransactionAt: req.TransactionAt,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, statusResponse{Status: "verified"})
	case errors.Is(err, membership.ErrMalformedPayload):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
	case errors.Is(err, membership.ErrUnknownProduct):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown product"})
	case errors.Is(err, membership.ErrExternalRefBound):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "purchase token belongs to another account"})
	case membership.Retryable(err):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
	default:
		h.log.ErrorContext(r.Context(), "purchase verification failed",
			slog.String("external_ref", req.ExternalRef),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

type grantRequest struct {
	UserID       uuid.UUID `json:"user_id"`
	Tier         string    `json:"tier"`
	DurationDays int       `json:"duration_days"`
}

// Grant issues a membership by admin override.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	err := h.service.Grant(r.Context(), req.UserID, membership.Tier(req.Tier), req.DurationDays)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, statusResponse{Status: "granted"})
	case errors.Is(err, membership.ErrMalformedPayload),
		errors.Is(err, membership.ErrInvalidTier),
		errors.Is(err, membership.ErrInvalidDuration):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case membership.Retryable(err):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
	default:
		h.log.ErrorContext(r.Context(), "admin grant failed",
			slog.String("user_id", req.UserID.String()),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
