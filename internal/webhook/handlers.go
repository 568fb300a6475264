package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lokabook/bookings-api/internal/common"
	"github.com/lokabook/bookings-api/internal/gateway"
	"github.com/lokabook/bookings-api/internal/obs"
)

// Ingestor ledgers a verified notification and runs the first attempt.
type Ingestor interface {
	Ingest(ctx context.Context, providerName string, note gateway.Notification, raw []byte) (Result, error)
}

// Handler receives gateway callbacks. Verification happens before any state
// is touched; only verified notifications reach the ledger.
type Handler struct {
	Providers *gateway.Registry
	Ingestor  Ingestor
	Logger    zerolog.Logger
}

// Mount registers the callback routes. Robokassa delivers its result URL as
// a GET with signed query parameters, the JSON gateways POST a body.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/{provider}", h.Receive)
	r.Get("/webhooks/{provider}", h.Receive)
}

// Receive handles one callback delivery. Error statuses are only returned
// when no ledger row exists for the delivery, so the gateway keeps retrying
// exactly until the event is durably recorded.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	prov, ok := h.Providers.Lookup(name)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "unknown payment provider", nil)
		return
	}
	name = prov.Name()

	raw, err := h.rawPayload(r)
	if err != nil {
		obs.WebhookInboundTotal.WithLabelValues(name, "malformed").Inc()
		common.JSONError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "request payload could not be read", nil)
		return
	}

	note, err := prov.Verify(raw)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrIgnorableStatus):
		// Non-terminal gateway state. Acknowledge without ledgering so the
		// eventual terminal notification is not treated as a duplicate.
		obs.WebhookInboundTotal.WithLabelValues(name, "ignored").Inc()
		writeAck(w, name, note)
		return
	case errors.Is(err, gateway.ErrInvalidSignature):
		// Rejected payloads are logged by digest only; the raw bytes may
		// carry forged or sensitive fields.
		obs.WebhookInboundTotal.WithLabelValues(name, "invalid_signature").Inc()
		h.Logger.Warn().
			Str("provider", name).
			Str("remote", r.RemoteAddr).
			Str("payload_sha256", common.Sha256Hex(raw)).
			Msg("webhook signature rejected")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	default:
		obs.WebhookInboundTotal.WithLabelValues(name, "malformed").Inc()
		h.Logger.Warn().
			Str("provider", name).
			Str("remote", r.RemoteAddr).
			Str("payload_sha256", common.Sha256Hex(raw)).
			Msg("webhook payload rejected")
		common.JSONError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "payload verification failed", nil)
		return
	}

	res, err := h.Ingestor.Ingest(r.Context(), name, note, raw)
	if err != nil {
		// No ledger row was written. A 5xx tells the gateway to redeliver.
		obs.WebhookInboundTotal.WithLabelValues(name, "error").Inc()
		h.Logger.Error().Err(err).Str("provider", name).Str("order_ref", note.OrderRef).Msg("webhook ingest failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_NOT_RECORDED", "notification could not be recorded", nil)
		return
	}

	h.Logger.Info().
		Str("provider", name).
		Str("event_id", note.EventID()).
		Str("outcome", string(res.Outcome)).
		Msg("webhook processed")
	writeAck(w, name, note)
}

func (h *Handler) rawPayload(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet {
		return []byte(r.URL.RawQuery), nil
	}
	return io.ReadAll(r.Body)
}

// writeAck answers in the format each gateway expects. Robokassa requires a
// plain text OK<InvId> echo; the JSON gateways accept any 200.
func writeAck(w http.ResponseWriter, providerName string, note gateway.Notification) {
	if providerName == "robokassa" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK" + note.TransactionID))
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
