package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lokabook/bookings-api/internal/common"
)

// Reprocessor runs one operator-initiated attempt against a ledgered event.
type Reprocessor interface {
	Reprocess(ctx context.Context, providerName, eventID string) (Result, error)
}

// Ledger is the read surface the admin endpoints need.
type Ledger interface {
	List(ctx context.Context, filter ListFilter) ([]Event, int64, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
}

// AdminHandler exposes the operator endpoints for the webhook ledger.
type AdminHandler struct {
	Events      Ledger
	Reprocessor Reprocessor
	Logger      zerolog.Logger
}

// Mount registers the admin routes. Callers wrap the router with operator
// authentication.
func (h *AdminHandler) Mount(r chi.Router) {
	r.Get("/admin/webhook-events", h.List)
	r.Get("/admin/webhook-events/stats", h.Stats)
	r.Post("/admin/webhook-events/reprocess", h.Reprocess)
}

type eventView struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	EventID       string     `json:"eventId"`
	EventType     string     `json:"eventType"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
}

func toEventView(ev Event) eventView {
	return eventView{
		ID:            ev.ID.String(),
		Provider:      ev.Provider,
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		Status:        ev.Status,
		Attempts:      ev.Attempts,
		ErrorMessage:  ev.ErrorMessage,
		NextRetryAt:   ev.NextRetryAt,
		LastAttemptAt: ev.LastAttemptAt,
		CreatedAt:     ev.CreatedAt,
		ProcessedAt:   ev.ProcessedAt,
	}
}

// List returns ledger rows, newest first, filtered by status and provider.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := common.Pagination(r, 50, 200)
	filter := ListFilter{
		Provider: r.URL.Query().Get("provider"),
		Status:   Status(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	}
	switch filter.Status {
	case "", StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
	default:
		common.JSONError(w, http.StatusBadRequest, "INVALID_STATUS", "unknown status filter", nil)
		return
	}

	items, total, err := h.Events.List(r.Context(), filter)
	if err != nil {
		h.Logger.Error().Err(err).Msg("listing webhook events failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not list webhook events", nil)
		return
	}
	views := make([]eventView, 0, len(items))
	for _, ev := range items {
		views = append(views, toEventView(ev))
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"items":  views,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Stats aggregates ledger rows per provider and status.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Events.CountByStatus(r.Context())
	if err != nil {
		h.Logger.Error().Err(err).Msg("webhook stats query failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not compute webhook stats", nil)
		return
	}

	byStatus := map[Status]int64{}
	providers := map[string]map[Status]int64{}
	for _, c := range counts {
		byStatus[c.Status] += c.Count
		if providers[c.Provider] == nil {
			providers[c.Provider] = map[Status]int64{}
		}
		providers[c.Provider][c.Status] += c.Count
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"byStatus":   byStatus,
		"byProvider": providers,
	})
}

type reprocessRequest struct {
	Provider string `json:"provider" validate:"required"`
	EventID  string `json:"eventId" validate:"required"`
}

// Reprocess runs one manual attempt against a failed or pending event.
func (h *AdminHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := common.DecodeAndValidate(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	operator, _ := common.OperatorID(r.Context())
	res, err := h.Reprocessor.Reprocess(r.Context(), req.Provider, req.EventID)
	if err != nil {
		h.Logger.Warn().Err(err).
			Str("operator_id", operator).
			Str("provider", req.Provider).
			Str("event_id", req.EventID).
			Msg("webhook reprocess rejected")
		writeAppError(w, err)
		return
	}

	h.Logger.Info().
		Str("operator_id", operator).
		Str("provider", req.Provider).
		Str("event_id", req.EventID).
		Str("outcome", string(res.Outcome)).
		Msg("webhook event reprocessed")

	var errMsg *string
	if res.Err != nil {
		msg := res.Err.Error()
		errMsg = &msg
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"provider": req.Provider,
		"eventId":  req.EventID,
		"outcome":  res.Outcome,
		"status":   statusAfter(res),
		"error":    errMsg,
	})
}

// statusAfter maps an attempt outcome to the ledger status it left behind.
func statusAfter(res Result) Status {
	switch res.Outcome {
	case OutcomeApplied:
		return StatusCompleted
	case OutcomeTerminal, OutcomeExhausted:
		return StatusFailed
	case OutcomeRetryScheduled, OutcomeDeferred:
		return StatusPending
	default:
		return res.Event.Status
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
