package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lokabook/bookings-api/internal/common"
)

type fakeLedger struct {
	events []Event
	counts []StatusCount
	filter ListFilter
}

func (f *fakeLedger) List(_ context.Context, filter ListFilter) ([]Event, int64, error) {
	f.filter = filter
	return f.events, int64(len(f.events)), nil
}

func (f *fakeLedger) CountByStatus(context.Context) ([]StatusCount, error) {
	return f.counts, nil
}

type fakeReprocessor struct {
	result   Result
	err      error
	provider string
	eventID  string
}

func (f *fakeReprocessor) Reprocess(_ context.Context, providerName, eventID string) (Result, error) {
	f.provider = providerName
	f.eventID = eventID
	return f.result, f.err
}

func newAdminRouter(ledger Ledger, rep Reprocessor) *chi.Mux {
	h := &AdminHandler{Events: ledger, Reprocessor: rep, Logger: zerolog.Nop()}
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func TestAdminListPassesFilter(t *testing.T) {
	ledger := &fakeLedger{events: []Event{{
		ID:       uuid.New(),
		Provider: "midtrans",
		EventID:  "PAY-1:tx-1",
		Status:   StatusFailed,
		Attempts: 3,
	}}}
	router := newAdminRouter(ledger, &fakeReprocessor{})

	req := httptest.NewRequest(http.MethodGet, "/admin/webhook-events?status=failed&provider=midtrans&limit=10&offset=20", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, StatusFailed, ledger.filter.Status)
	require.Equal(t, "midtrans", ledger.filter.Provider)
	require.Equal(t, 10, ledger.filter.Limit)
	require.Equal(t, 20, ledger.filter.Offset)

	var resp struct {
		Items []eventView `json:"items"`
		Total int64       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "PAY-1:tx-1", resp.Items[0].EventID)
	require.EqualValues(t, 1, resp.Total)
}

func TestAdminListRejectsUnknownStatus(t *testing.T) {
	router := newAdminRouter(&fakeLedger{}, &fakeReprocessor{})

	req := httptest.NewRequest(http.MethodGet, "/admin/webhook-events?status=bogus", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminStatsAggregates(t *testing.T) {
	ledger := &fakeLedger{counts: []StatusCount{
		{Provider: "midtrans", Status: StatusCompleted, Count: 7},
		{Provider: "midtrans", Status: StatusFailed, Count: 2},
		{Provider: "xendit", Status: StatusCompleted, Count: 3},
	}}
	router := newAdminRouter(ledger, &fakeReprocessor{})

	req := httptest.NewRequest(http.MethodGet, "/admin/webhook-events/stats", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		ByStatus   map[string]int64            `json:"byStatus"`
		ByProvider map[string]map[string]int64 `json:"byProvider"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.EqualValues(t, 10, resp.ByStatus["completed"])
	require.EqualValues(t, 2, resp.ByStatus["failed"])
	require.EqualValues(t, 7, resp.ByProvider["midtrans"]["completed"])
	require.EqualValues(t, 3, resp.ByProvider["xendit"]["completed"])
}

func TestAdminReprocessSuccess(t *testing.T) {
	rep := &fakeReprocessor{result: Result{Outcome: OutcomeApplied}}
	router := newAdminRouter(&fakeLedger{}, rep)

	body := []byte(`{"provider":"midtrans","eventId":"PAY-1:tx-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/webhook-events/reprocess", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "midtrans", rep.provider)
	require.Equal(t, "PAY-1:tx-1", rep.eventID)

	var resp struct {
		Outcome Outcome `json:"outcome"`
		Status  Status  `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, OutcomeApplied, resp.Outcome)
	require.Equal(t, StatusCompleted, resp.Status)
}

func TestAdminReprocessValidation(t *testing.T) {
	router := newAdminRouter(&fakeLedger{}, &fakeReprocessor{})

	req := httptest.NewRequest(http.MethodPost, "/admin/webhook-events/reprocess", bytes.NewReader([]byte(`{"provider":"midtrans"}`)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestAdminReprocessConflict(t *testing.T) {
	rep := &fakeReprocessor{err: common.NewAppError("WEBHOOK_EVENT_COMPLETED", "event already processed successfully", http.StatusConflict, nil)}
	router := newAdminRouter(&fakeLedger{}, rep)

	body := []byte(`{"provider":"midtrans","eventId":"PAY-1:tx-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/webhook-events/reprocess", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)

	var resp struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "WEBHOOK_EVENT_COMPLETED", resp.Error.Code)
}

func TestAdminReprocessReportsTerminalOutcome(t *testing.T) {
	rep := &fakeReprocessor{result: Result{
		Outcome: OutcomeTerminal,
		Err:     ErrAmountMismatch,
		Event:   Event{LastAttemptAt: ptrTime(time.Now())},
	}}
	router := newAdminRouter(&fakeLedger{}, rep)

	body := []byte(`{"provider":"xendit","eventId":"PAY-2:tx-2"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/webhook-events/reprocess", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Outcome Outcome `json:"outcome"`
		Status  Status  `json:"status"`
		Error   *string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, OutcomeTerminal, resp.Outcome)
	require.Equal(t, StatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	require.Contains(t, *resp.Error, "amount")
}

func ptrTime(t time.Time) *time.Time { return &t }
