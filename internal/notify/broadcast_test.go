package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lokabook/bookings-api/internal/common"
	"github.com/lokabook/bookings-api/internal/events"
)

func paidEvent() events.Event {
	return events.Event{
		Topic:         events.TopicPaymentPaid,
		BookingID:     uuid.New(),
		BookingRef:    "BK-1001",
		PaymentID:     uuid.New(),
		PaymentNumber: "PAY-1001",
		Provider:      "midtrans",
		Amount:        150000,
		CustomerEmail: "guest@example.com",
		OccurredAt:    time.Now(),
	}
}

func TestRoomBroadcasterSignsDelivery(t *testing.T) {
	var gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotTS = r.Header.Get("X-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := RoomBroadcaster{URL: srv.URL, Secret: "room-secret"}
	ev := paidEvent()
	require.NoError(t, b.Notify(context.Background(), ev))

	ts, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	require.Equal(t, ComputeSignature("room-secret", ts, ev.PaymentNumber, gotBody), gotSig)

	var payload struct {
		Room string `json:"room"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "BK-1001", payload.Room)
	require.Equal(t, "payment.paid", payload.Type)
}

func TestRoomBroadcasterReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := RoomBroadcaster{URL: srv.URL, Secret: "room-secret"}
	err := b.Notify(context.Background(), paidEvent())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestRoomBroadcasterNoopWithoutURL(t *testing.T) {
	b := RoomBroadcaster{}
	require.NoError(t, b.Notify(context.Background(), paidEvent()))
}

func TestEmailNotifierRendersOutcome(t *testing.T) {
	sender := &common.InMemoryEmail{}
	n := EmailNotifier{Sender: sender}

	require.NoError(t, n.Notify(context.Background(), paidEvent()))
	require.Len(t, sender.Outbox, 1)
	require.Equal(t, "guest@example.com", sender.Outbox[0].To)
	require.Contains(t, sender.Outbox[0].Subject, "Payment received")
	require.Contains(t, sender.Outbox[0].HTML, "BK-1001")

	failed := paidEvent()
	failed.Topic = events.TopicPaymentFailed
	require.NoError(t, n.Notify(context.Background(), failed))
	require.Len(t, sender.Outbox, 2)
	require.Contains(t, sender.Outbox[1].Subject, "Payment failed")
}

func TestEmailNotifierSkipsMissingAddress(t *testing.T) {
	sender := &common.InMemoryEmail{}
	ev := paidEvent()
	ev.CustomerEmail = ""
	require.NoError(t, EmailNotifier{Sender: sender}.Notify(context.Background(), ev))
	require.Empty(t, sender.Outbox)
}
