package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	name  string
	err   error
	calls []Event
}

func (n *recordingNotifier) Name() string { return n.name }

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.calls = append(n.calls, ev)
	return n.err
}

func TestPublishFansOutToAllNotifiers(t *testing.T) {
	first := &recordingNotifier{name: "first"}
	second := &recordingNotifier{name: "second"}
	bus := NewBus(zerolog.Nop(), time.Second, first, second)

	bus.Publish(context.Background(), Event{Topic: TopicPaymentPaid, BookingRef: "BK-1"})

	require.Len(t, first.calls, 1)
	require.Len(t, second.calls, 1)
	require.Equal(t, TopicPaymentPaid, first.calls[0].Topic)
}

func TestPublishContinuesPastFailingNotifier(t *testing.T) {
	failing := &recordingNotifier{name: "failing", err: errors.New("chat service down")}
	healthy := &recordingNotifier{name: "healthy"}
	bus := NewBus(zerolog.Nop(), time.Second, failing, healthy)

	bus.Publish(context.Background(), Event{Topic: TopicPaymentFailed, BookingRef: "BK-2"})

	require.Len(t, failing.calls, 1)
	require.Len(t, healthy.calls, 1)
}

func TestPublishSurvivesCancelledCaller(t *testing.T) {
	n := &recordingNotifier{name: "late"}
	bus := NewBus(zerolog.Nop(), time.Second, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, Event{Topic: TopicPaymentPaid})

	require.Len(t, n.calls, 1)
}

func TestNilBusPublishIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(context.Background(), Event{Topic: TopicPaymentPaid})
}
