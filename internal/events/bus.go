package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topic names a domain event kind.
type Topic string

const (
	TopicPaymentPaid   Topic = "payment.paid"
	TopicPaymentFailed Topic = "payment.failed"
)

// Event carries the facts notifiers need after a payment transition commits.
type Event struct {
	Topic         Topic
	BookingID     uuid.UUID
	BookingRef    string
	PaymentID     uuid.UUID
	PaymentNumber string
	Provider      string
	Amount        int64
	CustomerEmail string
	OccurredAt    time.Time
}

// Notifier delivers one event to one destination. Failures are logged by the
// bus and never propagated; delivery is best effort.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Bus fans domain events out to the registered notifiers. Publish is called
// only after the owning transaction has committed, so notifiers never observe
// state that later rolls back.
type Bus struct {
	notifiers []Notifier
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewBus constructs a Bus with a per-notifier delivery timeout.
func NewBus(logger zerolog.Logger, timeout time.Duration, notifiers ...Notifier) *Bus {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bus{notifiers: notifiers, logger: logger, timeout: timeout}
}

// Publish delivers the event to every notifier. It detaches from the caller's
// cancellation so an already-answered HTTP request does not cut delivery short.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, n := range b.notifiers {
		nctx, cancel := context.WithTimeout(base, b.timeout)
		if err := n.Notify(nctx, ev); err != nil {
			b.logger.Error().Err(err).
				Str("notifier", n.Name()).
				Str("topic", string(ev.Topic)).
				Str("booking_ref", ev.BookingRef).
				Msg("event delivery failed")
		}
		cancel()
	}
}
