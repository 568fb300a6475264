package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lokabook/bookings-api/internal/booking"
	"github.com/lokabook/bookings-api/internal/common"
	"github.com/lokabook/bookings-api/internal/events"
	"github.com/lokabook/bookings-api/internal/gateway"
	"github.com/lokabook/bookings-api/internal/obs"
)

// Business failure classes. Both are terminal: the event is ledgered as
// failed and only an operator can trigger another attempt.
var (
	ErrUnknownReference = errors.New("webhook: no payment matches reference")
	ErrAmountMismatch   = errors.New("webhook: notified amount differs from payment amount")
	ErrStateConflict    = errors.New("webhook: notification contradicts settled payment state")
)

// Outcome classifies what one delivery or attempt did.
type Outcome string

const (
	// OutcomeApplied means side effects were committed in this attempt.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event was already ledgered; nothing ran.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeTerminal means a non-retryable failure was recorded.
	OutcomeTerminal Outcome = "terminal_failure"
	// OutcomeRetryScheduled means a transient failure queued another attempt.
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	// OutcomeExhausted means a transient failure spent the last attempt.
	OutcomeExhausted Outcome = "retries_exhausted"
	// OutcomeDeferred means the attempt could not record its own result; the
	// event stays claimable and the sweeper will pick it up.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped means another worker holds the event.
	OutcomeSkipped Outcome = "skipped"
)

// Result reports what processing an event did.
type Result struct {
	Event   Event
	Outcome Outcome
	Err     error
}

// TxBeginner opens database transactions; *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Processor drives the full lifecycle of a ledgered webhook event: claim,
// verify, apply the payment and booking transition in one transaction, and
// record the outcome. All paths leave the ledger row in a state the sweeper
// or an operator can act on.
type Processor struct {
	DB        TxBeginner
	Events    *Store
	Payments  *booking.Store
	Providers *gateway.Registry
	Policy    RetryPolicy
	LeaseTTL  time.Duration
	Timeout   time.Duration
	Bus       *events.Bus
	Logger    zerolog.Logger
}

// Ingest ledgers a freshly verified notification and, when this delivery is
// the first for its (provider, eventId) key, runs one processing attempt
// inline. Duplicates are acknowledged without re-running side effects.
func (p *Processor) Ingest(ctx context.Context, providerName string, note gateway.Notification, raw []byte) (Result, error) {
	ev, isNew, err := p.Events.RecordOrGet(ctx, providerName, note.EventID(), note.EventType(), raw)
	if err != nil {
		return Result{}, fmt.Errorf("record webhook event: %w", err)
	}
	if !isNew {
		obs.WebhookInboundTotal.WithLabelValues(providerName, "duplicate").Inc()
		return Result{Event: ev, Outcome: OutcomeDuplicate}, nil
	}
	obs.WebhookInboundTotal.WithLabelValues(providerName, "accepted").Inc()

	claimed, ok, err := p.Events.Claim(ctx, ev.ID, time.Now().Add(p.LeaseTTL), false)
	if err != nil {
		// The row is ledgered; the sweeper owns it from here.
		p.Logger.Error().Err(err).Str("provider", providerName).Str("event_id", ev.EventID).Msg("claim after insert failed")
		return Result{Event: ev, Outcome: OutcomeDeferred}, nil
	}
	if !ok {
		return Result{Event: ev, Outcome: OutcomeDuplicate}, nil
	}
	return p.process(ctx, claimed, note), nil
}

// Reprocess runs one operator-initiated attempt against a failed or pending
// event. Completed events are never reprocessed; the ledger is append only
// with respect to successful outcomes.
func (p *Processor) Reprocess(ctx context.Context, providerName, eventID string) (Result, error) {
	prov, ok := p.Providers.Lookup(providerName)
	if !ok {
		return Result{}, common.NewAppError("UNKNOWN_PROVIDER", "unknown payment provider", http.StatusNotFound, nil)
	}
	ev, err := p.Events.Get(ctx, providerName, eventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return Result{}, common.NewAppError("WEBHOOK_EVENT_NOT_FOUND", "webhook event not found", http.StatusNotFound, err)
		}
		return Result{}, fmt.Errorf("load webhook event: %w", err)
	}
	switch ev.Status {
	case StatusCompleted:
		return Result{}, common.NewAppError("WEBHOOK_EVENT_COMPLETED", "event already processed successfully", http.StatusConflict, nil)
	case StatusProcessing:
		return Result{}, common.NewAppError("WEBHOOK_EVENT_IN_FLIGHT", "event is currently being processed", http.StatusConflict, nil)
	}

	claimed, won, err := p.Events.ClaimForReprocess(ctx, ev.ID, time.Now().Add(p.LeaseTTL))
	if err != nil {
		return Result{}, fmt.Errorf("claim webhook event: %w", err)
	}
	if !won {
		return Result{}, common.NewAppError("WEBHOOK_EVENT_IN_FLIGHT", "event was claimed by another worker", http.StatusConflict, nil)
	}

	note, err := prov.Verify(claimed.RawPayload)
	if err != nil {
		// The stored payload no longer verifies, typically after a secret
		// rotation. There is nothing a retry can fix.
		cause := fmt.Errorf("stored payload failed verification: %w", err)
		p.recordUnverifiable(ctx, claimed, cause)
		return Result{Event: claimed, Outcome: OutcomeTerminal, Err: cause}, nil
	}
	return p.process(ctx, claimed, note), nil
}

// RunDue is the sweeper entry point: it claims a due event, re-verifies its
// stored payload, and runs one attempt.
func (p *Processor) RunDue(ctx context.Context, ev Event) (Result, error) {
	prov, ok := p.Providers.Lookup(ev.Provider)
	if !ok {
		cause := fmt.Errorf("provider %q is no longer configured", ev.Provider)
		p.recordUnverifiable(ctx, ev, cause)
		return Result{Event: ev, Outcome: OutcomeTerminal, Err: cause}, nil
	}
	claimed, won, err := p.Events.Claim(ctx, ev.ID, time.Now().Add(p.LeaseTTL), ev.OperatorInitiated)
	if err != nil {
		return Result{}, fmt.Errorf("claim webhook event: %w", err)
	}
	if !won {
		return Result{Event: ev, Outcome: OutcomeSkipped}, nil
	}

	note, err := prov.Verify(claimed.RawPayload)
	if err != nil {
		cause := fmt.Errorf("stored payload failed verification: %w", err)
		p.recordUnverifiable(ctx, claimed, cause)
		return Result{Event: claimed, Outcome: OutcomeTerminal, Err: cause}, nil
	}
	return p.process(ctx, claimed, note), nil
}

type settled struct {
	payment booking.Payment
	booking booking.Booking
	changed bool
}

// process runs one attempt against a claimed event. It never returns an
// error: every failure class is folded into the ledger and the Result.
func (p *Processor) process(ctx context.Context, ev Event, note gateway.Notification) Result {
	start := time.Now()
	// Detach from the caller so a dropped gateway connection cannot abort a
	// transition mid-transaction.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Timeout)
	defer cancel()

	out, err := p.apply(pctx, ev, note)
	obs.WebhookProcessDuration.WithLabelValues(ev.Provider).Observe(obs.DurationMillis(time.Since(start)))

	switch {
	case err == nil:
		obs.WebhookProcessedTotal.WithLabelValues(ev.Provider, "completed").Inc()
		if out.changed {
			p.publish(pctx, note, out)
		}
		return Result{Event: ev, Outcome: OutcomeApplied}
	case errors.Is(err, ErrUnknownReference), errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrStateConflict):
		obs.WebhookProcessedTotal.WithLabelValues(ev.Provider, "terminal_failure").Inc()
		return Result{Event: ev, Outcome: OutcomeTerminal, Err: err}
	default:
		return p.recordTransient(pctx, ev, err)
	}
}

// apply performs the atomic transition: payment, booking, and ledger row all
// change in one transaction or not at all. Business failures commit their own
// ledger writes before returning the classification sentinel.
func (p *Processor) apply(ctx context.Context, ev Event, note gateway.Notification) (settled, error) {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return settled{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	evs := p.Events.WithTx(tx)
	pays := p.Payments.WithTx(tx)

	pay, err := pays.GetPaymentByNumberForUpdate(ctx, note.OrderRef)
	if err != nil {
		if errors.Is(err, booking.ErrPaymentNotFound) {
			return settled{}, p.failTerminal(ctx, tx, evs, ev, fmt.Errorf("%w: %s", ErrUnknownReference, note.OrderRef))
		}
		return settled{}, fmt.Errorf("load payment %s: %w", note.OrderRef, err)
	}
	if note.Succeeded && pay.Amount != note.Amount {
		return settled{}, p.failTerminal(ctx, tx, evs, ev,
			fmt.Errorf("%w: payment %s expects %d, gateway notified %d", ErrAmountMismatch, pay.PaymentNumber, pay.Amount, note.Amount))
	}

	// Lock the booking alongside its payment so the pair transitions under
	// one write lock.
	bk, err := pays.GetBookingForUpdate(ctx, pay.BookingID)
	if err != nil {
		return settled{}, fmt.Errorf("load booking: %w", err)
	}

	out := settled{payment: pay, booking: bk}
	switch {
	case pay.Status == booking.PaymentPending:
		if note.Succeeded {
			if err := pays.MarkPaymentCompleted(ctx, pay.ID, note.TransactionID); err != nil {
				return settled{}, fmt.Errorf("complete payment %s: %w", pay.PaymentNumber, err)
			}
			if err := pays.SetBookingPaymentStatus(ctx, pay.BookingID, booking.BookingPaid); err != nil {
				return settled{}, fmt.Errorf("mark booking paid: %w", err)
			}
		} else {
			if err := pays.MarkPaymentFailed(ctx, pay.ID, note.TransactionID); err != nil {
				return settled{}, fmt.Errorf("fail payment %s: %w", pay.PaymentNumber, err)
			}
		}
		out.changed = true
	case (pay.Status == booking.PaymentCompleted) == note.Succeeded:
		// A replay of an outcome the payment already holds, delivered under a
		// distinct gateway transaction id. Complete the event without touching
		// the payment.
	default:
		return settled{}, p.failTerminal(ctx, tx, evs, ev,
			fmt.Errorf("%w: payment %s is %s", ErrStateConflict, pay.PaymentNumber, pay.Status))
	}

	if err := evs.MarkCompleted(ctx, ev.ID); err != nil {
		return settled{}, fmt.Errorf("complete webhook event: %w", err)
	}
	att := Attempt{EventID: ev.ID, Attempt: ev.Attempts, Outcome: string(OutcomeApplied), OperatorInitiated: ev.OperatorInitiated}
	if err := evs.InsertAttempt(ctx, att); err != nil {
		return settled{}, fmt.Errorf("record attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return settled{}, fmt.Errorf("commit transition: %w", err)
	}
	return out, nil
}

// failTerminal commits the failed status and attempt row, then returns the
// classification error. The payment and booking are untouched in this
// transaction by construction: terminal checks run before any write.
func (p *Processor) failTerminal(ctx context.Context, tx pgx.Tx, evs *Store, ev Event, cause error) error {
	if err := evs.MarkFailed(ctx, ev.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	att := Attempt{EventID: ev.ID, Attempt: ev.Attempts, Outcome: string(OutcomeTerminal), ErrorMessage: cause.Error(), OperatorInitiated: ev.OperatorInitiated}
	if err := evs.InsertAttempt(ctx, att); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failure record: %w", err)
	}
	return cause
}

// recordTransient schedules a retry for an infrastructure failure, or marks
// the event failed once the attempt budget is spent. The attempt often fails
// because its own deadline expired, so the recording writes run under a fresh
// detached context rather than the attempt's.
func (p *Processor) recordTransient(ctx context.Context, ev Event, cause error) Result {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	log := p.Logger.With().Str("provider", ev.Provider).Str("event_id", ev.EventID).Int("attempt", ev.Attempts).Logger()

	delay, retryable := p.Policy.Next(ev.Attempts)
	if !retryable {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %v", ev.Attempts, cause)
		if err := p.Events.MarkFailed(rctx, ev.ID, reason); err != nil {
			log.Error().Err(err).Msg("recording exhausted retries failed")
			return Result{Event: ev, Outcome: OutcomeDeferred, Err: cause}
		}
		p.insertAttemptBestEffort(rctx, ev, OutcomeExhausted, reason)
		obs.WebhookRetriesExhaustedTotal.Inc()
		obs.WebhookProcessedTotal.WithLabelValues(ev.Provider, "terminal_failure").Inc()
		log.Error().Err(cause).Msg("webhook retries exhausted")
		return Result{Event: ev, Outcome: OutcomeExhausted, Err: cause}
	}

	nextAt := time.Now().Add(delay)
	if err := p.Events.ScheduleRetry(rctx, ev.ID, cause.Error(), nextAt); err != nil {
		log.Error().Err(err).Msg("scheduling retry failed")
		return Result{Event: ev, Outcome: OutcomeDeferred, Err: cause}
	}
	p.insertAttemptBestEffort(rctx, ev, OutcomeRetryScheduled, cause.Error())
	obs.WebhookRetryScheduledTotal.Inc()
	log.Warn().Err(cause).Time("next_retry_at", nextAt).Msg("webhook attempt failed, retry scheduled")
	return Result{Event: ev, Outcome: OutcomeRetryScheduled, Err: cause}
}

// recordUnverifiable terminally fails an event whose stored payload can no
// longer be verified. Runs outside any transaction.
func (p *Processor) recordUnverifiable(ctx context.Context, ev Event, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.Events.MarkFailed(rctx, ev.ID, cause.Error()); err != nil {
		p.Logger.Error().Err(err).Str("event_id", ev.EventID).Msg("recording verification failure failed")
		return
	}
	p.insertAttemptBestEffort(rctx, ev, OutcomeTerminal, cause.Error())
	obs.WebhookProcessedTotal.WithLabelValues(ev.Provider, "terminal_failure").Inc()
}

func (p *Processor) insertAttemptBestEffort(ctx context.Context, ev Event, outcome Outcome, msg string) {
	att := Attempt{EventID: ev.ID, Attempt: ev.Attempts, Outcome: string(outcome), ErrorMessage: msg, OperatorInitiated: ev.OperatorInitiated}
	if err := p.Events.InsertAttempt(ctx, att); err != nil {
		p.Logger.Error().Err(err).Str("event_id", ev.EventID).Msg("recording attempt failed")
	}
}

func (p *Processor) publish(ctx context.Context, note gateway.Notification, out settled) {
	if p.Bus == nil {
		return
	}
	topic := events.TopicPaymentFailed
	if note.Succeeded {
		topic = events.TopicPaymentPaid
	}
	p.Bus.Publish(ctx, events.Event{
		Topic:         topic,
		BookingID:     out.booking.ID,
		BookingRef:    out.booking.Reference,
		PaymentID:     out.payment.ID,
		PaymentNumber: out.payment.PaymentNumber,
		Provider:      out.payment.Provider,
		Amount:        out.payment.Amount,
		CustomerEmail: out.booking.CustomerEmail,
		OccurredAt:    time.Now(),
	})
}
