package webhook

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lokabook/bookings-api/internal/booking"
	"github.com/lokabook/bookings-api/internal/events"
	"github.com/lokabook/bookings-api/internal/gateway"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB scripts the storage layer for processor tests. It satisfies the
// store DB interfaces and TxBeginner, answers the payment and booking row
// lookups from fixtures, and records every write statement.
type fakeDB struct {
	payment    booking.Payment
	paymentErr error
	booking    booking.Booking

	execErr map[string]error // sql substring -> injected failure

	execs       []execCall
	commits     int
	rollbacks   int
	beginBlocks bool
}

func (d *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if d.beginBlocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &fakeTx{db: d}, nil
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return d.exec(ctx, sql, args...)
}

func (d *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query: " + sql)
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.queryRow(ctx, sql, args...)
}

func (d *fakeDB) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	for substr, err := range d.execErr {
		if strings.Contains(sql, substr) {
			return pgconn.CommandTag{}, err
		}
	}
	d.execs = append(d.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (d *fakeDB) queryRow(ctx context.Context, sql string, _ ...any) pgx.Row {
	if err := ctx.Err(); err != nil {
		return errRow{err}
	}
	switch {
	case strings.Contains(sql, "FROM payments"):
		if d.paymentErr != nil {
			return errRow{d.paymentErr}
		}
		p := d.payment
		return rowFunc(func(dest ...any) error {
			*dest[0].(*uuid.UUID) = p.ID
			*dest[1].(*uuid.UUID) = p.BookingID
			*dest[2].(*string) = p.PaymentNumber
			*dest[3].(*string) = p.Provider
			*dest[4].(*int64) = p.Amount
			*dest[5].(*booking.PaymentStatus) = p.Status
			*dest[6].(**string) = p.TransactionID
			*dest[7].(*time.Time) = p.CreatedAt
			*dest[8].(*time.Time) = p.UpdatedAt
			return nil
		})
	case strings.Contains(sql, "FROM bookings"):
		b := d.booking
		return rowFunc(func(dest ...any) error {
			*dest[0].(*uuid.UUID) = b.ID
			*dest[1].(*string) = b.Reference
			*dest[2].(*string) = b.CustomerEmail
			*dest[3].(*booking.BookingPaymentStatus) = b.PaymentStatus
			*dest[4].(*time.Time) = b.UpdatedAt
			return nil
		})
	}
	return errRow{errors.New("unexpected query: " + sql)}
}

func (d *fakeDB) execsMatching(substr string) []execCall {
	var matched []execCall
	for _, c := range d.execs {
		if strings.Contains(c.sql, substr) {
			matched = append(matched, c)
		}
	}
	return matched
}

type fakeTx struct {
	db *fakeDB
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(context.Context) error {
	t.db.commits++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.db.rollbacks++
	return nil
}

func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}

func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.exec(ctx, sql, args...)
}

func (t *fakeTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query: " + sql)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.queryRow(ctx, sql, args...)
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error { return r.err }

type captureNotifier struct {
	events []events.Event
}

func (*captureNotifier) Name() string { return "capture" }

func (n *captureNotifier) Notify(_ context.Context, ev events.Event) error {
	n.events = append(n.events, ev)
	return nil
}

func pendingPayment() booking.Payment {
	return booking.Payment{
		ID:            uuid.New(),
		BookingID:     uuid.New(),
		PaymentNumber: "PAY-1001",
		Provider:      "midtrans",
		Amount:        100000,
		Status:        booking.PaymentPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

func newProcessorDB() *fakeDB {
	pay := pendingPayment()
	return &fakeDB{
		payment: pay,
		booking: booking.Booking{
			ID:            pay.BookingID,
			Reference:     "BK-1001",
			CustomerEmail: "guest@example.com",
			PaymentStatus: booking.BookingUnpaid,
			UpdatedAt:     time.Now(),
		},
	}
}

func newProcessor(db *fakeDB, notifier events.Notifier) *Processor {
	p := &Processor{
		DB:       db,
		Events:   NewStore(db),
		Payments: booking.NewStore(db),
		Policy:   RetryPolicy{MaxAttempts: 5, Delays: []time.Duration{time.Minute, 5 * time.Minute}},
		LeaseTTL: time.Minute,
		Timeout:  time.Second,
		Logger:   zerolog.Nop(),
	}
	if notifier != nil {
		p.Bus = events.NewBus(zerolog.Nop(), time.Second, notifier)
	}
	return p
}

func processingEvent(attempts int) Event {
	return Event{
		ID:        uuid.New(),
		Provider:  "midtrans",
		EventID:   "PAY-1001:tx-1",
		EventType: "payment.completed",
		Status:    StatusProcessing,
		Attempts:  attempts,
	}
}

func successNote() gateway.Notification {
	return gateway.Notification{
		OrderRef:      "PAY-1001",
		TransactionID: "tx-1",
		Amount:        100000,
		Succeeded:     true,
		Result:        "settlement",
	}
}

func TestProcessSettlesPaymentAndBooking(t *testing.T) {
	db := newProcessorDB()
	notifier := &captureNotifier{}
	p := newProcessor(db, notifier)

	res := p.process(context.Background(), processingEvent(1), successNote())

	require.Equal(t, OutcomeApplied, res.Outcome)
	require.NoError(t, res.Err)
	require.Equal(t, 1, db.commits)
	require.Len(t, db.execsMatching("UPDATE payments SET status = 'completed'"), 1)
	require.Len(t, db.execsMatching("UPDATE bookings SET payment_status"), 1)
	require.Len(t, db.execsMatching("SET status = 'completed', processed_at"), 1)
	require.Len(t, db.execsMatching("INSERT INTO webhook_event_attempts"), 1)

	require.Len(t, notifier.events, 1)
	require.Equal(t, events.TopicPaymentPaid, notifier.events[0].Topic)
	require.Equal(t, "BK-1001", notifier.events[0].BookingRef)
	require.Equal(t, "guest@example.com", notifier.events[0].CustomerEmail)
}

func TestProcessFailedResultLeavesBookingUnpaid(t *testing.T) {
	db := newProcessorDB()
	notifier := &captureNotifier{}
	p := newProcessor(db, notifier)

	note := successNote()
	note.Succeeded = false
	note.Result = "deny"

	res := p.process(context.Background(), processingEvent(1), note)

	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Len(t, db.execsMatching("UPDATE payments SET status = 'failed'"), 1)
	require.Empty(t, db.execsMatching("UPDATE bookings SET payment_status"))
	require.Len(t, notifier.events, 1)
	require.Equal(t, events.TopicPaymentFailed, notifier.events[0].Topic)
}

func TestProcessAmountMismatchNeverCompletesPayment(t *testing.T) {
	db := newProcessorDB()
	p := newProcessor(db, nil)

	note := successNote()
	note.Amount = 50000

	res := p.process(context.Background(), processingEvent(1), note)

	require.Equal(t, OutcomeTerminal, res.Outcome)
	require.ErrorIs(t, res.Err, ErrAmountMismatch)
	require.Empty(t, db.execsMatching("UPDATE payments"))
	require.Empty(t, db.execsMatching("UPDATE bookings"))

	// The failure is committed to the ledger with the mismatch recorded.
	require.Equal(t, 1, db.commits)
	failed := db.execsMatching("SET status = 'failed'")
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].args[1].(string), "gateway notified 50000")
	require.Len(t, db.execsMatching("INSERT INTO webhook_event_attempts"), 1)
}

func TestProcessUnknownReferenceFailsTerminally(t *testing.T) {
	db := newProcessorDB()
	db.paymentErr = pgx.ErrNoRows
	p := newProcessor(db, nil)

	res := p.process(context.Background(), processingEvent(1), successNote())

	require.Equal(t, OutcomeTerminal, res.Outcome)
	require.ErrorIs(t, res.Err, ErrUnknownReference)
	require.Equal(t, 1, db.commits)
	require.Empty(t, db.execsMatching("UPDATE payments"))
	require.Len(t, db.execsMatching("SET status = 'failed'"), 1)
}

func TestProcessConflictingReplayFailsTerminally(t *testing.T) {
	db := newProcessorDB()
	db.payment.Status = booking.PaymentCompleted
	p := newProcessor(db, nil)

	note := successNote()
	note.Succeeded = false
	note.Result = "deny"

	res := p.process(context.Background(), processingEvent(1), note)

	require.Equal(t, OutcomeTerminal, res.Outcome)
	require.ErrorIs(t, res.Err, ErrStateConflict)
	require.Empty(t, db.execsMatching("UPDATE payments"))
	require.Len(t, db.execsMatching("SET status = 'failed'"), 1)
}

func TestProcessAgreeingReplayIsNoOp(t *testing.T) {
	db := newProcessorDB()
	db.payment.Status = booking.PaymentCompleted
	notifier := &captureNotifier{}
	p := newProcessor(db, notifier)

	res := p.process(context.Background(), processingEvent(2), successNote())

	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Empty(t, db.execsMatching("UPDATE payments"))
	require.Empty(t, db.execsMatching("UPDATE bookings"))
	require.Len(t, db.execsMatching("SET status = 'completed', processed_at"), 1)
	require.Empty(t, notifier.events)
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	db := newProcessorDB()
	db.execErr = map[string]error{"UPDATE bookings": errors.New("connection reset")}
	p := newProcessor(db, nil)

	res := p.process(context.Background(), processingEvent(1), successNote())

	require.Equal(t, OutcomeRetryScheduled, res.Outcome)
	require.Error(t, res.Err)
	require.Equal(t, 0, db.commits)
	require.Len(t, db.execsMatching("SET status = 'pending', error_message"), 1)
	require.Len(t, db.execsMatching("INSERT INTO webhook_event_attempts"), 1)
}

func TestProcessExhaustionMarksFailed(t *testing.T) {
	db := newProcessorDB()
	db.execErr = map[string]error{"UPDATE bookings": errors.New("connection reset")}
	p := newProcessor(db, nil)

	res := p.process(context.Background(), processingEvent(5), successNote())

	require.Equal(t, OutcomeExhausted, res.Outcome)
	failed := db.execsMatching("SET status = 'failed'")
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].args[1].(string), "retries exhausted after 5 attempts")
	require.Empty(t, db.execsMatching("SET status = 'pending', error_message"))
}

func TestProcessDeadlineExpiryStillSchedulesRetry(t *testing.T) {
	db := newProcessorDB()
	db.beginBlocks = true
	p := newProcessor(db, nil)
	p.Timeout = 25 * time.Millisecond

	res := p.process(context.Background(), processingEvent(1), successNote())

	require.Equal(t, OutcomeRetryScheduled, res.Outcome)
	require.Error(t, res.Err)
	require.Len(t, db.execsMatching("SET status = 'pending', error_message"), 1)
	require.Len(t, db.execsMatching("INSERT INTO webhook_event_attempts"), 1)
}
