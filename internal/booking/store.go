package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PaymentStatus enumerates the payment lifecycle.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// BookingPaymentStatus enumerates what the booking knows about its payment.
type BookingPaymentStatus string

const (
	BookingUnpaid   BookingPaymentStatus = "unpaid"
	BookingPaid     BookingPaymentStatus = "paid"
	BookingRefunded BookingPaymentStatus = "refunded"
)

// ErrPaymentNotFound is returned when no payment matches the reference.
var ErrPaymentNotFound = errors.New("booking: payment not found")

// Payment is a payment attempt against a booking. PaymentNumber embeds the
// booking reference and is the join key gateways echo back.
type Payment struct {
	ID            uuid.UUID
	BookingID     uuid.UUID
	PaymentNumber string
	Provider      string
	Amount        int64
	Status        PaymentStatus
	TransactionID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Booking is the parent entity whose payment status moves in lockstep with
// its most recent terminal payment.
type Booking struct {
	ID            uuid.UUID
	Reference     string
	CustomerEmail string
	PaymentStatus BookingPaymentStatus
	UpdatedAt     time.Time
}

// DB is the subset of pgx operations the store needs; both *pgxpool.Pool and
// pgx.Tx satisfy it, so the same store runs inside and outside transactions.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides payment and booking accessors.
type Store struct {
	db DB
}

// NewStore constructs a Store over the given database handle.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx}
}

// GetPaymentByNumberForUpdate loads a payment by its merchant reference and
// locks the row for the duration of the enclosing transaction.
func (s *Store) GetPaymentByNumberForUpdate(ctx context.Context, paymentNumber string) (Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT id, booking_id, payment_number, provider, amount, status, transaction_id, created_at, updated_at
FROM payments WHERE payment_number = $1 FOR UPDATE`, paymentNumber)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, err
	}
	return p, nil
}

// GetBookingForUpdate loads a booking and locks the row.
func (s *Store) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT id, reference, customer_email, payment_status, updated_at
FROM bookings WHERE id = $1 FOR UPDATE`, id)
	var b Booking
	if err := row.Scan(&b.ID, &b.Reference, &b.CustomerEmail, &b.PaymentStatus, &b.UpdatedAt); err != nil {
		return Booking{}, err
	}
	return b, nil
}

// MarkPaymentCompleted records the gateway transaction id and completes the payment.
func (s *Store) MarkPaymentCompleted(ctx context.Context, id uuid.UUID, transactionID string) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET status = 'completed', transaction_id = $2, updated_at = now()
WHERE id = $1`, id, transactionID)
	return err
}

// MarkPaymentFailed records a failed payment; the booking stays unpaid.
func (s *Store) MarkPaymentFailed(ctx context.Context, id uuid.UUID, transactionID string) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET status = 'failed', transaction_id = $2, updated_at = now()
WHERE id = $1`, id, transactionID)
	return err
}

// SetBookingPaymentStatus moves the booking's payment status.
func (s *Store) SetBookingPaymentStatus(ctx context.Context, id uuid.UUID, status BookingPaymentStatus) error {
	_, err := s.db.Exec(ctx, `UPDATE bookings SET payment_status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var txnID *string
	if err := row.Scan(&p.ID, &p.BookingID, &p.PaymentNumber, &p.Provider, &p.Amount, &p.Status, &txnID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Payment{}, err
	}
	p.TransactionID = txnID
	return p, nil
}
