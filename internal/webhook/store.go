package webhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status enumerates the webhook event lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrEventNotFound is returned when no ledger row matches the key.
var ErrEventNotFound = errors.New("webhook: event not found")

// Event is one ledgered gateway notification. Exactly one row exists per
// (provider, event_id); the uniqueness constraint in the database, not
// application checks, is what guarantees it. Rows are never deleted.
type Event struct {
	ID                uuid.UUID
	Provider          string
	EventID           string
	EventType         string
	RawPayload        []byte
	Status            Status
	Attempts          int
	ErrorMessage      *string
	LeaseExpiresAt    *time.Time
	LastAttemptAt     *time.Time
	NextRetryAt       *time.Time
	CreatedAt         time.Time
	ProcessedAt       *time.Time
	OperatorInitiated bool
}

// Attempt is one row of the per-event attempt history.
type Attempt struct {
	EventID           uuid.UUID
	Attempt           int
	Outcome           string
	ErrorMessage      string
	OperatorInitiated bool
}

// StatusCount aggregates ledger rows for the operator stats endpoint.
type StatusCount struct {
	Provider string
	Status   Status
	Count    int64
}

// ListFilter narrows List results.
type ListFilter struct {
	Provider string
	Status   Status
	Limit    int
	Offset   int
}

// DB is the subset of pgx operations the store needs; both *pgxpool.Pool and
// pgx.Tx satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists webhook events and their attempt history.
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

const eventColumns = `id, provider, event_id, event_type, raw_payload, status, attempts, error_message,
lease_expires_at, last_attempt_at, next_retry_at, created_at, processed_at, operator_initiated_last`

// RecordOrGet inserts a pending ledger row for the notification, or returns
// the existing row when one already holds the (provider, event_id) key. The
// insert relies on the unique constraint so two concurrent deliveries of the
// same notification cannot both observe isNew=true.
func (s *Store) RecordOrGet(ctx context.Context, provider, eventID, eventType string, rawPayload []byte) (Event, bool, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO webhook_events (provider, event_id, event_type, raw_payload, status)
VALUES ($1, $2, $3, $4, 'pending')
ON CONFLICT (provider, event_id) DO NOTHING
RETURNING `+eventColumns, provider, eventID, eventType, rawPayload)
	ev, err := scanEvent(row)
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Event{}, false, err
	}
	existing, err := s.Get(ctx, provider, eventID)
	if err != nil {
		return Event{}, false, err
	}
	return existing, false, nil
}

// Get loads an event by its deduplication key.
func (s *Store) Get(ctx context.Context, provider, eventID string) (Event, error) {
	row := s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, err
	}
	return ev, nil
}

// Claim moves a pending event to processing under a lease and increments its
// attempt counter. Processing rows whose lease has lapsed are claimable too,
// so work owned by a crashed worker is eventually reclaimed. The returned
// bool reports whether this caller won the claim.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, leaseUntil time.Time, operatorInitiated bool) (Event, bool, error) {
	row := s.db.QueryRow(ctx, `UPDATE webhook_events
SET status = 'processing', attempts = attempts + 1, last_attempt_at = now(),
    lease_expires_at = $2, operator_initiated_last = $3
WHERE id = $1 AND (status = 'pending' OR (status = 'processing' AND lease_expires_at <= now()))
RETURNING `+eventColumns, id, leaseUntil, operatorInitiated)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, false, nil
		}
		return Event{}, false, err
	}
	return ev, true, nil
}

// ClaimForReprocess is the operator variant of Claim: it additionally accepts
// terminally failed events and disregards any scheduled retry time.
func (s *Store) ClaimForReprocess(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (Event, bool, error) {
	row := s.db.QueryRow(ctx, `UPDATE webhook_events
SET status = 'processing', attempts = attempts + 1, last_attempt_at = now(),
    lease_expires_at = $2, operator_initiated_last = TRUE
WHERE id = $1 AND status IN ('pending', 'failed')
RETURNING `+eventColumns, id, leaseUntil)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, false, nil
		}
		return Event{}, false, err
	}
	return ev, true, nil
}

// MarkCompleted finalises a successfully applied event. Callers run this in
// the same transaction as the payment and booking writes.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE webhook_events
SET status = 'completed', processed_at = now(), error_message = NULL, next_retry_at = NULL, lease_expires_at = NULL
WHERE id = $1`, id)
	return err
}

// MarkFailed records a terminal failure. No retry is ever scheduled for it.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.Exec(ctx, `UPDATE webhook_events
SET status = 'failed', error_message = $2, next_retry_at = NULL, lease_expires_at = NULL
WHERE id = $1`, id, reason)
	return err
}

// ScheduleRetry returns the event to pending with a future due time.
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, reason string, nextRetryAt time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE webhook_events
SET status = 'pending', error_message = $2, next_retry_at = $3, lease_expires_at = NULL
WHERE id = $1`, id, reason, nextRetryAt)
	return err
}

// InsertAttempt appends one row to the attempt history.
func (s *Store) InsertAttempt(ctx context.Context, att Attempt) error {
	_, err := s.db.Exec(ctx, `INSERT INTO webhook_event_attempts (event_id, attempt, outcome, error_message, operator_initiated)
VALUES ($1, $2, $3, $4, $5)`, att.EventID, att.Attempt, att.Outcome, nullable(att.ErrorMessage), att.OperatorInitiated)
	return err
}

// ListDue returns events eligible for a sweep attempt: pending rows whose
// retry time has passed (or was never set) and processing rows whose lease
// has lapsed.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE (status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1))
   OR (status = 'processing' AND lease_expires_at <= $1)
ORDER BY created_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// List returns ledger rows for the operator listing endpoint, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Event, int64, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	provider := strings.TrimSpace(filter.Provider)
	status := string(filter.Status)

	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE ($1 = '' OR provider = $1) AND ($2 = '' OR status::text = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4`, provider, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	events, err := collectEvents(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events
WHERE ($1 = '' OR provider = $1) AND ($2 = '' OR status::text = $2)`, provider, status).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// CountByStatus aggregates ledger rows per provider and status.
func (s *Store) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.Query(ctx, `SELECT provider, status, COUNT(*) FROM webhook_events GROUP BY provider, status ORDER BY provider, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]StatusCount, 0, 8)
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Provider, &c.Status, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	events := make([]Event, 0, 16)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	if err := row.Scan(
		&ev.ID, &ev.Provider, &ev.EventID, &ev.EventType, &ev.RawPayload, &ev.Status, &ev.Attempts,
		&ev.ErrorMessage, &ev.LeaseExpiresAt, &ev.LastAttemptAt, &ev.NextRetryAt, &ev.CreatedAt,
		&ev.ProcessedAt, &ev.OperatorInitiated,
	); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
