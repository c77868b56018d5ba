package repository

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/heraldmail/herald/internal/domain"
)

// psql is a Squirrel StatementBuilder configured for PostgreSQL
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// messageChunkChars is how many characters each store-side body read pulls.
// It matches the wire chunk size so the dispatcher streams bodies without a
// full in-memory copy.
const messageChunkChars = 3000

// RequestRepository implements domain.RequestRepository on PostgreSQL.
type RequestRepository struct {
	db *sql.DB
}

// NewRequestRepository creates a new RequestRepository
func NewRequestRepository(db *sql.DB) domain.RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a new pending request. The id is drawn from the
// requests_id_seq sequence (monotonic, starting at 1000) by the insert
// itself, so the operation is atomic: either the row exists with its id or
// nothing was written.
func (r *RequestRepository) Create(ctx context.Context, input *domain.CreateRequestInput) (int64, error) {
	if input.MaxRetries == nil {
		return 0, domain.NewValidationError("max_retries is not set")
	}

	query, args, err := psql.
		Insert("requests").
		Columns("party_from", "party_to", "expand_group", "subject", "message", "status", "max_retries", "request_date").
		Values(input.PartyFrom, input.PartyTo, input.ExpandGroup, input.Subject, input.Message,
			domain.RequestStatusPending, *input.MaxRetries, time.Now().UTC()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert request: %w", err)
	}

	return id, nil
}

// GetByID fetches a single request.
func (r *RequestRepository) GetByID(ctx context.Context, id int64) (*domain.Request, error) {
	query := `
		SELECT id, party_from, party_to, expand_group, subject, message, status, max_retries, request_date, fulfill_date
		FROM requests
		WHERE id = $1
	`

	var req domain.Request
	var fulfillDate sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID, &req.PartyFrom, &req.PartyTo, &req.ExpandGroup, &req.Subject, &req.Message,
		&req.Status, &req.MaxRetries, &req.RequestDate, &fulfillDate,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &domain.ErrNotFound{Entity: "request", ID: fmt.Sprintf("%d", id)}
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	if fulfillDate.Valid {
		req.FulfillDate = &fulfillDate.Time
	}

	return &req, nil
}

// ListPending returns every request awaiting expansion, oldest first.
func (r *RequestRepository) ListPending(ctx context.Context) ([]*domain.Request, error) {
	query := `
		SELECT id, party_from, party_to, expand_group, subject, message, status, max_retries, request_date, fulfill_date
		FROM requests
		WHERE status = 'pending'
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending requests: %w", err)
	}
	defer rows.Close()

	var requests []*domain.Request
	for rows.Next() {
		var req domain.Request
		var fulfillDate sql.NullTime
		if err := rows.Scan(
			&req.ID, &req.PartyFrom, &req.PartyTo, &req.ExpandGroup, &req.Subject, &req.Message,
			&req.Status, &req.MaxRetries, &req.RequestDate, &fulfillDate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		if fulfillDate.Valid {
			req.FulfillDate = &fulfillDate.Time
		}
		requests = append(requests, &req)
	}

	return requests, rows.Err()
}

// MarkSending transitions the given still-pending requests to sending in one
// set operation. A request that already left pending is never re-expanded,
// so the status predicate stays in the update.
func (r *RequestRepository) MarkSending(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := psql.
		Update("requests").
		Set("status", domain.RequestStatusSending).
		Where(sq.Eq{"status": domain.RequestStatusPending}).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark requests sending: %w", err)
	}

	return nil
}

// Cancel forces every queue row of the request past its retry budget
// (retry_count = max_retries + 1 guarantees no further attempts) and sets
// the request status to cancelled. Idempotent; a request already in a
// terminal status keeps it, but the rows are still made non-retryable.
func (r *RequestRepository) Cancel(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status domain.RequestStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return &domain.ErrNotFound{Entity: "request", ID: fmt.Sprintf("%d", id)}
		}
		return fmt.Errorf("failed to load request: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_entries q
		SET is_successful = FALSE, retry_count = r.max_retries + 1
		FROM requests r
		WHERE q.request_id = r.id AND r.id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to force queue rows non-retryable: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE requests
		SET status = 'cancelled', fulfill_date = $2
		WHERE id = $1 AND status NOT IN ('sent', 'partial_failure', 'failed', 'cancelled')
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Reconcile rolls per-recipient outcomes up into request status. The three
// update sets are disjoint for any fixed store state, so order does not
// matter, and re-running with no other changes is a no-op.
func (r *RequestRepository) Reconcile(ctx context.Context, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Every row delivered -> sent.
	_, err = tx.ExecContext(ctx, `
		UPDATE requests
		SET status = 'sent', fulfill_date = $1
		WHERE status = 'sending'
		  AND NOT EXISTS (
			SELECT 1 FROM queue_entries q
			WHERE q.request_id = requests.id AND q.is_successful = FALSE)
	`, now)
	if err != nil {
		return fmt.Errorf("failed to reconcile sent requests: %w", err)
	}

	// No row delivered and none retryable -> failed.
	_, err = tx.ExecContext(ctx, `
		UPDATE requests
		SET status = 'failed'
		WHERE status = 'sending'
		  AND EXISTS (
			SELECT 1 FROM queue_entries q
			WHERE q.request_id = requests.id)
		  AND NOT EXISTS (
			SELECT 1 FROM queue_entries q
			WHERE q.request_id = requests.id
			  AND (q.is_successful = TRUE OR q.retry_count < requests.max_retries))
	`)
	if err != nil {
		return fmt.Errorf("failed to reconcile failed requests: %w", err)
	}

	// Some rows delivered, the rest exhausted -> partial_failure.
	_, err = tx.ExecContext(ctx, `
		UPDATE requests
		SET status = 'partial_failure', fulfill_date = $1
		WHERE status = 'sending'
		  AND EXISTS (
			SELECT 1 FROM queue_entries q
			WHERE q.request_id = requests.id AND q.is_successful = TRUE)
		  AND EXISTS (
			SELECT 1 FROM queue_entries q
			WHERE q.request_id = requests.id
			  AND q.is_successful = FALSE AND q.retry_count >= requests.max_retries)
		  AND NOT EXISTS (
			SELECT 1 FROM queue_entries q
			WHERE q.request_id = requests.id
			  AND q.is_successful = FALSE AND q.retry_count < requests.max_retries)
	`, now)
	if err != nil {
		return fmt.Errorf("failed to reconcile partial failures: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// HasActive reports whether any request is pending or sending.
func (r *RequestRepository) HasActive(ctx context.Context) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM requests WHERE status IN ('pending', 'sending'))`,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check active requests: %w", err)
	}
	return active, nil
}

// MessageReader streams the request body in store-side chunks.
func (r *RequestRepository) MessageReader(ctx context.Context, id int64) io.ReadCloser {
	return &messageReader{ctx: ctx, db: r.db, id: id, offset: 1}
}

// messageReader pages through requests.message with substring reads so the
// dispatcher never holds a full body in memory.
type messageReader struct {
	ctx    context.Context
	db     *sql.DB
	id     int64
	offset int // 1-based, substring semantics
	buf    []byte
	done   bool
}

func (m *messageReader) Read(p []byte) (int, error) {
	if len(m.buf) == 0 && !m.done {
		var chunk string
		err := m.db.QueryRowContext(m.ctx,
			`SELECT substring(message FROM $2 FOR $3) FROM requests WHERE id = $1`,
			m.id, m.offset, messageChunkChars,
		).Scan(&chunk)
		if err != nil {
			if err == sql.ErrNoRows {
				m.done = true
				return 0, io.EOF
			}
			return 0, fmt.Errorf("failed to read message chunk: %w", err)
		}
		if chunk == "" {
			m.done = true
		} else {
			m.offset += len([]rune(chunk))
			m.buf = []byte(chunk)
		}
	}

	if len(m.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

func (m *messageReader) Close() error {
	m.done = true
	m.buf = nil
	return nil
}

// Stats summarizes requests by status and queue rows by retryability.
func (r *RequestRepository) Stats(ctx context.Context) (*domain.QueueStats, error) {
	var stats domain.QueueStats

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'sending' THEN 1 ELSE 0 END), 0) AS sending,
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = 'partial_failure' THEN 1 ELSE 0 END), 0) AS partial_failure,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0) AS cancelled
		FROM requests
	`).Scan(&stats.Pending, &stats.Sending, &stats.Sent, &stats.PartialFailure, &stats.Failed, &stats.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to get request stats: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN q.is_successful THEN 1 ELSE 0 END), 0) AS delivered,
			COALESCE(SUM(CASE WHEN NOT q.is_successful AND q.retry_count < r.max_retries THEN 1 ELSE 0 END), 0) AS retryable,
			COALESCE(SUM(CASE WHEN NOT q.is_successful AND q.retry_count >= r.max_retries THEN 1 ELSE 0 END), 0) AS exhausted
		FROM queue_entries q
		JOIN requests r ON r.id = q.request_id
	`).Scan(&stats.DeliveredEntries, &stats.RetryableEntries, &stats.ExhaustedEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	return &stats, nil
}
