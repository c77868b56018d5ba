package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/heraldmail/herald/internal/domain"
)

// QueueRepository implements domain.QueueRepository on PostgreSQL. Every
// mutation re-checks is_successful, the retry budget and the request status
// inside the statement, so overlapping dispatcher runs and concurrent
// cancels cannot resurrect a terminal row.
type QueueRepository struct {
	db *sql.DB
}

// NewQueueRepository creates a new QueueRepository
func NewQueueRepository(db *sql.DB) domain.QueueRepository {
	return &QueueRepository{db: db}
}

// InsertEntries adds expansion results. Duplicate (request, recipient)
// pairs are ignored.
func (r *QueueRepository) InsertEntries(ctx context.Context, entries []*domain.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}

	insertBuilder := psql.
		Insert("queue_entries").
		Columns("request_id", "party_to", "retry_count", "is_successful")

	for _, entry := range entries {
		insertBuilder = insertBuilder.Values(entry.RequestID, entry.PartyTo, entry.RetryCount, entry.IsSuccessful)
	}

	query, args, err := insertBuilder.
		Suffix("ON CONFLICT (request_id, party_to) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert queue entries: %w", err)
	}

	return nil
}

// ListDeliverable returns the rows the dispatcher should attempt, ordered
// by (sender, recipient) so rows sharing an envelope arrive contiguously.
// Recipients without an email are filtered here; the sender is left-joined
// because a missing sender party still delivers (with a fallback address).
func (r *QueueRepository) ListDeliverable(ctx context.Context) ([]*domain.DeliverableRow, error) {
	query := `
		SELECT q.request_id, q.party_to, q.retry_count,
		       r.party_from, r.subject, r.request_date, r.max_retries,
		       pf.email AS sender_email, pt.email AS recipient_email
		FROM queue_entries q
		JOIN requests r ON r.id = q.request_id
		JOIN parties pt ON pt.id = q.party_to
		LEFT JOIN parties pf ON pf.id = r.party_from
		WHERE q.is_successful = FALSE
		  AND q.retry_count < r.max_retries
		  AND r.status = 'sending'
		  AND pt.email IS NOT NULL
		ORDER BY r.party_from ASC, q.party_to ASC, q.request_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliverable rows: %w", err)
	}
	defer rows.Close()

	var result []*domain.DeliverableRow
	for rows.Next() {
		var row domain.DeliverableRow
		var senderEmail sql.NullString
		if err := rows.Scan(
			&row.RequestID, &row.PartyTo, &row.RetryCount,
			&row.PartyFrom, &row.Subject, &row.RequestDate, &row.MaxRetries,
			&senderEmail, &row.RecipientEmail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deliverable row: %w", err)
		}
		if senderEmail.Valid {
			row.SenderEmail = &senderEmail.String
		}
		result = append(result, &row)
	}

	return result, rows.Err()
}

// MarkDelivered flags a row successful if it is still retryable and its
// request is still sending. A row that lost that race (cancel, overlapping
// run) is left alone.
func (r *QueueRepository) MarkDelivered(ctx context.Context, requestID, partyTo int64) error {
	query := `
		UPDATE queue_entries q
		SET is_successful = TRUE
		FROM requests r
		WHERE q.request_id = $1 AND q.party_to = $2 AND r.id = q.request_id
		  AND q.is_successful = FALSE
		  AND q.retry_count < r.max_retries
		  AND r.status = 'sending'
	`

	if _, err := r.db.ExecContext(ctx, query, requestID, partyTo); err != nil {
		return fmt.Errorf("failed to mark entry delivered: %w", err)
	}

	return nil
}

// MarkAttemptFailed burns one retry and records the last SMTP reply, under
// the same guard as MarkDelivered.
func (r *QueueRepository) MarkAttemptFailed(ctx context.Context, requestID, partyTo int64, replyCode int, replyMessage string) error {
	query := `
		UPDATE queue_entries q
		SET retry_count = q.retry_count + 1, smtp_reply_code = $3, smtp_reply_message = $4
		FROM requests r
		WHERE q.request_id = $1 AND q.party_to = $2 AND r.id = q.request_id
		  AND q.is_successful = FALSE
		  AND q.retry_count < r.max_retries
		  AND r.status = 'sending'
	`

	if _, err := r.db.ExecContext(ctx, query, requestID, partyTo, replyCode, replyMessage); err != nil {
		return fmt.Errorf("failed to record attempt failure: %w", err)
	}

	return nil
}

// BulkRetryFailure burns one retry on every retryable row of every sending
// request, recording the reply of a failed connection open. Used when the
// whole run could not obtain an SMTP session.
func (r *QueueRepository) BulkRetryFailure(ctx context.Context, replyCode int, replyMessage string) error {
	query := `
		UPDATE queue_entries q
		SET retry_count = q.retry_count + 1, smtp_reply_code = $1, smtp_reply_message = $2
		FROM requests r
		WHERE q.request_id = r.id
		  AND q.is_successful = FALSE
		  AND q.retry_count < r.max_retries
		  AND r.status = 'sending'
	`

	if _, err := r.db.ExecContext(ctx, query, replyCode, replyMessage); err != nil {
		return fmt.Errorf("failed to record connection failure: %w", err)
	}

	return nil
}

// ListByRequest returns all queue rows of one request.
func (r *QueueRepository) ListByRequest(ctx context.Context, requestID int64) ([]*domain.QueueEntry, error) {
	query := `
		SELECT request_id, party_to, smtp_reply_code, smtp_reply_message, retry_count, is_successful
		FROM queue_entries
		WHERE request_id = $1
		ORDER BY party_to ASC
	`

	rows, err := r.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// scanQueueEntry scans a row into a QueueEntry
func scanQueueEntry(rows *sql.Rows) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	var replyCode sql.NullInt64
	var replyMessage sql.NullString

	err := rows.Scan(
		&entry.RequestID, &entry.PartyTo, &replyCode, &replyMessage,
		&entry.RetryCount, &entry.IsSuccessful,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}

	if replyCode.Valid {
		code := int(replyCode.Int64)
		entry.SMTPReplyCode = &code
	}
	if replyMessage.Valid {
		entry.SMTPReplyMessage = &replyMessage.String
	}

	return &entry, nil
}
