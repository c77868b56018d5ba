package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldmail/herald/internal/domain"
	"github.com/heraldmail/herald/internal/repository/testutil"
)

func TestQueueRepository_InsertEntries(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewQueueRepository(db)

	t.Run("empty is a no-op", func(t *testing.T) {
		require.NoError(t, repo.InsertEntries(context.Background(), nil))
	})

	t.Run("duplicates ignored on conflict", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO queue_entries .+ ON CONFLICT \(request_id, party_to\) DO NOTHING`).
			WithArgs(int64(1000), int64(2), 0, false, int64(1000), int64(3), 0, false).
			WillReturnResult(sqlmock.NewResult(0, 2))

		entries := []*domain.QueueEntry{
			{RequestID: 1000, PartyTo: 2},
			{RequestID: 1000, PartyTo: 3},
		}
		require.NoError(t, repo.InsertEntries(context.Background(), entries))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueueRepository_ListDeliverable(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"request_id", "party_to", "retry_count",
		"party_from", "subject", "request_date", "max_retries",
		"sender_email", "recipient_email",
	}).
		AddRow(1000, 2, 0, 1, "Hello", now, 3, "alice@example.com", "bob@example.com").
		AddRow(1001, 3, 1, 9, "Later", now, 3, nil, "carol@example.com")

	mock.ExpectQuery(`FROM queue_entries q\s+JOIN requests r ON r\.id = q\.request_id`).
		WillReturnRows(rows)

	result, err := repo.ListDeliverable(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 2)

	assert.Equal(t, int64(1000), result[0].RequestID)
	require.NotNil(t, result[0].SenderEmail)
	assert.Equal(t, "alice@example.com", *result[0].SenderEmail)

	// Sender party without a row in parties still delivers.
	assert.Nil(t, result[1].SenderEmail)
	assert.Equal(t, "carol@example.com", result[1].RecipientEmail)
}

func TestQueueRepository_MarkDelivered(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewQueueRepository(db)

	mock.ExpectExec(`UPDATE queue_entries q\s+SET is_successful = TRUE`).
		WithArgs(int64(1000), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkDelivered(context.Background(), 1000, 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepository_MarkAttemptFailed(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewQueueRepository(db)

	mock.ExpectExec(`UPDATE queue_entries q\s+SET retry_count = q\.retry_count \+ 1, smtp_reply_code = \$3, smtp_reply_message = \$4`).
		WithArgs(int64(1000), int64(2), 550, "No such user").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkAttemptFailed(context.Background(), 1000, 2, 550, "No such user"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepository_BulkRetryFailure(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewQueueRepository(db)

	mock.ExpectExec(`UPDATE queue_entries q\s+SET retry_count = q\.retry_count \+ 1, smtp_reply_code = \$1, smtp_reply_message = \$2`).
		WithArgs(421, "connection refused").
		WillReturnResult(sqlmock.NewResult(0, 5))

	require.NoError(t, repo.BulkRetryFailure(context.Background(), 421, "connection refused"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepository_ListByRequest(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewQueueRepository(db)

	rows := sqlmock.NewRows([]string{
		"request_id", "party_to", "smtp_reply_code", "smtp_reply_message", "retry_count", "is_successful",
	}).
		AddRow(1000, 2, nil, nil, 0, true).
		AddRow(1000, 3, 550, "No such user", 3, false)

	mock.ExpectQuery(`FROM queue_entries\s+WHERE request_id = \$1`).
		WithArgs(int64(1000)).
		WillReturnRows(rows)

	entries, err := repo.ListByRequest(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].IsSuccessful)
	assert.Nil(t, entries[0].SMTPReplyCode)

	require.NotNil(t, entries[1].SMTPReplyCode)
	assert.Equal(t, 550, *entries[1].SMTPReplyCode)
	require.NotNil(t, entries[1].SMTPReplyMessage)
	assert.Equal(t, "No such user", *entries[1].SMTPReplyMessage)
	assert.False(t, entries[1].Retryable(3))
}
