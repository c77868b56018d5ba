package domain

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/asaskevich/govalidator"
)

// RequestStatus represents the lifecycle state of a notification request.
type RequestStatus string

const (
	RequestStatusPending        RequestStatus = "pending"
	RequestStatusSending        RequestStatus = "sending"
	RequestStatusSent           RequestStatus = "sent"
	RequestStatusPartialFailure RequestStatus = "partial_failure"
	RequestStatusFailed         RequestStatus = "failed"
	RequestStatusCancelled      RequestStatus = "cancelled"
)

// IsTerminal reports whether a request in this status will never change again.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusSent, RequestStatusPartialFailure, RequestStatusFailed, RequestStatusCancelled:
		return true
	}
	return false
}

// DefaultMaxRetries bounds delivery attempts per recipient when the caller
// does not say otherwise. retry_count < max_retries gates every attempt, so
// this is an exclusive bound.
const DefaultMaxRetries = 3

// MaxSubjectLength is the longest accepted subject.
const MaxSubjectLength = 1000

// Request is a single caller-submitted notification order. The target party
// may be a group; expansion turns it into per-recipient queue entries.
type Request struct {
	ID          int64         `json:"id"`
	PartyFrom   int64         `json:"party_from"`
	PartyTo     int64         `json:"party_to"`
	ExpandGroup bool          `json:"expand_group"`
	Subject     string        `json:"subject"`
	Message     string        `json:"message"`
	Status      RequestStatus `json:"status"`
	MaxRetries  int           `json:"max_retries"`
	RequestDate time.Time     `json:"request_date"`
	FulfillDate *time.Time    `json:"fulfill_date,omitempty"`
}

// QueueEntry is one recipient's delivery slot for a request; the unit of
// retry. A successful entry is terminal and never mutated again.
type QueueEntry struct {
	RequestID        int64   `json:"request_id"`
	PartyTo          int64   `json:"party_to"`
	SMTPReplyCode    *int    `json:"smtp_reply_code,omitempty"`
	SMTPReplyMessage *string `json:"smtp_reply_message,omitempty"`
	RetryCount       int     `json:"retry_count"`
	IsSuccessful     bool    `json:"is_successful"`
}

// Retryable reports whether the dispatcher may still attempt this entry.
func (e *QueueEntry) Retryable(maxRetries int) bool {
	return !e.IsSuccessful && e.RetryCount < maxRetries
}

// RequestWithEntries is a request together with its queue rows, for
// operator inspection.
type RequestWithEntries struct {
	Request *Request      `json:"request"`
	Entries []*QueueEntry `json:"entries"`
}

// CreateRequestInput carries the post_request parameters.
type CreateRequestInput struct {
	PartyFrom   int64  `json:"party_from"`
	PartyTo     int64  `json:"party_to"`
	ExpandGroup bool   `json:"expand_group"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	MaxRetries  *int   `json:"max_retries,omitempty"`
}

// Validate checks the input and applies the max retries default. Nothing is
// persisted when validation fails.
func (i *CreateRequestInput) Validate() error {
	if i.PartyFrom <= 0 {
		return NewValidationError("party_from is required")
	}
	if i.PartyTo <= 0 {
		return NewValidationError("party_to is required")
	}
	if i.Subject == "" {
		return NewValidationError("subject is required")
	}
	if !govalidator.RuneLength(i.Subject, "1", fmt.Sprintf("%d", MaxSubjectLength)) {
		return NewValidationError(fmt.Sprintf("subject must be at most %d characters", MaxSubjectLength))
	}
	if i.MaxRetries == nil {
		d := DefaultMaxRetries
		i.MaxRetries = &d
	} else if *i.MaxRetries < 0 {
		return NewValidationError("max_retries must be >= 0")
	}
	return nil
}

// DeliverableRow is a queue entry joined with its request and both parties,
// as streamed by the dispatcher scan. Rows arrive ordered by
// (party_from, party_to) so entries sharing an envelope are contiguous.
type DeliverableRow struct {
	RequestID      int64
	PartyTo        int64
	PartyFrom      int64
	SenderEmail    *string
	RecipientEmail string
	Subject        string
	RequestDate    time.Time
	RetryCount     int
	MaxRetries     int
}

// QueueStats summarizes requests by status and queue rows by retryability.
type QueueStats struct {
	Pending        int64 `json:"pending"`
	Sending        int64 `json:"sending"`
	Sent           int64 `json:"sent"`
	PartialFailure int64 `json:"partial_failure"`
	Failed         int64 `json:"failed"`
	Cancelled      int64 `json:"cancelled"`

	RetryableEntries int64 `json:"retryable_entries"`
	ExhaustedEntries int64 `json:"exhausted_entries"`
	DeliveredEntries int64 `json:"delivered_entries"`
}

// RequestRepository defines data access for notification requests.
type RequestRepository interface {
	// Create inserts a new pending request and returns the allocated id.
	// Ids come from a monotonic allocator starting at 1000. Atomic: on
	// failure no row is left behind.
	Create(ctx context.Context, input *CreateRequestInput) (int64, error)

	// GetByID fetches a single request.
	GetByID(ctx context.Context, id int64) (*Request, error)

	// ListPending returns every request still awaiting expansion.
	ListPending(ctx context.Context) ([]*Request, error)

	// MarkSending transitions the given still-pending requests to sending
	// in one set operation. Requests that already left pending are skipped.
	MarkSending(ctx context.Context, ids []int64) error

	// Cancel forces every queue row of the request past its retry budget and
	// sets the request status to cancelled. Idempotent; terminal requests
	// keep their status but their rows are still made non-retryable.
	Cancel(ctx context.Context, id int64) error

	// Reconcile derives request status from queue row outcomes in three
	// disjoint set operations: sent, failed, partial_failure. Idempotent.
	Reconcile(ctx context.Context, now time.Time) error

	// HasActive reports whether any request is pending or sending.
	HasActive(ctx context.Context) (bool, error)

	// MessageReader streams the request body in store-side chunks so the
	// dispatcher never buffers a whole message.
	MessageReader(ctx context.Context, id int64) io.ReadCloser

	// Stats summarizes the current request and queue population.
	Stats(ctx context.Context) (*QueueStats, error)
}

// QueueRepository defines data access for per-recipient queue entries.
// Every mutation re-checks retryability and request status so overlapping
// dispatcher runs and concurrent cancels stay safe.
type QueueRepository interface {
	// InsertEntries adds expansion results. Duplicate (request, recipient)
	// pairs are ignored.
	InsertEntries(ctx context.Context, entries []*QueueEntry) error

	// ListDeliverable returns the rows the dispatcher should attempt,
	// ordered by (request.party_from, queue.party_to).
	ListDeliverable(ctx context.Context) ([]*DeliverableRow, error)

	// MarkDelivered flags a row successful, if it is still retryable and its
	// request is still sending.
	MarkDelivered(ctx context.Context, requestID, partyTo int64) error

	// MarkAttemptFailed burns one retry and records the last SMTP reply,
	// under the same guard as MarkDelivered.
	MarkAttemptFailed(ctx context.Context, requestID, partyTo int64, replyCode int, replyMessage string) error

	// BulkRetryFailure burns one retry on every retryable row of every
	// sending request, recording the reply of a failed connection open.
	BulkRetryFailure(ctx context.Context, replyCode int, replyMessage string) error

	// ListByRequest returns all queue rows of one request.
	ListByRequest(ctx context.Context, requestID int64) ([]*QueueEntry, error)
}
