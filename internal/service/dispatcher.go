package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heraldmail/herald/internal/domain"
	"github.com/heraldmail/herald/pkg/logger"
	"github.com/heraldmail/herald/pkg/smtpclient"
)

// unknownSender is the envelope sender used when the sender party has no
// email on file.
const unknownSender = "unknown@unknown.com"

// SMTPDialer opens a delivery session. Split out so tests can script the
// session.
type SMTPDialer func(host string, port int) (smtpclient.Session, smtpclient.Reply, error)

// SMTPDial is the production dialer.
func SMTPDial(host string, port int) (smtpclient.Session, smtpclient.Reply, error) {
	client, reply, err := smtpclient.Open(host, port)
	if err != nil {
		return nil, reply, err
	}
	return client, reply, nil
}

// Dispatcher delivers queued notifications. One run drives a single SMTP
// session sequentially; rows arrive ordered by (sender, recipient) and the
// run keeps a DATA section open across consecutive rows sharing that
// envelope to avoid churning MAIL/RCPT/DATA per message.
type Dispatcher struct {
	requestRepo domain.RequestRepository
	queueRepo   domain.QueueRepository
	jobRepo     domain.JobRepository
	expander    *Expander
	dial        SMTPDialer
	logger      logger.Logger
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(
	requestRepo domain.RequestRepository,
	queueRepo domain.QueueRepository,
	jobRepo domain.JobRepository,
	expander *Expander,
	dial SMTPDialer,
	log logger.Logger,
) *Dispatcher {
	if dial == nil {
		dial = SMTPDial
	}
	return &Dispatcher{
		requestRepo: requestRepo,
		queueRepo:   queueRepo,
		jobRepo:     jobRepo,
		expander:    expander,
		dial:        dial,
		logger:      log,
	}
}

var _ domain.DispatchServiceInterface = (*Dispatcher)(nil)

// ProcessQueue runs one dispatch pass: stamp the job row, expand pending
// requests, deliver retryable queue rows, reconcile request statuses.
//
// Overlapping runs are serialized with an advisory lock; a run that cannot
// get it returns without work. Every mutation is additionally guarded at
// the row level, so correctness does not depend on the lock.
func (d *Dispatcher) ProcessQueue(ctx context.Context, host string, port int) error {
	release, acquired, err := d.jobRepo.AcquireRunLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		d.logger.Debug("Dispatch run already in flight, skipping")
		return nil
	}
	defer release()

	if err := d.jobRepo.SetLastRun(ctx, time.Now().UTC()); err != nil {
		return err
	}

	active, err := d.requestRepo.HasActive(ctx)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	sess, openReply, err := d.dial(host, port)
	if err != nil || openReply.Code != 250 {
		if sess != nil {
			sess.Close()
		}
		return d.connectionFailure(ctx, openReply, err)
	}
	defer sess.Close()

	if err := d.expander.Expand(ctx); err != nil {
		return err
	}

	if err := d.deliver(ctx, sess); err != nil {
		return err
	}

	return d.requestRepo.Reconcile(ctx, time.Now().UTC())
}

// connectionFailure folds every retryable row of every sending request
// forward by one retry with the failing open reply recorded, then
// reconciles. Expansion is skipped: nothing could be delivered anyway, and
// fresh requests keep their chance intact.
func (d *Dispatcher) connectionFailure(ctx context.Context, reply smtpclient.Reply, dialErr error) error {
	code, text := reply.Code, reply.Text
	if code == 0 && dialErr != nil {
		// No reply line was read; record the transport failure as a 421.
		code, text = 421, dialErr.Error()
	}

	d.logger.WithFields(map[string]interface{}{
		"reply_code": code,
		"reply_text": text,
	}).Warn("SMTP connection failed, bulk-retrying queue")

	if err := d.queueRepo.BulkRetryFailure(ctx, code, text); err != nil {
		return err
	}
	return d.requestRepo.Reconcile(ctx, time.Now().UTC())
}

// deliver streams the deliverable rows through the session. The coalescing
// state machine has two states, idle and data-open(from, to): a row with
// the same envelope as the open DATA section is appended to it; a boundary
// change closes the section first.
func (d *Dispatcher) deliver(ctx context.Context, sess smtpclient.Session) error {
	rows, err := d.queueRepo.ListDeliverable(ctx)
	if err != nil {
		return err
	}

	var prevFrom, prevTo int64 = -1, -1
	dataOpen := false

	closeData := func() {
		if !dataOpen {
			return
		}
		dataOpen = false
		if reply, err := sess.CloseData(); err != nil || reply.Code != 250 {
			// Prior rows in this section were already marked; nothing
			// retryable is lost, so log and move on.
			d.logger.WithFields(map[string]interface{}{
				"reply_code": reply.Code,
				"reply_text": reply.Text,
			}).Warn("Closing DATA section failed")
		}
	}

	for _, row := range rows {
		if dataOpen && (row.PartyFrom != prevFrom || row.PartyTo != prevTo) {
			closeData()
		}

		if !dataOpen {
			sender := unknownSender
			if row.SenderEmail != nil {
				sender = *row.SenderEmail
			}

			reply, err := sess.MailFrom(sender)
			if failed, ferr := d.checkReply(ctx, row, reply, err, reply.Code != 250); failed || ferr != nil {
				if ferr != nil {
					return ferr
				}
				continue
			}

			reply, err = sess.RcptTo(row.RecipientEmail)
			if failed, ferr := d.checkReply(ctx, row, reply, err, reply.Code != 250 && reply.Code != 251); failed || ferr != nil {
				if ferr != nil {
					return ferr
				}
				continue
			}

			reply, err = sess.OpenData()
			if failed, ferr := d.checkReply(ctx, row, reply, err, reply.Code != 354); failed || ferr != nil {
				if ferr != nil {
					return ferr
				}
				continue
			}

			if err := sess.WriteHeaders(sender, row.RecipientEmail, row.Subject, row.RequestDate); err != nil {
				return err
			}
			dataOpen = true
			prevFrom, prevTo = row.PartyFrom, row.PartyTo
		}

		prefix := fmt.Sprintf("\n\nMessage sent on %s regarding %s\n\n",
			smtpclient.FormatDate(row.RequestDate), row.Subject)
		if err := sess.WriteString(prefix); err != nil {
			return err
		}

		body := d.requestRepo.MessageReader(ctx, row.RequestID)
		err := sess.WriteChunks(body)
		body.Close()
		if err != nil {
			return err
		}

		if err := d.queueRepo.MarkDelivered(ctx, row.RequestID, row.PartyTo); err != nil {
			return err
		}
	}

	closeData()
	return nil
}

// checkReply decides what a step's outcome means for the row. A bad reply
// code, or a transient/permanent error from the session, burns one retry
// and records the reply (failed=true). Local errors propagate and abort the
// run. Returns (false, nil) when the step succeeded.
func (d *Dispatcher) checkReply(ctx context.Context, row *domain.DeliverableRow, reply smtpclient.Reply, err error, badCode bool) (bool, error) {
	if err != nil {
		var smtpErr *smtpclient.Error
		if errors.As(err, &smtpErr) && smtpErr.Class != smtpclient.ErrorClassLocal {
			return true, d.recordRowFailure(ctx, row, smtpErr.Reply)
		}
		return false, err
	}
	if badCode {
		return true, d.recordRowFailure(ctx, row, reply)
	}
	return false, nil
}

func (d *Dispatcher) recordRowFailure(ctx context.Context, row *domain.DeliverableRow, reply smtpclient.Reply) error {
	d.logger.WithFields(map[string]interface{}{
		"request_id": row.RequestID,
		"party_to":   row.PartyTo,
		"reply_code": reply.Code,
	}).Warn("Delivery attempt failed")

	return d.queueRepo.MarkAttemptFailed(ctx, row.RequestID, row.PartyTo, reply.Code, reply.Text)
}
