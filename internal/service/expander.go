package service

import (
	"context"

	"github.com/heraldmail/herald/internal/domain"
	"github.com/heraldmail/herald/pkg/logger"
)

// Expander turns pending requests into per-recipient queue entries. It runs
// as the first step of every dispatch pass.
type Expander struct {
	requestRepo domain.RequestRepository
	queueRepo   domain.QueueRepository
	directory   domain.PartyDirectory
	logger      logger.Logger
}

// NewExpander creates a new Expander
func NewExpander(requestRepo domain.RequestRepository, queueRepo domain.QueueRepository, directory domain.PartyDirectory, log logger.Logger) *Expander {
	return &Expander{
		requestRepo: requestRepo,
		queueRepo:   queueRepo,
		directory:   directory,
		logger:      log,
	}
}

// Expand inserts queue rows for every pending request, then transitions the
// expanded requests to sending in one set operation. Once a request leaves
// pending it is never re-expanded.
//
// A group-targeted request with no approved members still yields one row
// addressed to the group party itself; the delivery scan drops it later if
// that party has no email.
func (e *Expander) Expand(ctx context.Context) error {
	pending, err := e.requestRepo.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	expanded := make([]int64, 0, len(pending))
	for _, req := range pending {
		entries, err := e.entriesFor(ctx, req)
		if err != nil {
			return err
		}
		if err := e.queueRepo.InsertEntries(ctx, entries); err != nil {
			return err
		}
		expanded = append(expanded, req.ID)

		e.logger.WithFields(map[string]interface{}{
			"request_id": req.ID,
			"recipients": len(entries),
		}).Debug("Request expanded")
	}

	return e.requestRepo.MarkSending(ctx, expanded)
}

func (e *Expander) entriesFor(ctx context.Context, req *domain.Request) ([]*domain.QueueEntry, error) {
	if !req.ExpandGroup {
		return []*domain.QueueEntry{{RequestID: req.ID, PartyTo: req.PartyTo}}, nil
	}

	members, err := e.directory.MembersOf(ctx, req.PartyTo)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		// Outer-join semantics: the original target keeps its slot.
		return []*domain.QueueEntry{{RequestID: req.ID, PartyTo: req.PartyTo}}, nil
	}

	entries := make([]*domain.QueueEntry, 0, len(members))
	for _, member := range members {
		entries = append(entries, &domain.QueueEntry{RequestID: req.ID, PartyTo: member})
	}
	return entries, nil
}
