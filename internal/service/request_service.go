package service

import (
	"context"

	"github.com/heraldmail/herald/internal/domain"
	"github.com/heraldmail/herald/pkg/logger"
)

// RequestService implements the producer-facing API: posting and cancelling
// notification requests.
type RequestService struct {
	requestRepo domain.RequestRepository
	queueRepo   domain.QueueRepository
	directory   domain.PartyDirectory
	logger      logger.Logger
}

// NewRequestService creates a new RequestService
func NewRequestService(requestRepo domain.RequestRepository, queueRepo domain.QueueRepository, directory domain.PartyDirectory, log logger.Logger) *RequestService {
	return &RequestService{
		requestRepo: requestRepo,
		queueRepo:   queueRepo,
		directory:   directory,
		logger:      log,
	}
}

var _ domain.RequestServiceInterface = (*RequestService)(nil)

// PostRequest validates the input and inserts a pending request, returning
// the allocated id. The target party must exist; the sender is not checked
// here because delivery falls back to a placeholder address when the sender
// has no directory entry. Validation failures persist nothing.
func (s *RequestService) PostRequest(ctx context.Context, input *domain.CreateRequestInput) (int64, error) {
	if err := input.Validate(); err != nil {
		return 0, err
	}

	if _, err := s.directory.Resolve(ctx, input.PartyTo); err != nil {
		return 0, err
	}

	id, err := s.requestRepo.Create(ctx, input)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to create request")
		return 0, err
	}

	s.logger.WithFields(map[string]interface{}{
		"request_id": id,
		"party_from": input.PartyFrom,
		"party_to":   input.PartyTo,
	}).Info("Notification request posted")

	return id, nil
}

// CancelRequest terminalizes a request: its queue rows are forced past their
// retry budget and its status becomes cancelled. Idempotent.
func (s *RequestService) CancelRequest(ctx context.Context, id int64) error {
	if err := s.requestRepo.Cancel(ctx, id); err != nil {
		return err
	}

	s.logger.WithField("request_id", id).Info("Notification request cancelled")
	return nil
}

// GetRequest returns a request with its queue rows.
func (s *RequestService) GetRequest(ctx context.Context, id int64) (*domain.RequestWithEntries, error) {
	req, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	entries, err := s.queueRepo.ListByRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	return &domain.RequestWithEntries{Request: req, Entries: entries}, nil
}

// Stats summarizes the current request and queue population.
func (s *RequestService) Stats(ctx context.Context) (*domain.QueueStats, error) {
	return s.requestRepo.Stats(ctx)
}
