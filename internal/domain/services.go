package domain

import "context"

// RequestServiceInterface is the producer-facing API surface.
type RequestServiceInterface interface {
	PostRequest(ctx context.Context, input *CreateRequestInput) (int64, error)
	CancelRequest(ctx context.Context, id int64) error
	GetRequest(ctx context.Context, id int64) (*RequestWithEntries, error)
	Stats(ctx context.Context) (*QueueStats, error)
}

// DispatchServiceInterface runs one queue processing pass.
type DispatchServiceInterface interface {
	ProcessQueue(ctx context.Context, host string, port int) error
}

// SchedulerServiceInterface manages the periodic dispatch registration.
// A nil interval cancels the registration.
type SchedulerServiceInterface interface {
	ScheduleProcess(ctx context.Context, intervalMinutes *int, host string, port int) error
}
