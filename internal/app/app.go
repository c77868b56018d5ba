package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/heraldmail/herald/config"
	"github.com/heraldmail/herald/internal/database"
	"github.com/heraldmail/herald/internal/domain"
	httpHandler "github.com/heraldmail/herald/internal/http"
	"github.com/heraldmail/herald/internal/repository"
	"github.com/heraldmail/herald/internal/service"
	"github.com/heraldmail/herald/pkg/logger"
)

// App encapsulates the application dependencies and configuration
type App struct {
	config *config.Config
	logger logger.Logger
	db     *sql.DB

	// Repositories
	requestRepo domain.RequestRepository
	queueRepo   domain.QueueRepository
	partyRepo   domain.PartyDirectory
	jobRepo     domain.JobRepository

	// Services
	requestService   *service.RequestService
	dispatchService  *service.Dispatcher
	schedulerService *service.SchedulerService
	runner           *service.TickerScheduler

	mux    *http.ServeMux
	server *http.Server
}

// AppOption defines a function signature for configuring the App
type AppOption func(*App)

// WithLogger sets a custom logger for the App
func WithLogger(log logger.Logger) AppOption {
	return func(a *App) {
		a.logger = log
	}
}

// NewApp creates a new application instance
func NewApp(cfg *config.Config, opts ...AppOption) *App {
	a := &App{
		config: cfg,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		a.logger = logger.NewLoggerWithLevel(cfg.LogLevel)
	}

	return a
}

// InitDB connects to the database and ensures the schema exists
func (a *App) InitDB() error {
	db, err := database.Connect(&a.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.InitializeDatabase(db); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	a.db = db
	return nil
}

// InitRepositories initializes all repositories
func (a *App) InitRepositories() error {
	a.requestRepo = repository.NewRequestRepository(a.db)
	a.queueRepo = repository.NewQueueRepository(a.db)
	a.partyRepo = repository.NewPartyRepository(a.db)
	a.jobRepo = repository.NewJobRepository(a.db)
	return nil
}

// InitServices initializes all services
func (a *App) InitServices() error {
	a.requestService = service.NewRequestService(a.requestRepo, a.queueRepo, a.partyRepo, a.logger)

	expander := service.NewExpander(a.requestRepo, a.queueRepo, a.partyRepo, a.logger)
	a.dispatchService = service.NewDispatcher(a.requestRepo, a.queueRepo, a.jobRepo, expander, nil, a.logger)

	a.runner = service.NewTickerScheduler(a.logger)
	a.schedulerService = service.NewSchedulerService(a.jobRepo, a.runner, a.dispatchService, a.logger)
	return nil
}

// InitHandlers initializes HTTP handlers and routes
func (a *App) InitHandlers() error {
	requestHandler := httpHandler.NewRequestHandler(a.requestService, a.logger)
	requestHandler.RegisterRoutes(a.mux)

	dispatchHandler := httpHandler.NewDispatchHandler(
		a.schedulerService,
		a.dispatchService,
		a.config.SMTP.Host,
		a.config.SMTP.Port,
		a.logger,
	)
	dispatchHandler.RegisterRoutes(a.mux)

	a.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, a.config.Version)
	})

	return nil
}

// Initialize sets up all application components in order
func (a *App) Initialize() error {
	if err := a.InitDB(); err != nil {
		return err
	}
	if err := a.InitRepositories(); err != nil {
		return err
	}
	if err := a.InitServices(); err != nil {
		return err
	}
	if err := a.InitHandlers(); err != nil {
		return err
	}

	// Re-enable periodic dispatch when configured. Interval 0 leaves it to
	// the API.
	if a.config.Dispatch.IntervalMinutes > 0 {
		interval := a.config.Dispatch.IntervalMinutes
		if err := a.schedulerService.ScheduleProcess(context.Background(), &interval, a.config.SMTP.Host, a.config.SMTP.Port); err != nil {
			return fmt.Errorf("failed to schedule dispatch: %w", err)
		}
	}

	return nil
}

// Start runs the HTTP server. It blocks until the server stops.
func (a *App) Start() error {
	addr := fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)

	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	a.logger.WithField("addr", addr).Info("HTTP server listening")

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the scheduler, the HTTP server and closes the database.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down")

	if a.runner != nil {
		a.runner.Stop()
	}

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.WithField("error", err.Error()).Error("HTTP server shutdown error")
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	return nil
}

// GetConfig returns the app configuration
func (a *App) GetConfig() *config.Config {
	return a.config
}

// GetLogger returns the app logger
func (a *App) GetLogger() logger.Logger {
	return a.logger
}

// GetMux returns the HTTP mux
func (a *App) GetMux() *http.ServeMux {
	return a.mux
}

// GetDB returns the database handle
func (a *App) GetDB() *sql.DB {
	return a.db
}
