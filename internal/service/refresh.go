package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/queue"
	"github.com/iago/inbox-triage-back/internal/repository"
)

const DefaultWindowDays = 7

type StartOutcome string

const (
	StartStarted        StartOutcome = "started"
	StartAlreadyRunning StartOutcome = "already_running"
)

// StartResult is the answer to a refresh trigger.
type StartResult struct {
	Status      StartOutcome         `json:"status"`
	Message     string               `json:"message"`
	BatchStatus domain.RefreshStatus `json:"batch_status"`
}

type RefreshServiceConfig struct {
	Tracker    *StatusTracker
	Repo       repository.EmailsRepository
	Producer   queue.Producer
	WindowDays int
	NewID      func() string
	Logger     *log.Logger
}

// RefreshService starts refresh cycles and serves the processed snapshot.
// The cycle itself runs in the worker.
type RefreshService struct {
	tracker    *StatusTracker
	repo       repository.EmailsRepository
	producer   queue.Producer
	windowDays int
	newID      func() string
	logger     *log.Logger
}

func NewRefreshService(config RefreshServiceConfig) *RefreshService {
	if config.WindowDays <= 0 {
		config.WindowDays = DefaultWindowDays
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	return &RefreshService{
		tracker:    config.Tracker,
		repo:       config.Repo,
		producer:   config.Producer,
		windowDays: config.WindowDays,
		newID:      config.NewID,
		logger:     config.Logger,
	}
}

// StartRefresh hands one refresh cycle to the worker and returns without
// waiting for it. A call while a cycle is in flight is rejected, not queued.
func (s *RefreshService) StartRefresh(ctx context.Context) (StartResult, error) {
	status, ok := s.tracker.TryBegin(ctx, FetchingMessage(s.windowDays))
	if !ok {
		return StartResult{
			Status:      StartAlreadyRunning,
			Message:     "A refresh is already in progress",
			BatchStatus: status,
		}, nil
	}

	request := domain.RefreshRequest{
		ID:          s.newID(),
		WindowDays:  s.windowDays,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.producer.Enqueue(ctx, request); err != nil {
		s.tracker.Fail(ctx, fmt.Sprintf("Failed to start refresh: %v", err))
		return StartResult{}, fmt.Errorf("enqueue refresh: %w", err)
	}

	s.logf("refresh enqueued request_id=%s window_days=%d", request.ID, request.WindowDays)
	return StartResult{
		Status:      StartStarted,
		Message:     "Email refresh started",
		BatchStatus: status,
	}, nil
}

func (s *RefreshService) Status() domain.RefreshStatus {
	return s.tracker.Current()
}

func (s *RefreshService) Subscribe() (<-chan domain.RefreshStatus, func()) {
	return s.tracker.Subscribe()
}

func (s *RefreshService) ProcessedEmails(ctx context.Context) ([]domain.ProcessedEmail, error) {
	emails, err := s.repo.LoadProcessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("load processed emails: %w", err)
	}
	return emails, nil
}

func (s *RefreshService) GetProcessed(ctx context.Context, id string) (domain.ProcessedEmail, error) {
	return s.repo.GetProcessed(ctx, id)
}

// FetchingMessage is the status message shown while a cycle fetches mail.
func FetchingMessage(windowDays int) string {
	return fmt.Sprintf("Fetching emails from the last %d days", windowDays)
}

func (s *RefreshService) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
