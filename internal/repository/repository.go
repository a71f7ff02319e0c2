package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// EmailsRepository persists the processed-email snapshot and the refresh
// status record. Both saves are full overwrites.
type EmailsRepository interface {
	LoadProcessed(ctx context.Context) ([]domain.ProcessedEmail, error)
	SaveProcessed(ctx context.Context, emails []domain.ProcessedEmail) error
	GetProcessed(ctx context.Context, id string) (domain.ProcessedEmail, error)
	LoadStatus(ctx context.Context) (domain.RefreshStatus, error)
	SaveStatus(ctx context.Context, status domain.RefreshStatus) error
}

// MemoryRepository keeps everything in process memory for local
// development and tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	processed []domain.ProcessedEmail
	status    domain.RefreshStatus
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		processed: []domain.ProcessedEmail{},
		status:    domain.IdleStatus(),
	}
}

func (r *MemoryRepository) LoadProcessed(_ context.Context) ([]domain.ProcessedEmail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneEmails(r.processed), nil
}

func (r *MemoryRepository) SaveProcessed(_ context.Context, emails []domain.ProcessedEmail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = cloneEmails(emails)
	return nil
}

func (r *MemoryRepository) GetProcessed(_ context.Context, id string) (domain.ProcessedEmail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findEmail(r.processed, id)
}

func (r *MemoryRepository) LoadStatus(_ context.Context) (domain.RefreshStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status, nil
}

func (r *MemoryRepository) SaveStatus(_ context.Context, status domain.RefreshStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = normalizeStatus(status)
	return nil
}

func findEmail(emails []domain.ProcessedEmail, id string) (domain.ProcessedEmail, error) {
	for _, email := range emails {
		if email.ID == id {
			return cloneEmail(email), nil
		}
	}
	return domain.ProcessedEmail{}, ErrNotFound
}

func cloneEmails(emails []domain.ProcessedEmail) []domain.ProcessedEmail {
	clone := make([]domain.ProcessedEmail, 0, len(emails))
	for _, email := range emails {
		clone = append(clone, cloneEmail(email))
	}
	return clone
}

// cloneEmail deep-copies the item slices and normalizes times to UTC.
func cloneEmail(email domain.ProcessedEmail) domain.ProcessedEmail {
	clone := email
	clone.Date = email.Date.UTC()
	clone.Todos = make([]domain.Todo, 0, len(email.Todos))
	for _, todo := range email.Todos {
		todo.Due = cloneTime(todo.Due)
		clone.Todos = append(clone.Todos, todo)
	}
	clone.Events = make([]domain.Event, 0, len(email.Events))
	for _, event := range email.Events {
		event.Start = cloneTime(event.Start)
		event.End = cloneTime(event.End)
		clone.Events = append(clone.Events, event)
	}
	return clone
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func normalizeStatus(status domain.RefreshStatus) domain.RefreshStatus {
	if status.Status == "" {
		status.Status = domain.RefreshStateIdle
	}
	status.LastUpdated = status.LastUpdated.UTC()
	return status
}
