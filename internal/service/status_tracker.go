package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
)

const (
	InterruptedMessage = "refresh interrupted by restart"

	subscriberBuffer = 8
)

// StatusStore persists the refresh status record.
type StatusStore interface {
	LoadStatus(ctx context.Context) (domain.RefreshStatus, error)
	SaveStatus(ctx context.Context, status domain.RefreshStatus) error
}

type StatusTrackerConfig struct {
	Store  StatusStore
	Now    func() time.Time
	Logger *log.Logger
}

// StatusTracker owns the process-wide refresh status. Every change is
// written through to the store and pushed to subscribers.
type StatusTracker struct {
	mu      sync.RWMutex
	status  domain.RefreshStatus
	version uint64

	// persistMu orders store writes; saved is the version last written.
	persistMu sync.Mutex
	saved     uint64

	store  StatusStore
	now    func() time.Time
	logger *log.Logger

	subscribers map[int]chan domain.RefreshStatus
	nextSubID   int
}

// NewStatusTracker restores the persisted status. A status left busy by a
// process that died mid-cycle is rewritten to error.
func NewStatusTracker(ctx context.Context, config StatusTrackerConfig) *StatusTracker {
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	t := &StatusTracker{
		status:      domain.IdleStatus(),
		store:       config.Store,
		now:         config.Now,
		logger:      config.Logger,
		subscribers: make(map[int]chan domain.RefreshStatus),
	}

	if t.store == nil {
		return t
	}
	persisted, err := t.store.LoadStatus(ctx)
	if err != nil {
		t.logf("load refresh status failed, starting idle: %v", err)
		return t
	}
	if persisted.Status == "" {
		persisted = domain.IdleStatus()
	}
	t.status = persisted

	if persisted.Status.Busy() {
		t.logf("refresh status was %s at startup, marking interrupted", persisted.Status)
		t.set(ctx, domain.RefreshStatus{
			Status:  domain.RefreshStateError,
			Message: InterruptedMessage,
			Count:   persisted.Count,
		})
	}
	return t
}

// Current returns a snapshot of the latest status.
func (t *StatusTracker) Current() domain.RefreshStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// TryBegin moves the status to fetching unless a cycle is already in
// flight. The returned status is the one in effect after the call.
func (t *StatusTracker) TryBegin(ctx context.Context, message string) (domain.RefreshStatus, bool) {
	t.mu.Lock()
	if t.status.Status.Busy() {
		current := t.status
		t.mu.Unlock()
		return current, false
	}
	status, version := t.setLocked(domain.RefreshStatus{
		Status:  domain.RefreshStateFetching,
		Message: message,
	})
	t.mu.Unlock()

	t.persist(ctx, status, version)
	return status, true
}

func (t *StatusTracker) Processing(ctx context.Context, count int, message string) {
	t.set(ctx, domain.RefreshStatus{
		Status:  domain.RefreshStateProcessing,
		Message: message,
		Count:   count,
	})
}

func (t *StatusTracker) Complete(ctx context.Context, count int, message string) {
	t.set(ctx, domain.RefreshStatus{
		Status:  domain.RefreshStateCompleted,
		Message: message,
		Count:   count,
	})
}

func (t *StatusTracker) Fail(ctx context.Context, message string) {
	t.set(ctx, domain.RefreshStatus{
		Status:  domain.RefreshStateError,
		Message: message,
	})
}

// Subscribe registers for status changes. The channel receives the current
// status first; a slow subscriber only ever misses intermediate states.
func (t *StatusTracker) Subscribe() (<-chan domain.RefreshStatus, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubID
	t.nextSubID++
	ch := make(chan domain.RefreshStatus, subscriberBuffer)
	ch <- t.status
	t.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subscribers[id]; ok {
				delete(t.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (t *StatusTracker) set(ctx context.Context, status domain.RefreshStatus) {
	t.mu.Lock()
	status, version := t.setLocked(status)
	t.mu.Unlock()

	t.persist(ctx, status, version)
}

// setLocked swaps the in-memory status and notifies subscribers. It never
// blocks, so readers are not held up by a slow store.
func (t *StatusTracker) setLocked(status domain.RefreshStatus) (domain.RefreshStatus, uint64) {
	status.LastUpdated = t.now()
	t.status = status
	t.version++

	for _, ch := range t.subscribers {
		select {
		case ch <- status:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- status
		}
	}
	return status, t.version
}

// persist writes a status outside the state lock. A write that lost the race
// to a newer status is dropped so the store never moves backwards.
func (t *StatusTracker) persist(ctx context.Context, status domain.RefreshStatus, version uint64) {
	if t.store == nil {
		return
	}
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	if version <= t.saved {
		return
	}
	// The in-memory status stays authoritative when the write fails.
	if err := t.store.SaveStatus(context.WithoutCancel(ctx), status); err != nil {
		t.logf("persist refresh status failed status=%s err=%v", status.Status, err)
		return
	}
	t.saved = version
}

func (t *StatusTracker) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
