package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
)

// LocalQueue is the in-process queue used when Redis is not configured.
// It holds at most one pending refresh.
type LocalQueue struct {
	ch          chan domain.RefreshRequest
	maxAttempts int
	retryDelay  time.Duration
	logger      *log.Logger

	dlqMu sync.Mutex
	dlq   []domain.RefreshRequest
}

type LocalQueueConfig struct {
	Capacity int
	// MaxAttempts of 1 disables retries.
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *log.Logger
}

func NewLocalQueue(config LocalQueueConfig) *LocalQueue {
	if config.Capacity <= 0 {
		config.Capacity = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	return &LocalQueue{
		ch:          make(chan domain.RefreshRequest, config.Capacity),
		maxAttempts: config.MaxAttempts,
		retryDelay:  config.RetryDelay,
		logger:      config.Logger,
		dlq:         make([]domain.RefreshRequest, 0),
	}
}

// Enqueue never blocks; a full queue returns ErrQueueFull.
func (q *LocalQueue) Enqueue(ctx context.Context, request domain.RefreshRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- request:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case request := <-q.ch:
			err := handler(ctx, request)
			if err == nil {
				continue
			}

			request.Attempt++
			if request.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, request)
				q.dlqMu.Unlock()
				if q.logger != nil {
					q.logger.Printf("local queue moved refresh to DLQ request_id=%s err=%v", request.ID, err)
				}
				continue
			}

			delay := time.Duration(request.Attempt) * q.retryDelay
			go func(retry domain.RefreshRequest) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					select {
					case q.ch <- retry:
					default:
						if q.logger != nil {
							q.logger.Printf("local queue dropped refresh retry request_id=%s reason=slot_taken", retry.ID)
						}
					}
				}
			}(request)
		}
	}
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}
