package telemetry

import (
	"fmt"
	"time"

	"github.com/posthog/posthog-go"
)

const refreshEvent = "refresh_cycle"

// RefreshEvent describes one finished refresh cycle.
type RefreshEvent struct {
	RequestID    string
	Outcome      string
	Fetched      int
	Materialized int
	Skipped      int
	CacheHits    int
	TotalTokens  int
	JobName      string
	Model        string
	Duration     time.Duration
	Failure      string
}

// Monitor receives refresh cycle events. Implementations must not block the
// worker for long.
type Monitor interface {
	RefreshCycle(event RefreshEvent) error
	Close() error
}

type NoopMonitor struct{}

func (NoopMonitor) RefreshCycle(RefreshEvent) error { return nil }
func (NoopMonitor) Close() error                    { return nil }

type PosthogConfig struct {
	APIKey   string
	Endpoint string

	// DistinctID identifies this installation in event streams.
	DistinctID string
}

// PosthogMonitor sends refresh cycle events to PostHog. The client batches
// events in the background and flushes on Close.
type PosthogMonitor struct {
	client     posthog.Client
	distinctID string
}

func NewPosthogMonitor(config PosthogConfig) (*PosthogMonitor, error) {
	if config.DistinctID == "" {
		config.DistinctID = "inbox-triage"
	}
	client, err := posthog.NewWithConfig(config.APIKey, posthog.Config{Endpoint: config.Endpoint})
	if err != nil {
		return nil, fmt.Errorf("create posthog client: %w", err)
	}
	return &PosthogMonitor{client: client, distinctID: config.DistinctID}, nil
}

func (p *PosthogMonitor) RefreshCycle(event RefreshEvent) error {
	return p.client.Enqueue(posthog.Capture{
		DistinctId: p.distinctID,
		Event:      refreshEvent,
		Properties: posthog.NewProperties().
			Set("request_id", event.RequestID).
			Set("outcome", event.Outcome).
			Set("fetched", event.Fetched).
			Set("materialized", event.Materialized).
			Set("skipped", event.Skipped).
			Set("cache_hits", event.CacheHits).
			Set("total_tokens", event.TotalTokens).
			Set("job_name", event.JobName).
			Set("model", event.Model).
			Set("latency_ms", event.Duration.Milliseconds()).
			Set("is_error", event.Failure != "").
			Set("failure", event.Failure),
	})
}

func (p *PosthogMonitor) Close() error {
	return p.client.Close()
}
