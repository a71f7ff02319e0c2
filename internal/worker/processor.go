package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/iago/inbox-triage-back/internal/batch"
	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/mail"
	"github.com/iago/inbox-triage-back/internal/queue"
	"github.com/iago/inbox-triage-back/internal/service"
	"github.com/iago/inbox-triage-back/internal/telemetry"
)

const defaultRestartDelay = 2 * time.Second

// Extractor turns fetched messages into processed emails.
type Extractor interface {
	Process(ctx context.Context, messages []domain.RawMessage, progress batch.ProgressFunc) (batch.Result, error)
}

// EmailWriter overwrites the persisted processed collection.
type EmailWriter interface {
	SaveProcessed(ctx context.Context, emails []domain.ProcessedEmail) error
}

type ProcessorConfig struct {
	Consumer     queue.Consumer
	Source       mail.Source
	Extractor    Extractor
	Store        EmailWriter
	Tracker      *service.StatusTracker
	Monitor      telemetry.Monitor
	RestartDelay time.Duration
	Logger       *log.Logger
}

// Processor consumes refresh requests and runs one refresh cycle each.
type Processor struct {
	consumer     queue.Consumer
	source       mail.Source
	extractor    Extractor
	store        EmailWriter
	tracker      *service.StatusTracker
	monitor      telemetry.Monitor
	restartDelay time.Duration
	logger       *log.Logger
}

func NewProcessor(config ProcessorConfig) *Processor {
	if config.Monitor == nil {
		config.Monitor = telemetry.NoopMonitor{}
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = defaultRestartDelay
	}
	return &Processor{
		consumer:     config.Consumer,
		source:       config.Source,
		extractor:    config.Extractor,
		store:        config.Store,
		tracker:      config.Tracker,
		monitor:      config.Monitor,
		restartDelay: config.RestartDelay,
		logger:       config.Logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.Handle)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logf("worker consume loop error: %v", err)

		timer := time.NewTimer(p.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Handle runs one refresh cycle. The outcome is always written to the
// refresh status; the returned error only feeds the queue's retry policy.
func (p *Processor) Handle(ctx context.Context, request domain.RefreshRequest) error {
	if p.tracker.Current().Status != domain.RefreshStateFetching {
		if _, ok := p.tracker.TryBegin(ctx, service.FetchingMessage(request.WindowDays)); !ok {
			p.logf("refresh skipped request_id=%s reason=cycle_in_flight", request.ID)
			return nil
		}
	}

	started := time.Now()
	event := telemetry.RefreshEvent{RequestID: request.ID}
	err := p.run(ctx, request, &event)

	event.Duration = time.Since(started)
	if err != nil {
		event.Outcome = string(domain.RefreshStateError)
		event.Failure = err.Error()
		p.tracker.Fail(ctx, "Refresh failed: "+err.Error())
		p.logf("refresh failed request_id=%s err=%v", request.ID, err)
	} else {
		event.Outcome = string(domain.RefreshStateCompleted)
		p.logf("refresh completed request_id=%s fetched=%d materialized=%d skipped=%d tokens=%d duration=%s",
			request.ID, event.Fetched, event.Materialized, event.Skipped, event.TotalTokens, event.Duration)
	}

	if sendErr := p.monitor.RefreshCycle(event); sendErr != nil {
		p.logf("telemetry event failed request_id=%s err=%v", request.ID, sendErr)
	}
	return err
}

func (p *Processor) run(ctx context.Context, request domain.RefreshRequest, event *telemetry.RefreshEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()

	windowDays := request.WindowDays
	if windowDays <= 0 {
		windowDays = service.DefaultWindowDays
	}

	messages, err := p.source.Fetch(ctx, windowDays)
	if err != nil {
		return fmt.Errorf("fetch emails: %w", err)
	}
	event.Fetched = len(messages)
	p.logf("refresh fetched request_id=%s source=%s messages=%d", request.ID, p.source.Name(), len(messages))

	p.tracker.Processing(ctx, len(messages), fmt.Sprintf("Processing %d emails", len(messages)))

	result, err := p.extractor.Process(ctx, messages, p.progress(ctx, len(messages)))
	if err != nil {
		return fmt.Errorf("batch processing: %w", err)
	}
	event.Materialized = len(result.Emails)
	event.Skipped = result.Stats.Skipped()
	event.CacheHits = result.Stats.CacheHits
	event.TotalTokens = result.Stats.TotalTokens
	event.JobName = result.Job.Name
	event.Model = result.Job.Model

	if err := p.store.SaveProcessed(ctx, result.Emails); err != nil {
		return fmt.Errorf("save processed emails: %w", err)
	}

	p.tracker.Complete(ctx, len(result.Emails), fmt.Sprintf("Processed %d emails", len(result.Emails)))
	return nil
}

func (p *Processor) progress(ctx context.Context, fetched int) batch.ProgressFunc {
	return func(progress batch.Progress) {
		switch progress.Phase {
		case batch.PhaseSubmitted:
			p.tracker.Processing(ctx, fetched, fmt.Sprintf("Batch job submitted for %d emails", progress.Requests))
		case batch.PhasePolling:
			p.tracker.Processing(ctx, fetched, fmt.Sprintf("Waiting for batch job (state=%s, polls=%d)", progress.Job.State, progress.Polls))
		}
	}
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
