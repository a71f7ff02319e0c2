package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/inbox-triage-back/internal/ai"
	"github.com/iago/inbox-triage-back/internal/batch"
	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/prompt"
	"github.com/iago/inbox-triage-back/internal/queue"
	"github.com/iago/inbox-triage-back/internal/repository"
	"github.com/iago/inbox-triage-back/internal/service"
	"github.com/iago/inbox-triage-back/internal/telemetry"
)

type stubSource struct {
	messages []domain.RawMessage
	err      error
	calls    int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Fetch(_ context.Context, _ int) ([]domain.RawMessage, error) {
	s.calls++
	return s.messages, s.err
}

// subjectGenerator answers by the first subject found in the prompt.
type subjectGenerator struct {
	mu      sync.Mutex
	answers map[string]string
	calls   int
}

func (g *subjectGenerator) Available() bool { return true }

func (g *subjectGenerator) Generate(_ context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	for subject, answer := range g.answers {
		if strings.Contains(request.Input, subject) {
			return ai.GenerateResult{Text: answer, ModelID: request.Model, Usage: ai.TokenUsage{TotalTokens: 10}}, nil
		}
	}
	return ai.GenerateResult{Text: "{}", ModelID: request.Model, Usage: ai.TokenUsage{TotalTokens: 10}}, nil
}

type panickingExtractor struct{}

func (panickingExtractor) Process(context.Context, []domain.RawMessage, batch.ProgressFunc) (batch.Result, error) {
	panic("nil provider")
}

type recordingMonitor struct {
	mu     sync.Mutex
	events []telemetry.RefreshEvent
}

func (m *recordingMonitor) RefreshCycle(event telemetry.RefreshEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *recordingMonitor) Close() error { return nil }

func (m *recordingMonitor) last() telemetry.RefreshEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return telemetry.RefreshEvent{}
	}
	return m.events[len(m.events)-1]
}

type testRig struct {
	repo      *repository.MemoryRepository
	tracker   *service.StatusTracker
	generator *subjectGenerator
	monitor   *recordingMonitor
}

func newTestRig(t *testing.T, answers map[string]string) *testRig {
	t.Helper()
	repo := repository.NewMemoryRepository()
	return &testRig{
		repo:      repo,
		tracker:   service.NewStatusTracker(context.Background(), service.StatusTrackerConfig{Store: repo}),
		generator: &subjectGenerator{answers: answers},
		monitor:   &recordingMonitor{},
	}
}

func (r *testRig) coordinator(t *testing.T) *batch.Coordinator {
	t.Helper()
	return batch.NewCoordinator(batch.Config{
		Provider: ai.NewInlineBatchProvider(ai.InlineBatchProviderConfig{Generator: r.generator}),
		Router:   ai.NewModelRouter(ai.ModelRouterConfig{ExtractionPrimary: "primary"}),
		Builder:  prompt.NewBuilder(prompt.Config{}),
		TempDir:  t.TempDir(),
	})
}

func (r *testRig) processor(source *stubSource, extractor Extractor) *Processor {
	return NewProcessor(ProcessorConfig{
		Consumer:  queue.NewLocalQueue(queue.LocalQueueConfig{}),
		Source:    source,
		Extractor: extractor,
		Store:     r.repo,
		Tracker:   r.tracker,
		Monitor:   r.monitor,
	})
}

func message(id string, subject string, body string) domain.RawMessage {
	return domain.RawMessage{
		ID:         id,
		From:       "sender@example.com",
		Subject:    subject,
		ReceivedAt: time.Date(2024, 11, 25, 9, 0, 0, 0, time.UTC),
		Preview:    body,
		BodyHTML:   "<p>" + body + "</p>",
	}
}

func begin(t *testing.T, tracker *service.StatusTracker) {
	t.Helper()
	if _, ok := tracker.TryBegin(context.Background(), service.FetchingMessage(7)); !ok {
		t.Fatalf("expected refresh to begin")
	}
}

func TestHandleZeroMessagesCompletesWithZeroCount(t *testing.T) {
	rig := newTestRig(t, nil)
	_ = rig.repo.SaveProcessed(context.Background(), []domain.ProcessedEmail{{ID: "stale"}})
	source := &stubSource{}
	processor := rig.processor(source, rig.coordinator(t))

	begin(t, rig.tracker)
	if err := processor.Handle(context.Background(), domain.RefreshRequest{ID: "r1", WindowDays: 7}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	status := rig.tracker.Current()
	if status.Status != domain.RefreshStateCompleted || status.Count != 0 {
		t.Fatalf("expected completed with count 0, got %+v", status)
	}
	if rig.generator.calls != 0 {
		t.Fatalf("expected no model calls, got %d", rig.generator.calls)
	}
	emails, _ := rig.repo.LoadProcessed(context.Background())
	if len(emails) != 0 {
		t.Fatalf("expected processed collection to be overwritten with nothing, got %d", len(emails))
	}
}

func TestHandleMaterializesOnlyActionableMessages(t *testing.T) {
	rig := newTestRig(t, map[string]string{
		"Newsletter":     "{}",
		"Random chatter": "I am not JSON at all",
		"Expense report": `{"summary":"Submit expenses","todos":[{"title":"Submit expense report","priority":1}],"events":[]}`,
	})
	source := &stubSource{messages: []domain.RawMessage{
		message("m-a", "Newsletter", "weekly digest"),
		message("m-b", "Random chatter", "hello there"),
		message("m-c", "Expense report", "please submit by friday"),
	}}
	processor := rig.processor(source, rig.coordinator(t))

	begin(t, rig.tracker)
	if err := processor.Handle(context.Background(), domain.RefreshRequest{ID: "r1", WindowDays: 7}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	status := rig.tracker.Current()
	if status.Status != domain.RefreshStateCompleted || status.Count != 1 {
		t.Fatalf("expected completed with count 1, got %+v", status)
	}
	emails, _ := rig.repo.LoadProcessed(context.Background())
	if len(emails) != 1 {
		t.Fatalf("expected one processed email, got %d", len(emails))
	}
	if emails[0].MessageID != "m-c" || len(emails[0].Todos) != 1 || len(emails[0].Events) != 0 {
		t.Fatalf("unexpected processed email %+v", emails[0])
	}

	event := rig.monitor.last()
	if event.Outcome != string(domain.RefreshStateCompleted) || event.Fetched != 3 || event.Materialized != 1 || event.Skipped != 2 || event.TotalTokens != 30 {
		t.Fatalf("unexpected telemetry event %+v", event)
	}
}

func TestHandleFetchFailureSetsError(t *testing.T) {
	rig := newTestRig(t, nil)
	_ = rig.repo.SaveProcessed(context.Background(), []domain.ProcessedEmail{{ID: "kept"}})
	source := &stubSource{err: errors.New("graph unreachable")}
	processor := rig.processor(source, rig.coordinator(t))

	begin(t, rig.tracker)
	err := processor.Handle(context.Background(), domain.RefreshRequest{ID: "r1", WindowDays: 7})
	if err == nil {
		t.Fatalf("expected handle to report failure")
	}

	status := rig.tracker.Current()
	if status.Status != domain.RefreshStateError || !strings.Contains(status.Message, "graph unreachable") {
		t.Fatalf("expected error status with reason, got %+v", status)
	}
	emails, _ := rig.repo.LoadProcessed(context.Background())
	if len(emails) != 1 || emails[0].ID != "kept" {
		t.Fatalf("expected previous collection to survive a failed cycle, got %+v", emails)
	}
	if rig.monitor.last().Failure == "" {
		t.Fatalf("expected failure in telemetry event")
	}
}

func TestHandleRecoversPanics(t *testing.T) {
	rig := newTestRig(t, nil)
	source := &stubSource{messages: []domain.RawMessage{message("m-a", "Hi", "body")}}
	processor := rig.processor(source, panickingExtractor{})

	begin(t, rig.tracker)
	if err := processor.Handle(context.Background(), domain.RefreshRequest{ID: "r1"}); err == nil {
		t.Fatalf("expected panic to surface as error")
	}

	status := rig.tracker.Current()
	if status.Status != domain.RefreshStateError || !strings.Contains(status.Message, "nil provider") {
		t.Fatalf("expected error status after panic, got %+v", status)
	}
}

func TestHandleSkipsWhenAnotherCycleIsProcessing(t *testing.T) {
	rig := newTestRig(t, nil)
	source := &stubSource{}
	processor := rig.processor(source, rig.coordinator(t))

	begin(t, rig.tracker)
	rig.tracker.Processing(context.Background(), 2, "Processing 2 emails")

	if err := processor.Handle(context.Background(), domain.RefreshRequest{ID: "late"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if source.calls != 0 {
		t.Fatalf("expected no fetch while another cycle runs")
	}
	if status := rig.tracker.Current(); status.Status != domain.RefreshStateProcessing {
		t.Fatalf("expected status to stay processing, got %s", status.Status)
	}
}

func TestHandleClaimsIdleStatusForRedelivery(t *testing.T) {
	rig := newTestRig(t, nil)
	source := &stubSource{}
	processor := rig.processor(source, rig.coordinator(t))

	if err := processor.Handle(context.Background(), domain.RefreshRequest{ID: "redelivered", Attempt: 1}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected redelivered request to run")
	}
	if status := rig.tracker.Current(); status.Status != domain.RefreshStateCompleted {
		t.Fatalf("expected completed, got %s", status.Status)
	}
}

func TestStartRunsRefreshFromQueue(t *testing.T) {
	rig := newTestRig(t, map[string]string{
		"Dentist": `{"summary":"Appointment","todos":[],"events":[{"title":"Dentist","start_date":"2024-11-28T10:00:00Z"}]}`,
	})
	localQueue := queue.NewLocalQueue(queue.LocalQueueConfig{})
	source := &stubSource{messages: []domain.RawMessage{message("m-a", "Dentist", "see you thursday")}}
	processor := NewProcessor(ProcessorConfig{
		Consumer:  localQueue,
		Source:    source,
		Extractor: rig.coordinator(t),
		Store:     rig.repo,
		Tracker:   rig.tracker,
		Monitor:   rig.monitor,
	})
	svc := service.NewRefreshService(service.RefreshServiceConfig{
		Tracker:  rig.tracker,
		Repo:     rig.repo,
		Producer: localQueue,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	updates, unsubscribe := rig.tracker.Subscribe()
	defer unsubscribe()

	result, err := svc.StartRefresh(context.Background())
	if err != nil || result.Status != service.StartStarted {
		t.Fatalf("expected refresh to start, got %+v err=%v", result, err)
	}

	deadline := time.After(5 * time.Second)
	for completed := false; !completed; {
		select {
		case status := <-updates:
			if status.Status == domain.RefreshStateError {
				t.Fatalf("refresh failed: %s", status.Message)
			}
			completed = status.Status == domain.RefreshStateCompleted
		case <-deadline:
			t.Fatalf("timed out waiting for refresh, last status %+v", rig.tracker.Current())
		}
	}

	emails, err := svc.ProcessedEmails(context.Background())
	if err != nil {
		t.Fatalf("processed emails: %v", err)
	}
	if len(emails) != 1 || len(emails[0].Events) != 1 {
		t.Fatalf("unexpected processed emails %+v", emails)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after cancel")
	}
}
