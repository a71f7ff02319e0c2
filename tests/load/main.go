package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/inbox-triage-back/internal/ai"
	"github.com/iago/inbox-triage-back/internal/batch"
	"github.com/iago/inbox-triage-back/internal/cache"
	"github.com/iago/inbox-triage-back/internal/domain"
	httpserver "github.com/iago/inbox-triage-back/internal/http"
	"github.com/iago/inbox-triage-back/internal/http/handlers"
	"github.com/iago/inbox-triage-back/internal/mail"
	"github.com/iago/inbox-triage-back/internal/prompt"
	"github.com/iago/inbox-triage-back/internal/queue"
	"github.com/iago/inbox-triage-back/internal/repository"
	"github.com/iago/inbox-triage-back/internal/service"
	"github.com/iago/inbox-triage-back/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type contentionResult struct {
	Started        int64   `json:"started"`
	AlreadyRunning int64   `json:"already_running"`
	CycleMS        float64 `json:"cycle_ms"`
	FinalStatus    string  `json:"final_status"`
	FinalCount     int     `json:"final_count"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Contention     contentionResult `json:"refresh_contention"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	cancel context.CancelFunc
}

// latencyGenerator answers every extraction with an empty object after a
// fixed delay, standing in for a model backend.
type latencyGenerator struct {
	delay time.Duration
}

func (g latencyGenerator) Available() bool { return true }

func (g latencyGenerator) Generate(ctx context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return ai.GenerateResult{}, ctx.Err()
	}
	return ai.GenerateResult{Text: "{}", ModelID: request.Model}, nil
}

func main() {
	refreshTotal := flag.Int("refresh-total", 400, "total concurrent refresh triggers")
	refreshConcurrency := flag.Int("refresh-concurrency", 64, "concurrency for refresh triggers")
	statusTotal := flag.Int("status-total", 600, "total refresh status reads")
	statusConcurrency := flag.Int("status-concurrency", 32, "concurrency for refresh status reads")
	processedTotal := flag.Int("processed-total", 300, "total processed email reads")
	processedConcurrency := flag.Int("processed-concurrency", 24, "concurrency for processed email reads")
	fetchTotal := flag.Int("fetch-total", 200, "total direct fetch requests")
	fetchConcurrency := flag.Int("fetch-concurrency", 16, "concurrency for direct fetch requests")
	modelDelay := flag.Duration("model-delay", 20*time.Millisecond, "simulated latency per extraction")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment(*modelDelay)
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.cancel()
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}

	var started, alreadyRunning int64
	cycleStart := time.Now()
	refreshScenario := runScenario("refresh_trigger", *refreshTotal, *refreshConcurrency, func(int) error {
		var result service.StartResult
		if err := doJSON(client, http.MethodPost, env.server.URL+"/refresh-emails", &result); err != nil {
			return err
		}
		switch result.Status {
		case service.StartStarted:
			atomic.AddInt64(&started, 1)
		case service.StartAlreadyRunning:
			atomic.AddInt64(&alreadyRunning, 1)
		default:
			return fmt.Errorf("unexpected start outcome %q", result.Status)
		}
		return nil
	})

	statusScenario := runScenario("status_read", *statusTotal, *statusConcurrency, func(int) error {
		return doJSON(client, http.MethodGet, env.server.URL+"/refresh-status", nil)
	})

	final := waitForIdleCycle(client, env.server.URL, 30*time.Second)
	cycleMS := float64(time.Since(cycleStart).Microseconds()) / 1000.0

	processedScenario := runScenario("processed_list", *processedTotal, *processedConcurrency, func(int) error {
		return doJSON(client, http.MethodGet, env.server.URL+"/processed-emails", nil)
	})

	fetchScenario := runScenario("direct_fetch", *fetchTotal, *fetchConcurrency, func(index int) error {
		url := fmt.Sprintf("%s/emails?limit=%d", env.server.URL, (index%10)+1)
		return doJSON(client, http.MethodGet, url, nil)
	})

	results := []scenarioResult{
		refreshScenario,
		statusScenario,
		processedScenario,
		fetchScenario,
	}

	slo := map[string]bool{
		"single_cycle_per_burst":       started == 1,
		"refresh_trigger_p95_le_200ms": refreshScenario.P95MS <= 200,
		"status_read_p95_le_50ms":      statusScenario.P95MS <= 50,
		"cycle_completed":              final.Status == domain.RefreshStateCompleted,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		Contention: contentionResult{
			Started:        started,
			AlreadyRunning: alreadyRunning,
			CycleMS:        round2(cycleMS),
			FinalStatus:    string(final.Status),
			FinalCount:     final.Count,
		},
		SLOEvaluation: slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(modelDelay time.Duration) (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	dataDir, err := os.MkdirTemp("", "inbox-triage-load-*")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	repo, err := repository.NewFileRepository(dataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("file repository: %w", err)
	}
	localQueue := queue.NewLocalQueue(queue.LocalQueueConfig{Logger: logger})
	source := mail.NewFixtureSource()

	coordinator := batch.NewCoordinator(batch.Config{
		Provider: ai.NewInlineBatchProvider(ai.InlineBatchProviderConfig{
			Generator: latencyGenerator{delay: modelDelay},
			Logger:    logger,
		}),
		Builder: prompt.NewBuilder(prompt.Config{RedactPII: true}),
		Cache: cache.NewExtractionCache(cache.Config{
			TTL:        10 * time.Minute,
			MaxEntries: 4000,
		}),
		TempDir: dataDir,
		Logger:  logger,
	})

	tracker := service.NewStatusTracker(ctx, service.StatusTrackerConfig{Store: repo, Logger: logger})
	refreshService := service.NewRefreshService(service.RefreshServiceConfig{
		Tracker:  tracker,
		Repo:     repo,
		Producer: localQueue,
		Logger:   logger,
	})
	api := handlers.NewAPI(handlers.APIConfig{
		Refresh: refreshService,
		Source:  source,
		Logger:  logger,
	})
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      "",
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	processor := worker.NewProcessor(worker.ProcessorConfig{
		Consumer:  localQueue,
		Source:    source,
		Extractor: coordinator,
		Store:     repo,
		Tracker:   tracker,
		Logger:    logger,
	})
	go processor.Start(ctx)

	server := httptest.NewServer(router)
	return &benchmarkEnv{
		server: server,
		cancel: func() {
			cancel()
			_ = os.RemoveAll(dataDir)
		},
	}, nil
}

func waitForIdleCycle(client *http.Client, baseURL string, timeout time.Duration) domain.RefreshStatus {
	deadline := time.Now().Add(timeout)
	var status domain.RefreshStatus
	for time.Now().Before(deadline) {
		if err := doJSON(client, http.MethodGet, baseURL+"/refresh-status", &status); err == nil && !status.Status.Busy() {
			return status
		}
		time.Sleep(25 * time.Millisecond)
	}
	return status
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

// doJSON accepts any 2xx answer; out is decoded when non-nil.
func doJSON(client *http.Client, method string, url string, out any) error {
	request, err := http.NewRequest(method, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
