package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/inbox-triage-back/internal/ai"
	"github.com/iago/inbox-triage-back/internal/cache"
	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/quality"
)

var (
	ErrJobFailed   = errors.New("batch job failed")
	ErrJobTimedOut = errors.New("batch job timed out")
)

const (
	defaultPollInterval = 5 * time.Second
	cleanupTimeout      = 15 * time.Second
)

type Phase string

const (
	PhaseBuilding  Phase = "building"
	PhaseSubmitted Phase = "submitted"
	PhasePolling   Phase = "polling"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseTimedOut  Phase = "timed_out"
)

// Progress is reported on every coordinator state change and poll.
type Progress struct {
	Phase    Phase
	Job      domain.BatchJob
	Requests int
	Polls    int
}

type ProgressFunc func(Progress)

// PromptBuilder renders one extraction request per message.
type PromptBuilder interface {
	Build(key string, message domain.RawMessage) (domain.ExtractionRequest, error)
	Version() string
}

type Config struct {
	Provider  ai.BatchProvider
	Router    *ai.ModelRouter
	Builder   PromptBuilder
	Validator *quality.ExtractionValidator
	// Cache is optional.
	Cache        *cache.ExtractionCache
	Clock        Clock
	PollInterval time.Duration
	// MaxWait bounds the poll loop. Zero waits until the job ends.
	MaxWait time.Duration
	TempDir string
	NewID   func() string
	Logger  *log.Logger
}

type Result struct {
	Emails []domain.ProcessedEmail
	Job    domain.BatchJob
	Stats  DemuxStats
}

// Coordinator submits one batch job per call, polls it to a terminal state
// and reconciles the output lines back to the source messages.
type Coordinator struct {
	provider     ai.BatchProvider
	router       *ai.ModelRouter
	builder      PromptBuilder
	validator    *quality.ExtractionValidator
	cache        *cache.ExtractionCache
	clock        Clock
	pollInterval time.Duration
	maxWait      time.Duration
	tempDir      string
	newID        func() string
	logger       *log.Logger
}

func NewCoordinator(config Config) *Coordinator {
	if config.Router == nil {
		config.Router = ai.NewModelRouter(ai.ModelRouterConfig{})
	}
	if config.Validator == nil {
		config.Validator = quality.NewExtractionValidator()
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.MaxWait < 0 {
		config.MaxWait = 0
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}

	return &Coordinator{
		provider:     config.Provider,
		router:       config.Router,
		builder:      config.Builder,
		validator:    config.Validator,
		cache:        config.Cache,
		clock:        config.Clock,
		pollInterval: config.PollInterval,
		maxWait:      config.MaxWait,
		tempDir:      config.TempDir,
		newID:        config.NewID,
		logger:       config.Logger,
	}
}

// Process builds one request per message, keyed "<batchID>-<index>", and
// runs them as a single batch.
func (c *Coordinator) Process(ctx context.Context, messages []domain.RawMessage, progress ProgressFunc) (Result, error) {
	if len(messages) == 0 {
		return Result{Emails: []domain.ProcessedEmail{}}, nil
	}
	if c.builder == nil {
		return Result{}, errors.New("prompt builder is not configured")
	}

	batchID := c.newID()
	requests := make([]domain.ExtractionRequest, 0, len(messages))
	for index, message := range messages {
		request, err := c.builder.Build(fmt.Sprintf("%s-%d", batchID, index), message)
		if err != nil {
			return Result{}, fmt.Errorf("build prompt for message %s: %w", message.ID, err)
		}
		requests = append(requests, request)
	}
	return c.Execute(ctx, requests, progress)
}

// Execute runs the given requests as one batch job. Empty input returns an
// empty result without touching the provider.
func (c *Coordinator) Execute(ctx context.Context, requests []domain.ExtractionRequest, progress ProgressFunc) (Result, error) {
	report := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}

	if len(requests) == 0 {
		return Result{Emails: []domain.ProcessedEmail{}}, nil
	}

	byKey := make(map[string]domain.ExtractionRequest, len(requests))
	for _, request := range requests {
		if strings.TrimSpace(request.Key) == "" {
			return Result{}, errors.New("extraction request without correlation key")
		}
		if _, exists := byKey[request.Key]; exists {
			return Result{}, fmt.Errorf("duplicate correlation key %s", request.Key)
		}
		byKey[request.Key] = request
	}

	cached, pending := c.splitCached(requests)
	stats := DemuxStats{CacheHits: len(cached)}
	if len(pending) == 0 {
		c.logf("batch skipped, all requests cached count=%d", len(cached))
		return Result{Emails: cached, Stats: stats}, nil
	}
	if c.provider == nil {
		return Result{}, errors.New("batch provider is not configured")
	}

	profile := c.router.Select(ai.TaskExtraction)
	report(Progress{Phase: PhaseBuilding, Requests: len(pending)})

	inputPath, err := c.writeInput(pending, profile)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if removeErr := os.Remove(inputPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			c.logf("batch input cleanup failed path=%s err=%v", inputPath, removeErr)
		}
	}()

	displayName := "inbox-triage-" + batchLabel(pending[0].Key)
	inputFile, err := c.provider.UploadFile(ctx, inputPath, displayName)
	if err != nil {
		return Result{}, fmt.Errorf("upload batch input: %w", err)
	}
	defer c.deleteRemote(inputFile)

	job, err := c.createJob(ctx, profile, displayName, inputFile)
	if err != nil {
		return Result{}, err
	}
	c.logf("batch job submitted name=%s model=%s requests=%d", job.Name, job.Model, len(pending))
	report(Progress{Phase: PhaseSubmitted, Job: job, Requests: len(pending)})

	job, err = c.poll(ctx, job, len(pending), report)
	if err != nil {
		if job.State == domain.BatchStateTimedOut {
			report(Progress{Phase: PhaseTimedOut, Job: job, Requests: len(pending)})
		}
		return Result{Job: job}, err
	}

	if job.State != domain.BatchStateSucceeded {
		report(Progress{Phase: PhaseFailed, Job: job, Requests: len(pending)})
		reason := strings.TrimSpace(job.Error)
		if reason == "" {
			reason = "no reason given"
		}
		c.logf("batch job ended without results name=%s state=%s reason=%s", job.Name, job.State, reason)
		return Result{Job: job}, fmt.Errorf("%w: %s ended %s: %s", ErrJobFailed, job.Name, job.State, reason)
	}

	stream, err := c.provider.DownloadFile(ctx, job.ResultsFile)
	if err != nil {
		return Result{Job: job}, fmt.Errorf("download batch results %s: %w", job.ResultsFile, err)
	}
	defer stream.Close()
	defer c.deleteRemote(job.ResultsFile)

	pendingByKey := make(map[string]domain.ExtractionRequest, len(pending))
	for _, request := range pending {
		pendingByKey[request.Key] = request
	}
	demux := newDemuxer(c.validator, pendingByKey, c.newID, c.logger)
	emails, demuxStats := demux.Run(stream)
	demuxStats.CacheHits = stats.CacheHits

	c.storeCached(pendingByKey, demux.results, job.Model)

	emails = append(cached, emails...)
	c.logf(
		"batch job demultiplexed name=%s lines=%d materialized=%d skipped=%d cached=%d",
		job.Name, demuxStats.Lines, demuxStats.Materialized, demuxStats.Skipped(), demuxStats.CacheHits,
	)
	report(Progress{Phase: PhaseSucceeded, Job: job, Requests: len(pending)})

	return Result{Emails: emails, Job: job, Stats: demuxStats}, nil
}

func (c *Coordinator) writeInput(requests []domain.ExtractionRequest, profile ai.ModelProfile) (string, error) {
	file, err := os.CreateTemp(c.tempDir, "inbox-triage-batch-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("create batch input file: %w", err)
	}
	path := file.Name()

	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)
	for _, request := range requests {
		if err := encoder.Encode(ai.NewBatchRequestLine(request.Key, request.Prompt, profile)); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("encode batch request %s: %w", request.Key, err)
		}
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close batch input file: %w", err)
	}
	return path, nil
}

// createJob tries the primary model, then the fallback.
func (c *Coordinator) createJob(ctx context.Context, profile ai.ModelProfile, displayName string, inputFile string) (domain.BatchJob, error) {
	var lastErr error
	for _, model := range profile.Candidates() {
		job, err := c.provider.CreateJob(ctx, model, displayName, inputFile)
		if err == nil {
			if job.Model == "" {
				job.Model = model
			}
			return job, nil
		}
		lastErr = err
		c.logf("batch job create failed model=%s err=%v", model, err)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no model configured")
	}
	return domain.BatchJob{}, fmt.Errorf("create batch job: %w", lastErr)
}

func (c *Coordinator) poll(ctx context.Context, job domain.BatchJob, requests int, report func(Progress)) (domain.BatchJob, error) {
	started := c.clock.Now()
	polls := 0
	for !job.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return job, err
		}
		if c.maxWait > 0 && c.clock.Now().Sub(started) >= c.maxWait {
			job.State = domain.BatchStateTimedOut
			c.logf("batch job timed out name=%s waited=%s polls=%d", job.Name, c.maxWait, polls)
			return job, fmt.Errorf("%w: %s still pending after %s", ErrJobTimedOut, job.Name, c.maxWait)
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}

		polls++
		current, err := c.provider.GetJob(ctx, job.Name)
		if err != nil {
			return job, fmt.Errorf("poll batch job %s: %w", job.Name, err)
		}
		if current.Model == "" {
			current.Model = job.Model
		}
		job = current
		report(Progress{Phase: PhasePolling, Job: job, Requests: requests, Polls: polls})
	}
	c.logf("batch job finished name=%s state=%s polls=%d", job.Name, job.State, polls)
	return job, nil
}

func (c *Coordinator) splitCached(requests []domain.ExtractionRequest) ([]domain.ProcessedEmail, []domain.ExtractionRequest) {
	if c.cache == nil {
		return []domain.ProcessedEmail{}, requests
	}

	cached := make([]domain.ProcessedEmail, 0)
	pending := make([]domain.ExtractionRequest, 0, len(requests))
	for _, request := range requests {
		entry, ok := c.cache.Get(c.signature(request))
		if !ok {
			pending = append(pending, request)
			continue
		}
		cached = append(cached, domain.NewProcessedEmail(c.newID(), request.Message, entry.Result))
	}
	return cached, pending
}

func (c *Coordinator) storeCached(requests map[string]domain.ExtractionRequest, results map[string]domain.ExtractionResult, model string) {
	if c.cache == nil {
		return
	}
	version := ""
	if c.builder != nil {
		version = c.builder.Version()
	}
	for key, result := range results {
		request, ok := requests[key]
		if !ok {
			continue
		}
		c.cache.Set(c.signature(request), cache.Entry{
			Result:        result,
			ModelID:       model,
			PromptVersion: version,
		})
	}
}

func (c *Coordinator) signature(request domain.ExtractionRequest) string {
	version := ""
	if c.builder != nil {
		version = c.builder.Version()
	}
	return c.cache.BuildSignature(version, request.Prompt)
}

// deleteRemote removes a provider file after the job. It runs detached from
// the cycle context so cancellation still cleans up.
func (c *Coordinator) deleteRemote(name string) {
	deleter, ok := c.provider.(ai.FileDeleter)
	if !ok || name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := deleter.DeleteFile(ctx, name); err != nil {
		c.logf("batch remote cleanup failed file=%s err=%v", name, err)
	}
}

// batchLabel strips the "-<index>" suffix from a correlation key.
func batchLabel(key string) string {
	if index := strings.LastIndex(key, "-"); index > 0 {
		return key[:index]
	}
	return key
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
