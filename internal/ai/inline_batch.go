package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/iago/inbox-triage-back/internal/domain"
)

var ErrBatchNotFound = errors.New("batch resource not found")

type InlineBatchProviderConfig struct {
	Generator TextGenerator
	Profile   ModelProfile
	Logger    *log.Logger
}

// InlineBatchProvider serves the batch contract in-process by sending every
// request line to a TextGenerator. Jobs finish before CreateJob returns.
type InlineBatchProvider struct {
	generator TextGenerator
	profile   ModelProfile
	logger    *log.Logger

	mu    sync.RWMutex
	files map[string][]byte
	jobs  map[string]domain.BatchJob
}

func NewInlineBatchProvider(config InlineBatchProviderConfig) *InlineBatchProvider {
	return &InlineBatchProvider{
		generator: config.Generator,
		profile:   config.Profile,
		logger:    config.Logger,
		files:     make(map[string][]byte),
		jobs:      make(map[string]domain.BatchJob),
	}
}

func (p *InlineBatchProvider) UploadFile(_ context.Context, path string, _ string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read batch input %s: %w", path, err)
	}

	name := "files/" + uuid.NewString()
	p.mu.Lock()
	p.files[name] = content
	p.mu.Unlock()
	return name, nil
}

func (p *InlineBatchProvider) CreateJob(ctx context.Context, model string, _ string, inputFile string) (domain.BatchJob, error) {
	if p.generator == nil || !p.generator.Available() {
		return domain.BatchJob{}, ErrOpenRouterUnavailable
	}

	p.mu.RLock()
	input, ok := p.files[inputFile]
	p.mu.RUnlock()
	if !ok {
		return domain.BatchJob{}, fmt.Errorf("%w: %s", ErrBatchNotFound, inputFile)
	}

	output, err := p.run(ctx, model, input)
	if err != nil {
		return domain.BatchJob{}, err
	}

	outputName := "files/" + uuid.NewString()
	job := domain.BatchJob{
		Name:        "batches/" + uuid.NewString(),
		Model:       model,
		State:       domain.BatchStateSucceeded,
		ResultsFile: outputName,
	}

	p.mu.Lock()
	p.files[outputName] = output
	p.jobs[job.Name] = job
	p.mu.Unlock()

	return job, nil
}

func (p *InlineBatchProvider) run(ctx context.Context, model string, input []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(input))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	output := bytes.NewBuffer(nil)
	encoder := json.NewEncoder(output)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line BatchRequestLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("decode batch request line: %w", err)
		}

		response := BatchResponseLine{Key: line.Key}
		result, err := p.generator.Generate(ctx, GenerateRequest{
			Model:           model,
			Instructions:    "Return only valid JSON. Do not use markdown code fences.",
			Input:           line.PromptText(),
			Temperature:     p.profile.Temperature,
			MaxOutputTokens: p.profile.MaxOutputTokens,
			JSONOutput:      true,
		})
		if err != nil {
			p.logf("inline batch request failed key=%s err=%v", line.Key, err)
			response.Error = &BatchLineError{Code: 500, Message: err.Error()}
		} else {
			response.Response = &GenerateContentResponse{
				Candidates: []Candidate{{
					Content: Content{Role: "model", Parts: []Part{{Text: result.Text}}},
				}},
				UsageMetadata: &UsageMetadata{
					PromptTokenCount:     result.Usage.InputTokens,
					CandidatesTokenCount: result.Usage.OutputTokens,
					TotalTokenCount:      result.Usage.TotalTokens,
				},
			}
		}
		if err := encoder.Encode(response); err != nil {
			return nil, fmt.Errorf("encode batch response line: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan batch input: %w", err)
	}
	return output.Bytes(), nil
}

func (p *InlineBatchProvider) GetJob(_ context.Context, name string) (domain.BatchJob, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	job, ok := p.jobs[name]
	if !ok {
		return domain.BatchJob{}, fmt.Errorf("%w: %s", ErrBatchNotFound, name)
	}
	return job, nil
}

func (p *InlineBatchProvider) DownloadFile(_ context.Context, name string) (io.ReadCloser, error) {
	p.mu.RLock()
	content, ok := p.files[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, name)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (p *InlineBatchProvider) DeleteFile(_ context.Context, name string) error {
	p.mu.Lock()
	delete(p.files, name)
	p.mu.Unlock()
	return nil
}

func (p *InlineBatchProvider) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
