package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
)

var (
	ErrGeminiUnavailable = errors.New("gemini client unavailable")
	// ErrUnexpectedSchema is returned when a provider response does not match
	// the v1beta batch schema.
	ErrUnexpectedSchema = errors.New("unexpected provider response schema")
)

const (
	geminiStatePending   = "BATCH_STATE_PENDING"
	geminiStateRunning   = "BATCH_STATE_RUNNING"
	geminiStateSucceeded = "BATCH_STATE_SUCCEEDED"
	geminiStateFailed    = "BATCH_STATE_FAILED"
	geminiStateCancelled = "BATCH_STATE_CANCELLED"
	geminiStateExpired   = "BATCH_STATE_EXPIRED"
)

type GeminiBatchClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// GeminiBatchClient talks to the Gemini Batch API (v1beta).
type GeminiBatchClient struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewGeminiBatchClient(config GeminiBatchClientConfig) *GeminiBatchClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &GeminiBatchClient{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}
}

func (c *GeminiBatchClient) Available() bool {
	return c.apiKey != ""
}

type geminiFileEnvelope struct {
	File struct {
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"file"`
}

// batchOperation is the only job shape read from the provider: the
// operation name plus metadata.state and metadata.output.responsesFile.
type batchOperation struct {
	Name     string `json:"name"`
	Metadata *struct {
		Name   string `json:"name"`
		State  string `json:"state"`
		Output *struct {
			ResponsesFile string `json:"responsesFile"`
		} `json:"output"`
	} `json:"metadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// UploadFile performs a resumable upload: start, then upload+finalize.
func (c *GeminiBatchClient) UploadFile(ctx context.Context, path string, displayName string) (string, error) {
	if !c.Available() {
		return "", ErrGeminiUnavailable
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read batch input %s: %w", path, err)
	}

	startBody, err := json.Marshal(map[string]any{
		"file": map[string]string{"display_name": displayName},
	})
	if err != nil {
		return "", fmt.Errorf("marshal upload metadata: %w", err)
	}

	uploadURL, err := c.startUpload(ctx, startBody, len(content))
	if err != nil {
		return "", err
	}

	body, err := c.send(ctx, func(ctx context.Context) (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(content))
		if err != nil {
			return nil, err
		}
		request.Header.Set("X-Goog-Upload-Offset", "0")
		request.Header.Set("X-Goog-Upload-Command", "upload, finalize")
		request.ContentLength = int64(len(content))
		return request, nil
	}, false)
	if err != nil {
		return "", fmt.Errorf("upload batch input: %w", err)
	}

	var envelope geminiFileEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("%w: decode uploaded file: %v", ErrUnexpectedSchema, err)
	}
	if !strings.HasPrefix(envelope.File.Name, "files/") {
		return "", fmt.Errorf("%w: uploaded file name %q", ErrUnexpectedSchema, envelope.File.Name)
	}
	return envelope.File.Name, nil
}

func (c *GeminiBatchClient) startUpload(ctx context.Context, metadata []byte, size int) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/upload/v1beta/files", bytes.NewReader(metadata))
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	request.Header.Set("x-goog-api-key", c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Goog-Upload-Protocol", "resumable")
	request.Header.Set("X-Goog-Upload-Command", "start")
	request.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.Itoa(size))
	request.Header.Set("X-Goog-Upload-Header-Content-Type", "application/jsonl")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("gemini transport error: %w", err)
	}
	defer response.Body.Close()

	body, _ := io.ReadAll(response.Body)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", newProviderHTTPError("gemini", response, body)
	}

	uploadURL := strings.TrimSpace(response.Header.Get("X-Goog-Upload-URL"))
	if uploadURL == "" {
		return "", fmt.Errorf("%w: missing upload url", ErrUnexpectedSchema)
	}
	return uploadURL, nil
}

func (c *GeminiBatchClient) CreateJob(ctx context.Context, model string, displayName string, inputFile string) (domain.BatchJob, error) {
	if !c.Available() {
		return domain.BatchJob{}, ErrGeminiUnavailable
	}
	if strings.TrimSpace(model) == "" {
		return domain.BatchJob{}, errors.New("model is required")
	}

	payload, err := json.Marshal(map[string]any{
		"batch": map[string]any{
			"display_name": displayName,
			"input_config": map[string]string{"file_name": inputFile},
		},
	})
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("marshal batch payload: %w", err)
	}

	endpoint := c.baseURL + "/v1beta/" + modelResource(model) + ":batchGenerateContent"
	body, err := c.send(ctx, func(ctx context.Context) (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		request.Header.Set("Content-Type", "application/json")
		return request, nil
	}, false)
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("create batch job: %w", err)
	}

	job, err := decodeBatchOperation(body)
	if err != nil {
		return domain.BatchJob{}, err
	}
	job.Model = model
	return job, nil
}

func (c *GeminiBatchClient) GetJob(ctx context.Context, name string) (domain.BatchJob, error) {
	if !c.Available() {
		return domain.BatchJob{}, ErrGeminiUnavailable
	}
	if !strings.HasPrefix(name, "batches/") {
		return domain.BatchJob{}, fmt.Errorf("invalid batch name %q", name)
	}

	body, err := c.send(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1beta/"+name, nil)
	}, true)
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("get batch job %s: %w", name, err)
	}
	return decodeBatchOperation(body)
}

// DownloadFile streams the file content. The caller closes the reader.
func (c *GeminiBatchClient) DownloadFile(ctx context.Context, name string) (io.ReadCloser, error) {
	if !c.Available() {
		return nil, ErrGeminiUnavailable
	}
	if !strings.HasPrefix(name, "files/") {
		return nil, fmt.Errorf("invalid file name %q", name)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/v1beta/"+name+":download?alt=media", nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	request.Header.Set("x-goog-api-key", c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("gemini transport error: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		defer response.Body.Close()
		body, _ := io.ReadAll(response.Body)
		return nil, newProviderHTTPError("gemini", response, body)
	}
	return response.Body, nil
}

func (c *GeminiBatchClient) DeleteFile(ctx context.Context, name string) error {
	if !c.Available() {
		return ErrGeminiUnavailable
	}
	if !strings.HasPrefix(name, "files/") {
		return fmt.Errorf("invalid file name %q", name)
	}
	_, err := c.send(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1beta/"+name, nil)
	}, true)
	return err
}

// send runs one JSON call with the api key header. Idempotent calls are
// retried on 429/5xx and timeouts.
func (c *GeminiBatchClient) send(
	ctx context.Context,
	build func(ctx context.Context) (*http.Request, error),
	idempotent bool,
) ([]byte, error) {
	attempts := 0
	if idempotent {
		attempts = c.maxRetries
	}

	var body []byte
	err := retryProviderCall(ctx, attempts, func() error {
		var callErr error
		body, callErr = c.sendOnce(ctx, build)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *GeminiBatchClient) sendOnce(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := build(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	request.Header.Set("x-goog-api-key", c.apiKey)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("gemini timeout: %w", err)
		}
		return nil, fmt.Errorf("gemini transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read gemini body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, newProviderHTTPError("gemini", response, body)
	}
	return body, nil
}

func decodeBatchOperation(body []byte) (domain.BatchJob, error) {
	var operation batchOperation
	if err := json.Unmarshal(body, &operation); err != nil {
		return domain.BatchJob{}, fmt.Errorf("%w: decode batch operation: %v", ErrUnexpectedSchema, err)
	}
	if operation.Metadata == nil {
		return domain.BatchJob{}, fmt.Errorf("%w: batch operation without metadata", ErrUnexpectedSchema)
	}

	name := providerFirstNonEmpty(operation.Name, operation.Metadata.Name)
	if !strings.HasPrefix(name, "batches/") {
		return domain.BatchJob{}, fmt.Errorf("%w: batch name %q", ErrUnexpectedSchema, name)
	}

	job := domain.BatchJob{Name: name}
	switch operation.Metadata.State {
	case geminiStatePending:
		job.State = domain.BatchStateSubmitted
	case geminiStateRunning:
		job.State = domain.BatchStateRunning
	case geminiStateSucceeded:
		job.State = domain.BatchStateSucceeded
		if operation.Metadata.Output == nil || !strings.HasPrefix(operation.Metadata.Output.ResponsesFile, "files/") {
			return domain.BatchJob{}, fmt.Errorf("%w: succeeded batch %s without responses file", ErrUnexpectedSchema, name)
		}
		job.ResultsFile = operation.Metadata.Output.ResponsesFile
	case geminiStateFailed, geminiStateExpired:
		job.State = domain.BatchStateFailed
	case geminiStateCancelled:
		job.State = domain.BatchStateCancelled
	default:
		return domain.BatchJob{}, fmt.Errorf("%w: batch state %q", ErrUnexpectedSchema, operation.Metadata.State)
	}

	if operation.Error != nil {
		job.Error = strings.TrimSpace(operation.Error.Message)
	}
	if operation.Metadata.State == geminiStateExpired && job.Error == "" {
		job.Error = "batch expired before completion"
	}
	return job, nil
}

func modelResource(model string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(model), "models/")
	return "models/" + url.PathEscape(trimmed)
}
