package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	retryBaseDelay = 350 * time.Millisecond
	maxRetryAfter  = 30 * time.Second
)

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type GenerateRequest struct {
	Model           string
	Instructions    string
	Input           string
	Temperature     float64
	MaxOutputTokens int
	JSONOutput      bool
}

type GenerateResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
}

// TextGenerator produces one completion per request.
type TextGenerator interface {
	Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error)
	Available() bool
}

func providerFirstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type providerHTTPError struct {
	Provider   string
	StatusCode int
	Message    string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func newProviderHTTPError(provider string, response *http.Response, body []byte) *providerHTTPError {
	return &providerHTTPError{
		Provider:   provider,
		StatusCode: response.StatusCode,
		Message:    truncateMessage(body),
		RetryAfter: parseRetryAfter(response.Header.Get("Retry-After")),
	}
}

// parseRetryAfter reads the delay-seconds form only, capped at maxRetryAfter.
func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	delay := time.Duration(seconds) * time.Second
	if delay > maxRetryAfter {
		return maxRetryAfter
	}
	return delay
}

// retryProviderCall runs call up to retries+1 times. Only retryable provider
// errors are retried; the wait grows linearly or follows Retry-After.
func retryProviderCall(ctx context.Context, retries int, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !isRetryableProviderError(lastErr) || attempt == retries {
			break
		}

		delay := time.Duration(attempt+1) * retryBaseDelay
		var httpErr *providerHTTPError
		if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > delay {
			delay = httpErr.RetryAfter
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func isRetryableProviderError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *providerHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

func truncateMessage(body []byte) string {
	message := strings.TrimSpace(string(body))
	if len(message) > 700 {
		message = message[:700]
	}
	return message
}
