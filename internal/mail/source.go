package mail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/iago/inbox-triage-back/internal/domain"
)

var (
	// ErrUnauthenticated means no usable provider token is available.
	ErrUnauthenticated = errors.New("mail provider authentication required")
	ErrNotSupported    = errors.New("operation not supported by mail source")
)

// UpstreamError is a failed provider call.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed status=%d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

// Source fetches the messages received in the trailing window. When a page
// fails after earlier pages succeeded, the earlier pages are returned and the
// failure is only logged.
type Source interface {
	Name() string
	Fetch(ctx context.Context, windowDays int) ([]domain.RawMessage, error)
}

// Mover is implemented by sources that can move messages to trash and back.
type Mover interface {
	Trash(ctx context.Context, messageID string) error
	Restore(ctx context.Context, messageID string) error
}

// TokenProvider hands out OAuth token sources for provider calls.
type TokenProvider interface {
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
}

func windowStart(now time.Time, windowDays int) time.Time {
	if windowDays <= 0 {
		windowDays = 1
	}
	return now.UTC().AddDate(0, 0, -windowDays)
}

func tokenSource(ctx context.Context, tokens TokenProvider) (oauth2.TokenSource, error) {
	if tokens == nil {
		return nil, ErrUnauthenticated
	}
	source, err := tokens.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return source, nil
}

// isUnauthorized reports whether an oauth2 refresh failed because the grant
// is no longer valid.
func isUnauthorized(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return true
	}
	return errors.Is(err, ErrUnauthenticated)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
