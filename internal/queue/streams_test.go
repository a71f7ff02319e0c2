package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/iago/inbox-triage-back/internal/domain"
)

func TestParseStreamMessage(t *testing.T) {
	requestedAt := time.Date(2024, 11, 25, 9, 0, 0, 0, time.UTC)
	values := streamValues(domain.RefreshRequest{ID: "r1", WindowDays: 7, Attempt: 0, RequestedAt: requestedAt})

	stringValues := make(map[string]any, len(values))
	for key, value := range values {
		stringValues[key] = fmt.Sprintf("%v", value)
	}

	request, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: stringValues})
	require.NoError(t, err)
	assert.Equal(t, "r1", request.ID)
	assert.Equal(t, 7, request.WindowDays)
	assert.True(t, requestedAt.Equal(request.RequestedAt))
}

func TestParseStreamMessageRejectsMalformedEntries(t *testing.T) {
	cases := map[string]map[string]any{
		"missing id":      {"window_days": "7", "attempt": "0", "requested_at": "2024-11-25T09:00:00Z"},
		"empty id":        {"request_id": " ", "window_days": "7", "attempt": "0", "requested_at": "2024-11-25T09:00:00Z"},
		"bad window":      {"request_id": "r1", "window_days": "seven", "attempt": "0", "requested_at": "2024-11-25T09:00:00Z"},
		"bad timestamp":   {"request_id": "r1", "window_days": "7", "attempt": "0", "requested_at": "yesterday"},
		"missing attempt": {"request_id": "r1", "window_days": "7", "requested_at": "2024-11-25T09:00:00Z"},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: values})
			require.Error(t, err)
		})
	}
}

func TestStreamsQueueRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	q, err := NewStreamsQueue(ctx, StreamsConfig{Addr: endpoint, Block: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, q.Enqueue(ctx, domain.RefreshRequest{ID: "ok", WindowDays: 3, RequestedAt: time.Now()}))
	require.NoError(t, q.Enqueue(ctx, domain.RefreshRequest{ID: "fails", WindowDays: 3, RequestedAt: time.Now()}))
	_, err = q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"junk": "1"}}).Result()
	require.NoError(t, err)

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handled := make(chan string, 4)
	go func() {
		_ = q.Consume(consumeCtx, func(_ context.Context, request domain.RefreshRequest) error {
			handled <- request.ID
			if request.ID == "fails" {
				return errors.New("cycle failed")
			}
			return nil
		})
	}()

	got := []string{<-handled, <-handled}
	assert.ElementsMatch(t, []string{"ok", "fails"}, got)

	require.Eventually(t, func() bool {
		size, err := q.DLQLen(ctx)
		return err == nil && size == 2
	}, 5*time.Second, 50*time.Millisecond, "failed and malformed entries are dead-lettered")
}
