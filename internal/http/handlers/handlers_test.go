package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iago/inbox-triage-back/internal/auth"
	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/mail"
	"github.com/iago/inbox-triage-back/internal/queue"
	"github.com/iago/inbox-triage-back/internal/repository"
	"github.com/iago/inbox-triage-back/internal/service"
)

type fakeSource struct {
	messages []domain.RawMessage
	err      error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Fetch(context.Context, int) ([]domain.RawMessage, error) {
	return s.messages, s.err
}

type fakeMoverSource struct {
	fakeSource
	moveErr  error
	trashed  []string
	restored []string
}

func (s *fakeMoverSource) Trash(_ context.Context, id string) error {
	if s.moveErr != nil {
		return s.moveErr
	}
	s.trashed = append(s.trashed, id)
	return nil
}

func (s *fakeMoverSource) Restore(_ context.Context, id string) error {
	if s.moveErr != nil {
		return s.moveErr
	}
	s.restored = append(s.restored, id)
	return nil
}

type fakeLogin struct {
	startErr   error
	loggedOut  bool
	authorized bool
}

func (f *fakeLogin) Start(context.Context) (auth.Login, error) {
	if f.startErr != nil {
		return auth.Login{}, f.startErr
	}
	return auth.Login{UserCode: "ABCD-EFGH", VerificationURI: "https://microsoft.com/devicelogin"}, nil
}

func (f *fakeLogin) Status() auth.Status {
	return auth.Status{Provider: "graph", Authenticated: f.authorized}
}

func (f *fakeLogin) Logout() error {
	f.loggedOut = true
	return nil
}

type fixedProducer struct {
	err error
}

func (p fixedProducer) Enqueue(context.Context, domain.RefreshRequest) error { return p.err }

var fixedNow = time.Date(2024, 11, 25, 12, 0, 0, 0, time.UTC)

type apiOptions struct {
	source   mail.Source
	login    DeviceLogin
	producer queue.Producer
}

func newTestAPI(t *testing.T, opts apiOptions) (*API, *repository.MemoryRepository) {
	t.Helper()
	if opts.source == nil {
		opts.source = &fakeSource{}
	}
	if opts.producer == nil {
		opts.producer = fixedProducer{}
	}
	repo := repository.NewMemoryRepository()
	tracker := service.NewStatusTracker(context.Background(), service.StatusTrackerConfig{Store: repo})
	api := NewAPI(APIConfig{
		Refresh: service.NewRefreshService(service.RefreshServiceConfig{
			Tracker:  tracker,
			Repo:     repo,
			Producer: opts.producer,
		}),
		Source: opts.source,
		Auth:   opts.login,
		Now:    func() time.Time { return fixedNow },
	})
	return api, repo
}

func serve(handler http.HandlerFunc, method string, target string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	recorder := httptest.NewRecorder()
	handler(recorder, request)
	return recorder
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return value
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorPayload](t, recorder).Error.Code
}

func TestRefreshEmailsStartsThenRejects(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{})

	first := serve(api.RefreshEmails, http.MethodPost, "/refresh-emails", nil)
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}
	started := decode[service.StartResult](t, first)
	if started.Status != service.StartStarted || started.BatchStatus.Status != domain.RefreshStateFetching {
		t.Fatalf("unexpected start result %+v", started)
	}

	second := serve(api.RefreshEmails, http.MethodPost, "/refresh-emails", nil)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", second.Code)
	}
	if result := decode[service.StartResult](t, second); result.Status != service.StartAlreadyRunning {
		t.Fatalf("expected already_running, got %s", result.Status)
	}

	status := serve(api.RefreshStatus, http.MethodGet, "/refresh-status", nil)
	body := decode[map[string]any](t, status)
	for _, field := range []string{"status", "message", "last_updated", "count"} {
		if _, ok := body[field]; !ok {
			t.Fatalf("expected field %q in status payload %v", field, body)
		}
	}
}

func TestRefreshEmailsEnqueueFailure(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{producer: fixedProducer{err: queue.ErrQueueFull}})

	recorder := serve(api.RefreshEmails, http.MethodPost, "/refresh-emails", nil)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	status := decode[domain.RefreshStatus](t, serve(api.RefreshStatus, http.MethodGet, "/refresh-status", nil))
	if status.Status != domain.RefreshStateError {
		t.Fatalf("expected error status, got %s", status.Status)
	}
}

func TestRefreshEmailsRejectsGet(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{})
	recorder := serve(api.RefreshEmails, http.MethodGet, "/refresh-emails", nil)
	if recorder.Code != http.StatusMethodNotAllowed || errorCode(t, recorder) != "method_not_allowed" {
		t.Fatalf("expected method_not_allowed, got %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", recorder.Header().Get("Allow"))
	}
}

func TestProcessedEmailsListAndLookup(t *testing.T) {
	api, repo := newTestAPI(t, apiOptions{})
	_ = repo.SaveProcessed(context.Background(), []domain.ProcessedEmail{{
		ID:      "email-1",
		From:    "boss@company.com",
		Subject: "Expense report",
		Date:    fixedNow,
		Todos:   []domain.Todo{{Title: "Submit report", Priority: 1}},
		Events:  []domain.Event{},
	}})

	list := serve(api.ProcessedEmails, http.MethodGet, "/processed-emails", nil)
	emails := decode[[]map[string]any](t, list)
	if len(emails) != 1 || emails[0]["from_addr"] != "boss@company.com" {
		t.Fatalf("unexpected list %v", emails)
	}
	for _, key := range []string{"summary", "category", "todos", "events"} {
		if _, ok := emails[0][key]; !ok {
			t.Fatalf("expected %q key even when empty, got %v", key, emails[0])
		}
	}

	one := serve(api.ProcessedEmails, http.MethodGet, "/processed-emails/email-1", nil)
	if one.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", one.Code)
	}
	if email := decode[domain.ProcessedEmail](t, one); email.Subject != "Expense report" || len(email.Todos) != 1 {
		t.Fatalf("unexpected email %+v", email)
	}

	missing := serve(api.ProcessedEmails, http.MethodGet, "/processed-emails/nope", nil)
	if missing.Code != http.StatusNotFound || errorCode(t, missing) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", missing.Code, missing.Body.String())
	}
}

func TestProcessedEmailsEmptyIsArray(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{})
	recorder := serve(api.ProcessedEmails, http.MethodGet, "/processed-emails", nil)
	if got := strings.TrimSpace(recorder.Body.String()); got != "[]" {
		t.Fatalf("expected empty JSON array, got %q", got)
	}
}

func TestEmailsAppliesLimit(t *testing.T) {
	source := &fakeSource{messages: mail.FixtureMessages()}
	api, _ := newTestAPI(t, apiOptions{source: source})

	recorder := serve(api.Emails, http.MethodGet, "/emails", nil)
	if emails := decode[[]emailSummary](t, recorder); len(emails) != defaultEmailLimit {
		t.Fatalf("expected default limit %d, got %d", defaultEmailLimit, len(emails))
	}

	recorder = serve(api.Emails, http.MethodGet, "/emails?limit=8", nil)
	emails := decode[[]emailSummary](t, recorder)
	if len(emails) != 8 {
		t.Fatalf("expected 8 emails, got %d", len(emails))
	}
	if emails[0].FromAddr == "" || emails[0].Date == "" {
		t.Fatalf("expected summary fields, got %+v", emails[0])
	}

	for _, bad := range []string{"0", "-1", "abc", "101"} {
		recorder = serve(api.Emails, http.MethodGet, "/emails?limit="+bad, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", bad, recorder.Code)
		}
	}
}

func TestEmailsClassifiesFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want string
	}{
		{name: "unauthenticated", err: mail.ErrUnauthenticated, code: http.StatusUnauthorized, want: "unauthenticated"},
		{name: "wrapped unauthenticated", err: fmt.Errorf("graph: %w", mail.ErrUnauthenticated), code: http.StatusUnauthorized, want: "unauthenticated"},
		{name: "no token", err: auth.ErrNoToken, code: http.StatusUnauthorized, want: "unauthenticated"},
		{name: "upstream", err: &mail.UpstreamError{Provider: "graph", StatusCode: 503, Message: "busy"}, code: http.StatusBadGateway, want: "upstream_error"},
		{name: "unexpected", err: errors.New("disk on fire"), code: http.StatusInternalServerError, want: "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api, _ := newTestAPI(t, apiOptions{source: &fakeSource{err: tc.err}})
			recorder := serve(api.Emails, http.MethodGet, "/emails", nil)
			if recorder.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, recorder.Code)
			}
			if got := errorCode(t, recorder); got != tc.want {
				t.Fatalf("expected code %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTestEmailsServesFixture(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{})
	emails := decode[[]emailSummary](t, serve(api.TestEmails, http.MethodGet, "/test-emails", nil))
	if len(emails) != 10 {
		t.Fatalf("expected 10 fixture emails, got %d", len(emails))
	}
	withEvents := 0
	for _, email := range emails {
		if strings.Contains(email.Preview, "Event Time:") {
			withEvents++
		}
	}
	if withEvents != 5 {
		t.Fatalf("expected 5 fixture emails with event times, got %d", withEvents)
	}
}

func TestEmailActionsMoveMessages(t *testing.T) {
	source := &fakeMoverSource{}
	api, _ := newTestAPI(t, apiOptions{source: source})

	trash := serve(api.EmailActions, http.MethodDelete, "/emails/msg-1", nil)
	if trash.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", trash.Code, trash.Body.String())
	}
	if response := decode[moveResponse](t, trash); !response.Success || response.MessageID != "msg-1" {
		t.Fatalf("unexpected response %+v", response)
	}

	restore := serve(api.EmailActions, http.MethodPost, "/emails/msg-1/restore", nil)
	if restore.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", restore.Code)
	}
	if len(source.trashed) != 1 || len(source.restored) != 1 {
		t.Fatalf("expected one trash and one restore, got %v %v", source.trashed, source.restored)
	}

	if recorder := serve(api.EmailActions, http.MethodPost, "/emails/msg-1", nil); recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST on message, got %d", recorder.Code)
	}
	if recorder := serve(api.EmailActions, http.MethodGet, "/emails/msg-1/restore", nil); recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on restore, got %d", recorder.Code)
	}
	if recorder := serve(api.EmailActions, http.MethodPost, "/emails/msg-1/archive", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", recorder.Code)
	}
	if recorder := serve(api.EmailActions, http.MethodDelete, "/emails/", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", recorder.Code)
	}
}

func TestEmailActionsFailures(t *testing.T) {
	source := &fakeMoverSource{moveErr: &mail.UpstreamError{Provider: "gmail", StatusCode: 404, Message: "not found"}}
	api, _ := newTestAPI(t, apiOptions{source: source})
	recorder := serve(api.EmailActions, http.MethodDelete, "/emails/msg-1", nil)
	if recorder.Code != http.StatusBadGateway || errorCode(t, recorder) != "upstream_error" {
		t.Fatalf("expected upstream_error, got %d %s", recorder.Code, recorder.Body.String())
	}

	readOnly, _ := newTestAPI(t, apiOptions{source: &fakeSource{}})
	recorder = serve(readOnly.EmailActions, http.MethodDelete, "/emails/msg-1", nil)
	if recorder.Code != http.StatusNotImplemented || errorCode(t, recorder) != "not_supported" {
		t.Fatalf("expected not_supported, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestCalendarEvent(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{})

	tests := []struct {
		name    string
		body    map[string]any
		success bool
		message string
	}{
		{
			name: "valid event",
			body: map[string]any{
				"title":      "Team Meeting",
				"location":   "Conference Room A",
				"start_date": "2024-11-25T14:00:00Z",
				"end_date":   "2024-11-25T15:30:00Z",
				"notes":      "Quarterly planning",
			},
			success: true,
			message: "Event validated successfully. Ready to add to calendar.",
		},
		{
			name:    "all day without location",
			body:    map[string]any{"title": "Holiday", "start_date": "2024-11-28T00:00:00", "end_date": "2024-11-29T00:00:00", "all_day": true},
			success: true,
		},
		{
			name:    "end before start",
			body:    map[string]any{"title": "Backwards", "start_date": "2024-11-25T15:00:00Z", "end_date": "2024-11-25T14:00:00Z"},
			message: "End date must be after start date",
		},
		{
			name:    "end equals start",
			body:    map[string]any{"title": "Zero", "start_date": "2024-11-25T15:00:00Z", "end_date": "2024-11-25T15:00:00Z"},
			message: "End date must be after start date",
		},
		{
			name:    "invalid date",
			body:    map[string]any{"title": "Broken", "start_date": "not-a-date", "end_date": "2024-11-25T15:00:00Z"},
			message: "Invalid date format",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := serve(api.CalendarEvent, http.MethodPost, "/calendar/event", tc.body)
			if recorder.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", recorder.Code)
			}
			body := decode[map[string]any](t, recorder)
			if body["success"] != tc.success {
				t.Fatalf("expected success=%v, got %v", tc.success, body)
			}
			if tc.message != "" && !strings.HasPrefix(body["message"].(string), tc.message) {
				t.Fatalf("expected message %q, got %q", tc.message, body["message"])
			}
			if tc.success {
				data := body["event_data"].(map[string]any)
				if data["title"] != tc.body["title"] || data["validated_at"] == "" {
					t.Fatalf("unexpected event data %v", data)
				}
			} else if body["event_data"] != nil {
				t.Fatalf("expected no event data on failure, got %v", body["event_data"])
			}
		})
	}

	missing := serve(api.CalendarEvent, http.MethodPost, "/calendar/event", map[string]any{"title": "No dates"})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without dates, got %d", missing.Code)
	}
}

func TestReminderTodo(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{})

	tests := []struct {
		name    string
		body    map[string]any
		success bool
		message string
	}{
		{name: "with due date", body: map[string]any{"title": "Submit expense report", "due_date": "2024-11-29T17:00:00Z", "priority": 1}, success: true},
		{name: "without due date", body: map[string]any{"title": "Call Grandma", "priority": 5}, success: true},
		{name: "default priority", body: map[string]any{"title": "Plan dinner"}, success: true},
		{name: "lowest priority", body: map[string]any{"title": "Watch show", "priority": 9}, success: true},
		{name: "priority too high", body: map[string]any{"title": "Too urgent", "priority": 10}, message: "Priority must be between 0 and 9"},
		{name: "negative priority", body: map[string]any{"title": "Negative", "priority": -1}, message: "Priority must be between 0 and 9"},
		{name: "bad due date", body: map[string]any{"title": "Broken", "due_date": "someday"}, message: "Invalid date format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := serve(api.ReminderTodo, http.MethodPost, "/reminders/todo", tc.body)
			if recorder.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", recorder.Code)
			}
			body := decode[map[string]any](t, recorder)
			if body["success"] != tc.success {
				t.Fatalf("expected success=%v, got %v", tc.success, body)
			}
			if tc.message != "" && !strings.HasPrefix(body["message"].(string), tc.message) {
				t.Fatalf("expected message %q, got %q", tc.message, body["message"])
			}
			if tc.success {
				data := body["reminder_data"].(map[string]any)
				wantPriority := float64(0)
				if p, ok := tc.body["priority"].(int); ok {
					wantPriority = float64(p)
				}
				if data["priority"] != wantPriority {
					t.Fatalf("expected priority %v, got %v", wantPriority, data["priority"])
				}
			}
		})
	}

	invalid := httptest.NewRecorder()
	api.ReminderTodo(invalid, httptest.NewRequest(http.MethodPost, "/reminders/todo", strings.NewReader("{")))
	if invalid.Code != http.StatusBadRequest || errorCode(t, invalid) != "invalid_request" {
		t.Fatalf("expected invalid_request, got %d", invalid.Code)
	}
}

func TestAuthEndpoints(t *testing.T) {
	login := &fakeLogin{}
	api, _ := newTestAPI(t, apiOptions{login: login})

	status := decode[auth.Status](t, serve(api.AuthStatus, http.MethodGet, "/auth/status", nil))
	if status.Authenticated || status.Provider != "graph" {
		t.Fatalf("unexpected status %+v", status)
	}

	started := serve(api.AuthDevice, http.MethodPost, "/auth/device", nil)
	if started.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", started.Code)
	}
	if got := decode[auth.Login](t, started); got.UserCode != "ABCD-EFGH" {
		t.Fatalf("unexpected login %+v", got)
	}

	logout := serve(api.AuthDevice, http.MethodDelete, "/auth/device", nil)
	if logout.Code != http.StatusNoContent || !login.loggedOut {
		t.Fatalf("expected logout, got %d", logout.Code)
	}

	login.startErr = errors.New("device code endpoint down")
	failed := serve(api.AuthDevice, http.MethodPost, "/auth/device", nil)
	if failed.Code != http.StatusBadGateway || errorCode(t, failed) != "upstream_error" {
		t.Fatalf("expected upstream_error, got %d", failed.Code)
	}
}

func TestAuthEndpointsWithoutDeviceLogin(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{})

	status := decode[map[string]any](t, serve(api.AuthStatus, http.MethodGet, "/auth/status", nil))
	if status["authenticated"] != true || status["provider"] != "fake" {
		t.Fatalf("unexpected status %v", status)
	}

	recorder := serve(api.AuthDevice, http.MethodPost, "/auth/device", nil)
	if recorder.Code != http.StatusNotImplemented || errorCode(t, recorder) != "not_supported" {
		t.Fatalf("expected not_supported, got %d", recorder.Code)
	}
}

func TestHealth(t *testing.T) {
	api, _ := newTestAPI(t, apiOptions{})
	body := decode[map[string]any](t, serve(api.Health, http.MethodGet, "/healthz", nil))
	if body["status"] != "ok" || body["refresh_status"] != "idle" {
		t.Fatalf("unexpected health body %v", body)
	}
}
