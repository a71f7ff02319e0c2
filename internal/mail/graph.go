package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/iago/inbox-triage-back/internal/domain"
)

const (
	defaultGraphBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultGraphPageSize = 50
	graphSelect          = "id,subject,from,receivedDateTime,bodyPreview,body"
)

type GraphSourceConfig struct {
	BaseURL  string
	PageSize int
	// MaxPages bounds pagination; zero follows every nextLink.
	MaxPages   int
	Tokens     TokenProvider
	HTTPClient *http.Client
	Timeout    time.Duration
	Now        func() time.Time
	Logger     *log.Logger
}

// GraphSource reads the signed-in user's mailbox through Microsoft Graph.
type GraphSource struct {
	baseURL    string
	pageSize   int
	maxPages   int
	tokens     TokenProvider
	httpClient *http.Client
	now        func() time.Time
	logger     *log.Logger
}

type graphMessagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type graphMessage struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	ReceivedDateTime string `json:"receivedDateTime"`
	BodyPreview      string `json:"bodyPreview"`
	From             struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewGraphSource(config GraphSourceConfig) *GraphSource {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	if config.PageSize <= 0 {
		config.PageSize = defaultGraphPageSize
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &GraphSource{
		baseURL:    baseURL,
		pageSize:   config.PageSize,
		maxPages:   config.MaxPages,
		tokens:     config.Tokens,
		httpClient: config.HTTPClient,
		now:        config.Now,
		logger:     config.Logger,
	}
}

func (s *GraphSource) Name() string {
	return "graph"
}

func (s *GraphSource) Fetch(ctx context.Context, windowDays int) ([]domain.RawMessage, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("$filter", "receivedDateTime ge "+windowStart(s.now(), windowDays).Format(time.RFC3339))
	query.Set("$orderby", "receivedDateTime desc")
	query.Set("$top", strconv.Itoa(s.pageSize))
	query.Set("$select", graphSelect)
	next := s.baseURL + "/me/messages?" + query.Encode()

	messages := make([]domain.RawMessage, 0, s.pageSize)
	pages := 0
	for next != "" {
		if s.maxPages > 0 && pages >= s.maxPages {
			break
		}
		var page graphMessagePage
		if err := s.do(ctx, client, http.MethodGet, next, nil, &page); err != nil {
			if pages == 0 {
				return nil, err
			}
			logf(s.logger, "graph fetch stopped early pages=%d messages=%d err=%v", pages, len(messages), err)
			break
		}
		pages++
		for _, item := range page.Value {
			messages = append(messages, item.toRawMessage())
		}
		next = page.NextLink
	}

	logf(s.logger, "graph fetch completed window_days=%d pages=%d messages=%d", windowDays, pages, len(messages))
	return messages, nil
}

// Trash moves the message to Deleted Items.
func (s *GraphSource) Trash(ctx context.Context, messageID string) error {
	return s.move(ctx, messageID, "deleteditems")
}

// Restore moves the message back to the inbox.
func (s *GraphSource) Restore(ctx context.Context, messageID string) error {
	return s.move(ctx, messageID, "inbox")
}

func (s *GraphSource) move(ctx context.Context, messageID string, destination string) error {
	if strings.TrimSpace(messageID) == "" {
		return &UpstreamError{Provider: "graph", StatusCode: http.StatusBadRequest, Message: "message id is required"}
	}
	client, err := s.client(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"destinationId": destination})
	if err != nil {
		return fmt.Errorf("encode graph move request: %w", err)
	}
	endpoint := s.baseURL + "/me/messages/" + url.PathEscape(messageID) + "/move"
	if err := s.do(ctx, client, http.MethodPost, endpoint, body, nil); err != nil {
		return err
	}
	logf(s.logger, "graph message moved id=%s destination=%s", messageID, destination)
	return nil
}

func (s *GraphSource) client(ctx context.Context) (*http.Client, error) {
	source, err := tokenSource(ctx, s.tokens)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, s.httpClient), source), nil
}

func (s *GraphSource) do(ctx context.Context, client *http.Client, method string, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build graph request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if isUnauthorized(err) {
			return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return &UpstreamError{Provider: "graph", Message: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &UpstreamError{Provider: "graph", StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: graph rejected the access token", ErrUnauthenticated)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var graphErr graphErrorBody
		_ = json.Unmarshal(payload, &graphErr)
		message := firstNonEmpty(graphErr.Error.Message, strings.TrimSpace(string(payload)), resp.Status)
		return &UpstreamError{Provider: "graph", StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &UpstreamError{Provider: "graph", StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}

func (m graphMessage) toRawMessage() domain.RawMessage {
	received, err := time.Parse(time.RFC3339, m.ReceivedDateTime)
	if err != nil {
		received = time.Time{}
	}
	body := ""
	if strings.EqualFold(m.Body.ContentType, "html") || strings.EqualFold(m.Body.ContentType, "text") {
		body = m.Body.Content
	}
	return domain.RawMessage{
		ID:         m.ID,
		From:       firstNonEmpty(m.From.EmailAddress.Address, "Unknown"),
		Subject:    firstNonEmpty(m.Subject, "No Subject"),
		ReceivedAt: received.UTC(),
		Preview:    m.BodyPreview,
		BodyHTML:   body,
	}
}
