package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/iago/inbox-triage-back/internal/domain"
)

const (
	gmailUser            = "me"
	defaultGmailPageSize = 50
)

type GmailSourceConfig struct {
	// Endpoint overrides the API base URL.
	Endpoint   string
	PageSize   int
	MaxPages   int
	Tokens     TokenProvider
	HTTPClient *http.Client
	Logger     *log.Logger
}

// GmailSource reads the inbox through the Gmail REST API.
type GmailSource struct {
	endpoint   string
	pageSize   int64
	maxPages   int
	tokens     TokenProvider
	httpClient *http.Client
	logger     *log.Logger
}

func NewGmailSource(config GmailSourceConfig) *GmailSource {
	if config.PageSize <= 0 {
		config.PageSize = defaultGmailPageSize
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GmailSource{
		endpoint:   strings.TrimSpace(config.Endpoint),
		pageSize:   int64(config.PageSize),
		maxPages:   config.MaxPages,
		tokens:     config.Tokens,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
	}
}

func (s *GmailSource) Name() string {
	return "gmail"
}

func (s *GmailSource) Fetch(ctx context.Context, windowDays int) ([]domain.RawMessage, error) {
	srv, err := s.service(ctx)
	if err != nil {
		return nil, err
	}
	if windowDays <= 0 {
		windowDays = 1
	}

	query := fmt.Sprintf("in:inbox -in:draft newer_than:%dd", windowDays)
	messages := make([]domain.RawMessage, 0, s.pageSize)
	pageToken := ""
	pages := 0
	for {
		if s.maxPages > 0 && pages >= s.maxPages {
			break
		}
		call := srv.Users.Messages.List(gmailUser).Q(query).MaxResults(s.pageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			err = classifyGmailError(err)
			if pages == 0 {
				return nil, err
			}
			logf(s.logger, "gmail fetch stopped early pages=%d messages=%d err=%v", pages, len(messages), err)
			break
		}
		pages++

		for _, ref := range list.Messages {
			msg, err := srv.Users.Messages.Get(gmailUser, ref.Id).Format("full").Context(ctx).Do()
			if err != nil {
				logf(s.logger, "gmail message skipped id=%s err=%v", ref.Id, classifyGmailError(err))
				continue
			}
			messages = append(messages, gmailRawMessage(msg))
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}

	logf(s.logger, "gmail fetch completed window_days=%d pages=%d messages=%d", windowDays, pages, len(messages))
	return messages, nil
}

func (s *GmailSource) Trash(ctx context.Context, messageID string) error {
	srv, err := s.service(ctx)
	if err != nil {
		return err
	}
	if _, err := srv.Users.Messages.Trash(gmailUser, messageID).Context(ctx).Do(); err != nil {
		return classifyGmailError(err)
	}
	logf(s.logger, "gmail message trashed id=%s", messageID)
	return nil
}

func (s *GmailSource) Restore(ctx context.Context, messageID string) error {
	srv, err := s.service(ctx)
	if err != nil {
		return err
	}
	if _, err := srv.Users.Messages.Untrash(gmailUser, messageID).Context(ctx).Do(); err != nil {
		return classifyGmailError(err)
	}
	logf(s.logger, "gmail message restored id=%s", messageID)
	return nil
}

func (s *GmailSource) service(ctx context.Context) (*gmail.Service, error) {
	source, err := tokenSource(ctx, s.tokens)
	if err != nil {
		return nil, err
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, s.httpClient), source)
	options := []option.ClientOption{option.WithHTTPClient(client)}
	if s.endpoint != "" {
		options = append(options, option.WithEndpoint(s.endpoint))
	}
	srv, err := gmail.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return srv, nil
}

func classifyGmailError(err error) error {
	if isUnauthorized(err) {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthenticated, apiErr.Message)
		}
		return &UpstreamError{Provider: "gmail", StatusCode: apiErr.Code, Message: firstNonEmpty(apiErr.Message, apiErr.Body)}
	}
	return &UpstreamError{Provider: "gmail", Message: err.Error()}
}

func gmailRawMessage(msg *gmail.Message) domain.RawMessage {
	raw := domain.RawMessage{
		ID:         msg.Id,
		Preview:    html.UnescapeString(msg.Snippet),
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch strings.ToLower(header.Name) {
			case "from":
				raw.From = header.Value
			case "subject":
				raw.Subject = header.Value
			}
		}
		raw.BodyHTML = gmailBody(msg.Payload, "text/html")
		if raw.BodyHTML == "" {
			raw.BodyHTML = html.EscapeString(gmailBody(msg.Payload, "text/plain"))
		}
	}
	raw.From = firstNonEmpty(raw.From, "Unknown")
	raw.Subject = firstNonEmpty(raw.Subject, "No Subject")
	return raw
}

// gmailBody walks the MIME tree depth first and decodes the first part of
// the given type.
func gmailBody(part *gmail.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, mimeType) && part.Body != nil && part.Body.Data != "" {
		return decodeGmailData(part.Body.Data)
	}
	for _, child := range part.Parts {
		if body := gmailBody(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

func decodeGmailData(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ""
		}
	}
	return string(decoded)
}
