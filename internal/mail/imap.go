package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/iago/inbox-triage-back/internal/domain"
)

const (
	defaultIMAPPageSize = 50
	imapPreviewLen      = 255
)

type IMAPSourceConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS dials implicit TLS; otherwise STARTTLS is used.
	TLS      bool
	Mailbox  string
	PageSize int
	Now      func() time.Time
	Logger   *log.Logger
}

// IMAPSource reads a mailbox over IMAP4rev1/rev2 with password login.
type IMAPSource struct {
	config IMAPSourceConfig
}

func NewIMAPSource(config IMAPSourceConfig) *IMAPSource {
	if config.Port <= 0 {
		config.Port = 993
	}
	if strings.TrimSpace(config.Mailbox) == "" {
		config.Mailbox = "INBOX"
	}
	if config.PageSize <= 0 {
		config.PageSize = defaultIMAPPageSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &IMAPSource{config: config}
}

func (s *IMAPSource) Name() string {
	return "imap"
}

func (s *IMAPSource) Fetch(ctx context.Context, windowDays int) ([]domain.RawMessage, error) {
	client, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(s.config.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, &UpstreamError{Provider: "imap", Message: fmt.Sprintf("select %s: %v", s.config.Mailbox, err)}
	}

	criteria := &imap.SearchCriteria{Since: windowStart(s.config.Now(), windowDays)}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &UpstreamError{Provider: "imap", Message: "search: " + err.Error()}
	}

	uids := searchData.AllUIDs()
	// newest first, matching the other sources
	for left, right := 0, len(uids)-1; left < right; left, right = left+1, right-1 {
		uids[left], uids[right] = uids[right], uids[left]
	}

	messages := make([]domain.RawMessage, 0, len(uids))
	for start := 0; start < len(uids); start += s.config.PageSize {
		if err := ctx.Err(); err != nil {
			return messages, err
		}
		end := min(start+s.config.PageSize, len(uids))
		page, err := s.fetchPage(client, uids[start:end])
		messages = append(messages, page...)
		if err != nil {
			if start == 0 && len(page) == 0 {
				return nil, err
			}
			logf(s.config.Logger, "imap fetch stopped early fetched=%d total=%d err=%v", len(messages), len(uids), err)
			break
		}
	}

	logf(s.config.Logger, "imap fetch completed window_days=%d messages=%d", windowDays, len(messages))
	return messages, nil
}

func (s *IMAPSource) connect() (*imapclient.Client, error) {
	addr := s.config.Host + ":" + strconv.Itoa(s.config.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if s.config.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &UpstreamError{Provider: "imap", Message: fmt.Sprintf("connect %s: %v", addr, err)}
	}

	if err := client.Login(s.config.Username, s.config.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: imap login for %s: %v", ErrUnauthenticated, s.config.Username, err)
	}
	return client, nil
}

func (s *IMAPSource) fetchPage(client *imapclient.Client, uids []imap.UID) ([]domain.RawMessage, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	messages := make([]domain.RawMessage, 0, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			logf(s.config.Logger, "imap message skipped err=%v", err)
			continue
		}
		messages = append(messages, imapRawMessage(buf, buf.FindBodySection(bodySection)))
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, &UpstreamError{Provider: "imap", Message: "fetch: " + err.Error()}
	}
	return messages, nil
}

func imapRawMessage(buf *imapclient.FetchMessageBuffer, rawBody []byte) domain.RawMessage {
	raw := domain.RawMessage{
		ID:         strconv.FormatUint(uint64(buf.UID), 10),
		ReceivedAt: buf.InternalDate.UTC(),
	}
	if buf.Envelope != nil {
		raw.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			raw.From = buf.Envelope.From[0].Addr()
		}
		if raw.ReceivedAt.IsZero() {
			raw.ReceivedAt = buf.Envelope.Date.UTC()
		}
	}

	textBody, htmlBody := parseMIMEBody(rawBody)
	raw.BodyHTML = htmlBody
	if raw.BodyHTML == "" && textBody != "" {
		raw.BodyHTML = "<pre>" + html.EscapeString(textBody) + "</pre>"
	}
	raw.Preview = previewText(textBody)
	raw.From = firstNonEmpty(raw.From, "Unknown")
	raw.Subject = firstNonEmpty(raw.Subject, "No Subject")
	return raw
}

// parseMIMEBody returns the first text/plain and text/html inline parts.
func parseMIMEBody(raw []byte) (string, string) {
	if len(raw) == 0 {
		return "", ""
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), ""
	}
	defer reader.Close()

	var textBody, htmlBody string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}
	return textBody, htmlBody
}

func previewText(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= imapPreviewLen {
		return collapsed
	}
	return string(runes[:imapPreviewLen])
}
