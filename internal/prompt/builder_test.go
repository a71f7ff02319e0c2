package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/inbox-triage-back/internal/domain"
)

func testMessage() domain.RawMessage {
	return domain.RawMessage{
		ID:         "msg-1",
		From:       "team@company.com",
		Subject:    "Team Meeting - Q4 Planning",
		ReceivedAt: time.Date(2024, 11, 25, 9, 0, 0, 0, time.UTC),
		Preview:    "Join us for our quarterly planning session.",
		BodyHTML:   "<p>Join us on <b>November 25</b> at 2:00 PM.</p>",
	}
}

func TestBuildRendersMessageFields(t *testing.T) {
	builder := NewBuilder(Config{})

	request, err := builder.Build("batch-0", testMessage())
	require.NoError(t, err)

	assert.Equal(t, "batch-0", request.Key)
	assert.Equal(t, "msg-1", request.Message.ID)
	assert.Contains(t, request.Prompt, "From: team@company.com")
	assert.Contains(t, request.Prompt, "Subject: Team Meeting - Q4 Planning")
	assert.Contains(t, request.Prompt, "Email received: 2024-11-25T09:00:00Z")
	assert.Contains(t, request.Prompt, `"todos"`)
	assert.Contains(t, request.Prompt, `"events"`)
}

func TestBuildPrefersBodyOverPreview(t *testing.T) {
	builder := NewBuilder(Config{})

	request, err := builder.Build("k", testMessage())
	require.NoError(t, err)

	assert.Contains(t, request.Prompt, "November 25")
	assert.NotContains(t, request.Prompt, "<b>")
	assert.NotContains(t, request.Prompt, "quarterly planning session")
}

func TestBuildFallsBackToPreviewWhenBodyIsEmpty(t *testing.T) {
	builder := NewBuilder(Config{})

	for _, body := range []string{"", "   \n\t", "<div> </div>"} {
		message := testMessage()
		message.BodyHTML = body

		request, err := builder.Build("k", message)
		require.NoError(t, err)
		assert.Contains(t, request.Prompt, "quarterly planning session", "body %q", body)
	}
}

func TestBuildPreservesBracesInContent(t *testing.T) {
	builder := NewBuilder(Config{})
	message := testMessage()
	message.Subject = "Deploy {{.Secret}} {literal}"
	message.BodyHTML = ""
	message.Preview = `config: {"a": {"b": 1}} and {{ template "x" }}`

	request, err := builder.Build("k", message)
	require.NoError(t, err)

	assert.Contains(t, request.Prompt, "Deploy {{.Secret}} {literal}")
	assert.Contains(t, request.Prompt, `config: {"a": {"b": 1}} and {{ template "x" }}`)
	assert.NotContains(t, request.Prompt, "{{{{")
}

func TestBuildRedactsPIIWhenEnabled(t *testing.T) {
	message := testMessage()
	message.BodyHTML = ""
	message.Preview = "Card 4111 1111 1111 1234 is on file."

	plain, err := NewBuilder(Config{}).Build("k", message)
	require.NoError(t, err)
	assert.Contains(t, plain.Prompt, "4111 1111 1111 1234")

	redacted, err := NewBuilder(Config{RedactPII: true}).Build("k", message)
	require.NoError(t, err)
	assert.NotContains(t, redacted.Prompt, "4111 1111 1111 1234")
	assert.Contains(t, redacted.Prompt, "**** **** **** 1234")
}

func TestBuildTruncatesLongContent(t *testing.T) {
	message := testMessage()
	message.BodyHTML = ""
	message.Preview = strings.Repeat("é", 50)

	request, err := NewBuilder(Config{MaxContentChars: 10}).Build("k", message)
	require.NoError(t, err)

	assert.Contains(t, request.Prompt, strings.Repeat("é", 10)+"\n[truncated]")
	assert.NotContains(t, request.Prompt, strings.Repeat("é", 11))
}

func TestBuildRequiresKey(t *testing.T) {
	_, err := NewBuilder(Config{}).Build(" ", testMessage())
	assert.Error(t, err)
}

func TestBuildUsesTemplateFromPromptsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, DefaultTemplate),
		[]byte("custom {{.Subject}} / {{.Content}}"),
		0o600,
	))

	message := testMessage()
	message.BodyHTML = ""
	request, err := NewBuilder(Config{PromptsDir: dir}).Build("k", message)
	require.NoError(t, err)

	assert.Equal(t, "custom Team Meeting - Q4 Planning / Join us for our quarterly planning session.", request.Prompt)
}

func TestBuildFallsBackToEmbeddedTemplate(t *testing.T) {
	request, err := NewBuilder(Config{PromptsDir: t.TempDir()}).Build("k", testMessage())
	require.NoError(t, err)
	assert.Contains(t, request.Prompt, "Return exactly one JSON object")
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "extract_v1", NewBuilder(Config{}).Version())
}
