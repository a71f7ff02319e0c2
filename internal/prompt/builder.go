package prompt

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/jaytaylor/html2text"

	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/policy"
)

const (
	DefaultTemplate        = "extract_v1.tmpl"
	defaultMaxContentChars = 12000
)

//go:embed templates/*.tmpl
var embedded embed.FS

type Config struct {
	// PromptsDir overrides the embedded templates when it holds a file with
	// the same name.
	PromptsDir      string
	TemplateName    string
	MaxContentChars int
	RedactPII       bool
}

// Builder renders one extraction prompt per message. It has no side effects
// beyond caching parsed templates.
type Builder struct {
	promptsDir      string
	templateName    string
	maxContentChars int
	redactPII       bool

	tmplMu    sync.RWMutex
	templates map[string]*template.Template
}

type templateData struct {
	From    string
	Subject string
	Date    string
	Content string
}

func NewBuilder(config Config) *Builder {
	if strings.TrimSpace(config.TemplateName) == "" {
		config.TemplateName = DefaultTemplate
	}
	if config.MaxContentChars <= 0 {
		config.MaxContentChars = defaultMaxContentChars
	}

	return &Builder{
		promptsDir:      strings.TrimSpace(config.PromptsDir),
		templateName:    config.TemplateName,
		maxContentChars: config.MaxContentChars,
		redactPII:       config.RedactPII,
		templates:       make(map[string]*template.Template),
	}
}

// Version names the template the prompts are rendered from.
func (b *Builder) Version() string {
	return strings.TrimSuffix(b.templateName, filepath.Ext(b.templateName))
}

func (b *Builder) Build(key string, message domain.RawMessage) (domain.ExtractionRequest, error) {
	if strings.TrimSpace(key) == "" {
		return domain.ExtractionRequest{}, errors.New("correlation key is required")
	}

	content := b.content(message)
	rendered, err := b.render(templateData{
		From:    message.From,
		Subject: message.Subject,
		Date:    formatDate(message.ReceivedAt),
		Content: content,
	})
	if err != nil {
		return domain.ExtractionRequest{}, err
	}

	return domain.ExtractionRequest{
		Key:     key,
		Prompt:  rendered,
		Message: message,
	}, nil
}

// content prefers the body converted to plain text and falls back to the
// preview only when the body carries no text.
func (b *Builder) content(message domain.RawMessage) string {
	text := bodyText(message.BodyHTML)
	if strings.TrimSpace(text) == "" {
		text = strings.TrimSpace(message.Preview)
	}
	if b.redactPII {
		text = policy.RedactPII(text)
	}
	return truncateRunes(text, b.maxContentChars)
}

func bodyText(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	text, err := html2text.FromString(body, html2text.Options{OmitLinks: true})
	if err != nil {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(text)
}

func (b *Builder) render(data templateData) (string, error) {
	tmpl, err := b.loadTemplate(b.templateName)
	if err != nil {
		return "", err
	}

	buffer := bytes.NewBuffer(nil)
	if err := tmpl.Execute(buffer, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", b.templateName, err)
	}
	return buffer.String(), nil
}

func (b *Builder) loadTemplate(fileName string) (*template.Template, error) {
	b.tmplMu.RLock()
	if tmpl, ok := b.templates[fileName]; ok {
		b.tmplMu.RUnlock()
		return tmpl, nil
	}
	b.tmplMu.RUnlock()

	content, err := b.readTemplate(fileName)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(fileName).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", fileName, err)
	}

	b.tmplMu.Lock()
	b.templates[fileName] = tmpl
	b.tmplMu.Unlock()

	return tmpl, nil
}

func (b *Builder) readTemplate(fileName string) ([]byte, error) {
	if b.promptsDir != "" {
		absolute := filepath.Join(b.promptsDir, fileName)
		content, err := os.ReadFile(absolute)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read prompt template %s: %w", absolute, err)
		}
	}

	content, err := embedded.ReadFile("templates/" + fileName)
	if err != nil {
		return nil, fmt.Errorf("read embedded prompt template %s: %w", fileName, err)
	}
	return content, nil
}

func formatDate(value time.Time) string {
	if value.IsZero() {
		return "unknown"
	}
	return value.UTC().Format(time.RFC3339)
}

func truncateRunes(value string, maxRunes int) string {
	if maxRunes <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= maxRunes {
		return value
	}
	return strings.TrimSpace(string(runes[:maxRunes])) + "\n[truncated]"
}
