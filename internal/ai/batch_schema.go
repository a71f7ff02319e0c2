package ai

import (
	"context"
	"io"
	"strings"

	"github.com/iago/inbox-triage-back/internal/domain"
)

// Batch line schema, Gemini v1beta generateContent shape. Both batch backends
// read and write exactly these types.

type BatchRequestLine struct {
	Key     string                 `json:"key"`
	Request GenerateContentRequest `json:"request"`
}

type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type GenerationConfig struct {
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
}

type BatchResponseLine struct {
	Key      string                   `json:"key"`
	Response *GenerateContentResponse `json:"response,omitempty"`
	Error    *BatchLineError          `json:"error,omitempty"`
}

type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type BatchLineError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// NewBatchRequestLine wraps one prompt as a JSON-mode user turn.
func NewBatchRequestLine(key string, prompt string, profile ModelProfile) BatchRequestLine {
	config := &GenerationConfig{ResponseMimeType: "application/json"}
	if profile.Temperature > 0 {
		temperature := profile.Temperature
		config.Temperature = &temperature
	}
	if profile.MaxOutputTokens > 0 {
		config.MaxOutputTokens = profile.MaxOutputTokens
	}

	return BatchRequestLine{
		Key: key,
		Request: GenerateContentRequest{
			Contents: []Content{{
				Role:  "user",
				Parts: []Part{{Text: prompt}},
			}},
			GenerationConfig: config,
		},
	}
}

// PromptText joins the text parts of the first user turn.
func (l BatchRequestLine) PromptText() string {
	if len(l.Request.Contents) == 0 {
		return ""
	}
	parts := make([]string, 0, len(l.Request.Contents[0].Parts))
	for _, part := range l.Request.Contents[0].Parts {
		parts = append(parts, part.Text)
	}
	return strings.Join(parts, "")
}

// AnswerText returns the first non-thought part of the first candidate.
func (l BatchResponseLine) AnswerText() (string, bool) {
	if l.Response == nil || len(l.Response.Candidates) == 0 {
		return "", false
	}
	for _, part := range l.Response.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		return part.Text, true
	}
	return "", false
}

// BatchProvider runs one file-based inference job.
type BatchProvider interface {
	// UploadFile stores a local JSONL file and returns the provider file name.
	UploadFile(ctx context.Context, path string, displayName string) (string, error)
	CreateJob(ctx context.Context, model string, displayName string, inputFile string) (domain.BatchJob, error)
	GetJob(ctx context.Context, name string) (domain.BatchJob, error)
	DownloadFile(ctx context.Context, name string) (io.ReadCloser, error)
}

// FileDeleter is implemented by providers that can remove uploaded files.
type FileDeleter interface {
	DeleteFile(ctx context.Context, name string) error
}
