package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrOpenRouterUnavailable = errors.New("openrouter client unavailable")
	// ErrAnswerTruncated marks a completion cut at the output token limit.
	// A cut JSON answer cannot be parsed, so it is reported as a failure.
	ErrAnswerTruncated = errors.New("model answer truncated at token limit")
)

type OpenRouterClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	SiteURL    string
	AppName    string
}

// OpenRouterClient sends one chat completion per extraction prompt. It backs
// the inline batch provider.
type OpenRouterClient struct {
	apiKey     string
	endpoint   string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	headers    http.Header
}

func NewOpenRouterClient(config OpenRouterClientConfig) *OpenRouterClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://openrouter.ai/api/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(config.AppName) == "" {
		config.AppName = "Inbox Triage"
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	headers.Set("X-Title", strings.TrimSpace(config.AppName))
	if siteURL := strings.TrimSpace(config.SiteURL); siteURL != "" {
		headers.Set("HTTP-Referer", siteURL)
	}

	return &OpenRouterClient{
		apiKey:     strings.TrimSpace(config.APIKey),
		endpoint:   strings.TrimSuffix(config.BaseURL, "/") + "/chat/completions",
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
		headers:    headers,
	}
}

func (c *OpenRouterClient) Available() bool {
	return c.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	// OpenRouter reports some upstream failures inside a 200 body.
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenRouterClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrOpenRouterUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return GenerateResult{}, errors.New("model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return GenerateResult{}, errors.New("input is required")
	}

	body := chatCompletionRequest{
		Model:       request.Model,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxOutputTokens,
	}
	if instructions := strings.TrimSpace(request.Instructions); instructions != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: instructions})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: request.Input})
	if request.JSONOutput {
		body.ResponseFormat = &chatResponseFormat{Type: "json_object"}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal openrouter payload: %w", err)
	}

	var result GenerateResult
	err = retryProviderCall(ctx, c.maxRetries, func() error {
		var callErr error
		result, callErr = c.complete(ctx, encoded, request.Model)
		return callErr
	})
	if err != nil {
		return GenerateResult{}, err
	}
	return result, nil
}

func (c *OpenRouterClient) complete(ctx context.Context, payload []byte, requestedModel string) (GenerateResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("create openrouter request: %w", err)
	}
	httpRequest.Header = c.headers.Clone()
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return GenerateResult{}, fmt.Errorf("openrouter timeout: %w", err)
		}
		return GenerateResult{}, fmt.Errorf("openrouter transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("read openrouter body: %w", err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return GenerateResult{}, newProviderHTTPError("openrouter", httpResponse, raw)
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return GenerateResult{}, fmt.Errorf("decode openrouter response: %w", err)
	}
	if decoded.Error != nil {
		return GenerateResult{}, &providerHTTPError{
			Provider:   "openrouter",
			StatusCode: decoded.Error.Code,
			Message:    decoded.Error.Message,
		}
	}
	if len(decoded.Choices) == 0 {
		return GenerateResult{}, errors.New("openrouter response without choices")
	}

	choice := decoded.Choices[0]
	if choice.FinishReason == "length" {
		return GenerateResult{}, ErrAnswerTruncated
	}
	text := chatContentText(choice.Message.Content)
	if text == "" {
		return GenerateResult{}, errors.New("openrouter response without text output")
	}

	return GenerateResult{
		Text:    text,
		ModelID: providerFirstNonEmpty(decoded.Model, requestedModel),
		Usage: TokenUsage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}, nil
}

// chatContentText accepts both a plain string and an array of text parts.
func chatContentText(content json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(content, &plain); err == nil {
		return strings.TrimSpace(plain)
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	fragments := make([]string, 0, len(parts))
	for _, part := range parts {
		if text := strings.TrimSpace(part.Text); text != "" {
			fragments = append(fragments, text)
		}
	}
	return strings.Join(fragments, "\n")
}
