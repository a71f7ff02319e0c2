package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/policy"
)

var (
	ErrQualityRejected = errors.New("output failed quality checks")
	// ErrNoExtraction marks an answer that is literally empty or {}.
	ErrNoExtraction = errors.New("no actionable content")
)

const (
	maxSummaryLen  = 600
	maxTitleLen    = 200
	maxNotesLen    = 1000
	maxCategoryLen = 40
	maxItems       = 20
)

type extractionPayload struct {
	Summary  string         `json:"summary"`
	Category string         `json:"category"`
	Todos    []todoPayload  `json:"todos"`
	Events   []eventPayload `json:"events"`
}

type todoPayload struct {
	Title    string          `json:"title"`
	Notes    string          `json:"notes"`
	DueDate  string          `json:"due_date"`
	Priority json.RawMessage `json:"priority"`
}

type eventPayload struct {
	Title     string          `json:"title"`
	Notes     string          `json:"notes"`
	Location  string          `json:"location"`
	StartDate string          `json:"start_date"`
	EndDate   string          `json:"end_date"`
	AllDay    json.RawMessage `json:"all_day"`
}

// ExtractionValidator turns a model answer into a normalized
// ExtractionResult.
type ExtractionValidator struct{}

func NewExtractionValidator() *ExtractionValidator {
	return &ExtractionValidator{}
}

// Parse strips code fences, rejects empty answers with ErrNoExtraction and
// decodes the extraction schema. Todos without a title are dropped. Events
// are kept only when both title and start date are present and parse.
func (v *ExtractionValidator) Parse(text string) (domain.ExtractionResult, error) {
	cleaned := StripCodeFence(text)
	if IsEmptyAnswer(cleaned) {
		return domain.ExtractionResult{}, ErrNoExtraction
	}

	rawJSON, err := extractJSON(cleaned)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("%w: %v", ErrQualityRejected, err)
	}

	var payload extractionPayload
	if err := json.Unmarshal(rawJSON, &payload); err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("%w: decode extraction payload: %v", ErrQualityRejected, err)
	}

	result := domain.ExtractionResult{
		Summary:  truncateAtWord(normalizeText(payload.Summary), maxSummaryLen),
		Category: truncateAtWord(strings.ToLower(normalizeText(payload.Category)), maxCategoryLen),
		Todos:    make([]domain.Todo, 0, len(payload.Todos)),
		Events:   make([]domain.Event, 0, len(payload.Events)),
	}

	for _, item := range payload.Todos {
		todo, ok := normalizeTodo(item)
		if !ok {
			continue
		}
		result.Todos = append(result.Todos, todo)
		if len(result.Todos) == maxItems {
			break
		}
	}

	for _, item := range payload.Events {
		event, ok := normalizeEvent(item)
		if !ok {
			continue
		}
		result.Events = append(result.Events, event)
		if len(result.Events) == maxItems {
			break
		}
	}

	return result, nil
}

func normalizeTodo(item todoPayload) (domain.Todo, bool) {
	title := truncateAtWord(normalizeText(item.Title), maxTitleLen)
	if title == "" {
		return domain.Todo{}, false
	}
	return domain.Todo{
		Title:    title,
		Notes:    truncateAtWord(strings.TrimSpace(item.Notes), maxNotesLen),
		Due:      parseOptionalDate(item.DueDate),
		Priority: normalizePriority(item.Priority),
	}, true
}

func normalizeEvent(item eventPayload) (domain.Event, bool) {
	title := truncateAtWord(normalizeText(item.Title), maxTitleLen)
	start := parseOptionalDate(item.StartDate)
	if title == "" || start == nil {
		return domain.Event{}, false
	}

	end := parseOptionalDate(item.EndDate)
	if end != nil && !end.After(*start) {
		end = nil
	}

	location := normalizeText(item.Location)
	if location == "" || strings.EqualFold(location, "null") || strings.EqualFold(location, "none") {
		location = domain.UnknownLocation
	}

	return domain.Event{
		Title:    title,
		Notes:    truncateAtWord(strings.TrimSpace(item.Notes), maxNotesLen),
		Location: location,
		Start:    start,
		End:      end,
		AllDay:   parseFlexibleBool(item.AllDay),
	}, true
}

func normalizePriority(raw json.RawMessage) int {
	trimmed := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if trimmed == "" || trimmed == "null" {
		return domain.PriorityDefault
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return domain.PriorityDefault
	}
	priority := int(value)
	if float64(priority) != value || priority < domain.PriorityNone || priority > domain.PriorityLowest {
		return domain.PriorityDefault
	}
	return priority
}

func parseFlexibleBool(raw json.RawMessage) bool {
	trimmed := strings.ToLower(strings.Trim(strings.TrimSpace(string(raw)), `"`))
	return trimmed == "true" || trimmed == "1" || trimmed == "yes"
}

func parseOptionalDate(value string) *time.Time {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return nil
	}
	parsed, err := policy.ParseISODate(trimmed)
	if err != nil {
		return nil
	}
	utc := parsed.UTC()
	return &utc
}

// IsEmptyAnswer reports whether an answer carries no extraction at all.
func IsEmptyAnswer(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == `""` {
		return true
	}
	return strings.Join(strings.Fields(trimmed), "") == "{}"
}

// StripCodeFence removes a surrounding markdown fence, with or without a
// language tag.
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		tag := strings.TrimSpace(trimmed[:newline])
		if tag == "" || !strings.ContainsAny(tag, "{[\"") {
			trimmed = trimmed[newline+1:]
		}
	} else {
		trimmed = strings.TrimPrefix(trimmed, "json")
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// Preview returns the leading text of a line for diagnostics.
func Preview(text string, maxLen int) string {
	normalized := normalizeText(text)
	runes := []rune(normalized)
	if len(runes) <= maxLen {
		return normalized
	}
	return string(runes[:maxLen]) + "..."
}

func extractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty model output")
	}

	// A literal null decodes without error into a nil map.
	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil && decoded != nil {
		return []byte(trimmed), nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		if err := json.Unmarshal([]byte(candidate), &decoded); err == nil && decoded != nil {
			return []byte(candidate), nil
		}
	}

	return nil, errors.New("model output is not a JSON object")
}

func normalizeText(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	parts := strings.Fields(trimmed)
	return strings.Join(parts, " ")
}

func truncateAtWord(value string, maxLen int) string {
	if len(value) <= maxLen || maxLen <= 0 {
		return value
	}
	cut := value[:maxLen]
	lastSpace := strings.LastIndex(cut, " ")
	if lastSpace > maxLen/2 {
		cut = cut[:lastSpace]
	}
	return strings.ToValidUTF8(strings.TrimSpace(cut), "")
}
