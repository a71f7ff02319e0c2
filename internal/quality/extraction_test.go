package quality

import (
	"errors"
	"testing"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
)

func TestParseValidExtraction(t *testing.T) {
	validator := NewExtractionValidator()

	result, err := validator.Parse(`{
		"summary": "Quarterly planning session.",
		"category": "Work",
		"todos": [{"title": "Prepare Q3 review", "due_date": "2024-11-25T12:00:00Z", "priority": 2}],
		"events": [{"title": "Q4 Planning", "location": "Conference Room A", "start_date": "2024-11-25T14:00:00", "end_date": "2024-11-25T15:30:00"}]
	}`)
	if err != nil {
		t.Fatalf("expected extraction to parse: %v", err)
	}
	if result.Summary != "Quarterly planning session." || result.Category != "work" {
		t.Fatalf("unexpected summary/category: %+v", result)
	}
	if len(result.Todos) != 1 || result.Todos[0].Priority != 2 {
		t.Fatalf("unexpected todos: %+v", result.Todos)
	}
	if result.Todos[0].Due == nil || !result.Todos[0].Due.Equal(time.Date(2024, 11, 25, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected due date: %v", result.Todos[0].Due)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(result.Events))
	}
	event := result.Events[0]
	if event.Location != "Conference Room A" || event.Start == nil || event.End == nil {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestParseEmptyAnswers(t *testing.T) {
	validator := NewExtractionValidator()
	for _, text := range []string{"", "   ", "{}", "{ }", "```json\n{}\n```", `""`} {
		_, err := validator.Parse(text)
		if !errors.Is(err, ErrNoExtraction) {
			t.Fatalf("expected ErrNoExtraction for %q, got %v", text, err)
		}
	}
}

func TestParseRejectsUnparsableText(t *testing.T) {
	validator := NewExtractionValidator()
	for _, text := range []string{
		"I could not find anything useful.",
		"{not json",
		`["a","b"]`,
		"null",
		" NULL ",
		"```json\nnull\n```",
		"42",
	} {
		_, err := validator.Parse(text)
		if !errors.Is(err, ErrQualityRejected) {
			t.Fatalf("expected ErrQualityRejected for %q, got %v", text, err)
		}
	}
}

func TestParseStripsCodeFence(t *testing.T) {
	result, err := NewExtractionValidator().Parse("```json\n{\"todos\":[{\"title\":\"Pay invoice\"}]}\n```")
	if err != nil {
		t.Fatalf("expected fenced answer to parse: %v", err)
	}
	if len(result.Todos) != 1 || result.Todos[0].Title != "Pay invoice" {
		t.Fatalf("unexpected todos: %+v", result.Todos)
	}
}

func TestParseEventRequiresTitleAndStart(t *testing.T) {
	result, err := NewExtractionValidator().Parse(`{
		"events": [
			{"title": "No start"},
			{"title": "Bad start", "start_date": "next tuesday"},
			{"start_date": "2024-11-27T09:30:00Z"},
			{"title": "Dentist", "start_date": "2024-11-27T09:30:00Z"}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].Title != "Dentist" {
		t.Fatalf("expected only the complete event, got %+v", result.Events)
	}
	if result.Events[0].Location != domain.UnknownLocation {
		t.Fatalf("expected default location, got %q", result.Events[0].Location)
	}
}

func TestParseDropsEndNotAfterStart(t *testing.T) {
	result, err := NewExtractionValidator().Parse(`{
		"events": [{"title": "Standup", "start_date": "2024-11-27T09:30:00Z", "end_date": "2024-11-27T09:00:00Z", "all_day": "true"}]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Events[0].End != nil {
		t.Fatalf("expected end to be dropped, got %v", result.Events[0].End)
	}
	if !result.Events[0].AllDay {
		t.Fatalf("expected all_day string to be accepted")
	}
}

func TestParseNormalizesPriority(t *testing.T) {
	result, err := NewExtractionValidator().Parse(`{
		"todos": [
			{"title": "missing"},
			{"title": "none", "priority": 0},
			{"title": "too high", "priority": 12},
			{"title": "negative", "priority": -3},
			{"title": "string", "priority": "3"},
			{"title": "word", "priority": "high"},
			{"title": "fraction", "priority": 2.5},
			{"title": ""}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []int{5, 0, 5, 5, 3, 5, 5}
	if len(result.Todos) != len(expected) {
		t.Fatalf("expected %d todos, got %d", len(expected), len(result.Todos))
	}
	for i, want := range expected {
		if result.Todos[i].Priority != want {
			t.Fatalf("todo %q: expected priority %d, got %d", result.Todos[i].Title, want, result.Todos[i].Priority)
		}
	}
}

func TestParseAcceptsProseAroundJSON(t *testing.T) {
	result, err := NewExtractionValidator().Parse(`Here you go: {"summary": "ok", "todos": []}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Summary != "ok" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"```{}```":                "{}",
		"  {\"a\":1}  ":           `{"a":1}`,
	}
	for input, want := range cases {
		if got := StripCodeFence(input); got != want {
			t.Fatalf("StripCodeFence(%q) = %q, want %q", input, got, want)
		}
	}
}
