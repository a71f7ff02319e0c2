package domain

import "time"

const (
	// UnknownLocation is stored instead of an empty event location.
	UnknownLocation = "unknown"

	PriorityNone    = 0
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 9
)

// RawMessage is a provider message as fetched by a mail source.
type RawMessage struct {
	ID         string
	From       string
	Subject    string
	ReceivedAt time.Time
	Preview    string
	BodyHTML   string
}

// Todo is one action item extracted from an email.
type Todo struct {
	Title    string     `json:"title"`
	Notes    string     `json:"notes,omitempty"`
	Due      *time.Time `json:"due_date,omitempty"`
	Priority int        `json:"priority"`
}

// Event is a calendar entry extracted from an email. Start is always set
// on materialized events.
type Event struct {
	Title    string     `json:"title"`
	Notes    string     `json:"notes,omitempty"`
	Location string     `json:"location"`
	Start    *time.Time `json:"start_date"`
	End      *time.Time `json:"end_date,omitempty"`
	AllDay   bool       `json:"all_day"`
}

// ExtractionResult is the normalized answer for one email.
type ExtractionResult struct {
	Summary  string
	Category string
	Todos    []Todo
	Events   []Event
}

// ProcessedEmail is the persisted unit returned to clients.
type ProcessedEmail struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id,omitempty"`
	From      string    `json:"from_addr"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
	Preview   string    `json:"preview"`
	BodyHTML  string    `json:"body_html"`
	Summary   string    `json:"summary"`
	Category  string    `json:"category"`
	Todos     []Todo    `json:"todos"`
	Events    []Event   `json:"events"`
}

// NewProcessedEmail folds an extraction into the source message fields.
func NewProcessedEmail(id string, message RawMessage, result ExtractionResult) ProcessedEmail {
	todos := result.Todos
	if todos == nil {
		todos = []Todo{}
	}
	events := result.Events
	if events == nil {
		events = []Event{}
	}
	return ProcessedEmail{
		ID:        id,
		MessageID: message.ID,
		From:      message.From,
		Subject:   message.Subject,
		Date:      message.ReceivedAt.UTC(),
		Preview:   message.Preview,
		BodyHTML:  message.BodyHTML,
		Summary:   result.Summary,
		Category:  result.Category,
		Todos:     todos,
		Events:    events,
	}
}
