package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
)

const validatedAtLayout = "2006-01-02T15:04:05.000000"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// EventRequest is a calendar entry the client wants to add.
type EventRequest struct {
	Title     string  `json:"title"`
	Location  *string `json:"location"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
	Notes     *string `json:"notes"`
	AllDay    bool    `json:"all_day"`
}

type EventData struct {
	Title       string  `json:"title"`
	Location    *string `json:"location"`
	StartDate   string  `json:"start_date"`
	EndDate     string  `json:"end_date"`
	Notes       *string `json:"notes"`
	AllDay      bool    `json:"all_day"`
	ValidatedAt string  `json:"validated_at"`
}

type EventValidation struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	EventData *EventData `json:"event_data"`
}

// ReminderRequest is a to-do the client wants to add.
type ReminderRequest struct {
	Title    string  `json:"title"`
	Notes    *string `json:"notes"`
	DueDate  *string `json:"due_date"`
	Priority int     `json:"priority"`
}

type ReminderData struct {
	Title       string  `json:"title"`
	Notes       *string `json:"notes"`
	DueDate     *string `json:"due_date"`
	Priority    int     `json:"priority"`
	ValidatedAt string  `json:"validated_at"`
}

type ReminderValidation struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	ReminderData *ReminderData `json:"reminder_data"`
}

// ValidateEvent checks the event dates. Failures are reported in the result,
// not as an error.
func ValidateEvent(request EventRequest, now time.Time) EventValidation {
	start, err := ParseISODate(request.StartDate)
	if err != nil {
		return EventValidation{Message: "Invalid date format: " + err.Error()}
	}
	end, err := ParseISODate(request.EndDate)
	if err != nil {
		return EventValidation{Message: "Invalid date format: " + err.Error()}
	}
	if !end.After(start) {
		return EventValidation{Message: "End date must be after start date"}
	}

	return EventValidation{
		Success: true,
		Message: "Event validated successfully. Ready to add to calendar.",
		EventData: &EventData{
			Title:       request.Title,
			Location:    request.Location,
			StartDate:   request.StartDate,
			EndDate:     request.EndDate,
			Notes:       request.Notes,
			AllDay:      request.AllDay,
			ValidatedAt: now.Format(validatedAtLayout),
		},
	}
}

// ValidateReminder checks the optional due date and the priority range.
func ValidateReminder(request ReminderRequest, now time.Time) ReminderValidation {
	if request.DueDate != nil && *request.DueDate != "" {
		if _, err := ParseISODate(*request.DueDate); err != nil {
			return ReminderValidation{Message: "Invalid date format: " + err.Error()}
		}
	}
	if request.Priority < domain.PriorityNone || request.Priority > domain.PriorityLowest {
		return ReminderValidation{Message: "Priority must be between 0 and 9"}
	}

	return ReminderValidation{
		Success: true,
		Message: "Reminder validated successfully. Ready to add to reminders.",
		ReminderData: &ReminderData{
			Title:       request.Title,
			Notes:       request.Notes,
			DueDate:     request.DueDate,
			Priority:    request.Priority,
			ValidatedAt: now.Format(validatedAtLayout),
		},
	}
}

// ParseISODate accepts ISO-8601 timestamps with a Z suffix, a numeric offset
// or no zone at all (read as UTC), and bare dates.
func ParseISODate(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed != "" {
		for _, layout := range isoLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("invalid isoformat string: %q", value)
}
