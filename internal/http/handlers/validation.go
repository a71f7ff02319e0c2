package handlers

import (
	"net/http"
	"strings"

	"github.com/iago/inbox-triage-back/internal/policy"
)

// CalendarEvent validates an event before the client adds it to a calendar.
// Validation failures are answered with success=false, not an HTTP error.
func (api *API) CalendarEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var request policy.EventRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid event payload")
		return
	}
	if strings.TrimSpace(request.Title) == "" || request.StartDate == "" || request.EndDate == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "title, start_date and end_date are required")
		return
	}

	writeJSON(w, http.StatusOK, policy.ValidateEvent(request, api.now()))
}

// ReminderTodo validates a to-do before the client adds it to reminders.
func (api *API) ReminderTodo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var request policy.ReminderRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid reminder payload")
		return
	}
	if strings.TrimSpace(request.Title) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}

	writeJSON(w, http.StatusOK, policy.ValidateReminder(request, api.now()))
}
