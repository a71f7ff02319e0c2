package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/mail"
)

const (
	defaultEmailLimit = 5
	maxEmailLimit     = 100
)

// emailSummary is the light message shape served by /emails and /test-emails.
type emailSummary struct {
	ID       string `json:"id,omitempty"`
	FromAddr string `json:"from_addr"`
	Subject  string `json:"subject"`
	Date     string `json:"date"`
	Preview  string `json:"preview"`
}

type moveResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

// Emails fetches the newest messages straight from the mail source.
func (api *API) Emails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	limit := defaultEmailLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxEmailLimit {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	messages, err := api.source.Fetch(r.Context(), api.windowDays)
	if err != nil {
		api.writeMailError(w, r, "fetch emails", err)
		return
	}
	if len(messages) > limit {
		messages = messages[:limit]
	}
	writeJSON(w, http.StatusOK, summarize(messages))
}

// TestEmails serves the fixed development messages.
func (api *API) TestEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, summarize(mail.FixtureMessages()))
}

// EmailActions handles DELETE /emails/{id} and POST /emails/{id}/restore.
func (api *API) EmailActions(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/emails/"), "/")
	messageID, action, _ := strings.Cut(path, "/")
	if messageID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "message_id is required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w, r, http.MethodDelete)
			return
		}
		api.moveEmail(w, r, messageID, false)
	case "restore":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, r, http.MethodPost)
			return
		}
		api.moveEmail(w, r, messageID, true)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	}
}

func (api *API) moveEmail(w http.ResponseWriter, r *http.Request, messageID string, restore bool) {
	mover, ok := api.source.(mail.Mover)
	if !ok {
		api.writeMailError(w, r, "move email", mail.ErrNotSupported)
		return
	}

	if restore {
		if err := mover.Restore(r.Context(), messageID); err != nil {
			api.writeMailError(w, r, "restore email", err)
			return
		}
		api.logf("email restored request_id=%s message_id=%s", requestID(r), messageID)
		writeJSON(w, http.StatusOK, moveResponse{Success: true, Message: "Email restored to inbox", MessageID: messageID})
		return
	}

	if err := mover.Trash(r.Context(), messageID); err != nil {
		api.writeMailError(w, r, "delete email", err)
		return
	}
	api.logf("email trashed request_id=%s message_id=%s", requestID(r), messageID)
	writeJSON(w, http.StatusOK, moveResponse{Success: true, Message: "Email moved to trash", MessageID: messageID})
}

func summarize(messages []domain.RawMessage) []emailSummary {
	result := make([]emailSummary, 0, len(messages))
	for _, message := range messages {
		result = append(result, emailSummary{
			ID:       message.ID,
			FromAddr: message.From,
			Subject:  message.Subject,
			Date:     message.ReceivedAt.UTC().Format(time.RFC3339),
			Preview:  message.Preview,
		})
	}
	return result
}
