package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iago/inbox-triage-back/internal/repository"
	"github.com/iago/inbox-triage-back/internal/service"
)

// RefreshEmails starts a background refresh cycle.
func (api *API) RefreshEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	result, err := api.refresh.StartRefresh(r.Context())
	if err != nil {
		api.logf("start refresh failed request_id=%s err=%v", requestID(r), err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to start refresh")
		return
	}

	statusCode := http.StatusOK
	if result.Status == service.StartStarted {
		statusCode = http.StatusAccepted
	}
	writeJSON(w, statusCode, result)
}

func (api *API) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, api.refresh.Status())
}

// ProcessedEmails serves the whole snapshot on /processed-emails and one
// record on /processed-emails/{id}.
func (api *API) ProcessedEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/processed-emails"), "/")
	if id == "" {
		emails, err := api.refresh.ProcessedEmails(r.Context())
		if err != nil {
			api.logf("load processed emails failed request_id=%s err=%v", requestID(r), err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load processed emails")
			return
		}
		writeJSON(w, http.StatusOK, emails)
		return
	}

	email, err := api.refresh.GetProcessed(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "processed email not found")
			return
		}
		api.logf("load processed email failed request_id=%s id=%s err=%v", requestID(r), id, err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load processed email")
		return
	}
	writeJSON(w, http.StatusOK, email)
}
