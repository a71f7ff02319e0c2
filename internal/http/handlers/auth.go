package handlers

import (
	"net/http"
)

func (api *API) AuthStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	if api.auth == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"provider":      api.source.Name(),
			"authenticated": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, api.auth.Status())
}

// AuthDevice starts a device sign-in on POST and signs out on DELETE.
func (api *API) AuthDevice(w http.ResponseWriter, r *http.Request) {
	if api.auth == nil {
		writeError(w, r, http.StatusNotImplemented, "not_supported",
			"mail source "+api.source.Name()+" does not use device sign-in")
		return
	}

	switch r.Method {
	case http.MethodPost:
		login, err := api.auth.Start(r.Context())
		if err != nil {
			api.logf("device login start failed request_id=%s err=%v", requestID(r), err)
			writeError(w, r, http.StatusBadGateway, "upstream_error", "start device sign-in: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, login)
	case http.MethodDelete:
		if err := api.auth.Logout(); err != nil {
			api.logf("logout failed request_id=%s err=%v", requestID(r), err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to clear stored token")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}
