package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/iago/inbox-triage-back/internal/auth"
	"github.com/iago/inbox-triage-back/internal/http/middleware"
	"github.com/iago/inbox-triage-back/internal/mail"
	"github.com/iago/inbox-triage-back/internal/service"
	ws "github.com/iago/inbox-triage-back/internal/websocket"
)

var errInvalidPayload = errors.New("invalid payload")

// DeviceLogin is the sign-in flow exposed under /auth.
type DeviceLogin interface {
	Start(ctx context.Context) (auth.Login, error)
	Status() auth.Status
	Logout() error
}

type APIConfig struct {
	Refresh *service.RefreshService
	Source  mail.Source
	// Auth is nil when the mail source does not sign in with OAuth.
	Auth       DeviceLogin
	Hub        *ws.Hub
	WindowDays int
	Now        func() time.Time
	Logger     *log.Logger
}

type API struct {
	refresh    *service.RefreshService
	source     mail.Source
	auth       DeviceLogin
	hub        *ws.Hub
	windowDays int
	now        func() time.Time
	logger     *log.Logger
}

func NewAPI(config APIConfig) *API {
	if config.WindowDays <= 0 {
		config.WindowDays = service.DefaultWindowDays
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Hub == nil {
		config.Hub = ws.NewHub(0, config.Logger)
	}
	return &API{
		refresh:    config.Refresh,
		source:     config.Source,
		auth:       config.Auth,
		hub:        config.Hub,
		windowDays: config.WindowDays,
		now:        config.Now,
		logger:     config.Logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// writeMailError classifies a failed synchronous provider call.
func (api *API) writeMailError(w http.ResponseWriter, r *http.Request, action string, err error) {
	var upstream *mail.UpstreamError
	switch {
	case errors.Is(err, mail.ErrUnauthenticated), errors.Is(err, auth.ErrNoToken):
		writeError(w, r, http.StatusUnauthorized, "unauthenticated",
			"Authentication required. Start a sign-in with POST /auth/device.")
	case errors.Is(err, mail.ErrNotSupported):
		writeError(w, r, http.StatusNotImplemented, "not_supported", action+": "+err.Error())
	case errors.As(err, &upstream):
		writeError(w, r, http.StatusBadGateway, "upstream_error", action+": "+upstream.Error())
	default:
		api.logf("request failed request_id=%s action=%q err=%v", requestID(r), action, err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", action+": "+err.Error())
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}

func (api *API) logf(format string, args ...any) {
	if api.logger == nil {
		return
	}
	api.logger.Printf(format, args...)
}
