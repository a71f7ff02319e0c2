package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/inbox-triage-back/internal/http/handlers"
	"github.com/iago/inbox-triage-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)

	mux.HandleFunc("/refresh-emails", deps.API.RefreshEmails)
	mux.HandleFunc("/refresh-status", deps.API.RefreshStatus)
	mux.HandleFunc("/processed-emails", deps.API.ProcessedEmails)
	mux.HandleFunc("/processed-emails/", deps.API.ProcessedEmails)
	mux.HandleFunc("/ws/refresh-status", deps.API.RefreshStatusStream)

	mux.HandleFunc("/emails", deps.API.Emails)
	mux.HandleFunc("/emails/", deps.API.EmailActions)
	mux.HandleFunc("/test-emails", deps.API.TestEmails)

	mux.HandleFunc("/calendar/event", deps.API.CalendarEvent)
	mux.HandleFunc("/reminders/todo", deps.API.ReminderTodo)

	mux.HandleFunc("/auth/status", deps.API.AuthStatus)
	mux.HandleFunc("/auth/device", deps.API.AuthDevice)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken, "/healthz")(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
