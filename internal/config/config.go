package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config centralizes runtime settings for the API and the refresh worker.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins []string

	RateLimitRPS   float64
	RateLimitBurst int

	MailProvider   string
	MailWindowDays int
	MailPageSize   int

	GraphClientID string
	GraphTenantID string
	GraphBaseURL  string

	GmailClientID     string
	GmailClientSecret string

	IMAPHost     string
	IMAPPort     string
	IMAPUsername string
	IMAPPassword string
	IMAPTLS      bool

	TokenKeyringService string
	TokenKeyringDir     string

	BatchBackend          string
	BatchPollIntervalMS   int
	BatchMaxWaitSeconds   int
	GeminiAPIKey          string
	GeminiBaseURL         string
	GeminiModelPrimary    string
	GeminiModelFallback   string
	GeminiTimeoutMS       int
	GeminiMaxRetries      int
	OpenRouterAPIKey      string
	OpenRouterBaseURL     string
	OpenRouterModel       string
	OpenRouterFallback    string
	OpenRouterTimeoutMS   int
	OpenRouterMaxRetries  int
	OpenRouterSiteURL     string
	OpenRouterAppName     string
	ExtractionCacheTTLSec int
	ExtractionCacheSize   int

	PromptsDir         string
	PromptMaxBodyChars int
	PromptRedactPII    bool

	StoreBackend string
	DataDir      string
	DatabaseURL  string
	SQLitePath   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	PosthogAPIKey   string
	PosthogEndpoint string

	WorkerEnabled bool
}

var defaults = map[string]any{
	"PORT": "8000",

	"API_AUTH_TOKEN":       "",
	"CORS_ALLOWED_ORIGINS": "*",
	"RATE_LIMIT_RPS":       20.0,
	"RATE_LIMIT_BURST":     40,

	"MAIL_PROVIDER":    "graph",
	"MAIL_WINDOW_DAYS": 7,
	"MAIL_PAGE_SIZE":   50,

	"GRAPH_CLIENT_ID": "14d82eec-204b-4c2f-b7e8-296a70dab67e",
	"GRAPH_TENANT_ID": "common",
	"GRAPH_BASE_URL":  "https://graph.microsoft.com/v1.0",

	"GMAIL_CLIENT_ID":     "",
	"GMAIL_CLIENT_SECRET": "",

	"IMAP_HOST":     "",
	"IMAP_PORT":     "993",
	"IMAP_USERNAME": "",
	"IMAP_PASSWORD": "",
	"IMAP_TLS":      true,

	"TOKEN_KEYRING_SERVICE": "inbox-triage",
	"TOKEN_KEYRING_DIR":     "~/.config/inbox-triage/credentials",

	"BATCH_BACKEND":                "gemini",
	"BATCH_POLL_INTERVAL_MS":       5000,
	"BATCH_MAX_WAIT_SECONDS":       0,
	"GEMINI_API_KEY":               "",
	"GEMINI_BASE_URL":              "https://generativelanguage.googleapis.com",
	"GEMINI_MODEL_PRIMARY":         "gemini-2.5-flash",
	"GEMINI_MODEL_FALLBACK":        "gemini-2.5-flash-lite",
	"GEMINI_TIMEOUT_MS":            30000,
	"GEMINI_MAX_RETRIES":           2,
	"OPENROUTER_API_KEY":           "",
	"OPENROUTER_BASE_URL":          "https://openrouter.ai/api/v1",
	"OPENROUTER_MODEL":             "google/gemini-2.5-flash",
	"OPENROUTER_MODEL_FALLBACK":    "google/gemini-2.5-flash-lite",
	"OPENROUTER_TIMEOUT_MS":        30000,
	"OPENROUTER_MAX_RETRIES":       2,
	"OPENROUTER_SITE_URL":          "",
	"OPENROUTER_APP_NAME":          "Inbox Triage",
	"EXTRACTION_CACHE_TTL_SECONDS": 86400,
	"EXTRACTION_CACHE_MAX_ENTRIES": 2000,

	"PROMPTS_DIR":           "",
	"PROMPT_MAX_BODY_CHARS": 12000,
	"PROMPT_REDACT_PII":     true,

	"STORE_BACKEND": "file",
	"DATA_DIR":      "data",
	"DATABASE_URL":  "",
	"SQLITE_PATH":   "data/inbox-triage.db",

	"REDIS_ADDR":       "",
	"REDIS_PASSWORD":   "",
	"REDIS_DB":         0,
	"REDIS_STREAM":     "refresh_requests",
	"REDIS_DLQ_STREAM": "refresh_requests_dlq",
	"REDIS_GROUP":      "refresh_workers",
	"REDIS_CONSUMER":   "api-1",

	"POSTHOG_API_KEY":  "",
	"POSTHOG_ENDPOINT": "https://us.i.posthog.com",

	"WORKER_ENABLED": true,
}

// Load reads settings from the environment and, when CONFIG_FILE is set,
// from that file. Environment values win over file values.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	return Config{
		Port: v.GetString("PORT"),

		AuthToken:          v.GetString("API_AUTH_TOKEN"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:       v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:     v.GetInt("RATE_LIMIT_BURST"),

		MailProvider:   strings.ToLower(strings.TrimSpace(v.GetString("MAIL_PROVIDER"))),
		MailWindowDays: v.GetInt("MAIL_WINDOW_DAYS"),
		MailPageSize:   v.GetInt("MAIL_PAGE_SIZE"),

		GraphClientID: v.GetString("GRAPH_CLIENT_ID"),
		GraphTenantID: v.GetString("GRAPH_TENANT_ID"),
		GraphBaseURL:  v.GetString("GRAPH_BASE_URL"),

		GmailClientID:     v.GetString("GMAIL_CLIENT_ID"),
		GmailClientSecret: v.GetString("GMAIL_CLIENT_SECRET"),

		IMAPHost:     v.GetString("IMAP_HOST"),
		IMAPPort:     v.GetString("IMAP_PORT"),
		IMAPUsername: v.GetString("IMAP_USERNAME"),
		IMAPPassword: v.GetString("IMAP_PASSWORD"),
		IMAPTLS:      v.GetBool("IMAP_TLS"),

		TokenKeyringService: v.GetString("TOKEN_KEYRING_SERVICE"),
		TokenKeyringDir:     v.GetString("TOKEN_KEYRING_DIR"),

		BatchBackend:          strings.ToLower(strings.TrimSpace(v.GetString("BATCH_BACKEND"))),
		BatchPollIntervalMS:   v.GetInt("BATCH_POLL_INTERVAL_MS"),
		BatchMaxWaitSeconds:   v.GetInt("BATCH_MAX_WAIT_SECONDS"),
		GeminiAPIKey:          v.GetString("GEMINI_API_KEY"),
		GeminiBaseURL:         v.GetString("GEMINI_BASE_URL"),
		GeminiModelPrimary:    v.GetString("GEMINI_MODEL_PRIMARY"),
		GeminiModelFallback:   v.GetString("GEMINI_MODEL_FALLBACK"),
		GeminiTimeoutMS:       v.GetInt("GEMINI_TIMEOUT_MS"),
		GeminiMaxRetries:      v.GetInt("GEMINI_MAX_RETRIES"),
		OpenRouterAPIKey:      v.GetString("OPENROUTER_API_KEY"),
		OpenRouterBaseURL:     v.GetString("OPENROUTER_BASE_URL"),
		OpenRouterModel:       v.GetString("OPENROUTER_MODEL"),
		OpenRouterFallback:    v.GetString("OPENROUTER_MODEL_FALLBACK"),
		OpenRouterTimeoutMS:   v.GetInt("OPENROUTER_TIMEOUT_MS"),
		OpenRouterMaxRetries:  v.GetInt("OPENROUTER_MAX_RETRIES"),
		OpenRouterSiteURL:     v.GetString("OPENROUTER_SITE_URL"),
		OpenRouterAppName:     v.GetString("OPENROUTER_APP_NAME"),
		ExtractionCacheTTLSec: v.GetInt("EXTRACTION_CACHE_TTL_SECONDS"),
		ExtractionCacheSize:   v.GetInt("EXTRACTION_CACHE_MAX_ENTRIES"),

		PromptsDir:         v.GetString("PROMPTS_DIR"),
		PromptMaxBodyChars: v.GetInt("PROMPT_MAX_BODY_CHARS"),
		PromptRedactPII:    v.GetBool("PROMPT_REDACT_PII"),

		StoreBackend: strings.ToLower(strings.TrimSpace(v.GetString("STORE_BACKEND"))),
		DataDir:      v.GetString("DATA_DIR"),
		DatabaseURL:  v.GetString("DATABASE_URL"),
		SQLitePath:   v.GetString("SQLITE_PATH"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisStream:   v.GetString("REDIS_STREAM"),
		RedisDLQ:      v.GetString("REDIS_DLQ_STREAM"),
		RedisGroup:    v.GetString("REDIS_GROUP"),
		RedisConsumer: v.GetString("REDIS_CONSUMER"),

		PosthogAPIKey:   v.GetString("POSTHOG_API_KEY"),
		PosthogEndpoint: v.GetString("POSTHOG_ENDPOINT"),

		WorkerEnabled: v.GetBool("WORKER_ENABLED"),
	}, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}
