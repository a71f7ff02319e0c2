package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"
)

const (
	ProviderGraph = "graph"
	ProviderGmail = "gmail"

	defaultLoginTimeout = 15 * time.Minute
)

var ErrUnsupportedProvider = errors.New("provider does not support device sign-in")

type DeviceConfig struct {
	Provider     string
	ClientID     string
	ClientSecret string
	TenantID     string
	Scopes       []string
	// Endpoint overrides the provider endpoint.
	Endpoint   *oauth2.Endpoint
	Store      TokenStore
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Login is what the user needs to finish signing in on another device.
type Login struct {
	UserCode                string    `json:"user_code"`
	VerificationURI         string    `json:"verification_uri"`
	VerificationURIComplete string    `json:"verification_uri_complete,omitempty"`
	ExpiresAt               time.Time `json:"expires_at"`
	Message                 string    `json:"message"`
}

type Status struct {
	Provider      string `json:"provider"`
	Authenticated bool   `json:"authenticated"`
	Pending       *Login `json:"pending,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// DeviceAuthenticator runs the OAuth 2.0 device authorization grant and
// hands out refreshing token sources backed by a TokenStore.
type DeviceAuthenticator struct {
	provider   string
	oauth      *oauth2.Config
	store      TokenStore
	httpClient *http.Client
	logger     *log.Logger

	mu        sync.Mutex
	pending   *Login
	lastError string
}

func NewDeviceAuthenticator(config DeviceConfig) (*DeviceAuthenticator, error) {
	provider := strings.ToLower(strings.TrimSpace(config.Provider))
	if provider == "" {
		provider = ProviderGraph
	}

	var endpoint oauth2.Endpoint
	scopes := config.Scopes
	switch provider {
	case ProviderGraph:
		tenant := strings.TrimSpace(config.TenantID)
		if tenant == "" {
			tenant = "common"
		}
		endpoint = microsoft.AzureADEndpoint(tenant)
		if len(scopes) == 0 {
			scopes = []string{"offline_access", "User.Read", "Mail.ReadWrite"}
		}
	case ProviderGmail:
		endpoint = google.Endpoint
		if len(scopes) == 0 {
			scopes = []string{gmail.GmailModifyScope}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if config.Endpoint != nil {
		endpoint = *config.Endpoint
	}
	if strings.TrimSpace(config.ClientID) == "" {
		return nil, errors.New("oauth client id is required")
	}
	if config.Store == nil {
		config.Store = NewMemoryTokenStore()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &DeviceAuthenticator{
		provider: provider,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		store:      config.Store,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
	}, nil
}

// Start requests a device code and finishes the token exchange in the
// background. A login still waiting for the user is returned as is.
func (a *DeviceAuthenticator) Start(ctx context.Context) (Login, error) {
	a.mu.Lock()
	if a.pending != nil && time.Now().Before(a.pending.ExpiresAt) {
		login := *a.pending
		a.mu.Unlock()
		return login, nil
	}
	a.mu.Unlock()

	response, err := a.oauth.DeviceAuth(a.clientContext(ctx))
	if err != nil {
		return Login{}, fmt.Errorf("request device code: %w", err)
	}
	if response.Expiry.IsZero() {
		response.Expiry = time.Now().Add(defaultLoginTimeout)
	}

	login := Login{
		UserCode:                response.UserCode,
		VerificationURI:         response.VerificationURI,
		VerificationURIComplete: response.VerificationURIComplete,
		ExpiresAt:               response.Expiry.UTC(),
		Message:                 fmt.Sprintf("To sign in, open %s and enter the code %s", response.VerificationURI, response.UserCode),
	}

	a.mu.Lock()
	a.pending = &login
	a.lastError = ""
	a.mu.Unlock()

	go a.exchange(response)
	a.logf("device login started provider=%s expires_at=%s", a.provider, login.ExpiresAt.Format(time.RFC3339))
	return login, nil
}

func (a *DeviceAuthenticator) exchange(response *oauth2.DeviceAuthResponse) {
	ctx, cancel := context.WithDeadline(a.clientContext(context.Background()), response.Expiry)
	defer cancel()

	token, err := a.oauth.DeviceAccessToken(ctx, response)
	if err == nil {
		err = a.store.Save(token)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	if err != nil {
		a.lastError = err.Error()
		a.logf("device login failed provider=%s err=%v", a.provider, err)
		return
	}
	a.lastError = ""
	a.logf("device login completed provider=%s", a.provider)
}

func (a *DeviceAuthenticator) Status() Status {
	_, err := a.store.Load()

	a.mu.Lock()
	defer a.mu.Unlock()
	status := Status{
		Provider:      a.provider,
		Authenticated: err == nil,
		LastError:     a.lastError,
	}
	if a.pending != nil {
		login := *a.pending
		status.Pending = &login
	}
	return status
}

// TokenSource returns a source that refreshes the cached token and saves
// every new token it sees.
func (a *DeviceAuthenticator) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	token, err := a.store.Load()
	if err != nil {
		return nil, err
	}
	base := a.oauth.TokenSource(a.clientContext(context.WithoutCancel(ctx)), token)
	return &savingTokenSource{
		base:   oauth2.ReuseTokenSource(token, base),
		store:  a.store,
		last:   token.AccessToken,
		logger: a.logger,
	}, nil
}

func (a *DeviceAuthenticator) Logout() error {
	a.mu.Lock()
	a.pending = nil
	a.lastError = ""
	a.mu.Unlock()
	return a.store.Clear()
}

func (a *DeviceAuthenticator) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func (a *DeviceAuthenticator) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

type savingTokenSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	logger *log.Logger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		if err := s.store.Save(token); err != nil && s.logger != nil {
			s.logger.Printf("refreshed token not saved err=%v", err)
		}
		s.last = token.AccessToken
	}
	return token, nil
}
