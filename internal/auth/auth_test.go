package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func oauthServer(t *testing.T, refreshes *atomic.Int32) (*httptest.Server, *oauth2.Endpoint) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/devicecode":
			assert.Equal(t, "client-1", r.Form.Get("client_id"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"device_code":      "device-123",
				"user_code":        "ABCD-EFGH",
				"verification_uri": "https://example.com/device",
				"expires_in":       60,
				"interval":         1,
			})
		case "/token":
			switch r.Form.Get("grant_type") {
			case "urn:ietf:params:oauth:grant-type:device_code":
				assert.Equal(t, "device-123", r.Form.Get("device_code"))
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token":  "access-1",
					"refresh_token": "refresh-1",
					"token_type":    "Bearer",
					"expires_in":    3600,
				})
			case "refresh_token":
				refreshes.Add(1)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token":  "access-2",
					"refresh_token": "refresh-2",
					"token_type":    "Bearer",
					"expires_in":    3600,
				})
			default:
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"unsupported_grant_type"}`))
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	return server, &oauth2.Endpoint{
		DeviceAuthURL: server.URL + "/devicecode",
		TokenURL:      server.URL + "/token",
		AuthStyle:     oauth2.AuthStyleInParams,
	}
}

func TestDeviceLoginStoresToken(t *testing.T) {
	var refreshes atomic.Int32
	_, endpoint := oauthServer(t, &refreshes)
	store := NewMemoryTokenStore()

	authenticator, err := NewDeviceAuthenticator(DeviceConfig{
		Provider: ProviderGraph,
		ClientID: "client-1",
		Endpoint: endpoint,
		Store:    store,
	})
	require.NoError(t, err)

	_, err = authenticator.TokenSource(context.Background())
	require.ErrorIs(t, err, ErrNoToken)

	login, err := authenticator.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH", login.UserCode)
	assert.Equal(t, "https://example.com/device", login.VerificationURI)
	assert.Contains(t, login.Message, "ABCD-EFGH")

	again, err := authenticator.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, login.UserCode, again.UserCode, "pending login is reused")

	require.Eventually(t, func() bool {
		return authenticator.Status().Authenticated
	}, 10*time.Second, 50*time.Millisecond)

	status := authenticator.Status()
	assert.Nil(t, status.Pending)
	assert.Empty(t, status.LastError)

	token, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-1", token.AccessToken)
	assert.Equal(t, "refresh-1", token.RefreshToken)
}

func TestTokenSourceSavesRefreshedToken(t *testing.T) {
	var refreshes atomic.Int32
	_, endpoint := oauthServer(t, &refreshes)
	store := NewMemoryTokenStore()
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
	}))

	authenticator, err := NewDeviceAuthenticator(DeviceConfig{ClientID: "client-1", Endpoint: endpoint, Store: store})
	require.NoError(t, err)

	source, err := authenticator.TokenSource(context.Background())
	require.NoError(t, err)
	token, err := source.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-2", token.AccessToken)
	assert.Equal(t, int32(1), refreshes.Load())

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-2", saved.AccessToken)

	_, err = source.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load(), "valid token is reused")
}

func TestLogoutClearsToken(t *testing.T) {
	store := NewMemoryTokenStore()
	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "a"}))
	authenticator, err := NewDeviceAuthenticator(DeviceConfig{Provider: ProviderGmail, ClientID: "client-1", Store: store})
	require.NoError(t, err)

	require.NoError(t, authenticator.Logout())
	assert.False(t, authenticator.Status().Authenticated)
	_, err = store.Load()
	assert.True(t, errors.Is(err, ErrNoToken))
}

func TestNewDeviceAuthenticatorRejectsUnknownProvider(t *testing.T) {
	_, err := NewDeviceAuthenticator(DeviceConfig{Provider: "imap", ClientID: "x"})
	require.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = NewDeviceAuthenticator(DeviceConfig{Provider: ProviderGraph})
	require.Error(t, err)
}

func TestKeyringTokenStoreFileBackend(t *testing.T) {
	store, err := NewKeyringTokenStore(KeyringConfig{
		ServiceName:  "inbox-triage-test",
		FileDir:      t.TempDir(),
		FilePassword: "test-password",
		Backends:     []keyring.BackendType{keyring.FileBackend},
	})
	require.NoError(t, err)

	_, err = store.Load()
	require.ErrorIs(t, err, ErrNoToken)

	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: expiry}))

	token, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "a", token.AccessToken)
	assert.Equal(t, "r", token.RefreshToken)
	assert.True(t, token.Expiry.Equal(expiry))

	require.NoError(t, store.Clear())
	_, err = store.Load()
	require.ErrorIs(t, err, ErrNoToken)
	require.NoError(t, store.Clear(), "clearing twice is fine")
}
