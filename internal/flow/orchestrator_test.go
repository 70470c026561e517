package flow

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitbridge/internal/config"
	"fitbridge/internal/credstore"
	"fitbridge/internal/tokens"
)

// fixture wires an orchestrator against a fake authorization server and a
// scriptable browser launcher.
type fixture struct {
	adapter  *tokens.Adapter
	store    *credstore.Store
	cfg      config.Config
	launches atomic.Int32

	mu        sync.Mutex
	persisted []tokens.Target
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// fakeAuthServer serves token and registration endpoints. The token
// endpoint accepts code "good-code" and any refresh token.
func fakeAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"client_id": "registered-client"})
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")

		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "browser-access",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"refresh_token": "browser-refresh",
			})
		case "refresh_token":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "refreshed-access",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T, srv *httptest.Server) *fixture {
	t.Helper()
	store, err := credstore.NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)

	cfg := config.GetDefaultConfig()
	cfg.Platform.URL = srv.URL
	cfg.Callback.Port = freePort(t)
	cfg.Auth.CallbackTimeout = config.Duration(5 * time.Second)
	cfg.Providers["strava"] = config.ProviderConfig{
		AuthorizeURL: srv.URL + "/provider/authorize",
		TokenURL:     srv.URL + "/oauth2/token",
		ClientID:     "strava-client",
	}

	return &fixture{
		adapter: tokens.NewAdapter(store),
		store:   store,
		cfg:     cfg,
	}
}

// completingLauncher simulates a user approving the authorization request:
// it immediately follows the redirect with the given code and the state
// from the authorization URL (or a fixed override).
func (f *fixture) completingLauncher(t *testing.T, code, stateOverride string) func(string) error {
	t.Helper()
	return func(authURL string) error {
		f.launches.Add(1)
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		state := q.Get("state")
		if stateOverride != "" {
			state = stateOverride
		}
		redirect := q.Get("redirect_uri")

		go func() {
			resp, err := http.Get(redirect + "?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(state))
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
}

// abandoningLauncher simulates a user who never completes the browser
// flow.
func (f *fixture) abandoningLauncher() func(string) error {
	return func(string) error {
		f.launches.Add(1)
		return nil
	}
}

func (f *fixture) orchestrator(launcher func(string) error) *Orchestrator {
	return NewOrchestrator(Options{
		Config:   f.cfg,
		Adapter:  f.adapter,
		Launcher: launcher,
		OnPersisted: func(target tokens.Target) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.persisted = append(f.persisted, target)
		},
	})
}

func (f *fixture) persistedTargets() []tokens.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tokens.Target(nil), f.persisted...)
}

func TestConnect_PlatformBrowserFlow(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)
	o := f.orchestrator(f.completingLauncher(t, "good-code", ""))

	result, err := o.Connect(context.Background(), tokens.Platform())
	require.NoError(t, err)
	assert.False(t, result.AlreadyConnected)

	rec, stale := f.adapter.Token(tokens.Platform())
	require.NotNil(t, rec)
	assert.False(t, stale)
	assert.Equal(t, "browser-access", rec.AccessToken)

	// Dynamic registration ran and was cached for the next run.
	reg := f.adapter.ClientInformation()
	require.NotNil(t, reg)
	assert.Equal(t, "registered-client", reg.ClientID)

	assert.Equal(t, []tokens.Target{tokens.Platform()}, f.persistedTargets())
	assert.Equal(t, int32(1), f.launches.Load())
}

func TestConnect_ProviderBrowserFlow(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)
	o := f.orchestrator(f.completingLauncher(t, "good-code", ""))

	_, err := o.Connect(context.Background(), tokens.Provider("strava"))
	require.NoError(t, err)

	rec, _ := f.adapter.Token(tokens.Provider("strava"))
	require.NotNil(t, rec)
	assert.Equal(t, "browser-access", rec.AccessToken)

	// Providers use configured credentials; no registration happens.
	assert.Nil(t, f.adapter.ClientInformation())
}

// A cached, unexpired provider token must short-circuit with zero browser
// launches and zero listeners.
func TestConnect_OptimizerShortCircuit(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)

	require.NoError(t, f.adapter.SaveToken(tokens.Provider("strava"), &credstore.TokenRecord{
		AccessToken: "cached",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
	}))

	o := f.orchestrator(f.abandoningLauncher())
	result, err := o.Connect(context.Background(), tokens.Provider("strava"))
	require.NoError(t, err)

	assert.True(t, result.AlreadyConnected)
	assert.Equal(t, int32(0), f.launches.Load())
	assert.Empty(t, f.persistedTargets())
}

// An expired record with a refresh token is renewed over the wire without
// opening a browser.
func TestConnect_RefreshGrantSkipsBrowser(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)

	require.NoError(t, f.adapter.SaveClientInformation(&credstore.ClientRegistration{ClientID: "registered-client"}))
	require.NoError(t, f.adapter.SaveToken(tokens.Platform(), &credstore.TokenRecord{
		AccessToken:  "stale",
		TokenType:    "Bearer",
		ExpiresIn:    60,
		SavedAt:      time.Now().Add(-time.Hour).Unix(),
		RefreshToken: "old-refresh",
	}))

	o := f.orchestrator(f.abandoningLauncher())
	result, err := o.Connect(context.Background(), tokens.Platform())
	require.NoError(t, err)

	assert.False(t, result.AlreadyConnected)
	assert.Equal(t, int32(0), f.launches.Load(), "refresh grant must not open a browser")

	rec, _ := f.adapter.Token(tokens.Platform())
	assert.Equal(t, "refreshed-access", rec.AccessToken)
	assert.Equal(t, "old-refresh", rec.RefreshToken)
}

func TestBrowserFlow_Timeout_NoPartialWrite(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)
	f.cfg.Auth.CallbackTimeout = config.Duration(100 * time.Millisecond)

	before := f.store.Load()

	o := f.orchestrator(f.abandoningLauncher())
	_, err := o.Connect(context.Background(), tokens.Provider("strava"))

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, FailureTimeout, flowErr.Reason)

	assert.Equal(t, before, f.store.Load(), "failed attempt must not touch stored credentials")
	assert.Empty(t, f.persistedTargets())
}

func TestBrowserFlow_StateMismatch_NoPartialWrite(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)

	before := f.store.Load()

	o := f.orchestrator(f.completingLauncher(t, "good-code", "forged-state"))
	_, err := o.Connect(context.Background(), tokens.Provider("strava"))

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, FailureStateMismatch, flowErr.Reason)

	assert.Equal(t, before, f.store.Load())
}

func TestBrowserFlow_ExchangeRejected_NoPartialWrite(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)

	// Pre-existing provider token from an earlier session must survive the
	// failed attempt.
	require.NoError(t, f.adapter.SaveToken(tokens.Provider("fitbit"), &credstore.TokenRecord{
		AccessToken: "survivor",
		TokenType:   "Bearer",
	}))
	before := f.store.Load()

	o := f.orchestrator(f.completingLauncher(t, "bad-code", ""))
	_, err := o.Connect(context.Background(), tokens.Provider("strava"))

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, FailureExchangeRejected, flowErr.Reason)

	assert.Equal(t, before, f.store.Load())
	rec, _ := f.adapter.Token(tokens.Provider("fitbit"))
	assert.Equal(t, "survivor", rec.AccessToken)
}

func TestConnect_UnknownProvider(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)

	o := f.orchestrator(f.abandoningLauncher())
	_, err := o.Connect(context.Background(), tokens.Provider("garmin"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

// With a retry limit of 2, the second failed re-authentication is the
// last: the third request is refused without another browser launch.
func TestReauthenticate_RetryLimit(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)
	f.cfg.Auth.RetryLimit = 2
	f.cfg.Auth.CallbackTimeout = config.Duration(100 * time.Millisecond)

	o := f.orchestrator(f.abandoningLauncher())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := o.Reauthenticate(ctx, "op-1", tokens.Provider("strava"))
		var flowErr *FlowError
		require.ErrorAs(t, err, &flowErr)
		assert.Equal(t, FailureTimeout, flowErr.Reason)
	}
	require.Equal(t, int32(2), f.launches.Load())

	_, err := o.Reauthenticate(ctx, "op-1", tokens.Provider("strava"))
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, FailureRetryLimit, flowErr.Reason)

	var limitErr *RetryLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 2, limitErr.Attempts)

	assert.Equal(t, int32(2), f.launches.Load(), "no browser launch past the retry limit")
}

// A second Connect for the same target while one flow is in flight must
// share the first flow's outcome, never start a second listener.
func TestConnect_CoalescesConcurrentAttempts(t *testing.T) {
	srv := fakeAuthServer(t)
	f := newFixture(t, srv)

	release := make(chan struct{})
	launcher := f.completingLauncher(t, "good-code", "")
	gated := func(authURL string) error {
		<-release
		return launcher(authURL)
	}

	o := f.orchestrator(gated)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Connect(ctx, tokens.Provider("strava"))
		}(i)
	}

	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), f.launches.Load(), "coalesced attempts must share one flow")
}
