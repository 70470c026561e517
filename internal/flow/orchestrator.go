package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"fitbridge/internal/config"
	"fitbridge/internal/credstore"
	"fitbridge/internal/oauth"
	"fitbridge/internal/tokens"
	"fitbridge/pkg/logging"
)

// Result is the outcome of a successful Connect.
type Result struct {
	// AlreadyConnected is true when the optimizer short-circuited the flow
	// because a valid cached token existed.
	AlreadyConnected bool
}

// Orchestrator drives the authorization-code exchange for a single trust
// domain, composing the callback listener, browser launcher and token
// exchange into one attempt. The state machine is written once and
// parameterized by target identity.
type Orchestrator struct {
	cfg       config.Config
	adapter   *tokens.Adapter
	exchanger *oauth.Exchanger
	launcher  oauth.BrowserLauncher
	governor  *Governor
	optimizer *Optimizer

	// group coalesces concurrent attempts per target: a second request
	// while one is in flight shares its outcome instead of starting a
	// second listener on the same port.
	group singleflight.Group

	// onPersisted is invoked after a successful write-through, so the tool
	// exposure gate can re-evaluate.
	onPersisted func(tokens.Target)
}

// Options configures an Orchestrator.
type Options struct {
	Config    config.Config
	Adapter   *tokens.Adapter
	Exchanger *oauth.Exchanger
	Launcher  oauth.BrowserLauncher

	// OnPersisted may be nil.
	OnPersisted func(tokens.Target)
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	launcher := opts.Launcher
	if launcher == nil {
		launcher = oauth.OpenBrowser
	}
	exchanger := opts.Exchanger
	if exchanger == nil {
		exchanger = oauth.NewExchanger(nil)
	}

	return &Orchestrator{
		cfg:         opts.Config,
		adapter:     opts.Adapter,
		exchanger:   exchanger,
		launcher:    launcher,
		governor:    NewGovernor(opts.Config.Auth.RetryLimit),
		optimizer:   NewOptimizer(opts.Adapter),
		onPersisted: opts.OnPersisted,
	}
}

// Governor exposes the retry governor for callers that reset budgets after
// a successful operation.
func (o *Orchestrator) Governor() *Governor {
	return o.governor
}

// Optimizer exposes the connection optimizer.
func (o *Orchestrator) Optimizer() *Optimizer {
	return o.optimizer
}

// Connect ensures a usable credential for the target. A cached, locally
// unexpired token short-circuits with no side effects; otherwise one
// authentication attempt runs (refresh grant first when a refresh token is
// available, then the browser flow). Concurrent calls for the same target
// are coalesced.
func (o *Orchestrator) Connect(ctx context.Context, target tokens.Target) (*Result, error) {
	if o.optimizer.AlreadyConnected(target) {
		logging.Debug("Orchestrator", "Target %s already holds a valid token, skipping flow", target)
		return &Result{AlreadyConnected: true}, nil
	}

	v, err, _ := o.group.Do(target.String(), func() (interface{}, error) {
		return o.runAttempt(ctx, target)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Reauthenticate runs an attempt in response to an unauthorized signal
// from the platform or a provider, bounded by the retry governor for the
// given logical operation. The optimizer is bypassed: the remote server
// has already rejected whatever the cache holds.
func (o *Orchestrator) Reauthenticate(ctx context.Context, operationID string, target tokens.Target) (*Result, error) {
	if err := o.governor.Allow(operationID, target); err != nil {
		return nil, &FlowError{Target: target, Reason: FailureRetryLimit, Err: err}
	}

	// Reload from disk first: a concurrent process may have refreshed the
	// token already, making a browser round-trip unnecessary.
	if err := o.adapter.Invalidate(tokens.ScopeTokens); err != nil {
		return nil, err
	}

	v, err, _ := o.group.Do(target.String(), func() (interface{}, error) {
		return o.runAttempt(ctx, target)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// runAttempt executes one authentication attempt for the target. On any
// failure the credential store's prior contents are left untouched.
func (o *Orchestrator) runAttempt(ctx context.Context, target tokens.Target) (*Result, error) {
	attempt := newAttempt(target)
	logging.Info("Orchestrator", "Starting authentication attempt %s for %s", attempt.ID, target)

	// Refresh grant first: cheaper than a browser round-trip when the
	// stored record carries a refresh token.
	if rec, _ := o.adapter.Token(target); rec != nil && rec.RefreshToken != "" {
		ep, creds, err := o.endpointFor(target)
		if err == nil {
			refreshed, refreshErr := o.exchanger.Refresh(ctx, ep, creds, rec.RefreshToken)
			if refreshErr == nil {
				return o.persist(attempt, target, refreshed)
			}
			logging.Debug("Orchestrator", "Refresh grant for %s failed, falling back to browser flow: %v", target, refreshErr)
		}
	}

	return o.browserFlow(ctx, attempt, target)
}

func (o *Orchestrator) browserFlow(ctx context.Context, attempt *Attempt, target tokens.Target) (*Result, error) {
	attempt.advance(StateListenerStarting)

	nonce, err := oauth.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state nonce: %w", err)
	}
	attempt.StateNonce = nonce
	verifier := oauth.GenerateVerifier()

	callback := oauth.NewCallbackServer(o.cfg.Callback.Port, o.cfg.Callback.Path, nonce)
	redirectURI, err := callback.Start(ctx)
	if err != nil {
		attempt.advance(StateFailed)
		return nil, &FlowError{Target: target, Reason: FailureListenerBind, Err: err}
	}
	defer callback.Stop()

	attempt.ListenerPort = callback.Port()
	if callback.UsedFallbackPort() {
		logging.Info("Orchestrator", "Default callback port %d occupied, using fallback port %d",
			o.cfg.Callback.Port, callback.Port())
	}

	// Registration needs the redirect URI, so it happens after the
	// listener is bound.
	ep, creds, err := o.endpointForFlow(ctx, target, redirectURI)
	if err != nil {
		attempt.advance(StateFailed)
		return nil, err
	}

	authURL := o.exchanger.AuthCodeURL(ep, creds, redirectURI, nonce, verifier)

	attempt.advance(StateBrowserOpened)
	if err := o.launcher(authURL); err != nil {
		// The flow can still complete if the user opens the URL manually.
		logging.Warn("Orchestrator", "Failed to open browser automatically: %v", err)
		logging.Info("Orchestrator", "Open this URL to continue authentication: %s", authURL)
	}

	attempt.advance(StateAwaitingCallback)
	result, err := callback.WaitForCallback(ctx, time.Duration(o.cfg.Auth.CallbackTimeout))
	if err != nil {
		attempt.advance(StateFailed)
		switch {
		case errors.Is(err, oauth.ErrCallbackTimeout):
			return nil, &FlowError{Target: target, Reason: FailureTimeout, Err: err}
		case errors.Is(err, oauth.ErrStateMismatch):
			logging.Warn("Orchestrator", "State mismatch on callback for %s - rejecting redirect", target)
			return nil, &FlowError{Target: target, Reason: FailureStateMismatch, Err: err}
		default:
			return nil, err
		}
	}

	if result.IsError() {
		attempt.advance(StateFailed)
		authErr := &oauth.AuthorizationError{Code: result.Error, Description: result.ErrorDescription}
		return nil, &FlowError{Target: target, Reason: FailureExchangeRejected, Err: authErr}
	}

	attempt.advance(StateExchangingCode)
	rec, err := o.exchanger.ExchangeCode(ctx, ep, creds, redirectURI, result.Code, verifier)
	if err != nil {
		attempt.advance(StateFailed)
		return nil, &FlowError{Target: target, Reason: FailureExchangeRejected, Err: err}
	}

	return o.persist(attempt, target, rec)
}

func (o *Orchestrator) persist(attempt *Attempt, target tokens.Target, rec *credstore.TokenRecord) (*Result, error) {
	if err := o.adapter.SaveToken(target, rec); err != nil {
		attempt.advance(StateFailed)
		return nil, fmt.Errorf("failed to persist token for %s: %w", target, err)
	}

	attempt.advance(StatePersisted)
	logging.Info("Orchestrator", "Authentication attempt %s for %s persisted", attempt.ID, target)

	if o.onPersisted != nil {
		o.onPersisted(target)
	}
	return &Result{}, nil
}

// endpointFor resolves the authorization-server endpoint and client
// credentials for a target without side effects. Platform credentials may
// be absent when the client has never registered.
func (o *Orchestrator) endpointFor(target tokens.Target) (oauth.Endpoint, oauth.ClientCredentials, error) {
	if target.IsPlatform() {
		ep := oauth.Endpoint{
			AuthorizeURL:    o.cfg.Platform.ResolvedAuthorizeURL(),
			TokenURL:        o.cfg.Platform.ResolvedTokenURL(),
			RegistrationURL: o.cfg.Platform.ResolvedRegistrationURL(),
			Scopes:          o.cfg.Platform.Scopes,
		}
		var creds oauth.ClientCredentials
		if reg := o.adapter.ClientInformation(); reg != nil {
			creds = oauth.ClientCredentials{ID: reg.ClientID, Secret: reg.ClientSecret}
		}
		if creds.ID == "" {
			return ep, creds, fmt.Errorf("no client registration for platform")
		}
		return ep, creds, nil
	}

	name := target.ProviderName()
	provider, ok := o.cfg.Providers[name]
	if !ok {
		return oauth.Endpoint{}, oauth.ClientCredentials{}, fmt.Errorf("unknown provider %q", name)
	}
	ep := oauth.Endpoint{
		AuthorizeURL: provider.AuthorizeURL,
		TokenURL:     provider.TokenURL,
		Scopes:       provider.Scopes,
	}
	return ep, oauth.ClientCredentials{ID: provider.ClientID, Secret: provider.ClientSecret}, nil
}

// endpointForFlow resolves endpoints for a browser flow, performing
// dynamic client registration for the platform when no registration is
// cached yet.
func (o *Orchestrator) endpointForFlow(ctx context.Context, target tokens.Target, redirectURI string) (oauth.Endpoint, oauth.ClientCredentials, error) {
	ep, creds, err := o.endpointFor(target)
	if err == nil {
		return ep, creds, nil
	}
	if !target.IsPlatform() {
		return ep, creds, err
	}

	reg, regErr := o.exchanger.RegisterClient(ctx, ep.RegistrationURL, redirectURI)
	if regErr != nil {
		return ep, creds, fmt.Errorf("dynamic client registration failed: %w", regErr)
	}
	if saveErr := o.adapter.SaveClientInformation(reg); saveErr != nil {
		return ep, creds, saveErr
	}

	logging.Info("Orchestrator", "Registered platform client (client_id=%s)", reg.ClientID)
	return ep, oauth.ClientCredentials{ID: reg.ClientID, Secret: reg.ClientSecret}, nil
}
