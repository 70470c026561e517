package oauth

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"fitbridge/internal/credstore"
)

// DefaultHTTPTimeout is the default timeout for token endpoint requests.
const DefaultHTTPTimeout = 30 * time.Second

// Endpoint describes one trust domain's authorization server.
type Endpoint struct {
	// AuthorizeURL is the authorization endpoint the browser is sent to.
	AuthorizeURL string

	// TokenURL is the token endpoint codes and refresh tokens are
	// exchanged at.
	TokenURL string

	// RegistrationURL is the dynamic-client-registration endpoint, if the
	// server offers one.
	RegistrationURL string

	// Scopes requested in the authorization flow.
	Scopes []string
}

// ClientCredentials identifies the bridge to an authorization server,
// either from configuration (providers) or from a cached dynamic
// registration (platform).
type ClientCredentials struct {
	ID     string
	Secret string
}

// GenerateVerifier generates a PKCE code verifier for one attempt.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// Exchanger performs the outbound token endpoint exchanges. Both the
// platform and provider exchanges are simple request/response calls with
// the same shape, so one exchanger serves every target.
type Exchanger struct {
	httpClient *http.Client
}

// NewExchanger creates an exchanger. A nil client gets a default with a
// bounded timeout.
func NewExchanger(httpClient *http.Client) *Exchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Exchanger{httpClient: httpClient}
}

func (e *Exchanger) oauthConfig(ep Endpoint, creds ClientCredentials, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ID,
		ClientSecret: creds.Secret,
		RedirectURL:  redirectURI,
		Scopes:       ep.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.AuthorizeURL,
			TokenURL: ep.TokenURL,
		},
	}
}

// AuthCodeURL builds the authorization URL for one attempt, carrying the
// state nonce and the S256 challenge for the given verifier.
func (e *Exchanger) AuthCodeURL(ep Endpoint, creds ClientCredentials, redirectURI, state, verifier string) string {
	cfg := e.oauthConfig(ep, creds, redirectURI)
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
}

// ExchangeCode exchanges an authorization code for a token record.
// A refusal from the server surfaces as *ExchangeError.
func (e *Exchanger) ExchangeCode(ctx context.Context, ep Endpoint, creds ClientCredentials, redirectURI, code, verifier string) (*credstore.TokenRecord, error) {
	cfg := e.oauthConfig(ep, creds, redirectURI)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, &ExchangeError{Err: err}
	}

	return recordFromToken(tok), nil
}

// Refresh exchanges a refresh token for a fresh token record.
func (e *Exchanger) Refresh(ctx context.Context, ep Endpoint, creds ClientCredentials, refreshToken string) (*credstore.TokenRecord, error) {
	cfg := e.oauthConfig(ep, creds, "")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, &ExchangeError{Err: err}
	}

	rec := recordFromToken(tok)
	if rec.RefreshToken == "" {
		// Servers often omit the refresh token from refresh responses;
		// keep the original so later refreshes still work.
		rec.RefreshToken = refreshToken
	}
	return rec, nil
}

func recordFromToken(tok *oauth2.Token) *credstore.TokenRecord {
	rec := &credstore.TokenRecord{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
		SavedAt:      time.Now().Unix(),
	}
	if rec.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		rec.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	return rec
}
