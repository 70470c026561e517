package oauth

import (
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultCallbackPort is the default port for the local callback listener.
const DefaultCallbackPort = 35535

// DefaultCallbackPath is the path the authorization server redirects to.
const DefaultCallbackPath = "/oauth/callback"

// DefaultCallbackTimeout bounds how long a flow waits for the redirect.
const DefaultCallbackTimeout = 5 * time.Minute

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

// CallbackResult carries the query parameters of the received redirect.
type CallbackResult struct {
	// Code is the authorization code from the authorization server.
	Code string

	// State is the echoed state parameter, already validated against the
	// attempt nonce by the time the result is delivered.
	State string

	// Error and ErrorDescription are set when the authorization server
	// redirected back with an error instead of a code.
	Error            string
	ErrorDescription string
}

// IsError reports whether the result represents an authorization error.
func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

// CallbackServer is a single-use local HTTP listener for one OAuth
// redirect. It binds the configured port, falling back to an OS-assigned
// ephemeral port when that port is occupied (a crashed prior run may have
// left it bound), accepts exactly one matching request, validates the state
// nonce, renders a static result page, and shuts down. It never stays bound
// after one exchange.
type CallbackServer struct {
	port          int
	path          string
	expectedState string

	server   *http.Server
	listener net.Listener
	resultCh chan *CallbackResult
	errorCh  chan error
	once     sync.Once
	stopOnce sync.Once

	serverURL    string
	usedFallback bool
}

// NewCallbackServer creates a callback server. Zero port and empty path
// select the defaults.
func NewCallbackServer(port int, path, expectedState string) *CallbackServer {
	if port == 0 {
		port = DefaultCallbackPort
	}
	if path == "" {
		path = DefaultCallbackPath
	}

	return &CallbackServer{
		port:          port,
		path:          path,
		expectedState: expectedState,
		resultCh:      make(chan *CallbackResult, 1),
		errorCh:       make(chan error, 1),
	}
}

// Start binds the listener and begins serving. Returns the redirect URI to
// put in the authorization request. The server stops when the context is
// cancelled.
func (s *CallbackServer) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		// Default port occupied: fall back to an OS-assigned port rather
		// than failing the flow.
		fallback, fbErr := net.Listen("tcp", "127.0.0.1:0")
		if fbErr != nil {
			return "", &BindError{Port: s.port, Err: fbErr}
		}
		listener = fallback
		s.usedFallback = true
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.serverURL = fmt.Sprintf("http://localhost:%d", s.port)

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.RedirectURI(), nil
}

// WaitForCallback blocks until the redirect arrives, the timeout elapses,
// or the context is cancelled. A zero timeout selects the default window.
func (s *CallbackServer) WaitForCallback(ctx context.Context, timeout time.Duration) (*CallbackResult, error) {
	if timeout == 0 {
		timeout = DefaultCallbackTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-timer.C:
		return nil, ErrCallbackTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})

	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

// processCallback handles the single redirect. Called exactly once.
func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	switch {
	case result.IsError():
		s.renderPage(w, callbackErrorHTML, map[string]string{
			"Error":       result.Error,
			"Description": result.ErrorDescription,
		})
		s.deliverResult(result)

	case result.State != s.expectedState:
		// Cross-request or replayed redirect. Consume the single shot and
		// fail the attempt.
		s.renderPage(w, callbackErrorHTML, map[string]string{
			"Error":       "state_mismatch",
			"Description": "The authorization response did not match this request.",
		})
		s.deliverError(ErrStateMismatch)

	default:
		s.renderPage(w, callbackSuccessHTML, map[string]string{})
		s.deliverResult(result)
	}

	// One exchange per listener: shut down once the response has gone out.
	go func() {
		time.Sleep(1 * time.Second)
		s.Stop()
	}()
}

func (s *CallbackServer) renderPage(w http.ResponseWriter, page string, data map[string]string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	tmpl := template.Must(template.New("callback").Parse(page))
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *CallbackServer) deliverResult(result *CallbackResult) {
	select {
	case s.resultCh <- result:
	default:
	}
}

func (s *CallbackServer) deliverError(err error) {
	select {
	case s.errorCh <- err:
	default:
	}
}

// Stop shuts the callback server down. Safe to call multiple times.
func (s *CallbackServer) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

// RedirectURI returns the redirect URI for the authorization request.
func (s *CallbackServer) RedirectURI() string {
	return s.serverURL + s.path
}

// Port returns the port the server is listening on.
func (s *CallbackServer) Port() int {
	return s.port
}

// UsedFallbackPort reports whether the configured port was occupied and an
// OS-assigned port was used instead.
func (s *CallbackServer) UsedFallbackPort() bool {
	return s.usedFallback
}
