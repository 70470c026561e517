package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func startTestServer(t *testing.T, port int, state string) (*CallbackServer, string) {
	t.Helper()
	server := NewCallbackServer(port, "", state)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	redirectURI, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start callback server: %v", err)
	}
	t.Cleanup(server.Stop)

	return server, redirectURI
}

func TestCallbackServer_Success(t *testing.T) {
	server, redirectURI := startTestServer(t, 0, "expected-state")

	go func() {
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Get(redirectURI + "?code=auth-code&state=expected-state")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
	}()

	result, err := server.WaitForCallback(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCallback returned error: %v", err)
	}
	if result.Code != "auth-code" {
		t.Errorf("expected code 'auth-code', got %q", result.Code)
	}
	if result.IsError() {
		t.Errorf("unexpected error result: %+v", result)
	}
}

func TestCallbackServer_StateMismatch(t *testing.T) {
	server, redirectURI := startTestServer(t, 0, "expected-state")

	go func() {
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Get(redirectURI + "?code=auth-code&state=attacker-state")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "state_mismatch") {
			t.Errorf("mismatch response should render the failure page, got: %s", body)
		}
	}()

	_, err := server.WaitForCallback(context.Background(), 5*time.Second)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
}

func TestCallbackServer_AuthorizationError(t *testing.T) {
	server, redirectURI := startTestServer(t, 0, "expected-state")

	go func() {
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Get(redirectURI + "?error=access_denied&error_description=user+cancelled&state=expected-state")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
	}()

	result, err := server.WaitForCallback(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCallback returned error: %v", err)
	}
	if !result.IsError() {
		t.Fatal("expected an error result")
	}
	if result.Error != "access_denied" {
		t.Errorf("expected error 'access_denied', got %q", result.Error)
	}
}

func TestCallbackServer_Timeout(t *testing.T) {
	server, _ := startTestServer(t, 0, "expected-state")

	start := time.Now()
	_, err := server.WaitForCallback(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrCallbackTimeout) {
		t.Fatalf("expected ErrCallbackTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

// A busy configured port must not fail the flow: the listener falls back to
// an OS-assigned port.
func TestCallbackServer_PortOccupiedFallsBack(t *testing.T) {
	// Occupy a port with a plain listener.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer occupied.Close()
	busyPort := occupied.Addr().(*net.TCPAddr).Port

	server, redirectURI := startTestServer(t, busyPort, "expected-state")

	if !server.UsedFallbackPort() {
		t.Error("expected fallback port to be used")
	}
	if server.Port() == busyPort {
		t.Errorf("server should not report the occupied port %d", busyPort)
	}

	// The flow still completes on the fallback port.
	go func() {
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Get(redirectURI + "?code=fallback-code&state=expected-state")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
	}()

	result, err := server.WaitForCallback(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCallback returned error: %v", err)
	}
	if result.Code != "fallback-code" {
		t.Errorf("expected code 'fallback-code', got %q", result.Code)
	}
}

func TestCallbackServer_SecondRequestRejected(t *testing.T) {
	server, redirectURI := startTestServer(t, 0, "expected-state")

	get := func(query string) int {
		resp, err := http.Get(redirectURI + query)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	if status := get("?code=first&state=expected-state"); status != http.StatusOK {
		t.Errorf("first request should succeed, got %d", status)
	}
	if status := get("?code=second&state=expected-state"); status != http.StatusBadRequest {
		t.Errorf("second request should be rejected, got %d", status)
	}

	result, err := server.WaitForCallback(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForCallback returned error: %v", err)
	}
	if result.Code != "first" {
		t.Errorf("expected the first code to win, got %q", result.Code)
	}
}

func TestCallbackServer_ShutsDownAfterExchange(t *testing.T) {
	server, redirectURI := startTestServer(t, 0, "expected-state")
	port := server.Port()

	resp, err := http.Get(redirectURI + "?code=done&state=expected-state")
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	resp.Body.Close()

	if _, err := server.WaitForCallback(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitForCallback returned error: %v", err)
	}
	server.Stop()

	// The port must be released; repeated flows must not exhaust ports.
	deadline := time.Now().Add(3 * time.Second)
	for {
		probe, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			probe.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("port %d still bound after shutdown: %v", port, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestGenerateState_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState failed: %v", err)
		}
		if len(state) < 32 {
			t.Fatalf("state too short: %q", state)
		}
		if seen[state] {
			t.Fatal("duplicate state generated")
		}
		seen[state] = true
	}
}
