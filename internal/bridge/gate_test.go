package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitbridge/internal/config"
	"fitbridge/internal/credstore"
	"fitbridge/internal/tokens"
)

// recordingSink captures gate mutations instead of driving a live MCP
// server.
type recordingSink struct {
	added   []string
	deleted []string
}

func (r *recordingSink) AddTools(tools ...server.ServerTool) {
	for _, tool := range tools {
		r.added = append(r.added, tool.Tool.Name)
	}
}

func (r *recordingSink) DeleteTools(names ...string) {
	r.deleted = append(r.deleted, names...)
}

func (r *recordingSink) reset() {
	r.added = nil
	r.deleted = nil
}

type bridgeFixture struct {
	adapter   *tokens.Adapter
	srv       *Server
	sink      *recordingSink
	gate      *Gate
	listCalls atomic.Int32
	listFail  atomic.Bool
}

// newBridgeFixture builds a Server whose platform endpoint advertises two
// tools, plus a gate over a recording sink.
func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tools", func(w http.ResponseWriter, r *http.Request) {
		f.listCalls.Add(1)
		if f.listFail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{"name": "get_activities", "description": "List activities"},
				{"name": "get_athlete", "description": "Athlete profile"},
			},
		})
	})
	platformSrv := httptest.NewServer(mux)
	t.Cleanup(platformSrv.Close)

	store, err := credstore.NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	f.adapter = tokens.NewAdapter(store)

	cfg := config.GetDefaultConfig()
	cfg.Platform.URL = platformSrv.URL
	cfg.Providers["strava"] = config.ProviderConfig{
		AuthorizeURL: platformSrv.URL + "/authorize",
		TokenURL:     platformSrv.URL + "/token",
		ClientID:     "strava-client",
	}

	f.srv = NewServer(Options{
		Config:   cfg,
		Adapter:  f.adapter,
		Platform: NewPlatformClient(platformSrv.URL, nil),
	})

	f.sink = &recordingSink{}
	f.gate = NewGate(f.adapter, f.srv, f.sink)
	return f
}

func (f *bridgeFixture) savePlatformToken(t *testing.T) {
	t.Helper()
	require.NoError(t, f.adapter.SaveToken(tokens.Platform(), &credstore.TokenRecord{
		AccessToken: "platform-access",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
	}))
}

func sorted(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

// A fresh process over an empty credential file exposes exactly the
// bootstrap tool, no matter how many providers hold cached tokens.
func TestGateBootstrapWithoutPlatformToken(t *testing.T) {
	f := newBridgeFixture(t)

	require.NoError(t, f.adapter.SaveToken(tokens.Provider("strava"), &credstore.TokenRecord{
		AccessToken: "strava-access",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
	}))
	require.NoError(t, f.adapter.SaveToken(tokens.Provider("fitbit"), &credstore.TokenRecord{
		AccessToken: "fitbit-access",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
	}))

	f.gate.Recompute(context.Background())

	assert.Equal(t, []string{ToolAuthenticate}, f.sink.added)
	assert.Empty(t, f.sink.deleted)
	assert.Equal(t, []string{ToolAuthenticate}, f.gate.ActiveTools())
	assert.Equal(t, int32(0), f.listCalls.Load(), "bootstrap catalog needs no platform calls")
}

// A platform token exposes the full catalog immediately, with no
// provider-level dependency.
func TestGateFullCatalogWithPlatformToken(t *testing.T) {
	f := newBridgeFixture(t)
	f.savePlatformToken(t)

	f.gate.Recompute(context.Background())

	assert.Equal(t,
		[]string{ToolConnectProvider, ToolDisconnectProvider, "get_activities", "get_athlete"},
		sorted(f.gate.ActiveTools()))
	assert.Empty(t, f.sink.deleted)
}

// Gating is on token presence, not freshness: an expired platform token
// still lists the full catalog, and validation happens on invocation.
func TestGateExpiredTokenStillListsFullCatalog(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.adapter.SaveToken(tokens.Platform(), &credstore.TokenRecord{
		AccessToken: "expired",
		TokenType:   "Bearer",
		ExpiresIn:   60,
		SavedAt:     time.Now().Add(-time.Hour).Unix(),
	}))

	f.gate.Recompute(context.Background())
	assert.Contains(t, f.gate.ActiveTools(), ToolConnectProvider)
	assert.NotContains(t, f.gate.ActiveTools(), ToolAuthenticate)
}

func TestGateSwapsCatalogOnPersist(t *testing.T) {
	f := newBridgeFixture(t)

	f.gate.Recompute(context.Background())
	require.Equal(t, []string{ToolAuthenticate}, f.gate.ActiveTools())

	f.savePlatformToken(t)
	f.sink.reset()
	f.gate.Recompute(context.Background())

	assert.Equal(t, []string{ToolAuthenticate}, f.sink.deleted, "bootstrap tool must be withdrawn")
	assert.Contains(t, f.sink.added, ToolConnectProvider)
	assert.Contains(t, f.sink.added, "get_activities")
}

func TestGateInvalidationFallsBackToBootstrap(t *testing.T) {
	f := newBridgeFixture(t)
	f.savePlatformToken(t)
	f.gate.Recompute(context.Background())

	require.NoError(t, f.adapter.RemoveToken(tokens.Platform()))
	f.sink.reset()
	f.gate.Recompute(context.Background())

	assert.Equal(t, []string{ToolAuthenticate}, f.gate.ActiveTools())
	assert.Contains(t, f.sink.deleted, ToolConnectProvider)
	assert.Contains(t, f.sink.deleted, "get_activities")
}

// An unchanged catalog must not raise list_changed.
func TestGateRecomputeWithoutChangeIsQuiet(t *testing.T) {
	f := newBridgeFixture(t)
	f.savePlatformToken(t)

	f.gate.Recompute(context.Background())
	f.sink.reset()
	f.gate.Recompute(context.Background())

	assert.Empty(t, f.sink.added)
	assert.Empty(t, f.sink.deleted)
}

// A failed platform fetch degrades to the last known full catalog, never
// a partial one.
func TestGateDegradesToLastKnownCatalog(t *testing.T) {
	f := newBridgeFixture(t)
	f.savePlatformToken(t)

	f.gate.Recompute(context.Background())
	require.Contains(t, f.gate.ActiveTools(), "get_activities")

	f.listFail.Store(true)
	f.sink.reset()
	f.gate.Recompute(context.Background())

	assert.Contains(t, f.gate.ActiveTools(), "get_activities")
	assert.Contains(t, f.gate.ActiveTools(), "get_athlete")
	assert.Empty(t, f.sink.deleted)
}

func TestProxyToolSchemaConversion(t *testing.T) {
	tool := remoteTool(ToolDescriptor{
		Name:        "get_activities",
		Description: "List activities",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "number"},
			},
			"required": []any{"limit"},
		},
	})

	assert.Equal(t, "get_activities", tool.Name)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.Contains(t, tool.InputSchema.Properties, "limit")
	assert.Equal(t, []string{"limit"}, tool.InputSchema.Required)
}
