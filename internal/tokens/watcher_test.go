package tokens

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fitbridge/internal/credstore"
)

// An external write to the credential file, like a concurrent auth login
// run, must reach the adapter's cache without a restart.
func TestWatcherPicksUpExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	store, err := credstore.NewStore(path)
	require.NoError(t, err)
	adapter := NewAdapter(store)

	// Prime the cache with the empty file.
	rec, _ := adapter.Token(Platform())
	require.Nil(t, rec)

	var changes atomic.Int32
	watcher, err := NewWatcher(adapter, path, func() {
		changes.Add(1)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	// Simulate another process writing a token.
	external, err := credstore.NewStore(path)
	require.NoError(t, err)
	creds := credstore.NewCredentialFile()
	creds.Platform = &credstore.TokenRecord{
		AccessToken: "external-access",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
		SavedAt:     time.Now().Unix(),
	}
	require.NoError(t, external.Save(creds))

	require.Eventually(t, func() bool {
		rec, _ := adapter.Token(Platform())
		return rec != nil && rec.AccessToken == "external-access"
	}, 3*time.Second, 50*time.Millisecond, "adapter must pick up the externally written token")

	require.Eventually(t, func() bool {
		return changes.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}
