package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateState generates a random state nonce for an authorization
// request. The state links the redirect back to the attempt that issued it
// and is validated on callback to reject cross-request or replayed
// redirects.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
