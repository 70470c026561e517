package credstore

import "time"

// TokenRecord is a stored OAuth token for one trust domain.
//
// SavedAt is the local time the record was written, never the issue time
// reported by the remote server. Expiry is therefore computed locally as
// SavedAt + ExpiresIn, which sidesteps clock disagreements with the server.
type TokenRecord struct {
	// AccessToken is the OAuth access token.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type"`

	// ExpiresIn is the token lifetime in seconds. Zero means the token
	// does not expire.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// SavedAt is the unix timestamp of the local write.
	SavedAt int64 `json:"saved_at"`

	// RefreshToken is the OAuth refresh token (if available).
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ExpiresAt returns the local expiry time, or the zero time for a
// non-expiring record.
func (r *TokenRecord) ExpiresAt() time.Time {
	if r == nil || r.ExpiresIn == 0 {
		return time.Time{}
	}
	return time.Unix(r.SavedAt, 0).Add(time.Duration(r.ExpiresIn) * time.Second)
}

// Expired reports whether the record is expired at the given instant by the
// local clock. Records without an ExpiresIn never expire.
func (r *TokenRecord) Expired(now time.Time) bool {
	if r == nil {
		return true
	}
	exp := r.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return exp.Before(now)
}

// ClientRegistration is a cached dynamic-client-registration result for the
// platform's authorization server. Caching it alongside the tokens means
// repeated runs do not re-register.
type ClientRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// CredentialFile is the on-disk aggregate: one optional platform token plus
// zero or more provider tokens, and the cached client registration.
//
// The Providers map is always present, even when empty, so downstream code
// never has to distinguish "file never existed" from "file exists with no
// providers".
type CredentialFile struct {
	Platform     *TokenRecord            `json:"platform,omitempty"`
	Providers    map[string]*TokenRecord `json:"providers"`
	Registration *ClientRegistration     `json:"client_registration,omitempty"`
}

// NewCredentialFile returns an empty-but-valid credential file.
func NewCredentialFile() *CredentialFile {
	return &CredentialFile{
		Providers: make(map[string]*TokenRecord),
	}
}

// Clone returns a deep copy. The store hands out copies so callers can
// mutate freely without racing each other on shared records.
func (f *CredentialFile) Clone() *CredentialFile {
	if f == nil {
		return NewCredentialFile()
	}

	out := &CredentialFile{
		Providers: make(map[string]*TokenRecord, len(f.Providers)),
	}
	if f.Platform != nil {
		p := *f.Platform
		out.Platform = &p
	}
	for name, rec := range f.Providers {
		if rec == nil {
			continue
		}
		r := *rec
		out.Providers[name] = &r
	}
	if f.Registration != nil {
		reg := *f.Registration
		out.Registration = &reg
	}
	return out
}
