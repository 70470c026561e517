package tokens

// Target identifies the trust domain a credential belongs to: either the
// platform's first-party authorization server, or a named third-party data
// provider. It is a tagged value rather than an interface so the flow state
// machine is written once and parameterized by target identity.
type Target struct {
	provider string
}

// Platform returns the target for the platform's own authorization server.
func Platform() Target {
	return Target{}
}

// Provider returns the target for a named data provider (e.g. "strava").
func Provider(name string) Target {
	return Target{provider: name}
}

// IsPlatform reports whether the target is the platform trust domain.
func (t Target) IsPlatform() bool {
	return t.provider == ""
}

// ProviderName returns the provider name, or "" for the platform target.
func (t Target) ProviderName() string {
	return t.provider
}

func (t Target) String() string {
	if t.provider == "" {
		return "platform"
	}
	return "provider/" + t.provider
}
