package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the bridge's full configuration.
type Config struct {
	Platform    PlatformConfig            `yaml:"platform"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Callback    CallbackConfig            `yaml:"callback"`
	Auth        AuthConfig                `yaml:"auth"`
	Credentials CredentialsConfig         `yaml:"credentials"`
	Log         LogConfig                 `yaml:"log"`
}

// PlatformConfig describes the first-party authorization server and tool
// catalog host. The OAuth endpoints default to well-known paths under URL
// when not set explicitly.
type PlatformConfig struct {
	URL             string   `yaml:"url"`
	AuthorizeURL    string   `yaml:"authorizeUrl,omitempty"`
	TokenURL        string   `yaml:"tokenUrl,omitempty"`
	RegistrationURL string   `yaml:"registrationUrl,omitempty"`
	Scopes          []string `yaml:"scopes,omitempty"`
}

// ResolvedAuthorizeURL returns the configured authorization endpoint, or
// the platform default path.
func (p PlatformConfig) ResolvedAuthorizeURL() string {
	if p.AuthorizeURL != "" {
		return p.AuthorizeURL
	}
	return strings.TrimSuffix(p.URL, "/") + "/oauth2/authorize"
}

// ResolvedTokenURL returns the configured token endpoint, or the platform
// default path.
func (p PlatformConfig) ResolvedTokenURL() string {
	if p.TokenURL != "" {
		return p.TokenURL
	}
	return strings.TrimSuffix(p.URL, "/") + "/oauth2/token"
}

// ResolvedRegistrationURL returns the configured dynamic-registration
// endpoint, or the platform default path.
func (p PlatformConfig) ResolvedRegistrationURL() string {
	if p.RegistrationURL != "" {
		return p.RegistrationURL
	}
	return strings.TrimSuffix(p.URL, "/") + "/oauth2/register"
}

// ProviderConfig describes a third-party data provider's authorization
// server. Provider client credentials come from configuration; providers do
// not offer dynamic registration.
type ProviderConfig struct {
	AuthorizeURL string   `yaml:"authorizeUrl"`
	TokenURL     string   `yaml:"tokenUrl"`
	Scopes       []string `yaml:"scopes,omitempty"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret,omitempty"`
}

// CallbackConfig configures the local callback listener.
type CallbackConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// AuthConfig bounds the authentication machinery.
type AuthConfig struct {
	// RetryLimit caps automatic re-authentication attempts per logical
	// operation.
	RetryLimit int `yaml:"retryLimit"`

	// CallbackTimeout bounds how long one attempt waits for the browser
	// redirect.
	CallbackTimeout Duration `yaml:"callbackTimeout"`
}

// CredentialsConfig locates the credential file. An empty path selects the
// per-user default.
type CredentialsConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}
