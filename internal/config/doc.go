// Package config loads the bridge's configuration: platform and provider
// authorization-server endpoints, the callback listener port and path, the
// re-authentication retry ceiling, and the credential file location.
//
// Configuration layers defaults, then ~/.config/fitbridge/config.yaml, then
// FITBRIDGE_* environment variables, last writer wins.
package config
