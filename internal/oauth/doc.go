// Package oauth holds the protocol-level pieces of the browser-mediated
// authorization-code flow: state nonce generation, the single-use local
// callback listener, the browser launcher, and the outbound token
// endpoint exchanges (code exchange, refresh grant, dynamic client
// registration).
//
// The pieces are deliberately independent; internal/flow composes them into
// a full authentication attempt.
package oauth
