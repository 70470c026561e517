// Package flow drives the browser-mediated authorization-code exchange for
// one trust domain at a time: listener up, browser out, callback in, code
// exchanged, token persisted. Failures are terminal per attempt and never
// touch previously persisted tokens.
//
// The orchestrator is guarded by two collaborators: the retry governor,
// which bounds automatic re-authentication per logical operation, and the
// connection optimizer, which short-circuits targets that already hold a
// valid cached token.
package flow
