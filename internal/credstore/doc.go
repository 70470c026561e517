// Package credstore implements durable, file-backed storage for the bridge's
// OAuth credentials: one optional platform token, zero or more provider
// tokens, and the cached dynamic-client-registration result.
//
// The on-disk format is a single JSON document at a fixed per-user path.
// It is the bridge's persisted state layout and stays bit-compatible across
// versions: adding a provider key never requires migrating existing entries.
//
// Writes are atomic (temp file + rename) and a corrupt file degrades to an
// empty one rather than failing the process.
package credstore
