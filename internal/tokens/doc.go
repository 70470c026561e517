// Package tokens provides the credential source the rest of the bridge
// consumes: a Target tagged value naming a trust domain (platform or named
// provider) and an Adapter that fronts the credential store with an
// in-memory cache and serialized access.
//
// Invalidation is deliberately split from deletion: dropping the in-memory
// cache (ScopeTokens) forces the next read back to disk, which is how a
// token refreshed by a concurrent process gets picked up without a restart.
// Actual removal of stored records is a separate, explicit operation.
package tokens
