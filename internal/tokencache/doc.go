// Package tokencache holds the two outbound OAuth token caches the
// gateway needs: a Twitch app (client-credentials) token refreshed
// lazily under a double-checked RWMutex, and a Kick user token
// obtained via authorization-code + PKCE and refreshed from a
// disk-persisted refresh token.
//
// Both caches follow the same "small independent shareable, one lock
// per concern" discipline as the rest of the module (spec.md §5, §9):
// readers take a read lock for the fast path and only escalate to a
// write lock when a refresh is actually needed.
package tokencache
