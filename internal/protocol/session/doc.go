// Package session owns per-stream transport session helpers.
//
// Ownership boundary:
// - transport defaults (queue depth, linger, receive timeout, conflate, drop policy)
// - retry/backoff pacing for shared-memory access
// - the rows/cols/dtype metadata handshake for latched topic streams
package session
