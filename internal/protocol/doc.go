// Package protocol owns the tensor mirror wire contract.
//
// Ownership boundary:
// - error kinds shared by every transport
// - frame/header primitives (frame)
// - endpoint and channel naming (endpoint)
// - session settings and the metadata handshake (session)
package protocol
