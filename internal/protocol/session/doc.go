// Package session owns the upend<->downend session wire helpers.
//
// Ownership boundary:
// - time boundary and transport security configuration
// - signon, keep-alive and command wire messages
// - reconnect delay sampling and in-flight call tracking
package session
