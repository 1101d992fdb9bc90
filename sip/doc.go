// Package sip implements a SIP user-agent core: the RFC 3261 transaction
// state machines (with the RFC 6026 accepted-state patches), dialogs,
// request senders and the call session layer on top of them.
//
// Message grammar and wire encoding are delegated to the
// github.com/emiago/sipgo/sip message model. Transports are pluggable
// behind the [Transport] interface; package transport provides a
// WebSocket implementation.
package sip
