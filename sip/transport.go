package sip

import "context"

// Transport is the contract between the user-agent core and a concrete
// message transport. Send either hands the message to the network or
// returns an error synchronously; there is no delivery confirmation.
//
// Inbound messages, transport errors and disconnects are pushed into the
// core through [UserAgent.RecvMessage], [UserAgent.RecvTransportError]
// and [UserAgent.RecvTransportClosed].
type Transport interface {
	// Send transmits the message to the remote peer.
	Send(ctx context.Context, m Message) error
}

// TransportFunc adapts a function to the [Transport] interface.
type TransportFunc func(ctx context.Context, m Message) error

func (f TransportFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }
