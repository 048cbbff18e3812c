// Package errs collects the sentinel errors shared across UMPS's
// publish endpoint, subscribe endpoint, and interface façade, so
// callers can use errors.Is regardless of which layer raised them.
package errs

import "errors"

var (
	// ErrNotConnected is returned when an operation is attempted
	// before an endpoint has finished starting up, or after it has
	// been closed.
	ErrNotConnected = errors.New("umps: not connected")

	// ErrNotSubscribed is returned by Unsubscribe when the topic is
	// not currently subscribed.
	ErrNotSubscribed = errors.New("umps: not subscribed")

	// ErrUnsupportedProtocolVersion is returned when an interface is
	// constructed with a protocol version other than 1.
	ErrUnsupportedProtocolVersion = errors.New("umps: unsupported protocol version")

	// ErrMalformedMessage is logged (never returned or surfaced to a
	// publish/subscribe caller) when a reassembled message's frame 0
	// is not a Start frame and therefore carries no topic -- for
	// example when frame 0 itself had to be recovered via
	// retransmission, which loses the Start framing.
	ErrMalformedMessage = errors.New("umps: malformed message")
)
