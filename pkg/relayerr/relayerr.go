// Package relayerr defines the sentinel errors that make up the error
// taxonomy of §7: each is checked with errors.Is at the boundary that
// needs to distinguish it (HTTP status mapping, WS close reason, metric
// bucket), and every other internal error is treated as opaque.
package relayerr

import "errors"

var (
	// ErrUnknownTrain is returned by Registry.Bind when the target train
	// is not present. Mapped to HTTP 404; an in-band MAP_CONNECTION bind
	// that fails with it is logged and gets no reply.
	ErrUnknownTrain = errors.New("unknown train")

	// ErrNoRoute is returned by the routing core when a console's command
	// has no bound, reachable train. Logged, never retried by the relay.
	ErrNoRoute = errors.New("no route to train")

	// ErrMalformedPacket is returned by codec decoders when the header or
	// JSON payload cannot be parsed. Dropped and logged, never surfaced;
	// no drop counter is kept.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnknownType is returned when a PacketType byte does not match any
	// enumerated type.
	ErrUnknownType = errors.New("unknown packet type")

	// ErrBackpressure is returned when an outbound queue is full and the
	// caller's policy is to fail rather than block or drop.
	ErrBackpressure = errors.New("outbound queue overflow")
)

// InvariantViolation represents a registry-consistency bug: the caller
// should abort the process (§4.2, §7) rather than attempt recovery.
type InvariantViolation struct {
	Detail string
}

func (e *InvariantViolation) Error() string {
	return "registry invariant violated: " + e.Detail
}
