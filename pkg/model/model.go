// Package model holds the identifiers and small value types shared across
// the relay: the registry, routing core, codec and every transport import
// this package rather than redeclaring TrainId/ConsoleId locally.
package model

// TrainId identifies one vehicle. Opaque UTF-8; on the wire it is
// space-padded to IDFieldSize bytes.
type TrainId string

// ConsoleId identifies one operator console. Same on-wire treatment as TrainId.
type ConsoleId string

// IDFieldSize is the fixed width of a TrainId/ConsoleId field inside a
// framed video packet header (§3).
const IDFieldSize = 36

// Transport enumerates the three coexisting transports a train or console
// endpoint may be reachable on, ranked for tie-break purposes: QUIC is the
// highest-ranked outbound choice, then WS, then MQTT.
type Transport int

const (
	TransportWS Transport = iota
	TransportQUIC
	TransportMQTT
)

func (t Transport) String() string {
	switch t {
	case TransportWS:
		return "ws"
	case TransportQUIC:
		return "quic"
	case TransportMQTT:
		return "mqtt"
	default:
		return "unknown"
	}
}

// Rank returns the outbound tie-break priority: lower is preferred.
// QUIC > WS > MQTT per §4.7.
func (t Transport) Rank() int {
	switch t {
	case TransportQUIC:
		return 0
	case TransportWS:
		return 1
	case TransportMQTT:
		return 2
	default:
		return 99
	}
}

// Role distinguishes the two endpoint kinds that connect to the relay.
type Role int

const (
	RoleTrain Role = iota
	RoleConsole
)

func (r Role) String() string {
	if r == RoleTrain {
		return "train"
	}
	return "console"
}
