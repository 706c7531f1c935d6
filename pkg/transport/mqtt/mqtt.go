// Package mqtt implements the pub/sub telemetry bus adapter (§4.5): a
// thin subscriber over github.com/eclipse/paho.mqtt.golang that extracts
// the train id from each topic, dispatches the parsed record to the
// routing core, and publishes commands back on a per-train control
// topic. MQTT endpoints never carry video (§4.7 rule 1) and have no idle
// timeout — the broker owns liveness (§4.9).
//
// Grounded on the teacher's pkg/nest/queue.go: both wrap a client
// library's async callback model behind a small typed surface and a
// bounded retry/backoff discipline, generalized here from a REST command
// queue to topic subscribe/publish.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
)

const (
	topicTelemetry = "train/+/telemetry"
	topicStatus    = "train/+/status"
	topicHeartbeat = "train/+/heartbeat"

	qosTelemetry = 1
	qosStatus    = 1
	qosHeartbeat = 0
	qosCommand   = 1

	connectTimeout = 10 * time.Second
)

// Record is one parsed telemetry/status/heartbeat message, tagged with
// the train id extracted from its topic.
type Record struct {
	TrainID model.TrainId
	Kind    string // "telemetry", "status", or "heartbeat"
	Raw     json.RawMessage
}

// Handler is invoked once per inbound message after topic parsing. It is
// the routing core's entry point for MQTT-originated telemetry.
type Handler func(Record)

// Bus wraps a single paho MQTT client connection to the broker.
type Bus struct {
	client paho.Client
	log    *logger.Logger
}

// Dial connects to brokerURL (e.g. "tcp://localhost:1883") and subscribes
// to the three train topics, dispatching each message to handler.
func Dial(brokerURL, clientID string, log *logger.Logger, handler Handler) (*Bus, error) {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(30 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}

	bus := &Bus{client: client, log: log}

	subscriptions := []struct {
		topic string
		qos   byte
		kind  string
	}{
		{topicTelemetry, qosTelemetry, "telemetry"},
		{topicStatus, qosStatus, "status"},
		{topicHeartbeat, qosHeartbeat, "heartbeat"},
	}

	for _, sub := range subscriptions {
		kind := sub.kind
		subToken := client.Subscribe(sub.topic, sub.qos, func(_ paho.Client, msg paho.Message) {
			trainID, ok := trainIDFromTopic(msg.Topic())
			if !ok {
				if bus.log != nil {
					bus.log.DebugTransport("mqtt message on unparseable topic", "topic", msg.Topic())
				}
				return
			}
			handler(Record{TrainID: trainID, Kind: kind, Raw: append(json.RawMessage(nil), msg.Payload()...)})
		})
		if !subToken.WaitTimeout(connectTimeout) {
			client.Disconnect(250)
			return nil, fmt.Errorf("mqtt subscribe %s timed out", sub.topic)
		}
		if err := subToken.Error(); err != nil {
			client.Disconnect(250)
			return nil, fmt.Errorf("mqtt subscribe %s: %w", sub.topic, err)
		}
	}

	return bus, nil
}

// PublishCommand publishes a command payload to commands/<trainID>/control
// at QoS 1 (§4.5).
func (b *Bus) PublishCommand(trainID model.TrainId, payload []byte) error {
	topic := fmt.Sprintf("commands/%s/control", trainID)
	token := b.client.Publish(topic, qosCommand, false, payload)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// work to drain.
func (b *Bus) Close() error {
	b.client.Disconnect(250)
	return nil
}

// trainIDFromTopic extracts the train id from a "train/<id>/<suffix>"
// topic string.
func trainIDFromTopic(topic string) (model.TrainId, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "train" {
		return "", false
	}
	return model.TrainId(parts[1]), true
}

// Endpoint adapts a Bus to registry.Endpoint for one specific train, so
// the routing core can address MQTT command delivery uniformly with the
// other transports. MQTT is never selected for data fan-out (§4.7 rule 1)
// and has no idle timeout (§4.9); it exists in the registry purely as a
// commands-reachable last resort.
type Endpoint struct {
	bus     *Bus
	trainID model.TrainId
}

// NewEndpoint wraps bus for delivering commands to trainID.
func NewEndpoint(bus *Bus, trainID model.TrainId) *Endpoint {
	return &Endpoint{bus: bus, trainID: trainID}
}

func (e *Endpoint) Send(p []byte) error          { return e.bus.PublishCommand(e.trainID, p) }
func (e *Endpoint) Transport() model.Transport   { return model.TransportMQTT }
func (e *Endpoint) Close() error                 { return nil }

var _ registry.Endpoint = (*Endpoint)(nil)
