package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
)

// Instruction enumerates the command payload's "instruction" field (§6).
type Instruction string

const (
	InstructionChangeTargetSpeed    Instruction = "CHANGE_TARGET_SPEED"
	InstructionStopSendingData      Instruction = "STOP_SENDING_DATA"
	InstructionStartSendingData     Instruction = "START_SENDING_DATA"
	InstructionPowerOn              Instruction = "POWER_ON"
	InstructionPowerOff             Instruction = "POWER_OFF"
	InstructionChangeDirection      Instruction = "CHANGE_DIRECTION"
	InstructionCalculateNetworkSpeed Instruction = "CALCULATE_NETWORK_SPEED"
	InstructionChangeVideoQuality   Instruction = "CHANGE_VIDEO_QUALITY"
	InstructionSwitchProtocol       Instruction = "SWITCH_PROTOCOL"
)

// Protocol enumerates the "protocol" field of a SWITCH_PROTOCOL command.
type Protocol string

const (
	ProtocolWebSocket Protocol = "WEBSOCKET"
	ProtocolQUIC      Protocol = "QUIC"
	ProtocolWebRTC    Protocol = "WEBRTC"
)

// Command mirrors the command JSON schema of §6 (payload of PacketType=16).
type Command struct {
	Instruction             Instruction `json:"instruction"`
	RemoteControlID         string      `json:"remote_control_id"`
	CommandID               string      `json:"command_id"`
	RemoteControlTimestamp  int64       `json:"remote_control_timestamp"`
	TargetSpeed             *float64    `json:"target_speed,omitempty"`
	Direction               *string     `json:"direction,omitempty"`
	Quality                 *Quality    `json:"quality,omitempty"`
	Protocol                *Protocol   `json:"protocol,omitempty"`
}

// MotorController is the out-of-scope actuation surface the agent calls
// into for POWER_ON/POWER_OFF/CHANGE_DIRECTION/CHANGE_TARGET_SPEED; never
// implemented here (§1 Non-goals: motor driver internals).
type MotorController interface {
	SetTargetSpeed(speed float64)
	SetDirection(direction string)
	PowerOn()
	PowerOff()
}

// Encoder is the out-of-scope video-encoding surface the agent reinitialises
// on CHANGE_VIDEO_QUALITY (§1 Non-goals: camera/encoder internals).
type Encoder interface {
	Reinitialize(bitrateBps int) error
}

// Agent ties the send-path state machine, frame pacer, and clock-sync
// handshake together and applies console commands (§4.10).
type Agent struct {
	trainID model.TrainId
	log     *logger.Logger

	state     *StateMachine
	pacer     *Pacer
	clockSync *ClockSync
	motor     MotorController
	encoder   Encoder

	mu              sync.Mutex
	currentQuality  Quality
	currentProtocol Protocol
}

// New builds an Agent for trainID. motor/encoder may be nil in
// environments exercising only the send path (e.g. tests).
func New(trainID model.TrainId, pacer *Pacer, motor MotorController, encoder Encoder, log *logger.Logger) *Agent {
	return &Agent{
		trainID:         trainID,
		log:             log,
		state:           NewStateMachine(),
		pacer:           pacer,
		clockSync:       NewClockSync(),
		motor:           motor,
		encoder:         encoder,
		currentQuality:  QualityMedium,
		currentProtocol: ProtocolWebSocket,
	}
}

// State returns the agent's current send-path state.
func (a *Agent) State() State { return a.state.Current() }

// ClockSync exposes the agent's clock-sync handshake runner, e.g. for the
// caller to invoke Run once a map_ack packet arrives.
func (a *Agent) ClockSync() *ClockSync { return a.clockSync }

// OnTransportConnect, OnHello, OnTransportDisconnect forward directly to
// the state machine; callers invoke these from their transport's own
// connection lifecycle.
func (a *Agent) OnTransportConnect()    { a.state.OnTransportConnect() }
func (a *Agent) OnHello()               { a.state.OnHello() }
func (a *Agent) OnTransportDisconnect() { a.state.OnTransportDisconnect() }

// HandleCommand applies one console command, dispatching by instruction
// (§6). Returns an error for a malformed or unrecognised instruction or
// when reinitialising the encoder fails; every successful branch is
// idempotent with the state machine's own guards.
func (a *Agent) HandleCommand(cmd Command) error {
	a.logOneWayLatency(cmd)

	switch cmd.Instruction {
	case InstructionStartSendingData:
		a.state.OnStartSendingData()

	case InstructionStopSendingData:
		a.state.OnStopSendingData()

	case InstructionPowerOn:
		if a.motor != nil {
			a.motor.PowerOn()
		}

	case InstructionPowerOff:
		a.state.OnPowerOff()
		if a.motor != nil {
			a.motor.PowerOff()
		}

	case InstructionChangeTargetSpeed:
		if cmd.TargetSpeed == nil {
			return fmt.Errorf("CHANGE_TARGET_SPEED missing target_speed")
		}
		if a.motor != nil {
			a.motor.SetTargetSpeed(*cmd.TargetSpeed)
		}

	case InstructionChangeDirection:
		if cmd.Direction == nil {
			return fmt.Errorf("CHANGE_DIRECTION missing direction")
		}
		if a.motor != nil {
			a.motor.SetDirection(*cmd.Direction)
		}

	case InstructionChangeVideoQuality:
		if cmd.Quality == nil {
			return fmt.Errorf("CHANGE_VIDEO_QUALITY missing quality")
		}
		return a.changeQuality(*cmd.Quality)

	case InstructionSwitchProtocol:
		if cmd.Protocol == nil {
			return fmt.Errorf("SWITCH_PROTOCOL missing protocol")
		}
		a.mu.Lock()
		a.currentProtocol = *cmd.Protocol
		a.mu.Unlock()
		// The actual sender swap happens when the caller's transport
		// layer calls Pacer.SetSender with the new transport's client;
		// this method only records which protocol is now selected.

	case InstructionCalculateNetworkSpeed:
		// Speed-test initiation is driven by the HTTP surface (§6); the
		// agent has nothing to do here beyond acknowledging receipt.

	default:
		return fmt.Errorf("unrecognised instruction %q", cmd.Instruction)
	}
	return nil
}

// logOneWayLatency recovers one-way latency for an inbound command as
// now - (remote_ts - offset) using the console's previously established
// clock-sync offset (§4.10, scenario S2), and logs it. A command from a
// console the handshake hasn't completed for yet is silently skipped;
// the sample is diagnostic only and never blocks command application.
func (a *Agent) logOneWayLatency(cmd Command) {
	if cmd.RemoteControlID == "" {
		return
	}
	latency, ok := a.clockSync.OneWayLatency(model.ConsoleId(cmd.RemoteControlID), cmd.RemoteControlTimestamp, time.Now())
	if !ok {
		return
	}
	if a.log != nil {
		a.log.DebugPacket("command one-way latency", "console_id", cmd.RemoteControlID, "command_id", cmd.CommandID, "instruction", cmd.Instruction, "latency_ms", latency.Milliseconds())
	}
}

// changeQuality reinitialises the encoder at the new preset's bitrate. No
// in-place rate change is attempted (§4.10).
func (a *Agent) changeQuality(q Quality) error {
	bitrate, err := q.Bitrate()
	if err != nil {
		return err
	}
	if a.encoder != nil {
		if err := a.encoder.Reinitialize(bitrate); err != nil {
			return fmt.Errorf("reinitialize encoder at %s: %w", q, err)
		}
	}
	a.mu.Lock()
	a.currentQuality = q
	a.mu.Unlock()
	return nil
}

// CurrentQuality/CurrentProtocol report the agent's current selections.
func (a *Agent) CurrentQuality() Quality {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentQuality
}

func (a *Agent) CurrentProtocol() Protocol {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentProtocol
}

// RunClockSyncHandshake runs the N-sample RTT averaging handshake against
// consoleID using sampler to exchange one rtt_train packet per sample.
func (a *Agent) RunClockSyncHandshake(ctx context.Context, consoleID model.ConsoleId, sampler RTTSampler) (ClockOffset, error) {
	return a.clockSync.Run(ctx, consoleID, sampler, time.Now)
}

// NewRTTPacket builds the rtt_train packet payload carrying the train's
// current timestamp and a unique sample id for diagnostics.
func NewRTTPacket(sentAtMs int64) codec.Packet {
	payload := fmt.Sprintf(`{"train_timestamp":%d,"sample_id":"%s"}`, sentAtMs, uuid.NewString())
	return codec.Packet{Type: codec.PacketRTTTrain, Payload: []byte(payload)}
}
