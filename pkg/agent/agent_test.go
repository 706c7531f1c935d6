package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reakt/train-relay/pkg/model"
)

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine()
	require.Equal(t, StateDisconnected, sm.Current())

	sm.OnTransportConnect()
	require.Equal(t, StateIdentifying, sm.Current())

	sm.OnHello()
	require.Equal(t, StateIdle, sm.Current())

	sm.OnStartSendingData()
	require.Equal(t, StateStreaming, sm.Current())

	sm.OnStopSendingData()
	require.Equal(t, StateIdle, sm.Current())

	sm.OnPowerOff()
	require.Equal(t, StateIdle, sm.Current())

	sm.OnTransportDisconnect()
	require.Equal(t, StateDisconnected, sm.Current())
}

func TestStateMachineIgnoresOutOfOrderEvents(t *testing.T) {
	sm := NewStateMachine()
	sm.OnStartSendingData() // no-op: not Idle yet
	require.Equal(t, StateDisconnected, sm.Current())
}

func TestQualityBitrates(t *testing.T) {
	low, err := QualityLow.Bitrate()
	require.NoError(t, err)
	require.Equal(t, 1_000_000, low)

	high, err := QualityHigh.Bitrate()
	require.NoError(t, err)
	require.Equal(t, 5_000_000, high)

	_, err = Quality("bogus").Bitrate()
	require.Error(t, err)
}

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(p []byte) error {
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func TestPacerFragmentsAndSendsFrame(t *testing.T) {
	p := NewPacer(context.Background(), "t1", 200, nil)
	sender := &fakeSender{}
	p.SetSender(sender)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.EnqueueFrame(1, 1000, make([]byte, 500)))

	require.Eventually(t, func() bool {
		frames, _, _ := p.Stats()
		return frames == 1
	}, time.Second, 5*time.Millisecond)

	require.NotEmpty(t, sender.sent)
}

func TestPacerWithoutSenderDoesNotPanic(t *testing.T) {
	p := NewPacer(context.Background(), "t1", 200, nil)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.EnqueueFrame(1, 1000, make([]byte, 10)))
	time.Sleep(20 * time.Millisecond) // best-effort: no sender attached, must not crash
}

func TestClockSyncAveragesSamples(t *testing.T) {
	cs := NewClockSync()

	fixedNow := time.UnixMilli(10_000)
	callCount := 0
	now := func() time.Time {
		callCount++
		// Each sample: sentAt, then "now()" again to compute rtt. Advance
		// by 50ms between calls to simulate a stable 50ms RTT.
		return fixedNow.Add(time.Duration(callCount) * 50 * time.Millisecond)
	}

	sampler := func(ctx context.Context, trainTS int64) (int64, error) {
		// remote clock is exactly 200ms ahead of the train's.
		return trainTS + 200, nil
	}

	offset, err := cs.Run(context.Background(), "c1", sampler, now)
	require.NoError(t, err)
	require.InDelta(t, 200, int64(offset), 60)

	got, ok := cs.OffsetFor("c1")
	require.True(t, ok)
	require.Equal(t, offset, got)
}

func TestClockSyncFailsWhenAllSamplesError(t *testing.T) {
	cs := NewClockSync()
	sampler := func(ctx context.Context, trainTS int64) (int64, error) {
		return 0, context.DeadlineExceeded
	}
	_, err := cs.Run(context.Background(), "c1", sampler, time.Now)
	require.Error(t, err)
}

func TestOneWayLatencyUnknownConsole(t *testing.T) {
	cs := NewClockSync()
	_, ok := cs.OneWayLatency("ghost", 1000, time.Now())
	require.False(t, ok)
}

type fakeMotor struct {
	speed     float64
	direction string
	poweredOn bool
}

func (m *fakeMotor) SetTargetSpeed(speed float64) { m.speed = speed }
func (m *fakeMotor) SetDirection(d string)        { m.direction = d }
func (m *fakeMotor) PowerOn()                     { m.poweredOn = true }
func (m *fakeMotor) PowerOff()                    { m.poweredOn = false }

type fakeEncoder struct {
	bitrate int
}

func (e *fakeEncoder) Reinitialize(bitrateBps int) error {
	e.bitrate = bitrateBps
	return nil
}

func TestHandleCommandRecoversOneWayLatencyWhenOffsetKnown(t *testing.T) {
	a := New("t1", NewPacer(context.Background(), "t1", 200, nil), nil, nil, nil)
	a.clockSync.offsets = map[model.ConsoleId]ClockOffset{"c1": 50}

	err := a.HandleCommand(Command{
		Instruction:            InstructionCalculateNetworkSpeed,
		RemoteControlID:        "c1",
		RemoteControlTimestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
}

func TestHandleCommandSkipsOneWayLatencyWithoutHandshake(t *testing.T) {
	a := New("t1", NewPacer(context.Background(), "t1", 200, nil), nil, nil, nil)

	err := a.HandleCommand(Command{
		Instruction:            InstructionCalculateNetworkSpeed,
		RemoteControlID:        "c1",
		RemoteControlTimestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
}

func TestHandleCommandChangeTargetSpeed(t *testing.T) {
	motor := &fakeMotor{}
	a := New("t1", NewPacer(context.Background(), "t1", 200, nil), motor, nil, nil)

	speed := 12.5
	err := a.HandleCommand(Command{Instruction: InstructionChangeTargetSpeed, TargetSpeed: &speed})
	require.NoError(t, err)
	require.Equal(t, 12.5, motor.speed)
}

func TestHandleCommandPowerOffStopsMotorAndGoesIdle(t *testing.T) {
	motor := &fakeMotor{poweredOn: true}
	a := New("t1", NewPacer(context.Background(), "t1", 200, nil), motor, nil, nil)
	a.state.OnTransportConnect()
	a.state.OnHello()
	a.state.OnStartSendingData()

	require.NoError(t, a.HandleCommand(Command{Instruction: InstructionPowerOff}))
	require.Equal(t, StateIdle, a.State())
	require.False(t, motor.poweredOn)
}

func TestHandleCommandChangeVideoQualityReinitialisesEncoder(t *testing.T) {
	enc := &fakeEncoder{}
	a := New("t1", NewPacer(context.Background(), "t1", 200, nil), nil, enc, nil)

	q := QualityHigh
	require.NoError(t, a.HandleCommand(Command{Instruction: InstructionChangeVideoQuality, Quality: &q}))
	require.Equal(t, 5_000_000, enc.bitrate)
	require.Equal(t, QualityHigh, a.CurrentQuality())
}

func TestHandleCommandSwitchProtocolUpdatesSelection(t *testing.T) {
	a := New("t1", NewPacer(context.Background(), "t1", 200, nil), nil, nil, nil)

	proto := ProtocolQUIC
	require.NoError(t, a.HandleCommand(Command{Instruction: InstructionSwitchProtocol, Protocol: &proto}))
	require.Equal(t, ProtocolQUIC, a.CurrentProtocol())
}

func TestHandleCommandUnrecognisedInstruction(t *testing.T) {
	a := New("t1", NewPacer(context.Background(), "t1", 200, nil), nil, nil, nil)
	err := a.HandleCommand(Command{Instruction: "BOGUS"})
	require.Error(t, err)
}

func TestNewRTTPacketCarriesTimestamp(t *testing.T) {
	pkt := NewRTTPacket(12345)
	require.Contains(t, string(pkt.Payload), "12345")
}
