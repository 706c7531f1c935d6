package registry

import (
	"testing"

	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/relayerr"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint is a minimal Endpoint for registry tests; it does not touch
// any real transport.
type fakeEndpoint struct {
	transport model.Transport
	closed    bool
	sent      [][]byte
}

func newFakeEndpoint(tr model.Transport) *fakeEndpoint {
	return &fakeEndpoint{transport: tr}
}

func (f *fakeEndpoint) Send(p []byte) error {
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeEndpoint) Transport() model.Transport { return f.transport }

func (f *fakeEndpoint) Close() error {
	f.closed = true
	return nil
}

func TestBindUnknownTrain(t *testing.T) {
	r := New()
	err := r.Bind("c1", "t1")
	require.ErrorIs(t, err, relayerr.ErrUnknownTrain)
}

func TestBindIdempotent(t *testing.T) {
	r := New()
	r.AddTrain("t1", newFakeEndpoint(model.TransportWS))

	require.NoError(t, r.Bind("c1", "t1"))
	require.NoError(t, r.Bind("c1", "t1")) // rebinding to same train is a no-op

	subs := r.SubscribersOf("t1")
	require.Len(t, subs, 1)
	require.Equal(t, model.ConsoleId("c1"), subs[0])
}

func TestBindRoutingAndRebind(t *testing.T) {
	r := New()
	r.AddTrain("t1", newFakeEndpoint(model.TransportWS))
	r.AddTrain("t2", newFakeEndpoint(model.TransportWS))

	require.NoError(t, r.Bind("c1", "t1"))
	train, ok := r.TrainOf("c1")
	require.True(t, ok)
	require.Equal(t, model.TrainId("t1"), train)

	// Scenario S3: rebind to a different train.
	require.NoError(t, r.Bind("c1", "t2"))
	train, ok = r.TrainOf("c1")
	require.True(t, ok)
	require.Equal(t, model.TrainId("t2"), train)
	require.Empty(t, r.SubscribersOf("t1"))
	require.Equal(t, []model.ConsoleId{"c1"}, r.SubscribersOf("t2"))
}

func TestBindEmitsStartAndStopEvents(t *testing.T) {
	r := New()
	r.AddTrain("t1", newFakeEndpoint(model.TransportWS))
	r.AddTrain("t2", newFakeEndpoint(model.TransportWS))

	require.NoError(t, r.Bind("c1", "t1"))
	ev := <-r.Events()
	require.Equal(t, EventStartSendingData, ev.Kind)
	require.Equal(t, model.TrainId("t1"), ev.TrainID)

	require.NoError(t, r.Bind("c1", "t2"))

	// Old train t1 loses its last subscriber: stop fires.
	ev = <-r.Events()
	require.Equal(t, EventStopSendingData, ev.Kind)
	require.Equal(t, model.TrainId("t1"), ev.TrainID)

	// New train t2 gains its first subscriber: start fires.
	ev = <-r.Events()
	require.Equal(t, EventStartSendingData, ev.Kind)
	require.Equal(t, model.TrainId("t2"), ev.TrainID)
}

func TestUnbindIsIdempotent(t *testing.T) {
	r := New()
	r.AddTrain("t1", newFakeEndpoint(model.TransportWS))

	r.Unbind("c1") // never bound, must not panic or error
	require.NoError(t, r.Bind("c1", "t1"))

	r.Unbind("c1")
	r.Unbind("c1") // idempotent second call

	_, ok := r.TrainOf("c1")
	require.False(t, ok)
}

// TestRemoveTrainCascadesDisconnect covers scenario S4: a train disconnects
// while consoles are bound to it; every bound console is unbound and the
// registry surfaces EventTrainGone listing them.
func TestRemoveTrainCascadesDisconnect(t *testing.T) {
	r := New()
	r.AddTrain("t1", newFakeEndpoint(model.TransportWS))
	require.NoError(t, r.Bind("c1", "t1"))
	require.NoError(t, r.Bind("c2", "t1"))
	<-r.Events() // drain start event from c1's bind; c2's bind keeps the
	// subscriber count above zero throughout, so it emits no second start

	r.RemoveTrain("t1", model.TransportWS)

	ev := <-r.Events()
	require.Equal(t, EventTrainGone, ev.Kind)
	require.Equal(t, model.TrainId("t1"), ev.TrainID)
	require.ElementsMatch(t, []model.ConsoleId{"c1", "c2"}, ev.ConsoleIDs)

	require.Empty(t, r.ListTrains())
	_, ok := r.TrainOf("c1")
	require.False(t, ok)
	_, ok = r.TrainOf("c2")
	require.False(t, ok)
}

func TestRemoveTrainMultiTransportKeepsTrainAliveUntilLastGone(t *testing.T) {
	r := New()
	r.AddTrain("t1", newFakeEndpoint(model.TransportWS))
	r.AddTrain("t1", newFakeEndpoint(model.TransportQUIC))

	r.RemoveTrain("t1", model.TransportWS)
	require.Contains(t, r.ListTrains(), model.TrainId("t1"))

	r.RemoveTrain("t1", model.TransportQUIC)
	require.NotContains(t, r.ListTrains(), model.TrainId("t1"))
}

func TestRemoveTrainIdempotent(t *testing.T) {
	r := New()
	r.RemoveTrain("ghost", model.TransportWS) // no such train, must not panic
}

func TestAddTrainReplacesAndClosesOldEndpoint(t *testing.T) {
	r := New()
	old := newFakeEndpoint(model.TransportWS)
	r.AddTrain("t1", old)

	fresh := newFakeEndpoint(model.TransportWS)
	r.AddTrain("t1", fresh)

	require.True(t, old.closed)
	require.False(t, fresh.closed)
}

func TestTrainEndpointPrefersHigherRankedTransport(t *testing.T) {
	r := New()
	ws := newFakeEndpoint(model.TransportWS)
	quic := newFakeEndpoint(model.TransportQUIC)
	r.AddTrain("t1", ws)
	r.AddTrain("t1", quic)

	ep := r.TrainEndpoint("t1", []model.Transport{model.TransportQUIC, model.TransportWS, model.TransportMQTT})
	require.Same(t, quic, ep)
}

func TestRemoveConsoleUnbindsAndEmits(t *testing.T) {
	r := New()
	r.AddTrain("t1", newFakeEndpoint(model.TransportWS))
	require.NoError(t, r.Bind("c1", "t1"))
	<-r.Events() // start

	r.RemoveConsole("c1", model.TransportWS)

	ev := <-r.Events()
	require.Equal(t, EventStopSendingData, ev.Kind)

	ev = <-r.Events()
	require.Equal(t, EventConsoleUnbound, ev.Kind)
	require.Equal(t, []model.ConsoleId{"c1"}, ev.ConsoleIDs)

	_, ok := r.TrainOf("c1")
	require.False(t, ok)
}

func TestListConsolesSnapshot(t *testing.T) {
	r := New()
	r.AddConsole("c1", newFakeEndpoint(model.TransportWS))
	r.AddConsole("c2", newFakeEndpoint(model.TransportQUIC))

	got := r.ListConsoles()
	require.ElementsMatch(t, []model.ConsoleId{"c1", "c2"}, got)
}
