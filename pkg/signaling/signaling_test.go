package signaling

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reakt/train-relay/pkg/model"
)

type recordingPeer struct {
	received []Message
	fail     bool
}

func (p *recordingPeer) Forward(m Message) error {
	if p.fail {
		return errors.New("peer gone")
	}
	p.received = append(p.received, m)
	return nil
}

func TestForwardTrainToConsolesOnly(t *testing.T) {
	h := NewHub(nil)

	console := &recordingPeer{}
	train := &recordingPeer{}
	h.RegisterConsole("t1", console)
	h.RegisterTrain("t1", train)

	msg := Message{Kind: "offer", TrainID: "t1", SDP: &SessionDescription{SDP: "v=0", Type: "offer"}}
	h.Forward(model.RoleTrain, msg)

	require.Len(t, console.received, 1)
	require.Equal(t, msg, console.received[0])
	require.Empty(t, train.received) // never echoed back to the sending role
}

func TestForwardConsoleToTrainsOnly(t *testing.T) {
	h := NewHub(nil)

	console := &recordingPeer{}
	train := &recordingPeer{}
	h.RegisterConsole("t1", console)
	h.RegisterTrain("t1", train)

	msg := Message{Kind: "answer", TrainID: "t1"}
	h.Forward(model.RoleConsole, msg)

	require.Len(t, train.received, 1)
	require.Empty(t, console.received)
}

func TestForwardScopedToTrainID(t *testing.T) {
	h := NewHub(nil)

	consoleT1 := &recordingPeer{}
	consoleT2 := &recordingPeer{}
	h.RegisterConsole("t1", consoleT1)
	h.RegisterConsole("t2", consoleT2)
	h.RegisterTrain("t1", &recordingPeer{})

	h.Forward(model.RoleTrain, Message{Kind: "ice", TrainID: "t1"})

	require.Len(t, consoleT1.received, 1)
	require.Empty(t, consoleT2.received)
}

func TestUnregisterRemovesPeer(t *testing.T) {
	h := NewHub(nil)
	console := &recordingPeer{}
	h.RegisterConsole("t1", console)
	h.UnregisterConsole("t1", console)

	h.Forward(model.RoleTrain, Message{Kind: "offer", TrainID: "t1"})
	require.Empty(t, console.received)
}

func TestStatusAllReportsPerTrainCounts(t *testing.T) {
	h := NewHub(nil)
	h.RegisterTrain("t1", &recordingPeer{})
	h.RegisterConsole("t1", &recordingPeer{})
	h.RegisterConsole("t1", &recordingPeer{})
	h.RegisterConsole("t2", &recordingPeer{})

	statuses := h.StatusAll()
	require.Len(t, statuses, 2)

	byID := make(map[model.TrainId]Status)
	for _, s := range statuses {
		byID[s.TrainID] = s
	}
	require.Equal(t, 1, byID["t1"].TrainPeers)
	require.Equal(t, 2, byID["t1"].ConsolePeers)
	require.Equal(t, 0, byID["t2"].TrainPeers)
	require.Equal(t, 1, byID["t2"].ConsolePeers)
}

func TestForwardSkipsFailedPeerWithoutPanicking(t *testing.T) {
	h := NewHub(nil)
	failing := &recordingPeer{fail: true}
	ok := &recordingPeer{}
	h.RegisterConsole("t1", failing)
	h.RegisterConsole("t1", ok)

	h.Forward(model.RoleTrain, Message{Kind: "offer", TrainID: "t1"})
	require.Len(t, ok.received, 1)
}
