package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reakt/train-relay/pkg/model"
)

func TestTrainIDFromTopic(t *testing.T) {
	tests := []struct {
		topic   string
		wantID  model.TrainId
		wantOK  bool
	}{
		{"train/t1/telemetry", "t1", true},
		{"train/t1/status", "t1", true},
		{"train/t1/heartbeat", "t1", true},
		{"commands/t1/control", "", false},
		{"train/t1", "", false},
		{"train/t1/extra/segment", "", false},
	}

	for _, tt := range tests {
		id, ok := trainIDFromTopic(tt.topic)
		require.Equal(t, tt.wantOK, ok, tt.topic)
		if tt.wantOK {
			require.Equal(t, tt.wantID, id)
		}
	}
}

func TestEndpointReportsMQTTTransport(t *testing.T) {
	ep := NewEndpoint(nil, "t1")
	require.Equal(t, model.TransportMQTT, ep.Transport())
}
