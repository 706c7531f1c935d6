package codec

import (
	"bytes"
	"testing"

	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/relayerr"
	"github.com/stretchr/testify/require"
)

func TestFragmentFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
		mtu  int
	}{
		{"S1 scenario", 4000, 1053},
		{"exact multiple", 3000, 103},
		{"single packet", 10, 200},
		{"min mtu", 500, 54},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, tt.size)
			for i := range frame {
				frame[i] = byte(i % 251)
			}

			packets, err := FragmentFrame(7, 1_700_000_000_000, "T1", frame, tt.mtu)
			require.NoError(t, err)
			require.NotEmpty(t, packets)

			sliceCap := tt.mtu - 53
			wantTotal := (tt.size + sliceCap - 1) / sliceCap
			if wantTotal == 0 {
				wantTotal = 1
			}
			require.Equal(t, wantTotal, len(packets))

			headers := make([]VideoHeader, 0, len(packets))
			slices := make([][]byte, 0, len(packets))
			for i, p := range packets {
				require.Equal(t, PacketVideo, p.Type)
				h, slice, err := DecodeHeader(p.Payload)
				require.NoError(t, err)
				require.Equal(t, uint16(i+1), h.PacketID)
				require.Equal(t, uint16(wantTotal), h.NumPackets)
				require.Equal(t, model.TrainId("T1"), h.TrainID)
				require.Equal(t, uint64(1_700_000_000_000), h.CaptureTSMs)

				if i < len(packets)-1 {
					require.Equal(t, sliceCap, len(slice))
				} else {
					require.LessOrEqual(t, len(slice), sliceCap)
				}

				headers = append(headers, h)
				slices = append(slices, slice)
			}

			got, err := ReassembleFrame(headers, slices)
			require.NoError(t, err)
			require.True(t, bytes.Equal(frame, got))
		})
	}
}

func TestS1TwoConsolesFourPackets(t *testing.T) {
	frame := make([]byte, 4000)
	for i := range frame {
		frame[i] = byte(i)
	}

	packets, err := FragmentFrame(7, 1_700_000_000_000, "T1", frame, 1053)
	require.NoError(t, err)
	require.Len(t, packets, 4)

	for _, sink := range []string{"c1", "c2"} {
		t.Run(sink, func(t *testing.T) {
			assembler := NewFrameAssembler()
			var got []byte
			for _, p := range packets {
				h, slice, err := DecodeHeader(p.Payload)
				require.NoError(t, err)
				require.GreaterOrEqual(t, h.PacketID, uint16(1))
				require.LessOrEqual(t, h.PacketID, uint16(4))
				require.EqualValues(t, 4, h.NumPackets)

				if frame, done := assembler.AddPacket(h, slice); done {
					got = frame
				}
			}
			require.True(t, bytes.Equal(frame, got))
		})
	}
}

func TestDecodeHeaderStability(t *testing.T) {
	slice := []byte("hello-world-encoded-slice")
	payload := EncodeVideo(42, 123456789, "train-42", slice, 3, 9)

	h, got, err := DecodeHeader(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(42), h.FrameID)
	require.Equal(t, uint16(9), h.NumPackets)
	require.Equal(t, uint16(3), h.PacketID)
	require.Equal(t, model.TrainId("train-42"), h.TrainID)
	require.Equal(t, uint64(123456789), h.CaptureTSMs)
	require.True(t, bytes.Equal(slice, got))
}

func TestDecodeHeaderRejectsBadPacketID(t *testing.T) {
	payload := EncodeVideo(1, 1, "t1", []byte("x"), 5, 4) // packet_id > number_of_packets
	_, _, err := DecodeHeader(payload)
	require.Error(t, err)
}

func TestDecodePacketUnknownType(t *testing.T) {
	_, err := DecodePacket([]byte{99, 1, 2, 3})
	require.ErrorIs(t, err, relayerr.ErrUnknownType)
}

func TestFrameAssemblerDropsIncompleteOnNewFrameID(t *testing.T) {
	a := NewFrameAssembler()

	h1 := VideoHeader{FrameID: 1, NumPackets: 2, PacketID: 1, TrainID: "t1"}
	if _, done := a.AddPacket(h1, []byte("a")); done {
		t.Fatal("should not be done after first packet of frame 1")
	}

	// Frame 2 starts before frame 1 completed; frame 1's partial state is dropped.
	h2 := VideoHeader{FrameID: 2, NumPackets: 1, PacketID: 1, TrainID: "t1"}
	frame, done := a.AddPacket(h2, []byte("b"))
	require.True(t, done)
	require.Equal(t, []byte("b"), frame)
}

func TestEncodeDecodeJSONPacket(t *testing.T) {
	type telemetry struct {
		TrainID string  `json:"train_id"`
		Speed   float64 `json:"speed"`
	}

	p, err := EncodeJSON(PacketTelemetry, telemetry{TrainID: "t1", Speed: 12.5})
	require.NoError(t, err)
	require.Equal(t, PacketTelemetry, p.Type)

	var got telemetry
	require.NoError(t, DecodeJSON(p.Payload, &got))
	require.Equal(t, "t1", got.TrainID)
	require.Equal(t, 12.5, got.Speed)
}

func TestDecodeJSONMalformed(t *testing.T) {
	var v map[string]any
	err := DecodeJSON([]byte("{not json"), &v)
	require.Error(t, err)
}
