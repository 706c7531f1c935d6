// Package codec implements the on-wire packet framing of §3: a one-byte
// PacketType tag followed by a type-specific payload, plus the dedicated
// video sub-framing used to fragment and reassemble encoded frames.
//
// Grounded on the teacher's pkg/rtp/h264.go: both use fixed-width
// big-endian header fields, but this codec frames the relay's own Packet type rather than RTP/H.264
// NAL units — the spec's video payload is an opaque encoded-frame slice,
// not RTP (see DESIGN.md for why pion/rtp was not carried over).
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/relayerr"
)

// PacketType is the single-byte tag at offset 0 of every Packet (§3).
type PacketType byte

const (
	PacketVideo         PacketType = 13
	PacketAudio         PacketType = 14
	PacketControl       PacketType = 15
	PacketCommand       PacketType = 16
	PacketTelemetry     PacketType = 17
	PacketIMU           PacketType = 18
	PacketLidar         PacketType = 19
	PacketKeepalive     PacketType = 20
	PacketNotification  PacketType = 21
	PacketDownloadStart PacketType = 22
	PacketDownloading   PacketType = 23
	PacketDownloadEnd   PacketType = 24
	PacketUploadStart   PacketType = 25
	PacketUploading     PacketType = 26
	PacketUploadEnd     PacketType = 27
	PacketRTT           PacketType = 28
	PacketMapAck        PacketType = 29
	PacketRTTTrain      PacketType = 30
)

func (t PacketType) Valid() bool {
	switch t {
	case PacketVideo, PacketAudio, PacketControl, PacketCommand, PacketTelemetry,
		PacketIMU, PacketLidar, PacketKeepalive, PacketNotification,
		PacketDownloadStart, PacketDownloading, PacketDownloadEnd,
		PacketUploadStart, PacketUploading, PacketUploadEnd,
		PacketRTT, PacketMapAck, PacketRTTTrain:
		return true
	default:
		return false
	}
}

func (t PacketType) String() string {
	switch t {
	case PacketVideo:
		return "video"
	case PacketAudio:
		return "audio"
	case PacketControl:
		return "control"
	case PacketCommand:
		return "command"
	case PacketTelemetry:
		return "telemetry"
	case PacketIMU:
		return "imu"
	case PacketLidar:
		return "lidar"
	case PacketKeepalive:
		return "keepalive"
	case PacketNotification:
		return "notification"
	case PacketDownloadStart:
		return "download_start"
	case PacketDownloading:
		return "downloading"
	case PacketDownloadEnd:
		return "download_end"
	case PacketUploadStart:
		return "upload_start"
	case PacketUploading:
		return "uploading"
	case PacketUploadEnd:
		return "upload_end"
	case PacketRTT:
		return "rtt"
	case PacketMapAck:
		return "map_ack"
	case PacketRTTTrain:
		return "rtt_train"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Packet is the framed unit traversing every transport.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// Encode serializes the packet as [type byte][payload].
func (p Packet) Encode() []byte {
	out := make([]byte, 1+len(p.Payload))
	out[0] = byte(p.Type)
	copy(out[1:], p.Payload)
	return out
}

// DecodePacket parses the one-byte type tag and returns the remaining
// payload unparsed. Returns ErrMalformedPacket on a zero-length input and
// ErrUnknownType on an unrecognized tag (callers log and drop both; no
// drop counter is kept).
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < 1 {
		return Packet{}, relayerr.ErrMalformedPacket
	}
	t := PacketType(data[0])
	if !t.Valid() {
		return Packet{}, relayerr.ErrUnknownType
	}
	return Packet{Type: t, Payload: data[1:]}, nil
}

// Video packet sub-framing offsets (relative to the payload, i.e. after
// the 1-byte type tag), per §3.
const (
	videoFrameIDOffset    = 0
	videoFrameIDSize      = 4
	videoNumPacketsOffset = 4
	videoNumPacketsSize   = 2
	videoPacketIDOffset   = 6
	videoPacketIDSize     = 2
	videoTrainIDOffset    = 8
	videoTrainIDSize      = model.IDFieldSize
	videoTimestampOffset  = 44
	videoTimestampSize    = 8
	videoSliceOffset      = 52
)

// VideoHeader is the decoded fixed-width portion of a video packet payload.
type VideoHeader struct {
	FrameID     uint32
	NumPackets  uint16
	PacketID    uint16
	TrainID     model.TrainId
	CaptureTSMs uint64
}

// EncodeVideo builds the payload (excluding the leading PacketType byte)
// for one video packet: fixed header plus the encoded-frame slice.
func EncodeVideo(frameID uint32, captureTSMs uint64, trainID model.TrainId, slice []byte, packetID, total uint16) []byte {
	buf := make([]byte, videoSliceOffset+len(slice))

	binary.BigEndian.PutUint32(buf[videoFrameIDOffset:], frameID)
	binary.BigEndian.PutUint16(buf[videoNumPacketsOffset:], total)
	binary.BigEndian.PutUint16(buf[videoPacketIDOffset:], packetID)
	putPaddedID(buf[videoTrainIDOffset:videoTrainIDOffset+videoTrainIDSize], string(trainID))
	binary.BigEndian.PutUint64(buf[videoTimestampOffset:], captureTSMs)
	copy(buf[videoSliceOffset:], slice)

	return buf
}

// DecodeHeader parses the fixed-width fields of a video packet payload
// (payload = everything after the leading PacketType byte) and returns
// the header plus the encoded-frame slice.
func DecodeHeader(payload []byte) (VideoHeader, []byte, error) {
	if len(payload) < videoSliceOffset {
		return VideoHeader{}, nil, relayerr.ErrMalformedPacket
	}

	h := VideoHeader{
		FrameID:     binary.BigEndian.Uint32(payload[videoFrameIDOffset:]),
		NumPackets:  binary.BigEndian.Uint16(payload[videoNumPacketsOffset:]),
		PacketID:    binary.BigEndian.Uint16(payload[videoPacketIDOffset:]),
		TrainID:     model.TrainId(trimPaddedID(payload[videoTrainIDOffset : videoTrainIDOffset+videoTrainIDSize])),
		CaptureTSMs: binary.BigEndian.Uint64(payload[videoTimestampOffset:]),
	}

	if h.PacketID < 1 || h.PacketID > h.NumPackets {
		return VideoHeader{}, nil, relayerr.ErrMalformedPacket
	}

	return h, payload[videoSliceOffset:], nil
}

func putPaddedID(dst []byte, id string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, id)
}

func trimPaddedID(src []byte) string {
	end := len(src)
	for end > 0 && src[end-1] == ' ' {
		end--
	}
	return string(src[:end])
}

// FragmentFrame splits an encoded frame into an ordered sequence of Packets
// whose payloads satisfy the MTU. number_of_packets = ceil(len(frame) /
// (mtu-53)); the last packet's slice may be short, all others are full
// length (§4.1). mtu must be >= 54 so at least one payload byte fits.
func FragmentFrame(frameID uint32, captureTSMs uint64, trainID model.TrainId, frame []byte, mtu int) ([]Packet, error) {
	const headerSize = videoSliceOffset + 1 // +1 for the PacketType byte
	if mtu < headerSize+1 {
		return nil, fmt.Errorf("mtu %d too small for video header (need >= %d)", mtu, headerSize+1)
	}

	sliceCap := mtu - headerSize
	total := (len(frame) + sliceCap - 1) / sliceCap
	if total == 0 {
		total = 1 // a zero-length frame still produces one empty packet
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("frame requires %d packets, exceeds uint16 packet_id range", total)
	}

	packets := make([]Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * sliceCap
		end := start + sliceCap
		if end > len(frame) {
			end = len(frame)
		}
		payload := EncodeVideo(frameID, captureTSMs, trainID, frame[start:end], uint16(i+1), uint16(total))
		packets = append(packets, Packet{Type: PacketVideo, Payload: payload})
	}

	return packets, nil
}

// ReassembleFrame concatenates packet slices in ascending packet_id order.
// Callers are expected to have already verified completeness (all
// packet_id in [1, number_of_packets] present); use FrameAssembler to
// track partial state incrementally.
func ReassembleFrame(headers []VideoHeader, slices [][]byte) ([]byte, error) {
	if len(headers) != len(slices) || len(headers) == 0 {
		return nil, fmt.Errorf("reassemble: mismatched or empty input")
	}
	ordered := make([][]byte, len(slices))
	total := headers[0].NumPackets
	for i, h := range headers {
		if h.NumPackets != total {
			return nil, fmt.Errorf("reassemble: inconsistent number_of_packets")
		}
		if h.PacketID < 1 || int(h.PacketID) > len(ordered) {
			return nil, fmt.Errorf("reassemble: packet_id %d out of range", h.PacketID)
		}
		ordered[h.PacketID-1] = slices[i]
	}

	size := 0
	for _, s := range ordered {
		if s == nil {
			return nil, fmt.Errorf("reassemble: missing packet")
		}
		size += len(s)
	}

	out := make([]byte, 0, size)
	for _, s := range ordered {
		out = append(out, s...)
	}
	return out, nil
}

// EncodeJSON serializes v (a JSON-payload packet record) and prepends the
// one-byte type tag.
func EncodeJSON(t PacketType, v any) (Packet, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Packet{}, fmt.Errorf("encode json packet: %w", err)
	}
	return Packet{Type: t, Payload: data}, nil
}

// DecodeJSON unmarshals a JSON-payload packet into v. A malformed document
// is reported as ErrMalformedPacket per §4.1.
func DecodeJSON(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return relayerr.ErrMalformedPacket
	}
	return nil
}
