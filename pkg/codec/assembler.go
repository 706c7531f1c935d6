package codec

import "sync"

// FrameAssembler reconstructs encoded frames from a stream of video
// packets for one (train, console-sink) pair. Arrival of a new frame_id
// discards any incomplete in-progress frame (drop policy, §3).
//
// Grounded on the teacher's pkg/rtp/h264.go H264Processor fragment
// buffer, generalized from RTP/NAL reassembly to the relay's own packet
// framing and from a single running buffer to an explicit received-count
// plus bitmap so completeness can be checked without scanning.
type FrameAssembler struct {
	mu sync.Mutex

	currentFrameID  uint32
	haveFrame       bool
	expectedPackets uint16
	receivedCount   uint16
	receivedBitmap  map[uint16]bool
	slices          map[uint16][]byte
	finalArrived    bool
}

// NewFrameAssembler returns an empty assembler.
func NewFrameAssembler() *FrameAssembler {
	return &FrameAssembler{
		receivedBitmap: make(map[uint16]bool),
		slices:         make(map[uint16][]byte),
	}
}

// AddPacket feeds one decoded video packet into the assembler. It returns
// the reassembled frame and true once the frame identified by h.FrameID is
// complete (all packets received, and the final packet_id == number_of_packets
// has arrived).
func (a *FrameAssembler) AddPacket(h VideoHeader, slice []byte) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.haveFrame || h.FrameID != a.currentFrameID {
		// New frame_id (or first ever packet): discard any incomplete
		// in-progress frame per the drop policy.
		a.reset(h.FrameID, h.NumPackets)
	}

	if a.receivedBitmap[h.PacketID] {
		return nil, false // duplicate packet, ignore
	}

	sliceCopy := make([]byte, len(slice))
	copy(sliceCopy, slice)

	a.receivedBitmap[h.PacketID] = true
	a.slices[h.PacketID] = sliceCopy
	a.receivedCount++

	if h.PacketID == h.NumPackets {
		a.finalArrived = true
	}

	if a.receivedCount == a.expectedPackets && a.finalArrived {
		frame := a.concat()
		a.haveFrame = false
		return frame, true
	}

	return nil, false
}

func (a *FrameAssembler) reset(frameID uint32, expected uint16) {
	a.currentFrameID = frameID
	a.haveFrame = true
	a.expectedPackets = expected
	a.receivedCount = 0
	a.finalArrived = false
	a.receivedBitmap = make(map[uint16]bool)
	a.slices = make(map[uint16][]byte)
}

func (a *FrameAssembler) concat() []byte {
	size := 0
	for i := uint16(1); i <= a.expectedPackets; i++ {
		size += len(a.slices[i])
	}
	out := make([]byte, 0, size)
	for i := uint16(1); i <= a.expectedPackets; i++ {
		out = append(out, a.slices[i]...)
	}
	return out
}
