package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
)

// catchupThreshold mirrors the teacher's leaky-bucket burst-absorption
// shape (pkg/bridge/pacer.go), repurposed from RTP-timestamp pacing to
// fragment-burst pacing: once the queue backs up past this depth, the
// frame is counted as an absorbed burst. Packets are always sent back to
// back; the pacer never waits between frames.
const (
	catchupThreshold = 5
	frameQueueDepth  = 10
)

// Sender delivers one already-framed packet to whichever transport is
// currently selected. Implemented by the transport client the agent is
// connected through.
type Sender interface {
	Send(packet []byte) error
}

// pacedFrame is one encoder output frame queued for fragmentation+pacing.
type pacedFrame struct {
	frameID     uint32
	captureTSMs uint64
	data        []byte
	queuedAt    time.Time
}

// Pacer fragments encoder frames and paces their packet bursts onto the
// currently selected transport, grounded on the teacher's Pacer: a single
// input channel drained by a dedicated goroutine, a backlog past a
// threshold counted as an absorbed burst (the send rate does not change),
// clean shutdown via context cancellation.
type Pacer struct {
	log *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames chan pacedFrame

	mtu int

	senderMu sync.RWMutex
	sender   Sender
	trainID  model.TrainId

	statsMu      sync.Mutex
	framesSent   uint64
	packetsSent  uint64
	burstsAbsorbed uint64
}

// NewPacer builds a Pacer for trainID, fragmenting frames at mtu bytes per
// packet. The pacer starts with no sender attached; call SetSender before
// the first frame arrives; a frame taken off the queue while no sender is
// attached is dropped.
func NewPacer(ctx context.Context, trainID model.TrainId, mtu int, log *logger.Logger) *Pacer {
	ctx, cancel := context.WithCancel(ctx)
	return &Pacer{
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		frames:  make(chan pacedFrame, frameQueueDepth),
		mtu:     mtu,
		trainID: trainID,
	}
}

// SetSender atomically swaps the transport the pacer writes to. Used for
// SWITCH_PROTOCOL (§4.10): the agent stops feeding the old transport at a
// frame boundary (the pacer only dereferences sender between frames) and
// resumes on the new one.
func (p *Pacer) SetSender(s Sender) {
	p.senderMu.Lock()
	defer p.senderMu.Unlock()
	p.sender = s
}

func (p *Pacer) currentSender() Sender {
	p.senderMu.RLock()
	defer p.senderMu.RUnlock()
	return p.sender
}

// Start begins the pacer's drain goroutine.
func (p *Pacer) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run()
	}()
}

// Stop cancels the pacer and waits for its goroutine to exit.
func (p *Pacer) Stop() {
	p.cancel()
	p.wg.Wait()
}

// EnqueueFrame submits one encoder output for fragmentation and paced
// transmission. Mirrors the teacher's EnqueueVideo: non-blocking push,
// falling back to a blocking push (counted as a burst) when the queue is
// full, so a momentarily slow sender never silently drops a keyframe.
func (p *Pacer) EnqueueFrame(frameID uint32, captureTSMs uint64, data []byte) error {
	f := pacedFrame{frameID: frameID, captureTSMs: captureTSMs, data: data, queuedAt: time.Now()}

	select {
	case p.frames <- f:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
		p.statsMu.Lock()
		p.burstsAbsorbed++
		p.statsMu.Unlock()
		if p.log != nil {
			p.log.DebugFrame("frame queue full, blocking", "train_id", p.trainID, "frame_id", frameID)
		}
		select {
		case p.frames <- f:
			return nil
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

func (p *Pacer) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.frames:
			if err := p.sendFrame(f); err != nil && p.log != nil {
				p.log.DebugFrame("failed to send frame", "train_id", p.trainID, "frame_id", f.frameID, "err", err)
			}
		}
	}
}

func (p *Pacer) sendFrame(f pacedFrame) error {
	sender := p.currentSender()
	if sender == nil {
		return fmt.Errorf("no sender attached")
	}

	packets, err := codec.FragmentFrame(f.frameID, f.captureTSMs, p.trainID, f.data, p.mtu)
	if err != nil {
		return fmt.Errorf("fragment frame %d: %w", f.frameID, err)
	}

	// Catching up on an absorbed burst: drain this frame's packets back to
	// back rather than re-pacing against the prior frame's send time, the
	// same "don't fall further behind" behavior as the teacher's
	// catchupSpeedMultiplier, just expressed as "no extra delay" since this
	// pacer has nothing analogous to an RTP timestamp delta to wait out.
	queueDepth := len(p.frames)
	if queueDepth >= catchupThreshold {
		p.statsMu.Lock()
		p.burstsAbsorbed++
		p.statsMu.Unlock()
	}

	for _, pkt := range packets {
		if err := sender.Send(pkt.Encode()); err != nil {
			return fmt.Errorf("send packet for frame %d: %w", f.frameID, err)
		}
		p.statsMu.Lock()
		p.packetsSent++
		p.statsMu.Unlock()
	}

	p.statsMu.Lock()
	p.framesSent++
	p.statsMu.Unlock()
	return nil
}

// Stats reports cumulative pacer counters.
func (p *Pacer) Stats() (frames, packets, bursts uint64) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.framesSent, p.packetsSent, p.burstsAbsorbed
}
