package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reakt/train-relay/pkg/model"
)

const (
	// rttSampleCount is N in §4.10's "send N=5 rtt_train packets" handshake.
	rttSampleCount = 5
	// rttSampleTimeout bounds how long one sample waits for its echo
	// (§5 "RTT handshake 2s per sample").
	rttSampleTimeout = 2 * time.Second
)

// RTTSampler sends one rtt_train packet and blocks for its echo, returning
// the echoed remote timestamp. Implemented by the transport client
// currently selected for the console the handshake is running against.
type RTTSampler func(ctx context.Context, trainTimestampMs int64) (remoteTimestampMs int64, err error)

// ClockOffset is the per-(train,console) result of the handshake: integer
// milliseconds such that local_train_time ~= remote_console_time -
// clock_offset (§3).
type ClockOffset int64

// ClockSync runs the N-sample RTT averaging handshake and stores the
// resulting offset per console, grounded on the teacher's
// StreamManager.extendWithRetry: a fixed attempt budget per unit of work,
// here N samples instead of N retries, each bounded by its own timeout
// rather than a growing backoff (the handshake is not contending with a
// flaky external API, so there is nothing to back off from).
type ClockSync struct {
	mu      sync.RWMutex
	offsets map[model.ConsoleId]ClockOffset
}

// NewClockSync creates an empty per-console offset table.
func NewClockSync() *ClockSync {
	return &ClockSync{offsets: make(map[model.ConsoleId]ClockOffset)}
}

// Run executes the handshake against one console: N samples, each sending
// the train's current timestamp via sample and computing
// rtt = now - sent; offset_sample = remote_ts - (sent + rtt/2). The
// average of all N samples is stored as the console's ClockOffset.
// Returns an error only if every sample fails; partial failures are
// averaged over whatever samples succeeded.
func (c *ClockSync) Run(ctx context.Context, consoleID model.ConsoleId, sample RTTSampler, now func() time.Time) (ClockOffset, error) {
	var sum int64
	var succeeded int

	for i := 0; i < rttSampleCount; i++ {
		sampleCtx, cancel := context.WithTimeout(ctx, rttSampleTimeout)
		sentAt := now()
		sentMs := sentAt.UnixMilli()

		remoteMs, err := sample(sampleCtx, sentMs)
		cancel()
		if err != nil {
			continue
		}

		rtt := now().Sub(sentAt).Milliseconds()
		offsetSample := remoteMs - (sentMs + rtt/2)
		sum += offsetSample
		succeeded++
	}

	if succeeded == 0 {
		return 0, fmt.Errorf("clock sync with console %s: all %d samples failed", consoleID, rttSampleCount)
	}

	offset := ClockOffset(sum / int64(succeeded))
	c.mu.Lock()
	c.offsets[consoleID] = offset
	c.mu.Unlock()
	return offset, nil
}

// OffsetFor returns the stored offset for a console, if the handshake has
// completed for it.
func (c *ClockSync) OffsetFor(consoleID model.ConsoleId) (ClockOffset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	off, ok := c.offsets[consoleID]
	return off, ok
}

// OneWayLatency computes one-way latency for a command carrying
// remoteTimestampMs, given the previously computed offset for its
// console: now - (remote_ts - offset) (§4.10).
func (c *ClockSync) OneWayLatency(consoleID model.ConsoleId, remoteTimestampMs int64, now time.Time) (time.Duration, bool) {
	off, ok := c.OffsetFor(consoleID)
	if !ok {
		return 0, false
	}
	latencyMs := now.UnixMilli() - (remoteTimestampMs - int64(off))
	return time.Duration(latencyMs) * time.Millisecond, true
}
