package relay

import (
	"sync"
	"time"

	"github.com/relayvox/relayvox/internal/models"
)

const defaultRetentionWindow = 30 * time.Second

// RetentionBuffer keeps a rolling window of inbound audio frames across both
// sources, used for recovery catch-up accounting. Sequence numbers are the
// only strict total order in the system and never go backward.
type RetentionBuffer struct {
	mu     sync.Mutex
	window time.Duration
	frames []models.AudioFrame
	seq    int64

	now func() time.Time
}

func NewRetentionBuffer(window time.Duration) *RetentionBuffer {
	if window <= 0 {
		window = defaultRetentionWindow
	}
	return &RetentionBuffer{window: window, now: time.Now}
}

// Append stores a frame and returns its assigned sequence number. Frames
// older than the window are evicted from the front on every append.
func (b *RetentionBuffer) Append(payload []byte, source models.AudioSource) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.seq++
	b.frames = append(b.frames, models.AudioFrame{
		Seq:        b.seq,
		Payload:    payload,
		Source:     source,
		CapturedAt: now,
	})
	b.evict(now)
	return b.seq
}

// FramesAfter returns, in ascending sequence order, every retained frame with
// a sequence number greater than seq.
func (b *RetentionBuffer) FramesAfter(seq int64) []models.AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.frames) && b.frames[i].Seq <= seq {
		i++
	}
	out := make([]models.AudioFrame, len(b.frames)-i)
	copy(out, b.frames[i:])
	return out
}

// GapDuration reports how far behind a consumer is: the time between now and
// the capture of the oldest frame not yet sent, or zero if fully caught up.
func (b *RetentionBuffer) GapDuration(lastSent int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.frames {
		if f.Seq > lastSent {
			gap := b.now().Sub(f.CapturedAt)
			if gap < 0 {
				return 0
			}
			return gap
		}
	}
	return 0
}

// LastSeq returns the most recently assigned sequence number.
func (b *RetentionBuffer) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *RetentionBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *RetentionBuffer) evict(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.frames) && b.frames[i].CapturedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.frames = append(b.frames[:0], b.frames[i:]...)
	}
}
