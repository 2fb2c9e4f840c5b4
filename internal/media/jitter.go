package media

import (
	"sort"
	"sync"
)

// A JitterBuffer reorders and paces encoded frames by media timestamp
// before decode. It refuses to emit anything until a keyframe has been seen
// (decoding would fail anyway) and a minimum depth has accumulated.
type JitterBuffer struct {
	mu sync.Mutex

	frames      []*Packet // timestamp-ordered
	capacity    int
	targetDepth int

	hasKeyframe bool
	lastPlayed  uint64
}

const (
	defaultJitterCapacity = 64
	defaultTargetDepth    = 3
)

func NewJitterBuffer(capacity, targetDepth int) *JitterBuffer {
	if capacity <= 0 {
		capacity = defaultJitterCapacity
	}
	if targetDepth <= 0 {
		targetDepth = defaultTargetDepth
	}
	return &JitterBuffer{
		capacity:    capacity,
		targetDepth: targetDepth,
	}
}

// Push inserts a frame in timestamp order. When full, the oldest
// non-keyframe is dropped; if every buffered frame is a keyframe, the
// oldest frame goes.
func (jb *JitterBuffer) Push(p *Packet) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if p.IsKeyframe {
		jb.hasKeyframe = true
	}

	idx := sort.Search(len(jb.frames), func(i int) bool {
		return jb.frames[i].TimestampUS > p.TimestampUS
	})
	jb.frames = append(jb.frames, nil)
	copy(jb.frames[idx+1:], jb.frames[idx:])
	jb.frames[idx] = p

	if len(jb.frames) > jb.capacity {
		drop := 0
		for i, f := range jb.frames {
			if !f.IsKeyframe {
				drop = i
				break
			}
		}
		log.Debug("Jitter buffer full, dropping frame ts=%d", jb.frames[drop].TimestampUS)
		jb.frames = append(jb.frames[:drop], jb.frames[drop+1:]...)
	}
}

// Ready reports whether Pop would return a frame: a keyframe has been
// observed since the last reset AND at least targetDepth frames are
// buffered.
func (jb *JitterBuffer) Ready() bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.readyLocked()
}

func (jb *JitterBuffer) readyLocked() bool {
	return jb.hasKeyframe && len(jb.frames) >= jb.targetDepth
}

// Pop returns the next frame in timestamp order, or nil until Ready.
func (jb *JitterBuffer) Pop() *Packet {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.readyLocked() {
		return nil
	}
	p := jb.frames[0]
	jb.frames = jb.frames[1:]
	jb.lastPlayed = p.TimestampUS
	return p
}

// LastPlayed returns the timestamp of the most recently popped frame.
func (jb *JitterBuffer) LastPlayed() uint64 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.lastPlayed
}

// Len returns the buffered frame count.
func (jb *JitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.frames)
}

// Reset clears the buffer and the keyframe flag, e.g. after a loss gap or a
// session rebind. The next Pop waits for a fresh keyframe.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.frames = nil
	jb.hasKeyframe = false
}
