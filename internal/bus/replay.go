package bus

import (
	"time"

	"github.com/driftwire/driftwire/internal/envelope"
)

// trim enforces the replay buffer bounds. Callers hold the stream mutex.
//
// Age expiry runs first, then capacity eviction. Capacity eviction discards
// the oldest gesture event, then the oldest info event, and only when the
// buffer is all truth discards the oldest truth event. Discarding truth
// advances missFloor so a later resume from below it reports REPLAY_MISS
// instead of silently resuming with an incomplete commit history.
func (st *stream) trim(opts Options, now time.Time) {
	if opts.BufferAge > 0 {
		cutoff := now.Add(-opts.BufferAge)
		for len(st.buffer) > 0 && st.buffer[0].TS.Before(cutoff) {
			st.discard(0)
		}
	}

	for opts.BufferLen > 0 && len(st.buffer) > opts.BufferLen {
		if idx := st.oldestWithPriority(envelope.PriorityGesture); idx >= 0 {
			st.discard(idx)
			continue
		}
		if idx := st.oldestWithPriority(envelope.PriorityInfo); idx >= 0 {
			st.discard(idx)
			continue
		}
		st.discard(0)
	}
}

func (st *stream) oldestWithPriority(priority envelope.Priority) int {
	for i, evt := range st.buffer {
		if evt.Meta.Priority == priority {
			return i
		}
	}
	return -1
}

func (st *stream) discard(idx int) {
	evt := st.buffer[idx]
	st.buffer = append(st.buffer[:idx], st.buffer[idx+1:]...)
	if evt.Meta.Priority == envelope.PriorityTruth && evt.Seq+1 > st.missFloor {
		st.missFloor = evt.Seq + 1
	}
}
