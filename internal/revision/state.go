package revision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/driftwire/driftwire/internal/envelope"
)

const maxIdempotencyRecord = 4000

// commitSummary is one rolling-window entry: enough to answer "what changed
// since rev N" without consulting durable storage.
type commitSummary struct {
	Rev      uint64        `json:"rev"`
	CommitID string        `json:"commit_id"`
	OpsHash  string        `json:"ops_hash"`
	Ops      []envelope.Op `json:"ops"`
}

// Outcome is the terminal result of an accepted command.
type Outcome struct {
	HeadRev  uint64
	CommitID string
	EventID  string
	Seq      uint64
	// Replayed marks an idempotent resubmission: the original outcome was
	// returned and no new revision or event was produced.
	Replayed bool
}

// resourceState is the in-memory working set for one resource. It is mutated
// only while its admission slot is held, giving single-writer-per-resource
// discipline; distinct resources proceed fully concurrently.
type resourceState struct {
	// slot is the per-resource serialization point. Capacity 1: holding the
	// token admits exactly one command transition at a time.
	slot chan struct{}

	headRev   uint64
	window    []commitSummary
	idem      map[string]Outcome
	idemOrder []string
	lastUsed  time.Time
	// recovered is set once the durable head revision has been loaded (or
	// there is nothing to load). Cleared state forces a reload on next use.
	recovered bool
	// evicted marks state removed by the idle sweeper; a waiter that
	// acquires the slot afterwards must retry on fresh state.
	evicted bool
}

func newResourceState(headRev uint64) *resourceState {
	st := &resourceState{
		slot:    make(chan struct{}, 1),
		headRev: headRev,
		idem:    make(map[string]Outcome),
	}
	st.slot <- struct{}{}
	return st
}

// recordCommit appends a window entry and the idempotency outcome, evicting
// the oldest entries past their caps.
func (st *resourceState) recordCommit(key string, summary commitSummary, outcome Outcome, windowSize int) {
	st.window = append(st.window, summary)
	if windowSize > 0 && len(st.window) > windowSize {
		st.window = st.window[len(st.window)-windowSize:]
	}

	st.idem[key] = outcome
	st.idemOrder = append(st.idemOrder, key)
	if len(st.idemOrder) > maxIdempotencyRecord {
		evict := st.idemOrder[0]
		st.idemOrder = st.idemOrder[1:]
		delete(st.idem, evict)
	}
}

// opsSince returns the flattened operations applied after baseRev, in commit
// order, when the window still covers (baseRev, headRev]. The second return
// reports coverage.
func (st *resourceState) opsSince(baseRev uint64) ([]envelope.Op, bool) {
	if len(st.window) == 0 || st.window[0].Rev > baseRev+1 {
		return nil, false
	}
	var ops []envelope.Op
	for _, summary := range st.window {
		if summary.Rev > baseRev {
			ops = append(ops, summary.Ops...)
		}
	}
	return ops, true
}

// hashOps fingerprints an op list for commit summaries and durable records.
func hashOps(ops []envelope.Op) (string, []byte, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw, nil
}
