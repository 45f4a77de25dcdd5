// Package revision implements the optimistic-concurrency heart of the sync
// core: per-resource revision state, idempotent command application, and
// commit event emission.
package revision

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftwire/driftwire/internal/bus"
	"github.com/driftwire/driftwire/internal/envelope"
	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
	"github.com/driftwire/driftwire/internal/platform/id"
	"github.com/driftwire/driftwire/internal/platform/timeouts"
	"github.com/driftwire/driftwire/internal/routing"
	"github.com/driftwire/driftwire/internal/storage"
)

const (
	defaultWindowSize       = 64
	defaultWriteBehindDepth = 512
	evictSweepInterval      = time.Minute
)

// Options tunes the engine.
type Options struct {
	// WindowSize caps the rolling commit window kept per resource for
	// REV_MISMATCH delta recovery.
	WindowSize int
	// IdleTTL is the inactivity window before in-memory revision state is
	// evicted. Durable history stays with the persistence collaborator.
	IdleTTL time.Duration
	// WriteBehindDepth caps the async persistence queue.
	WriteBehindDepth int
}

// Engine applies CommandEnvelopes with single-writer-per-resource discipline
// and publishes accepted commits onto the Event Bus.
type Engine struct {
	validator  *routing.Validator
	bus        *bus.Bus
	journal    storage.Store
	windowSize int
	idleTTL    time.Duration
	tracer     trace.Tracer

	mu     sync.Mutex
	states map[string]*resourceState

	writeCh   chan storage.CommitRecord
	stopSweep chan struct{}
	done      sync.WaitGroup
	closeOnce sync.Once
}

// commitData is the payload of a commit StreamEvent.
type commitData struct {
	CommandID string          `json:"command_id"`
	CommitID  string          `json:"commit_id"`
	Rev       uint64          `json:"rev"`
	OpsHash   string          `json:"ops_hash"`
	Ops       []envelope.Op   `json:"ops"`
	Actor     envelope.Actor  `json:"actor"`
	Intent    envelope.Intent `json:"intent,omitempty"`
}

// New creates an Engine. The journal is optional; without one, REV_MISMATCH
// recovery falls back to deltas only and head revisions start at zero.
func New(validator *routing.Validator, eventBus *bus.Bus, journal storage.Store, opts Options) *Engine {
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = timeouts.RevisionIdle
	}
	if opts.WriteBehindDepth <= 0 {
		opts.WriteBehindDepth = defaultWriteBehindDepth
	}

	e := &Engine{
		validator:  validator,
		bus:        eventBus,
		journal:    journal,
		windowSize: opts.WindowSize,
		idleTTL:    opts.IdleTTL,
		tracer:     otel.Tracer("driftwire/revision"),
		states:     make(map[string]*resourceState),
		writeCh:    make(chan storage.CommitRecord, opts.WriteBehindDepth),
		stopSweep:  make(chan struct{}),
	}

	e.done.Add(1)
	go e.writeBehind()
	e.done.Add(1)
	go e.sweep()
	return e
}

// Apply runs a command to a terminal outcome: acceptance, idempotent replay,
// or a structured rejection. Once admitted to the per-resource serialization
// point the command always completes; cancellation applies only while
// waiting for admission. No command is ever partially applied.
func (e *Engine) Apply(ctx context.Context, cmd envelope.CommandEnvelope) (Outcome, error) {
	if err := cmd.Validate(); err != nil {
		return Outcome{}, err
	}
	if e.validator != nil {
		if err := e.validator.Validate(cmd.Routing); err != nil {
			return Outcome{}, err
		}
	}

	resourceID := cmd.Routing.PrimaryResource()
	ctx, span := e.tracer.Start(ctx, "revision.apply", trace.WithAttributes(
		attribute.String("resource_id", resourceID),
		attribute.String("tenant_id", cmd.Routing.TenantID),
		attribute.String("command_id", cmd.CommandID),
	))
	defer span.End()

	admitCtx, cancelAdmit := context.WithTimeout(ctx, timeouts.CommandApply)
	defer cancelAdmit()

	var st *resourceState
	for {
		st = e.state(resourceID)

		// Admission to the serialization point is the only cancellable wait.
		select {
		case <-st.slot:
		case <-admitCtx.Done():
			return Outcome{}, admitCtx.Err()
		}
		if !st.evicted {
			break
		}
		// Lost a race with the idle sweeper; retry on fresh state.
		st.slot <- struct{}{}
	}
	defer func() { st.slot <- struct{}{} }()

	st.lastUsed = time.Now()
	if err := e.recoverHead(ctx, st, resourceID); err != nil {
		return Outcome{}, err
	}

	if prior, ok := st.idem[cmd.IdempotencyKey]; ok {
		replay := prior
		replay.Replayed = true
		return replay, nil
	}

	if cmd.BaseRev != st.headRev {
		return Outcome{}, e.revMismatch(ctx, st, cmd, resourceID)
	}

	opsHash, opsJSON, err := hashOps(cmd.Ops)
	if err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodeValidation, "encode ops", err)
	}
	commitID, err := id.NewWithPrefix("cmt_")
	if err != nil {
		return Outcome{}, err
	}
	nextRev := st.headRev + 1

	data, err := json.Marshal(commitData{
		CommandID: cmd.CommandID,
		CommitID:  commitID,
		Rev:       nextRev,
		OpsHash:   opsHash,
		Ops:       cmd.Ops,
		Actor:     cmd.Actor,
		Intent:    cmd.Intent,
	})
	if err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodeValidation, "encode commit payload", err)
	}

	evt, err := envelope.NewEvent(ctx, envelope.TypeCommit, cmd.Routing, data, envelope.Meta{
		Schema:   "driftwire.commit.v1",
		Priority: envelope.PriorityTruth,
		Persist:  envelope.PersistAlways,
	})
	if err != nil {
		return Outcome{}, err
	}
	evt.IDs.CorrelationID = cmd.CorrelationID

	key, err := envelope.KeyFor(cmd.Routing, envelope.ChannelCommit)
	if err != nil {
		return Outcome{}, err
	}

	// Publish before mutating state: if the bus rejects the event nothing
	// was applied and the caller sees a clean failure. The admitted command
	// is no longer cancellable, so the publish outlives the caller's ctx.
	seq, err := e.bus.Publish(context.WithoutCancel(ctx), key, evt)
	if err != nil {
		return Outcome{}, err
	}

	st.headRev = nextRev
	outcome := Outcome{
		HeadRev:  nextRev,
		CommitID: commitID,
		EventID:  evt.EventID,
		Seq:      seq,
	}
	st.recordCommit(cmd.IdempotencyKey, commitSummary{
		Rev:      nextRev,
		CommitID: commitID,
		OpsHash:  opsHash,
		Ops:      cmd.Ops,
	}, outcome, e.windowSize)

	e.enqueueWriteBehind(storage.CommitRecord{
		CommitID:       commitID,
		ResourceID:     resourceID,
		TenantID:       cmd.Routing.TenantID,
		Env:            cmd.Routing.Env,
		Rev:            nextRev,
		Seq:            seq,
		CommandID:      cmd.CommandID,
		IdempotencyKey: cmd.IdempotencyKey,
		ActorID:        cmd.Actor.ActorID,
		ActorType:      cmd.Actor.ActorType,
		CorrelationID:  cmd.CorrelationID,
		OpsJSON:        opsJSON,
		OpsHash:        opsHash,
		CommittedAt:    evt.TS,
	})

	return outcome, nil
}

// HeadRev reports the current head revision for a resource. Zero when the
// resource has no in-memory state.
func (e *Engine) HeadRev(resourceID string) uint64 {
	e.mu.Lock()
	st, ok := e.states[resourceID]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	<-st.slot
	head := st.headRev
	st.slot <- struct{}{}
	return head
}

// Close drains the write-behind queue and stops background loops.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stopSweep)
		close(e.writeCh)
	})
	e.done.Wait()
}

func (e *Engine) state(resourceID string) *resourceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[resourceID]
	if !ok {
		st = newResourceState(0)
		e.states[resourceID] = st
	}
	return st
}

// recoverHead reloads the durable head revision after lazy creation or
// idle eviction. Runs inside the resource's critical section. A failed
// reload fails the command: applying against an unknown head could regress
// head_rev below durable history. The state stays unrecovered so the next
// admission retries the reload.
func (e *Engine) recoverHead(ctx context.Context, st *resourceState, resourceID string) error {
	if st.recovered {
		return nil
	}
	if e.journal == nil {
		st.recovered = true
		return nil
	}
	head, err := e.journal.HeadRev(ctx, resourceID)
	if err != nil {
		log.Printf("sync: recover head rev for resource=%q: %v", resourceID, err)
		return apperrors.Wrap(apperrors.CodeUnavailable, "recover head revision", err)
	}
	st.headRev = head
	st.recovered = true
	return nil
}

func (e *Engine) revMismatch(ctx context.Context, st *resourceState, cmd envelope.CommandEnvelope, resourceID string) error {
	metadata := map[string]string{
		"head_rev": strconv.FormatUint(st.headRev, 10),
		"since":    strconv.FormatUint(cmd.BaseRev, 10),
	}
	if ops, covered := st.opsSince(cmd.BaseRev); covered {
		if raw, err := json.Marshal(ops); err == nil {
			metadata["ops_since_base"] = string(raw)
		}
	} else if e.journal != nil {
		if ref, err := e.journal.SnapshotRef(ctx, cmd.Routing.TenantID, resourceID); err == nil && ref != "" {
			metadata["snapshot_ref"] = ref
		}
	}
	return apperrors.WithMetadata(apperrors.CodeRevMismatch,
		"base_rev does not match head_rev", metadata)
}

func (e *Engine) enqueueWriteBehind(record storage.CommitRecord) {
	if e.journal == nil {
		return
	}
	select {
	case e.writeCh <- record:
	default:
		// The queue is saturated. Persistence is write-behind by contract,
		// so the commit stands; the collaborator reconciles from the event
		// stream.
		log.Printf("sync: write-behind queue full, skipping commit=%s resource=%s", record.CommitID, record.ResourceID)
	}
}

func (e *Engine) writeBehind() {
	defer e.done.Done()
	for record := range e.writeCh {
		if e.journal == nil {
			continue
		}
		if err := e.journal.AppendCommit(context.Background(), record); err != nil {
			log.Printf("sync: write-behind commit=%s resource=%s: %v", record.CommitID, record.ResourceID, err)
		}
	}
}

// sweep evicts idle resource state on a timer, never on request paths.
func (e *Engine) sweep() {
	defer e.done.Done()
	ticker := time.NewTicker(evictSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopSweep:
			return
		case now := <-ticker.C:
			e.evictIdle(now)
		}
	}
}

func (e *Engine) evictIdle(now time.Time) {
	// Without a journal the in-memory state is the only record of head_rev;
	// evicting it would reset resources to zero.
	if e.journal == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for resourceID, st := range e.states {
		select {
		case <-st.slot:
			if now.Sub(st.lastUsed) >= e.idleTTL {
				st.evicted = true
				delete(e.states, resourceID)
			}
			st.slot <- struct{}{}
		default:
			// In-flight transition; busy resources are never idle.
		}
	}
}
