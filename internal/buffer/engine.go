// Package buffer implements the per-conversation double-buffer state
// machine: the policy that decides when to start a background checkpoint,
// when it becomes swap-eligible, and what to return in response to a
// compaction request.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/proxypilot/compaction-accelerator/internal/api/middleware"
	"github.com/proxypilot/compaction-accelerator/internal/checkpoint"
	"github.com/proxypilot/compaction-accelerator/internal/config"
	"github.com/proxypilot/compaction-accelerator/internal/detector"
	"github.com/proxypilot/compaction-accelerator/internal/store"
)

// Notifier is called after every committed transition and every
// total_input_tokens update, so DashboardPublisher can broadcast state
// changes without the engine knowing anything about WebSockets.
type Notifier func(store.View)

// Engine orchestrates ConversationStore, CompactionDetector, and
// CheckpointExecutor per §4.5.
type Engine struct {
	store    *store.Store
	executor *checkpoint.Executor
	upstream checkpoint.UpstreamClient
	cfg      *config.Config
	notify   Notifier
	nowFunc  func() time.Time

	// wg tracks every runCheckpoint goroutine currently in flight, so
	// Shutdown can wait for them to drain instead of abandoning them mid-call.
	wg sync.WaitGroup
}

// New constructs an Engine. notify may be nil to disable dashboard
// broadcasting (used in tests that only care about state transitions).
func New(st *store.Store, exec *checkpoint.Executor, upstream checkpoint.UpstreamClient, cfg *config.Config, notify Notifier) *Engine {
	if notify == nil {
		notify = func(store.View) {}
	}
	return &Engine{store: st, executor: exec, upstream: upstream, cfg: cfg, notify: notify, nowFunc: time.Now}
}

// SetNowFunc overrides the engine's clock for deterministic backoff tests.
func (e *Engine) SetNowFunc(f func() time.Time) { e.nowFunc = f }

func (e *Engine) now() time.Time {
	if e.nowFunc == nil {
		return time.Now()
	}
	return e.nowFunc()
}

// spawnRequest describes a checkpoint task to launch once the caller has
// released the conversation's mutex; Evaluate never spawns a goroutine
// itself, since it always runs under the lock.
type spawnRequest struct {
	key      string
	snapshot checkpoint.Snapshot
	epoch    uint64
	ctx      context.Context
}

// Evaluate applies the IDLE->CHECKPOINT_PENDING->CHECKPOINTING and
// WAL_ACTIVE->SWAP_READY guards from §4.5. It must be called with state's
// mutex held (i.e. from inside store.WithState). Any returned spawnRequest
// must be handed to e.runCheckpoint after the caller unlocks.
func (e *Engine) Evaluate(state *store.ConversationState) *spawnRequest {
	now := e.now()

	switch state.Phase {
	case store.PhaseIdle:
		if state.Utilization < e.cfg.GetCheckpointThreshold() {
			return nil
		}
		if now.Before(state.BackoffUntil) {
			return nil
		}
		state.Phase = store.PhaseCheckpointPending

		ctx, cancel := context.WithCancel(context.Background())
		epoch := state.NextEpoch()
		state.InFlight = &store.InFlightCheckpoint{Epoch: epoch, Cancel: cancel}
		state.CheckpointStartedAt = now
		state.Phase = store.PhaseCheckpointing

		snapshot := checkpoint.Snapshot{
			Model:           state.Model,
			Messages:        append([]store.Message(nil), state.Messages...),
			AuthHeader:      state.AuthHeader,
			AuthValue:       state.AuthValue,
			EstimatedTokens: state.TotalInputTokens,
		}
		return &spawnRequest{key: state.Key, snapshot: snapshot, epoch: epoch, ctx: ctx}

	case store.PhaseWALActive:
		if state.Utilization >= e.cfg.GetSwapThreshold() {
			state.Phase = store.PhaseSwapReady
		}
		return nil

	default:
		return nil
	}
}

// runCheckpoint executes req.snapshot against upstream and commits the
// result, verifying the epoch still matches before mutating state (§4.5
// single-flight and ordering). It runs as its own goroutine and never
// holds the conversation mutex across the upstream call.
func (e *Engine) runCheckpoint(req *spawnRequest) {
	ctx, cancel := context.WithTimeout(req.ctx, e.cfg.GetCheckpointTimeout())
	defer cancel()

	summary, err := e.executor.Run(ctx, req.key, req.snapshot, e.upstream, e.cfg.GetCompactTriggerTokens())

	e.store.WithState(req.key, func(state *store.ConversationState) {
		if state.Phase != store.PhaseCheckpointing || state.InFlight == nil || state.InFlight.Epoch != req.epoch {
			// Superseded by a reset or a later checkpoint; discard.
			return
		}
		state.InFlight = nil
		now := e.now()

		switch {
		case err == nil:
			content := summary
			walStart := len(req.snapshot.Messages)
			state.CheckpointContent = &content
			state.WALStartIndex = &walStart
			state.CheckpointCompletedAt = now
			state.FailureCount = 0
			state.Phase = store.PhaseWALActive
			middleware.RecordCheckpointOutcome("success")
			middleware.RecordCheckpointDuration(now.Sub(state.CheckpointStartedAt).Seconds())

		case errors.Is(err, checkpoint.Cancelled):
			state.Phase = store.PhaseIdle
			middleware.RecordCheckpointOutcome("cancelled")

		case errors.Is(err, checkpoint.TooSmall):
			state.Phase = store.PhaseIdle
			middleware.RecordCheckpointOutcome("too_small")

		default:
			state.FailureCount++
			state.BackoffUntil = now.Add(checkpoint.BackoffDelay(state.FailureCount))
			state.Phase = store.PhaseIdle
			log.WithError(err).WithField("key", req.key).Warn("checkpoint attempt failed")
			var upstreamErr *checkpoint.UpstreamError
			if errors.As(err, &upstreamErr) {
				middleware.RecordCheckpointOutcome("upstream_error")
			} else {
				middleware.RecordCheckpointOutcome("network_error")
			}
		}

		e.notify(state.Snapshot())
		e.store.PersistState(state.Snapshot())
	})
}

// Decision is the outcome of consulting the engine for an inbound request.
type Decision struct {
	// Substitute is true when the engine wants ProxyHandler to return the
	// synthesized response instead of forwarding.
	Substitute bool
	// Content is the checkpoint summary to return when Substitute is true.
	Content string
}

// Decide applies the swap guard from §4.5: a Compact request served while
// WAL_ACTIVE or SWAP_READY with a ready checkpoint transitions to
// SWAP_EXECUTING and is answered from the substitute; anything else is
// left to ProxyHandler to forward. Must be called with state's mutex held.
func (e *Engine) Decide(state *store.ConversationState, classification detector.Result) Decision {
	if classification != detector.Compact {
		return Decision{}
	}
	if state.CheckpointContent == nil {
		middleware.RecordForwardedCompact()
		return Decision{}
	}
	if state.Phase != store.PhaseWALActive && state.Phase != store.PhaseSwapReady {
		middleware.RecordForwardedCompact()
		return Decision{}
	}

	state.Phase = store.PhaseSwapExecuting
	middleware.RecordSwap()
	return Decision{Substitute: true, Content: *state.CheckpointContent}
}

// CompleteSwap performs the SWAP_EXECUTING -> IDLE transition once the
// substitute response has been sent to the client, clearing the checkpoint
// and resetting token accounting to reflect the post-swap conversation.
// Must be called with state's mutex held.
func (e *Engine) CompleteSwap(state *store.ConversationState) {
	if state.Phase != store.PhaseSwapExecuting {
		return
	}
	state.CheckpointContent = nil
	state.WALStartIndex = nil
	state.TotalInputTokens = 0
	state.Utilization = 0
	state.Phase = store.PhaseIdle
	e.notify(state.Snapshot())
	e.store.PersistState(state.Snapshot())
}

// spawn launches any checkpoint task requested by a prior Evaluate call.
// Callers must invoke this after releasing the conversation's mutex.
func (e *Engine) spawn(req *spawnRequest) {
	if req == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runCheckpoint(req)
	}()
}

// Shutdown cancels every conversation's in-flight checkpoint context and
// waits for the corresponding runCheckpoint goroutines to drain, up to
// ctx's deadline (§5). It returns ctx.Err() if the deadline elapses first,
// leaving any still-running goroutines to exit on their own once their
// upstream call observes the cancelled context.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.store.CancelAllInFlight()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance runs Evaluate under the store's per-conversation lock and spawns
// any resulting checkpoint task after the lock is released. This is the
// entry point ProxyHandler calls after updating a conversation's messages
// and token totals.
func (e *Engine) Advance(key string) {
	var req *spawnRequest
	e.store.WithState(key, func(state *store.ConversationState) {
		req = e.Evaluate(state)
		e.notify(state.Snapshot())
	})
	e.spawn(req)
}
