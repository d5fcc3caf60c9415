// Package store owns the mapping from conversation fingerprint to live
// ConversationState, per-conversation locking, TTL eviction, and
// crash-survival persistence.
package store

import (
	"context"
	"sync"
	"time"
)

// Phase is one of the BufferEngine's state machine states.
type Phase string

const (
	PhaseIdle              Phase = "IDLE"
	PhaseCheckpointPending Phase = "CHECKPOINT_PENDING"
	PhaseCheckpointing     Phase = "CHECKPOINTING"
	PhaseWALActive         Phase = "WAL_ACTIVE"
	PhaseSwapReady         Phase = "SWAP_READY"
	PhaseSwapExecuting     Phase = "SWAP_EXECUTING"
)

// Message is one observed conversation turn. ContentPreview holds the
// turn's text as extracted from the request body (text parts concatenated,
// not truncated); the store uses it for re-summarization and token
// estimation, not for reconstructing the exact upstream payload.
type Message struct {
	Role           string
	ContentPreview string
	TokenEstimate  int
}

// InFlightCheckpoint identifies a running CheckpointExecutor task. Epoch is
// compared against ConversationState.epoch when the task completes: a
// mismatch means the task was superseded by a reset or a later checkpoint
// and its result must be discarded.
type InFlightCheckpoint struct {
	Epoch  uint64
	Cancel context.CancelFunc
}

// ConversationState is one tracked conversation. All mutable fields are
// guarded by mu; callers other than ConversationStore must go through
// WithState rather than touching fields directly.
type ConversationState struct {
	mu sync.Mutex

	Key           string
	ConvID        string
	Model         string
	ContextWindow int

	Phase Phase

	Messages         []Message
	TotalInputTokens int
	Utilization      float64

	WALStartIndex     *int
	CheckpointContent *string

	// AuthHeader/AuthValue are the header name and value observed on the
	// most recent inbound request for this conversation. The proxy holds
	// no independent credentials of its own, so background checkpoint
	// calls reuse these verbatim against the same upstream. Neither field
	// is copied into View: credentials never reach persistence or the
	// dashboard.
	AuthHeader string
	AuthValue  string

	CheckpointStartedAt   time.Time
	CheckpointCompletedAt time.Time
	LastActivityAt        time.Time

	// epoch increments every time a new checkpoint task is spawned or the
	// conversation is reset, invalidating any task still holding an older
	// epoch value.
	epoch        uint64
	InFlight     *InFlightCheckpoint
	BackoffUntil time.Time
	FailureCount int
}

// Lock acquires the per-conversation mutex. Callers must not hold it across
// upstream I/O (§5).
func (s *ConversationState) Lock() { s.mu.Lock() }

// Unlock releases the per-conversation mutex.
func (s *ConversationState) Unlock() { s.mu.Unlock() }

// NextEpoch increments and returns the conversation's epoch counter. Must
// be called with the mutex held.
func (s *ConversationState) NextEpoch() uint64 {
	s.epoch++
	return s.epoch
}

// CurrentEpoch returns the conversation's current epoch. Must be called
// with the mutex held.
func (s *ConversationState) CurrentEpoch() uint64 {
	return s.epoch
}

// RecomputeUtilization refreshes Utilization from TotalInputTokens and
// ContextWindow. Must be called with the mutex held.
func (s *ConversationState) RecomputeUtilization() {
	if s.ContextWindow <= 0 {
		s.Utilization = 0
		return
	}
	u := float64(s.TotalInputTokens) / float64(s.ContextWindow)
	if u < 0 {
		u = 0
	}
	s.Utilization = u
}

// View is a point-in-time, lock-free snapshot of a ConversationState,
// suitable for handing to DashboardPublisher or persistence without
// exposing the live pointer.
type View struct {
	Key                   string
	ConvID                string
	Model                 string
	ContextWindow         int
	Phase                 Phase
	Messages              []Message
	TotalInputTokens      int
	Utilization           float64
	WALStartIndex         *int
	CheckpointContent     *string
	CheckpointStartedAt   time.Time
	CheckpointCompletedAt time.Time
	LastActivityAt        time.Time
}

// Snapshot copies the state into a View. Must be called with the mutex held.
func (s *ConversationState) Snapshot() View {
	var wal *int
	if s.WALStartIndex != nil {
		v := *s.WALStartIndex
		wal = &v
	}
	var content *string
	if s.CheckpointContent != nil {
		v := *s.CheckpointContent
		content = &v
	}
	return View{
		Key:                   s.Key,
		ConvID:                s.ConvID,
		Model:                 s.Model,
		ContextWindow:         s.ContextWindow,
		Phase:                 s.Phase,
		Messages:              append([]Message(nil), s.Messages...),
		TotalInputTokens:      s.TotalInputTokens,
		Utilization:           s.Utilization,
		WALStartIndex:         wal,
		CheckpointContent:     content,
		CheckpointStartedAt:   s.CheckpointStartedAt,
		CheckpointCompletedAt: s.CheckpointCompletedAt,
		LastActivityAt:        s.LastActivityAt,
	}
}
