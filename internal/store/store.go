package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/proxypilot/compaction-accelerator/internal/tokenizer"
)

// DefaultEvictionInterval is how often EvictIdle runs when driven by
// StartPeriodicEviction.
const DefaultEvictionInterval = 1 * time.Minute

// Store owns the key -> ConversationState map and serializes access to
// each entry through its per-state mutex. The map itself is guarded by a
// separate RWMutex so lookups don't contend with unrelated conversations'
// mutations.
type Store struct {
	mu    sync.RWMutex
	convs map[string]*ConversationState
	ttl   time.Duration

	persist Persister // optional; nil disables crash-survival writes

	nowFunc func() time.Time
}

// Persister is the crash-survival persistence boundary, implemented by
// internal/store's sqlite-backed Persistence.
type Persister interface {
	Save(view View) error
	LoadAll() ([]View, error)
}

// New creates an empty Store. ttl is the idle-eviction threshold; persist
// may be nil to disable crash-survival writes (useful in tests).
func New(ttl time.Duration, persist Persister) *Store {
	return &Store{
		convs:   make(map[string]*ConversationState),
		ttl:     ttl,
		persist: persist,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the store's clock, for deterministic tests of TTL
// eviction and backoff timing.
func (s *Store) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = f
}

func (s *Store) now() time.Time {
	s.mu.RLock()
	f := s.nowFunc
	s.mu.RUnlock()
	if f == nil {
		return time.Now()
	}
	return f()
}

// GetOrCreate returns the ConversationState for key, creating one with
// phase IDLE and a resolved context window if absent. last_activity_at is
// bumped on every call, whether or not the state was just created.
func (s *Store) GetOrCreate(key, model string) (state *ConversationState, created bool) {
	s.mu.RLock()
	existing, ok := s.convs[key]
	s.mu.RUnlock()
	if ok {
		existing.Lock()
		existing.LastActivityAt = s.now()
		existing.Unlock()
		return existing, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// re-check under the write lock in case of a race with another creator
	if existing, ok := s.convs[key]; ok {
		existing.Lock()
		existing.LastActivityAt = s.now()
		existing.Unlock()
		return existing, false
	}

	now := s.now()
	newState := &ConversationState{
		Key:            key,
		ConvID:         uuid.NewString()[:8],
		Model:          model,
		ContextWindow:  tokenizer.ContextWindowFor(model),
		Phase:          PhaseIdle,
		LastActivityAt: now,
	}
	s.convs[key] = newState
	return newState, true
}

// WithState acquires the per-conversation mutex for key, invokes fn, and
// releases it. It is a no-op if key is unknown. Callers must never call
// upstream I/O from inside fn (§5).
func (s *Store) WithState(key string, fn func(*ConversationState)) {
	s.mu.RLock()
	state, ok := s.convs[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	state.Lock()
	defer state.Unlock()
	fn(state)
}

// Snapshot returns a point-in-time copy of every tracked conversation. No
// per-state locks are held after this call returns.
func (s *Store) Snapshot() []View {
	s.mu.RLock()
	states := make([]*ConversationState, 0, len(s.convs))
	for _, st := range s.convs {
		states = append(states, st)
	}
	s.mu.RUnlock()

	views := make([]View, 0, len(states))
	for _, st := range states {
		st.Lock()
		views = append(views, st.Snapshot())
		st.Unlock()
	}
	return views
}

// Get returns the state for key without creating it.
func (s *Store) Get(key string) (*ConversationState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[key]
	return st, ok
}

// PersistState mirrors a conversation's current view into the configured
// Persister, best-effort. It takes no store or conversation lock itself;
// BufferEngine calls it while holding the conversation's mutex.
func (s *Store) PersistState(view View) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(view); err != nil {
		log.WithError(err).WithField("key", view.Key).Warn("failed to persist conversation state")
	}
}

// LoadFromDisk repopulates the store from the configured Persister,
// restoring every conversation's metadata (but not its message history,
// per the persistence row's documented omission) so a restart resumes
// utilization tracking and swap-eligibility instead of starting cold. It is
// a no-op if no Persister was configured. Must be called before the store
// serves traffic.
func (s *Store) LoadFromDisk(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	views, err := s.persist.LoadAll()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range views {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		phase := v.Phase
		if phase == PhaseCheckpointPending || phase == PhaseCheckpointing {
			// No in-flight task survives a restart; retry from IDLE instead
			// of leaving the conversation stuck with no owner.
			phase = PhaseIdle
		}
		s.convs[v.Key] = &ConversationState{
			Key:                   v.Key,
			ConvID:                v.ConvID,
			Model:                 v.Model,
			ContextWindow:         v.ContextWindow,
			Phase:                 phase,
			TotalInputTokens:      v.TotalInputTokens,
			Utilization:           v.Utilization,
			WALStartIndex:         v.WALStartIndex,
			CheckpointContent:     v.CheckpointContent,
			CheckpointCompletedAt: v.CheckpointCompletedAt,
			LastActivityAt:        v.LastActivityAt,
		}
		s.convs[v.Key].RecomputeUtilization()
	}
	return nil
}

// EvictIdle removes conversations whose last_activity_at is older than the
// store's TTL, unless a checkpoint is in flight — those are cancelled and
// eviction is deferred to the next pass, once the task has observed the
// cancellation and cleared InFlight.
func (s *Store) EvictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, st := range s.convs {
		st.Lock()
		idle := now.Sub(st.LastActivityAt) > s.ttl
		if !idle {
			st.Unlock()
			continue
		}
		if st.InFlight != nil {
			st.InFlight.Cancel()
			st.Unlock()
			continue
		}
		st.Unlock()
		delete(s.convs, key)
		evicted++
	}
	return evicted
}

// CancelAllInFlight cancels every tracked conversation's in-flight
// checkpoint context, unblocking any background goroutine parked on
// upstream I/O. It does not wait for those goroutines to return; callers
// that need to observe drain (e.g. shutdown) track completion separately.
func (s *Store) CancelAllInFlight() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.convs {
		st.Lock()
		if st.InFlight != nil {
			st.InFlight.Cancel()
		}
		st.Unlock()
	}
}

// StartPeriodicEviction runs EvictIdle on a ticker until ctx is cancelled.
func (s *Store) StartPeriodicEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultEvictionInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.EvictIdle(s.now()); n > 0 {
					log.WithField("count", n).Debug("evicted idle conversations")
				}
			}
		}
	}()
}

// Reset clears a single conversation's checkpoint/message state back to
// IDLE, cancelling any in-flight checkpoint first. If all is true, every
// tracked conversation is reset instead and convID is ignored.
func (s *Store) Reset(convID string, all bool) {
	s.mu.RLock()
	targets := make([]*ConversationState, 0, 1)
	for _, st := range s.convs {
		st.Lock()
		match := all || st.ConvID == convID
		st.Unlock()
		if match {
			targets = append(targets, st)
		}
	}
	s.mu.RUnlock()

	for _, st := range targets {
		resetOne(st)
	}
}

func resetOne(st *ConversationState) {
	st.Lock()
	if st.InFlight != nil {
		st.InFlight.Cancel()
	}
	st.epoch++
	st.InFlight = nil
	st.Messages = nil
	st.CheckpointContent = nil
	st.WALStartIndex = nil
	st.TotalInputTokens = 0
	st.Utilization = 0
	st.Phase = PhaseIdle
	st.Unlock()
}
