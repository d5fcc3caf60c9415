package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxypilot/compaction-accelerator/internal/store"
)

type fakeUpstream struct {
	mu             sync.Mutex
	calls          int
	response       string
	err            error
	delay          time.Duration
	lastAuthHeader string
	lastAuthValue  string
}

func (f *fakeUpstream) Summarize(ctx context.Context, model string, messages []store.Message, authHeader, authValue string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.lastAuthHeader = authHeader
	f.lastAuthValue = authValue
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.response, f.err
}

func TestRun_ReturnsSummaryOnSuccess(t *testing.T) {
	up := &fakeUpstream{response: "SUMMARY-X"}
	exec := NewExecutor()

	summary, err := exec.Run(context.Background(), "conv-a", Snapshot{Model: "tiny", Messages: []store.Message{{Role: "user", ContentPreview: "hello"}}}, up, 0)
	require.NoError(t, err)
	assert.Equal(t, "SUMMARY-X", summary)
}

func TestRun_ReusesInboundAuthHeader(t *testing.T) {
	up := &fakeUpstream{response: "SUMMARY-X"}
	exec := NewExecutor()

	snapshot := Snapshot{
		Model:      "tiny",
		Messages:   []store.Message{{Role: "user", ContentPreview: "hello"}},
		AuthHeader: "x-api-key",
		AuthValue:  "sk-live-abc123",
	}
	_, err := exec.Run(context.Background(), "conv-auth", snapshot, up, 0)
	require.NoError(t, err)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, "x-api-key", up.lastAuthHeader)
	assert.Equal(t, "sk-live-abc123", up.lastAuthValue)
}

func TestRun_TooSmallSkipsUpstream(t *testing.T) {
	up := &fakeUpstream{response: "SHOULD-NOT-APPEAR"}
	exec := NewExecutor()

	_, err := exec.Run(context.Background(), "conv-a", Snapshot{Model: "tiny", Messages: []store.Message{{Role: "user", ContentPreview: "hi"}}}, up, 1_000_000)
	assert.ErrorIs(t, err, TooSmall)
	assert.Equal(t, 0, up.calls)
}

func TestRun_UpstreamErrorWraps(t *testing.T) {
	up := &fakeUpstream{err: &UpstreamError{Status: 500}}
	exec := NewExecutor()

	_, err := exec.Run(context.Background(), "conv-a", Snapshot{Model: "tiny"}, up, 0)
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, 500, upstreamErr.Status)
}

func TestRun_CancellationIsPrompt(t *testing.T) {
	up := &fakeUpstream{delay: time.Second, response: "TOO-LATE"}
	exec := NewExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := exec.Run(ctx, "conv-a", Snapshot{Model: "tiny"}, up, 0)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, Cancelled)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestBackoffDelay_ExponentialWithCap(t *testing.T) {
	assert.Equal(t, time.Duration(0), BackoffDelay(0))
	assert.Equal(t, 30*time.Second, BackoffDelay(1))
	assert.Equal(t, 60*time.Second, BackoffDelay(2))
	assert.Equal(t, 120*time.Second, BackoffDelay(3))
	assert.Equal(t, 10*time.Minute, BackoffDelay(20))
}

func TestNetworkError_Unwrap(t *testing.T) {
	underlying := errors.New("dial tcp: connection refused")
	netErr := &NetworkError{Err: underlying}
	assert.ErrorIs(t, netErr, underlying)
}
