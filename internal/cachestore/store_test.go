package cachestore

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

type batchCall struct {
	tier domain.Tier
	refs []string
}

// stubTransport 记录每个批次到达的顺序；fail 中的 ref 返回错误，block=true 时等到 ctx 结束。
type stubTransport struct {
	mu      sync.Mutex
	calls   []batchCall
	fail    map[string]error
	omit    map[string]bool
	block   bool
	release chan struct{}
	cleared []domain.Scope
	evicted []string
}

func (t *stubTransport) Preload(ctx context.Context, tier domain.Tier, reqs []domain.PreloadRequest) []domain.PreloadResult {
	refs := make([]string, 0, len(reqs))
	for _, r := range reqs {
		refs = append(refs, r.Ref)
	}
	t.mu.Lock()
	t.calls = append(t.calls, batchCall{tier: tier, refs: refs})
	block := t.block
	rel := t.release
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil
	}
	if rel != nil {
		<-rel
	}

	out := make([]domain.PreloadResult, 0, len(reqs))
	for _, r := range reqs {
		if t.omit[r.Ref] {
			continue
		}
		if err := t.fail[r.Ref]; err != nil {
			out = append(out, domain.PreloadResult{Ref: r.Ref, Err: err})
			continue
		}
		out = append(out, domain.PreloadResult{Ref: r.Ref, Bytes: 100})
	}
	return out
}

func (t *stubTransport) Clear(_ context.Context, scope domain.Scope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleared = append(t.cleared, scope)
	return nil
}

func (t *stubTransport) Evict(_ context.Context, _ domain.Tier, refs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evicted = append(t.evicted, refs...)
}

func (t *stubTransport) Calls() []batchCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]batchCall(nil), t.calls...)
}

func newStore(t *testing.T, tr Transport, cfg Config) *Store {
	t.Helper()
	cfg.StrictInvariants = true
	s := New(tr, cfg, log.NewStdLogger(io.Discard))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitIdle(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestStore_ThumbnailBatchFirstAndPriorityOrder(t *testing.T) {
	tr := &stubTransport{}
	s := newStore(t, tr, Config{})

	s.Prefetch("full-a", domain.TierFull, domain.PriorityNormal)
	s.Prefetch("t-low", domain.TierThumbnail, domain.PriorityLow)
	s.Prefetch("t-high", domain.TierThumbnail, domain.PriorityHigh)
	s.Prefetch("t-normal", domain.TierThumbnail, domain.PriorityNormal)
	s.Flush()
	waitIdle(t, s)

	calls := tr.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, domain.TierThumbnail, calls[0].tier)
	require.Equal(t, []string{"t-high", "t-normal", "t-low"}, calls[0].refs)
	require.Equal(t, domain.TierFull, calls[1].tier)
	require.Equal(t, []string{"full-a"}, calls[1].refs)

	require.Equal(t, domain.StateReady, s.Resolve("t-low", domain.TierThumbnail))
	require.Equal(t, domain.StateNotRequested, s.Resolve("t-low", domain.TierFull))
	require.Equal(t, 2, s.Stats().Batches)
}

func TestStore_PriorityUpgradeInPlace(t *testing.T) {
	tr := &stubTransport{}
	s := newStore(t, tr, Config{})

	s.Prefetch("a", domain.TierThumbnail, domain.PriorityLow)
	s.Prefetch("b", domain.TierThumbnail, domain.PriorityNormal)
	s.Prefetch("a", domain.TierThumbnail, domain.PriorityHigh)
	// 降级请求不生效。
	s.Prefetch("a", domain.TierThumbnail, domain.PriorityLow)

	e, ok := s.Entry("a", domain.TierThumbnail)
	require.True(t, ok)
	require.Equal(t, domain.StatePrefetching, e.State)
	require.Equal(t, domain.PriorityHigh, e.Priority)

	s.Flush()
	waitIdle(t, s)

	calls := tr.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, []string{"a", "b"}, calls[0].refs)
}

func TestStore_DeduplicatesConcurrentPrefetch(t *testing.T) {
	tr := &stubTransport{}
	s := newStore(t, tr, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Prefetch("same.jpg", domain.TierFull, domain.PriorityNormal)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, s.Stats().Prefetching)

	s.Flush()
	s.Flush()
	waitIdle(t, s)

	calls := tr.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, []string{"same.jpg"}, calls[0].refs)

	// Ready 之后再次 prefetch 是无操作。
	s.Prefetch("same.jpg", domain.TierFull, domain.PriorityHigh)
	s.Flush()
	waitIdle(t, s)
	require.Len(t, tr.Calls(), 1)
}

func TestStore_FailureIsStateAndInvalidateRetries(t *testing.T) {
	boom := errors.New("网络错误")
	tr := &stubTransport{fail: map[string]error{"a.jpg": boom}, omit: map[string]bool{"lost.jpg": true}}
	s := newStore(t, tr, Config{})

	s.Retain("a.jpg", domain.TierFull)
	s.Prefetch("a.jpg", domain.TierFull, domain.PriorityNormal)
	s.Prefetch("lost.jpg", domain.TierFull, domain.PriorityNormal)
	s.Flush()
	waitIdle(t, s)

	require.Equal(t, domain.StateFailed, s.Resolve("a.jpg", domain.TierFull))
	e, _ := s.Entry("a.jpg", domain.TierFull)
	require.ErrorIs(t, e.LastError, boom)
	lost, _ := s.Entry("lost.jpg", domain.TierFull)
	require.ErrorIs(t, lost.LastError, ErrNoResult)

	// Failed 是终态：没有 invalidate 不会重试。
	s.Prefetch("a.jpg", domain.TierFull, domain.PriorityHigh)
	s.Flush()
	waitIdle(t, s)
	require.Len(t, tr.Calls(), 1)

	tr.mu.Lock()
	tr.fail = nil
	tr.mu.Unlock()

	s.Invalidate("a.jpg")
	require.Equal(t, domain.StateNotRequested, s.Resolve("a.jpg", domain.TierFull))
	e, ok := s.Entry("a.jpg", domain.TierFull)
	require.True(t, ok)
	require.Equal(t, 1, e.RefCount)

	s.Prefetch("a.jpg", domain.TierFull, domain.PriorityNormal)
	s.Flush()
	waitIdle(t, s)
	require.Equal(t, domain.StateReady, s.Resolve("a.jpg", domain.TierFull))
}

func TestStore_TimeoutMarksFailed(t *testing.T) {
	tr := &stubTransport{block: true}
	s := newStore(t, tr, Config{PrefetchTimeout: 20 * time.Millisecond})

	s.Prefetch("slow.jpg", domain.TierThumbnail, domain.PriorityHigh)
	s.Flush()
	waitIdle(t, s)

	e, _ := s.Entry("slow.jpg", domain.TierThumbnail)
	require.Equal(t, domain.StateFailed, e.State)
	require.ErrorIs(t, e.LastError, ErrPrefetchTimeout)
}

func TestStore_EvictsLeastRecentlyReleasedFirst(t *testing.T) {
	tr := &stubTransport{}
	s := newStore(t, tr, Config{MaxEntries: 3})

	refs := []string{"r1", "r2", "r3"}
	for _, r := range refs {
		s.Retain(r, domain.TierFull)
		s.Prefetch(r, domain.TierFull, domain.PriorityNormal)
	}
	s.Flush()
	waitIdle(t, s)
	for _, r := range refs {
		s.Release(r, domain.TierFull)
	}
	// 释放后不立即淘汰。
	require.Equal(t, 3, s.Stats().Entries)

	s.Prefetch("r4", domain.TierFull, domain.PriorityNormal)

	require.Equal(t, domain.StateNotRequested, s.Resolve("r1", domain.TierFull))
	require.Equal(t, domain.StateReady, s.Resolve("r2", domain.TierFull))
	require.Equal(t, domain.StateReady, s.Resolve("r3", domain.TierFull))
	require.Equal(t, 1, s.Stats().Evictions)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Equal(t, []string{"r1"}, tr.evicted)
}

func TestStore_ThumbnailEvictedBeforeFullAtEqualRecency(t *testing.T) {
	tr := &stubTransport{}
	s := newStore(t, tr, Config{MaxEntries: 2})

	s.Retain("x", domain.TierFull)
	s.Retain("x", domain.TierThumbnail)
	s.Prefetch("x", domain.TierFull, domain.PriorityNormal)
	s.Prefetch("x", domain.TierThumbnail, domain.PriorityNormal)
	s.Flush()
	waitIdle(t, s)

	// 同一轮次内先释放原图，再释放缩略图。
	s.Release("x", domain.TierFull)
	s.Release("x", domain.TierThumbnail)
	s.Prefetch("y", domain.TierThumbnail, domain.PriorityNormal)

	require.Equal(t, domain.StateNotRequested, s.Resolve("x", domain.TierThumbnail))
	require.Equal(t, domain.StateReady, s.Resolve("x", domain.TierFull))
}

func TestStore_RetainedEntriesNeverEvicted(t *testing.T) {
	tr := &stubTransport{}
	s := newStore(t, tr, Config{MaxEntries: 1})

	s.Retain("keep", domain.TierFull)
	s.Prefetch("keep", domain.TierFull, domain.PriorityNormal)
	s.Prefetch("other", domain.TierFull, domain.PriorityNormal)
	s.Flush()
	waitIdle(t, s)

	require.Equal(t, domain.StateReady, s.Resolve("keep", domain.TierFull))
	require.Equal(t, domain.StateNotRequested, s.Resolve("other", domain.TierFull))
}

func TestStore_ByteBudgetEviction(t *testing.T) {
	tr := &stubTransport{}
	s := newStore(t, tr, Config{MaxBytes: 250})

	for _, r := range []string{"a", "b", "c"} {
		s.Prefetch(r, domain.TierFull, domain.PriorityNormal)
	}
	s.Flush()
	waitIdle(t, s)

	st := s.Stats()
	require.LessOrEqual(t, st.Bytes, int64(250))
	require.Equal(t, 1, st.Evictions)
	require.Equal(t, domain.StateNotRequested, s.Resolve("a", domain.TierFull))
}

func TestStore_OrphanedResultDiscarded(t *testing.T) {
	rel := make(chan struct{})
	tr := &stubTransport{release: rel}
	s := newStore(t, tr, Config{})

	s.Retain("gone.jpg", domain.TierFull)
	s.Prefetch("gone.jpg", domain.TierFull, domain.PriorityNormal)
	s.Flush()
	s.Release("gone.jpg", domain.TierFull)
	close(rel)
	waitIdle(t, s)

	_, ok := s.Entry("gone.jpg", domain.TierFull)
	require.False(t, ok)
	require.Equal(t, 1, s.Stats().Discarded)
}

func TestStore_InvalidateDuringFlightDropsStaleResult(t *testing.T) {
	rel := make(chan struct{})
	tr := &stubTransport{release: rel}
	s := newStore(t, tr, Config{})

	s.Retain("a", domain.TierFull)
	s.Prefetch("a", domain.TierFull, domain.PriorityNormal)
	s.Flush()
	s.Invalidate("a")
	close(rel)
	waitIdle(t, s)

	require.Equal(t, domain.StateNotRequested, s.Resolve("a", domain.TierFull))
}

func TestStore_ReleaseBelowZeroPanicsWhenStrict(t *testing.T) {
	s := newStore(t, &stubTransport{}, Config{})
	require.Panics(t, func() { s.Release("never", domain.TierFull) })

	lax := New(&stubTransport{}, Config{}, log.NewStdLogger(io.Discard))
	defer lax.Close()
	require.NotPanics(t, func() { lax.Release("never", domain.TierFull) })
}

func TestStore_ClearAllDropsTracking(t *testing.T) {
	tr := &stubTransport{}
	s := newStore(t, tr, Config{})

	s.Retain("held", domain.TierThumbnail)
	s.Prefetch("held", domain.TierThumbnail, domain.PriorityHigh)
	s.Prefetch("free", domain.TierThumbnail, domain.PriorityHigh)
	s.Flush()
	waitIdle(t, s)

	require.NoError(t, s.Clear(context.Background(), domain.ScopeMemory))
	require.Equal(t, domain.StateReady, s.Resolve("held", domain.TierThumbnail))

	require.NoError(t, s.Clear(context.Background(), domain.ScopeAll))
	require.Equal(t, domain.StateNotRequested, s.Resolve("held", domain.TierThumbnail))
	e, ok := s.Entry("held", domain.TierThumbnail)
	require.True(t, ok)
	require.Equal(t, 1, e.RefCount)
	_, ok = s.Entry("free", domain.TierThumbnail)
	require.False(t, ok)
	require.Zero(t, s.Stats().Bytes)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Equal(t, []domain.Scope{domain.ScopeMemory, domain.ScopeAll}, tr.cleared)
}

func TestStore_OnSettledCalledOutsideLock(t *testing.T) {
	tr := &stubTransport{}
	var (
		mu  sync.Mutex
		got []string
	)
	var s *Store
	s = newStore(t, tr, Config{OnSettled: func(ref string, tier domain.Tier, state domain.EntryState) {
		// 锁外回调：可以安全地读取状态。
		_ = s.Stats()
		mu.Lock()
		got = append(got, ref+":"+state.String())
		mu.Unlock()
	}})

	s.Prefetch("a", domain.TierThumbnail, domain.PriorityHigh)
	s.Flush()
	waitIdle(t, s)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a:ready"}, got)
}
