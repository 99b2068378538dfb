package viewport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func viewable(indices ...int) []ViewToken {
	out := make([]ViewToken, 0, len(indices))
	for _, i := range indices {
		out = append(out, ViewToken{Index: i, IsViewable: true})
	}
	return out
}

func TestTracker_InitialVisibleSkipsDwell(t *testing.T) {
	clk := newClock()
	tr := New(Config{MinDwell: time.Second, InitialVisible: []int{1, 0, 0}, Now: clk.Now})

	require.Equal(t, []int{0, 1}, tr.VisibleIndices())
	require.True(t, tr.IsVisible(0))

	// 初始项仍在上报中：保持可见，不重新计时。
	changed := tr.ReportViewableItems(viewable(0, 1))
	require.False(t, changed)
	require.Equal(t, []int{0, 1}, tr.VisibleIndices())
}

func TestTracker_DwellBeforeVisible(t *testing.T) {
	clk := newClock()
	tr := New(Config{MinDwell: 200 * time.Millisecond, Now: clk.Now})

	require.False(t, tr.ReportViewableItems(viewable(3, 4)))
	require.Empty(t, tr.VisibleIndices())

	due, ok := tr.NextDwellDeadline()
	require.True(t, ok)
	require.Equal(t, clk.Now().Add(200*time.Millisecond), due)

	clk.Advance(199 * time.Millisecond)
	require.False(t, tr.Refresh())

	clk.Advance(time.Millisecond)
	require.True(t, tr.Refresh())
	require.Equal(t, []int{3, 4}, tr.VisibleIndices())

	_, ok = tr.NextDwellDeadline()
	require.False(t, ok)
}

func TestTracker_ReplacesWholeSetOnFastScroll(t *testing.T) {
	clk := newClock()
	tr := New(Config{MinDwell: 0, Now: clk.Now})

	require.True(t, tr.ReportViewableItems(viewable(0, 1, 2)))
	// fling 跳过中间回调：直接报告远处的一段。
	require.True(t, tr.ReportViewableItems(viewable(40, 41)))
	require.Equal(t, []int{40, 41}, tr.VisibleIndices())
	require.False(t, tr.IsVisible(0))
}

func TestTracker_FlickerResetsDwell(t *testing.T) {
	clk := newClock()
	tr := New(Config{MinDwell: 200 * time.Millisecond, Now: clk.Now})

	tr.ReportViewableItems(viewable(5))
	clk.Advance(150 * time.Millisecond)
	tr.ReportViewableItems(nil) // 滑出
	clk.Advance(10 * time.Millisecond)
	tr.ReportViewableItems(viewable(5)) // 再滑回来，重新计时
	clk.Advance(150 * time.Millisecond)
	tr.Refresh()
	require.False(t, tr.IsVisible(5))

	clk.Advance(50 * time.Millisecond)
	tr.Refresh()
	require.True(t, tr.IsVisible(5))
}

func TestTracker_Threshold(t *testing.T) {
	clk := newClock()
	tr := New(Config{MinDwell: 0, Now: clk.Now})

	tr.ReportViewableItems([]ViewToken{
		{Index: 0, IsViewable: true, VisiblePercent: 49.9},
		{Index: 1, IsViewable: true, VisiblePercent: 50},
		{Index: 2, IsViewable: false, VisiblePercent: 100},
		{Index: 3, IsViewable: true},
		{Index: -1, IsViewable: true},
	})
	require.Equal(t, []int{1, 3}, tr.VisibleIndices())
}

func TestTracker_SnapshotIsImmutable(t *testing.T) {
	clk := newClock()
	tr := New(Config{MinDwell: 0, Now: clk.Now})

	tr.ReportViewableItems(viewable(1, 2))
	snap := tr.Snapshot()
	idx := snap.Indices()
	idx[0] = 99

	tr.ReportViewableItems(viewable(7))
	require.Equal(t, []int{1, 2}, snap.Indices())
	lo, hi, ok := snap.Bounds()
	require.True(t, ok)
	require.Equal(t, 1, lo)
	require.Equal(t, 2, hi)
	require.Equal(t, []int{7}, tr.Snapshot().Indices())
}

func TestTracker_ConcurrentReaders(t *testing.T) {
	tr := New(Config{MinDwell: 0})

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = tr.IsVisible(i % 10)
				_ = tr.VisibleIndices()
			}
		}()
	}
	for i := 0; i < 500; i++ {
		tr.ReportViewableItems(viewable(i%10, i%10+1))
	}
	wg.Wait()
}
