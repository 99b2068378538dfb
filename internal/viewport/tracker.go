// Package viewport 维护滚动面的“当前可见条目”集合。
package viewport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultThresholdPercent = 50
	DefaultMinDwell         = 200 * time.Millisecond
)

// ViewToken 是渲染层在滚动/布局变化时上报的一条记录。
type ViewToken struct {
	Index      int
	IsViewable bool
	// VisiblePercent 是条目面积在屏幕内的百分比（0..100）；<=0 表示渲染层未提供，只看 IsViewable。
	VisiblePercent float64
}

// Set 是不可变的可见集合（VisibilitySet）。每次上报都会生成一个新的 Set，而不是原地修改。
type Set struct {
	members map[int]struct{}
	sorted  []int
}

// NewSet 按给定下标构造一个 Set（负数下标被忽略，重复下标去重）。
func NewSet(indices ...int) Set {
	m := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		if i < 0 {
			continue
		}
		m[i] = struct{}{}
	}
	sorted := make([]int, 0, len(m))
	for i := range m {
		sorted = append(sorted, i)
	}
	sort.Ints(sorted)
	return Set{members: m, sorted: sorted}
}

func (s Set) Contains(index int) bool {
	_, ok := s.members[index]
	return ok
}

// Indices 返回升序下标的副本。
func (s Set) Indices() []int {
	return append([]int(nil), s.sorted...)
}

func (s Set) Len() int { return len(s.sorted) }

// Bounds 返回最小/最大可见下标；空集合 ok=false。
func (s Set) Bounds() (lo, hi int, ok bool) {
	if len(s.sorted) == 0 {
		return 0, 0, false
	}
	return s.sorted[0], s.sorted[len(s.sorted)-1], true
}

func (s Set) Equal(o Set) bool {
	if len(s.sorted) != len(o.sorted) {
		return false
	}
	for i := range s.sorted {
		if s.sorted[i] != o.sorted[i] {
			return false
		}
	}
	return true
}

type Config struct {
	ThresholdPercent float64
	MinDwell         time.Duration
	// InitialVisible 在第一次上报之前就视为可见（避免首屏黑屏），不受 dwell 约束。
	InitialVisible []int
	Now            func() time.Time
}

// Tracker 是 ViewportTracker：纯状态迁移，无 I/O、无失败。
//
// 写入（Report/Refresh）互斥；读取（IsVisible/Snapshot）读的是最近一次提交的不可变 Set，无锁。
type Tracker struct {
	threshold float64
	minDwell  time.Duration
	now       func() time.Time

	mu sync.Mutex
	// candidates：最近一次上报中达到阈值的条目 -> 首次连续可见的时间。
	candidates map[int]time.Time

	current atomic.Pointer[Set]
}

func New(cfg Config) *Tracker {
	threshold := cfg.ThresholdPercent
	if threshold <= 0 {
		threshold = DefaultThresholdPercent
	}
	if threshold > 100 {
		threshold = 100
	}
	minDwell := cfg.MinDwell
	if minDwell < 0 {
		minDwell = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	t := &Tracker{
		threshold:  threshold,
		minDwell:   minDwell,
		now:        now,
		candidates: make(map[int]time.Time, len(cfg.InitialVisible)),
	}
	initial := NewSet(cfg.InitialVisible...)
	for _, i := range initial.sorted {
		// 零值时间：视为早已驻留足够久。
		t.candidates[i] = time.Time{}
	}
	t.current.Store(&initial)
	return t
}

// ReportViewableItems 用本次上报整体替换候选集合（不是增量），并返回可见集合是否发生变化。
//
// 快速 fling 跳过了中间回调时，旧下标也不会残留：不在本次上报里的条目一律出局。
func (t *Tracker) ReportViewableItems(items []ViewToken) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[int]time.Time, len(items))
	for _, it := range items {
		if it.Index < 0 || !t.passesThreshold(it) {
			continue
		}
		if since, ok := t.candidates[it.Index]; ok {
			next[it.Index] = since
			continue
		}
		next[it.Index] = now
	}
	t.candidates = next
	return t.commitLocked(now)
}

// Refresh 在没有新上报的情况下重新评估 dwell（驻留时间到期的候选转为可见）。
func (t *Tracker) Refresh() bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitLocked(now)
}

// NextDwellDeadline 返回最早一个尚未满足 dwell 的候选到期时间；没有待定候选时 ok=false。
func (t *Tracker) NextDwellDeadline() (time.Time, bool) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, since := range t.candidates {
		due := since.Add(t.minDwell)
		if !due.After(now) {
			continue
		}
		if !found || due.Before(earliest) {
			earliest = due
			found = true
		}
	}
	return earliest, found
}

func (t *Tracker) IsVisible(index int) bool {
	return t.current.Load().Contains(index)
}

func (t *Tracker) VisibleIndices() []int {
	return t.current.Load().Indices()
}

// Snapshot 返回最近一次提交的可见集合。
func (t *Tracker) Snapshot() Set {
	return *t.current.Load()
}

func (t *Tracker) passesThreshold(it ViewToken) bool {
	if !it.IsViewable {
		return false
	}
	if it.VisiblePercent <= 0 {
		return true
	}
	return it.VisiblePercent >= t.threshold
}

func (t *Tracker) commitLocked(now time.Time) bool {
	visible := make([]int, 0, len(t.candidates))
	for idx, since := range t.candidates {
		if now.Sub(since) >= t.minDwell {
			visible = append(visible, idx)
		}
	}
	next := NewSet(visible...)
	prev := t.current.Load()
	if prev.Equal(next) {
		return false
	}
	t.current.Store(&next)
	return true
}
