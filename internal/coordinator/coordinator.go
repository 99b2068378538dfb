// Package coordinator 把可见性、缓存预取与解码准入串成一次协调（coordination pass），
// 并为每个被跟踪的条目输出 RenderDirective。
package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"github.com/John-Robertt/feedmedia/internal/admission"
	"github.com/John-Robertt/feedmedia/internal/domain"
	"github.com/John-Robertt/feedmedia/internal/viewport"
)

const (
	DefaultLookahead  = 12
	DefaultNearWindow = 3
)

// Cache 是协调器用到的 CacheStore 能力。
type Cache interface {
	Prefetch(ref string, tier domain.Tier, pri domain.Priority)
	Resolve(ref string, tier domain.Tier) domain.EntryState
	Retain(ref string, tier domain.Tier)
	Release(ref string, tier domain.Tier)
	Invalidate(ref string)
	Flush()
}

// Admission 是协调器用到的 PlaybackAdmissionPolicy 能力。
type Admission interface {
	Advance()
	Reconcile(visible []admission.Candidate, current []domain.DecoderSlot) admission.Decision
	ReportDecodeError(itemID string)
	Retry(itemID string)
	HasDecodeError(itemID string) bool
}

// DecoderRunner 执行被准入的名额（真正的解码器属于视图层）。
//
// Activate/Deactivate 在协调临界区内同步调用，实现方不得阻塞；底层资源的释放可以异步进行。
type DecoderRunner interface {
	Activate(slot domain.DecoderSlot, buf domain.BufferConfig)
	Deactivate(itemID string)
}

type Config struct {
	// Lookahead：可见区上下各预取多少个条目。
	Lookahead int
	// NearWindow：距离可见区不超过该值的条目，缩略图以 High 优先级预取。
	NearWindow int
	// Columns：网格列数，用于计算行号（准入排名按行）。
	Columns   int
	TapToPlay bool
	Buffer    domain.BufferConfig

	Now      func() time.Time
	NewToken func() string
}

type tracking struct {
	asset         domain.MediaAsset
	thumbRetained bool
	fullRetained  bool
}

// Coordinator 是 MediaCoordinator。
//
// 所有协调都在 mu 内串行执行，不会有两次协调重叠。
type Coordinator struct {
	cache  Cache
	policy Admission
	runner DecoderRunner
	cfg    Config
	log    *log.Helper

	mu      sync.Mutex
	items   []domain.MediaAsset
	index   map[string]int
	tracked map[string]*tracking
	slots   map[string]domain.DecoderSlot
	visible viewport.Set
	pass    int
}

func New(cache Cache, policy Admission, runner DecoderRunner, cfg Config, logger log.Logger) *Coordinator {
	if cfg.Lookahead < 0 {
		cfg.Lookahead = 0
	}
	if cfg.NearWindow < 0 {
		cfg.NearWindow = 0
	}
	if cfg.Columns <= 0 {
		cfg.Columns = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewToken == nil {
		cfg.NewToken = uuid.NewString
	}
	if logger == nil {
		logger = log.DefaultLogger
	}
	return &Coordinator{
		cache:   cache,
		policy:  policy,
		runner:  runner,
		cfg:     cfg,
		log:     log.NewHelper(log.With(logger, "module", "coordinator")),
		index:   make(map[string]int),
		tracked: make(map[string]*tracking),
		slots:   make(map[string]domain.DecoderSlot),
		visible: viewport.NewSet(),
	}
}

// SetItems 替换整个条目列表（例如重新搜索）并执行一次协调。
func (c *Coordinator) SetItems(items []domain.MediaAsset) []domain.RenderDirective {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = append([]domain.MediaAsset(nil), items...)
	c.reindexLocked()
	return c.passLocked()
}

// AppendItems 追加一页条目并执行一次协调。
func (c *Coordinator) AppendItems(items []domain.MediaAsset) []domain.RenderDirective {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = append(c.items, items...)
	c.reindexLocked()
	return c.passLocked()
}

func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// OnVisibilityChanged 在可见集合变化时执行一次协调。
func (c *Coordinator) OnVisibilityChanged(visible viewport.Set) []domain.RenderDirective {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.visible = visible
	return c.passLocked()
}

// Refresh 以最近一次的可见集合重新协调（预取完成、dwell 到期之后使用）。
func (c *Coordinator) Refresh() []domain.RenderDirective {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passLocked()
}

// ReportDecodeError 由视图层在解码失败时调用：名额立即同步回收，条目进入冷却。
func (c *Coordinator) ReportDecodeError(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.policy.ReportDecodeError(itemID)
	if _, ok := c.slots[itemID]; ok {
		c.revokeLocked(itemID)
	}
}

// Retry 对应用户点击重试：清除冷却，失效失败的档位，并立即协调一次。
func (c *Coordinator) Retry(itemID string) []domain.RenderDirective {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.policy.Retry(itemID)
	if i, ok := c.index[itemID]; ok {
		a := c.items[i]
		if ref := thumbnailRef(a); ref != "" && c.cache.Resolve(ref, domain.TierThumbnail) == domain.StateFailed {
			c.cache.Invalidate(ref)
		}
		if !a.IsVideo() && c.cache.Resolve(a.SourceRef, domain.TierFull) == domain.StateFailed {
			c.cache.Invalidate(a.SourceRef)
		}
	}
	return c.passLocked()
}

// Directive 即时计算单个条目的 RenderDirective（不读缓存的旧结果）。
func (c *Coordinator) Directive(itemID string) (domain.RenderDirective, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[itemID]
	if !ok {
		return domain.RenderDirective{}, false
	}
	return c.directiveLocked(c.items[i], i), true
}

// Slots 返回当前持有的解码名额（按准入时间、再按 ItemID 排序）。
func (c *Coordinator) Slots() []domain.DecoderSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotListLocked()
}

// Close 回收全部名额并释放全部缓存引用（页面卸载）。
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.slots {
		c.revokeLocked(id)
	}
	for id, tr := range c.tracked {
		c.untrackLocked(tr)
		delete(c.tracked, id)
	}
	c.visible = viewport.NewSet()
}

func (c *Coordinator) passLocked() []domain.RenderDirective {
	c.pass++
	c.policy.Advance()

	n := len(c.items)
	var visIdx []int
	for _, i := range c.visible.Indices() {
		if i < n {
			visIdx = append(visIdx, i)
		}
	}

	inWindow := make(map[string]bool)
	if len(visIdx) > 0 {
		minV, maxV := visIdx[0], visIdx[len(visIdx)-1]
		lo := minV - c.cfg.Lookahead
		if lo < 0 {
			lo = 0
		}
		hi := maxV + c.cfg.Lookahead
		if hi > n-1 {
			hi = n - 1
		}

		// 1) 预取窗口内的缩略图，越靠近可见区优先级越高。
		for i := lo; i <= hi; i++ {
			a := c.items[i]
			inWindow[a.ID] = true
			tr := c.trackLocked(a)
			ref := thumbnailRef(a)
			if ref == "" {
				continue
			}
			if !tr.thumbRetained {
				c.cache.Retain(ref, domain.TierThumbnail)
				tr.thumbRetained = true
			}
			c.cache.Prefetch(ref, domain.TierThumbnail, c.priorityFor(distance(i, minV, maxV)))
		}

		// 2) 可见图片预取原图。
		for _, i := range visIdx {
			a := c.items[i]
			if a.IsVideo() || a.SourceRef == "" {
				continue
			}
			tr := c.trackLocked(a)
			if !tr.fullRetained {
				c.cache.Retain(a.SourceRef, domain.TierFull)
				tr.fullRetained = true
			}
			c.cache.Prefetch(a.SourceRef, domain.TierFull, domain.PriorityNormal)
		}
	}
	c.cache.Flush()

	// 3) 解码准入：先回收，再准入，任何时刻不超过预算。
	var cands []admission.Candidate
	for _, i := range visIdx {
		a := c.items[i]
		if !a.IsVideo() {
			continue
		}
		cands = append(cands, admission.Candidate{ItemID: a.ID, Index: i, Row: i / c.cfg.Columns})
	}
	d := c.policy.Reconcile(cands, c.slotListLocked())
	for _, id := range d.ToRevoke {
		c.revokeLocked(id)
	}
	now := c.cfg.Now()
	for _, id := range d.ToAdmit {
		slot := domain.DecoderSlot{ItemID: id, Token: c.cfg.NewToken(), AcquiredAt: now}
		c.slots[id] = slot
		if c.runner != nil {
			c.runner.Activate(slot, c.cfg.Buffer)
		}
	}

	// 5) 离开可见区与预取窗口的条目释放两个档位；放在新的预取之后。
	for id, tr := range c.tracked {
		if inWindow[id] {
			continue
		}
		c.untrackLocked(tr)
		delete(c.tracked, id)
	}

	// 4) 为仍被跟踪的条目计算 RenderDirective。
	out := make([]domain.RenderDirective, 0, len(c.tracked))
	for id := range c.tracked {
		i, ok := c.index[id]
		if !ok {
			continue
		}
		out = append(out, c.directiveLocked(c.items[i], i))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	c.log.Debugw("msg", "coordination pass", "pass", c.pass, "visible", len(visIdx),
		"tracked", len(c.tracked), "slots", len(c.slots), "admit", d.ToAdmit, "revoke", d.ToRevoke)
	return out
}

func (c *Coordinator) directiveLocked(a domain.MediaAsset, idx int) domain.RenderDirective {
	d := domain.RenderDirective{ItemID: a.ID, Index: idx}

	thumb := domain.StateNotRequested
	if ref := thumbnailRef(a); ref != "" {
		thumb = c.cache.Resolve(ref, domain.TierThumbnail)
	}
	full := domain.StateNotRequested
	if !a.IsVideo() && a.SourceRef != "" {
		full = c.cache.Resolve(a.SourceRef, domain.TierFull)
	}

	switch {
	case full == domain.StateReady:
		d.DisplayTier = domain.DisplayFull
	case thumb == domain.StateReady:
		d.DisplayTier = domain.DisplayThumbnail
	default:
		d.DisplayTier = domain.DisplayNone
	}

	_, active := c.slots[a.ID]
	if active {
		d.Playback = domain.PlaybackActive
	}

	decodeErr := a.IsVideo() && c.policy.HasDecodeError(a.ID)
	if a.IsVideo() && !active {
		d.ShowPlayAffordance = c.cfg.TapToPlay || decodeErr
	}

	failed := thumb == domain.StateFailed || full == domain.StateFailed
	d.ShowErrorPlaceholder = decodeErr || (d.DisplayTier == domain.DisplayNone && failed)
	d.Loading = d.DisplayTier == domain.DisplayNone && !d.ShowErrorPlaceholder && !active
	return d
}

func (c *Coordinator) trackLocked(a domain.MediaAsset) *tracking {
	tr, ok := c.tracked[a.ID]
	if ok && (tr.asset.SourceRef != a.SourceRef || thumbnailRef(tr.asset) != thumbnailRef(a)) {
		// 同一 ID 换了资源地址：旧引用先释放。
		c.untrackLocked(tr)
		ok = false
	}
	if !ok {
		tr = &tracking{asset: a}
		c.tracked[a.ID] = tr
	}
	return tr
}

func (c *Coordinator) untrackLocked(tr *tracking) {
	if tr.thumbRetained {
		c.cache.Release(thumbnailRef(tr.asset), domain.TierThumbnail)
		tr.thumbRetained = false
	}
	if tr.fullRetained {
		c.cache.Release(tr.asset.SourceRef, domain.TierFull)
		tr.fullRetained = false
	}
}

func (c *Coordinator) revokeLocked(itemID string) {
	delete(c.slots, itemID)
	if c.runner != nil {
		c.runner.Deactivate(itemID)
	}
}

func (c *Coordinator) slotListLocked() []domain.DecoderSlot {
	out := make([]domain.DecoderSlot, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].AcquiredAt.Before(out[j].AcquiredAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

func (c *Coordinator) reindexLocked() {
	c.index = make(map[string]int, len(c.items))
	for i, a := range c.items {
		if _, dup := c.index[a.ID]; dup {
			continue
		}
		c.index[a.ID] = i
	}
}

func (c *Coordinator) priorityFor(dist int) domain.Priority {
	switch {
	case dist <= c.cfg.NearWindow:
		return domain.PriorityHigh
	case dist <= c.cfg.Lookahead/2:
		return domain.PriorityNormal
	default:
		return domain.PriorityLow
	}
}

func distance(i, minV, maxV int) int {
	switch {
	case i < minV:
		return minV - i
	case i > maxV:
		return i - maxV
	default:
		return 0
	}
}

// thumbnailRef：图片没有单独的缩略图地址时，用原图地址的缩略图档；视频只用封面。
func thumbnailRef(a domain.MediaAsset) string {
	if a.ThumbnailRef != "" {
		return a.ThumbnailRef
	}
	if a.IsVideo() {
		return ""
	}
	return a.SourceRef
}
