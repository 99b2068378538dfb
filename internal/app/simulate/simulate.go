// Package simulate 用脚本化的滚动驱动整个协调核心：
// ViewportTracker -> MediaCoordinator -> (CacheStore, PlaybackAdmissionPolicy)，
// 并把每一步的可观测状态写进 SimulationReport。
package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"github.com/John-Robertt/feedmedia/internal/admission"
	"github.com/John-Robertt/feedmedia/internal/cachestore"
	"github.com/John-Robertt/feedmedia/internal/config"
	"github.com/John-Robertt/feedmedia/internal/coordinator"
	"github.com/John-Robertt/feedmedia/internal/domain"
	"github.com/John-Robertt/feedmedia/internal/infra/diskcache"
	"github.com/John-Robertt/feedmedia/internal/infra/fsx"
	"github.com/John-Robertt/feedmedia/internal/infra/httpx"
	"github.com/John-Robertt/feedmedia/internal/infra/preload"
	"github.com/John-Robertt/feedmedia/internal/source"
	"github.com/John-Robertt/feedmedia/internal/viewport"
)

const (
	// EndReachedThreshold：最深的可见下标越过已加载条目的该比例时加载下一页。
	EndReachedThreshold = 0.8
	// StepInterval 是相邻两步滚动之间的虚拟时间。
	StepInterval = 250 * time.Millisecond
	// PartialVisiblePercent 是视口下方露出半截的那一行的可见比例（低于默认阈值）。
	PartialVisiblePercent = 25

	maxAutoSteps = 10000

	syntheticThumbBytes = 24 << 10
	syntheticFullBytes  = 320 << 10
)

// Execute 执行一次模拟（dry-run/apply），并返回对外稳定的 SimulationReport。
// 失败尽量降级为 report.errors 中的条目，而不是中断整个模拟。
func Execute(ctx context.Context, eff config.EffectiveConfig, reg source.Registry, logger log.Logger) domain.SimulationReport {
	return ExecuteWithObserver(ctx, eff, reg, nil, logger)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, reg source.Registry, obs Observer, logger log.Logger) domain.SimulationReport {
	if logger == nil {
		logger = log.DefaultLogger
	}
	started := time.Now().UTC()
	if obs != nil {
		obs.OnStart(eff)
	}

	sim := &simulation{
		eff:    eff,
		obs:    obs,
		logger: logger,
		log:    log.NewHelper(log.With(logger, "module", "simulate")),
		clock:  newVirtualClock(started),
		refs:   make(map[string][]string),
		seen:   make(map[string]struct{}),
		assets: make(map[string]domain.MediaAsset),
		rr: domain.SimulationReport{
			RunID:     uuid.NewString(),
			Path:      eff.Path,
			Source:    eff.Source,
			DryRun:    !eff.Apply,
			StartedAt: started,
		},
	}
	sim.run(ctx, reg)

	sim.rr.FinishedAt = time.Now().UTC()
	sim.rr.Finalize()
	return sim.rr
}

type simulation struct {
	eff    config.EffectiveConfig
	obs    Observer
	logger log.Logger
	log    *log.Helper
	clock  *virtualClock

	src     source.Source
	cache   *cachestore.Store
	policy  *admission.Policy
	coord   *coordinator.Coordinator
	tracker *viewport.Tracker
	runner  *decoderRunner
	disk    *diskcache.Store

	items     []domain.MediaAsset
	assets    map[string]domain.MediaAsset
	refs      map[string][]string // ref -> item IDs
	nextToken string
	hasMore   bool
	pages     int
	pageFail  bool

	settledMu sync.Mutex
	settled   []settledFailure

	seen       map[string]struct{} // 已记录的错误（去重）
	last       []domain.RenderDirective
	prevSlots  map[string]string
	passes     int
	rr         domain.SimulationReport
	stepsTotal int
}

type settledFailure struct {
	ref  string
	tier domain.Tier
}

func (s *simulation) run(ctx context.Context, reg source.Registry) {
	src, ok := reg.Get(s.eff.Source)
	if !ok {
		s.addError("", "", domain.ErrCodeConfigInvalid, fmt.Sprintf("source 未注册：%q", s.eff.Source))
		return
	}
	s.src = src

	if err := s.setup(ctx); err != nil {
		s.addError("", "", domain.ErrCodeConfigInvalid, err.Error())
		return
	}
	defer s.teardown()

	if s.eff.ClearOnStart != "" {
		scope := parseScope(s.eff.ClearOnStart)
		if err := s.cache.Clear(ctx, scope); err != nil {
			s.log.Errorw("msg", "clear cache failed", "scope", scope.String(), "err", err)
		}
	}

	loadStarted := time.Now()
	var first domain.Page
	var err error
	if s.eff.Query != "" {
		var items []domain.MediaAsset
		items, err = source.Search(ctx, s.src, s.eff.Query)
		first = domain.Page{Items: items}
	} else {
		first, err = source.GetPage(ctx, s.src, "")
	}
	if err != nil {
		s.addError("", "", domain.ErrCodeDataUnavailable, err.Error())
		return
	}
	s.pages = 1
	s.hasMore = first.HasMore
	s.nextToken = first.NextToken
	s.addItems(first.Items)
	if s.obs != nil {
		s.obs.OnPhaseDone("source", map[string]any{
			"items":    len(first.Items),
			"has_more": s.hasMore,
		}, time.Since(loadStarted))
	}

	// 首屏：条目到位后先用初始可见集合（{0,1}）协调一次。
	s.coord.SetItems(s.items)
	s.last = s.coord.OnVisibilityChanged(s.tracker.Snapshot())

	s.stepsTotal = s.eff.Steps
	if s.obs != nil {
		s.obs.OnPhaseDone("scroll", map[string]any{
			"steps":   s.stepsTotal,
			"items":   len(s.items),
			"columns": s.eff.Columns,
			"size":    s.eff.ViewportSize,
		}, 0)
	}

	s.scroll(ctx)

	drainStarted := time.Now()
	s.coord.Close()
	if err := s.cache.WaitIdle(ctx); err != nil {
		s.log.Warnw("msg", "wait idle interrupted", "err", err)
	}
	s.collectPrefetchFailures()

	st := s.cache.Stats()
	s.rr.Summary.Items = len(s.items)
	s.rr.Summary.PagesLoaded = s.pages
	s.rr.Summary.CacheReady = st.Ready
	s.rr.Summary.CacheFailed = st.Failed
	s.rr.Summary.Evictions = st.Evictions
	if s.obs != nil {
		s.obs.OnPhaseDone("drain", map[string]any{
			"ready":     st.Ready,
			"failed":    st.Failed,
			"evictions": st.Evictions,
			"batches":   st.Batches,
		}, time.Since(drainStarted))
	}
}

func (s *simulation) setup(ctx context.Context) error {
	var transport cachestore.Transport = syntheticTransport{thumbBytes: syntheticThumbBytes, fullBytes: syntheticFullBytes}
	var probe func(string) error
	mode := "synthetic"

	if s.eff.Apply {
		client, err := newAssetClient(s.eff)
		if err != nil {
			return err
		}
		disk, err := diskcache.Open(ctx, filepath.Join(s.eff.Path, "cache"), diskcache.Options{
			MemoryTTL: s.eff.MemoryTTL,
		})
		if err != nil {
			return fmt.Errorf("打开缓存目录失败：%w", err)
		}
		p, err := preload.New(disk, preload.Options{
			Concurrency: s.eff.Concurrency,
			HTTPClient:  client,
			S3: preload.S3Config{
				Endpoint:  s.eff.S3.Endpoint,
				AccessKey: s.eff.S3.AccessKey,
				SecretKey: s.eff.S3.SecretKey,
				UseSSL:    s.eff.S3.UseSSL,
			},
			BaseDir: s.eff.Path,
		}, s.logger)
		if err != nil {
			_ = disk.Close()
			return err
		}
		s.disk = disk
		transport = p
		probe = probeLocal(s.eff.Path)
		mode = "preload"
	}

	setupStarted := time.Now()
	s.cache = cachestore.New(transport, cachestore.Config{
		MaxEntries:      s.eff.MaxEntries,
		MaxBytes:        s.eff.MaxBytes,
		PrefetchTimeout: s.eff.PrefetchTimeout,
		Now:             s.clock.Now,
		OnSettled:       s.onSettled,
	}, s.logger)
	s.policy = admission.New(admission.Config{
		MaxConcurrentDecoders: s.eff.MaxDecoders,
		RevokeGrace:           s.eff.RevokeGrace,
		Cooldown:              s.eff.Cooldown,
		Now:                   s.clock.Now,
	}, s.logger)
	s.runner = newDecoderRunner(s.refOf, probe, s.logger)
	s.coord = coordinator.New(s.cache, s.policy, s.runner, coordinator.Config{
		Lookahead:  s.eff.Lookahead,
		NearWindow: s.eff.NearWindow,
		Columns:    s.eff.Columns,
		TapToPlay:  s.eff.TapToPlay,
		Buffer:     s.eff.Buffer,
		Now:        s.clock.Now,
	}, s.logger)
	s.tracker = viewport.New(viewport.Config{
		ThresholdPercent: float64(s.eff.ThresholdPercent),
		MinDwell:         s.eff.MinDwell,
		InitialVisible:   []int{0, 1},
		Now:              s.clock.Now,
	})
	s.prevSlots = map[string]string{}

	if s.obs != nil {
		s.obs.OnPhaseDone("setup", map[string]any{
			"transport":    mode,
			"max_decoders": s.policy.MaxConcurrentDecoders(),
			"lookahead":    s.eff.Lookahead,
			"max_entries":  s.eff.MaxEntries,
		}, time.Since(setupStarted))
	}
	return nil
}

func (s *simulation) teardown() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.disk != nil {
		if err := s.disk.Close(); err != nil {
			s.log.Errorw("msg", "close disk cache failed", "err", err)
		}
	}
}

func newAssetClient(eff config.EffectiveConfig) (*http.Client, error) {
	c, err := httpx.NewAssetClient(eff.ProxyURL, eff.ImageProxy)
	if err != nil {
		return nil, fmt.Errorf("初始化资源下载 client 失败：%w", err)
	}
	return c, nil
}

// scroll 每一步把视口下移一行：上报 -> 等 dwell 提交 -> 等预取落定 -> 记录 -> 视情况加载下一页。
func (s *simulation) scroll(ctx context.Context) {
	size := s.eff.ViewportSize
	cols := s.eff.Columns
	if size < 1 {
		size = 1
	}
	if cols < 1 {
		cols = 1
	}

	limit := s.stepsTotal
	if limit <= 0 {
		limit = maxAutoSteps
	}

	for step := 0; step < limit; step++ {
		if ctx.Err() != nil {
			return
		}
		stepStarted := time.Now()
		top := step * cols

		// 视口越过已加载的末尾：先补页（对应列表滚到底时的 onEndReached）。
		for top+size > len(s.items) && s.canLoadMore() {
			s.loadMore(ctx)
		}
		if top >= len(s.items) {
			return
		}

		if step > 0 {
			s.clock.Advance(StepInterval)
		}
		changed := s.tracker.ReportViewableItems(s.tokens(top, size, cols))
		s.commitVisibility(changed)

		for _, f := range s.runner.drainFailures() {
			s.coord.ReportDecodeError(f.itemID)
			s.addError(f.itemID, f.ref, domain.ErrCodeDecodeFailed, f.err.Error())
		}

		if err := s.cache.WaitIdle(ctx); err != nil {
			return
		}
		s.collectPrefetchFailures()

		res := s.snapshot()
		s.rr.Passes = append(s.rr.Passes, res)
		if s.obs != nil {
			s.obs.OnPassDone(len(s.rr.Passes), s.stepsTotal, res, time.Since(stepStarted))
		}

		if _, hi, ok := s.tracker.Snapshot().Bounds(); ok && s.canLoadMore() &&
			float64(hi+1) >= EndReachedThreshold*float64(len(s.items)) {
			s.loadMore(ctx)
		}

		if top+size >= len(s.items) && !s.canLoadMore() {
			return
		}
	}
}

// commitVisibility 推进虚拟时间直到当前上报的候选都驻留足够久，每次提交都触发一次协调。
func (s *simulation) commitVisibility(changed bool) {
	if changed {
		s.last = s.coord.OnVisibilityChanged(s.tracker.Snapshot())
	}
	for {
		deadline, ok := s.tracker.NextDwellDeadline()
		if !ok {
			return
		}
		s.clock.AdvanceTo(deadline)
		if s.tracker.Refresh() {
			s.last = s.coord.OnVisibilityChanged(s.tracker.Snapshot())
		}
	}
}

// tokens 生成一次上报：[top, top+size) 完整可见，下一行只露出一小截。
func (s *simulation) tokens(top, size, cols int) []viewport.ViewToken {
	out := make([]viewport.ViewToken, 0, size+cols)
	for i := top; i < top+size && i < len(s.items); i++ {
		out = append(out, viewport.ViewToken{Index: i, IsViewable: true, VisiblePercent: 100})
	}
	for i := top + size; i < top+size+cols && i < len(s.items); i++ {
		out = append(out, viewport.ViewToken{Index: i, IsViewable: true, VisiblePercent: PartialVisiblePercent})
	}
	return out
}

func (s *simulation) canLoadMore() bool {
	return s.hasMore && !s.pageFail && s.eff.Query == ""
}

// loadMore 加载下一页；失败时记录 data_unavailable 并停止分页，已加载的 feed 保持不变。
func (s *simulation) loadMore(ctx context.Context) {
	started := time.Now()
	p, err := source.GetPage(ctx, s.src, s.nextToken)
	if err != nil {
		s.pageFail = true
		s.addError("", s.nextToken, domain.ErrCodeDataUnavailable, err.Error())
		return
	}
	s.pages++
	s.hasMore = p.HasMore
	s.nextToken = p.NextToken
	added := s.addItems(p.Items)
	if len(added) == 0 && s.hasMore {
		// 空页却声称还有下一页：按到底处理，避免无限翻页。
		s.log.Warnw("msg", "empty page with has_more, stop paging", "page", s.pages)
		s.hasMore = false
	}
	s.last = s.coord.AppendItems(added)
	if s.obs != nil {
		s.obs.OnPageLoaded(s.pages, len(added), len(s.items), s.hasMore, time.Since(started))
	}
}

// addItems 追加条目并返回真正新增的部分（跨页重复的 ID 只保留第一次出现）。
func (s *simulation) addItems(items []domain.MediaAsset) []domain.MediaAsset {
	added := make([]domain.MediaAsset, 0, len(items))
	for _, a := range items {
		if _, dup := s.assets[a.ID]; dup {
			s.log.Warnw("msg", "duplicate item id dropped", "item", a.ID)
			continue
		}
		s.assets[a.ID] = a
		s.items = append(s.items, a)
		added = append(added, a)
		s.refs[a.SourceRef] = append(s.refs[a.SourceRef], a.ID)
		if a.ThumbnailRef != "" && a.ThumbnailRef != a.SourceRef {
			s.refs[a.ThumbnailRef] = append(s.refs[a.ThumbnailRef], a.ID)
		}
	}
	return added
}

func (s *simulation) refOf(itemID string) string {
	return s.assets[itemID].SourceRef
}

// onSettled 在 CacheStore 的批次 goroutine 上调用；只排队，不碰协调器。
func (s *simulation) onSettled(ref string, tier domain.Tier, state domain.EntryState) {
	if state != domain.StateFailed {
		return
	}
	s.settledMu.Lock()
	s.settled = append(s.settled, settledFailure{ref: ref, tier: tier})
	s.settledMu.Unlock()
}

func (s *simulation) collectPrefetchFailures() {
	s.settledMu.Lock()
	failed := s.settled
	s.settled = nil
	s.settledMu.Unlock()

	for _, f := range failed {
		msg := fmt.Sprintf("%s 预取失败", f.tier)
		if e, ok := s.cache.Entry(f.ref, f.tier); ok && e.LastError != nil {
			msg = fmt.Sprintf("%s 预取失败：%v", f.tier, e.LastError)
			if errors.Is(e.LastError, cachestore.ErrPrefetchTimeout) {
				msg = fmt.Sprintf("%s 预取超时", f.tier)
			}
		}
		ids := s.refs[f.ref]
		if len(ids) == 0 {
			s.addError("", f.ref, domain.ErrCodePrefetchFailed, msg)
			continue
		}
		for _, id := range ids {
			s.addError(id, f.ref, domain.ErrCodePrefetchFailed, msg)
		}
	}
}

// addError 按 (item, ref, code) 去重：冷却期结束后同一条目可能再次失败。
func (s *simulation) addError(itemID, ref, code, msg string) {
	k := itemID + "\x00" + ref + "\x00" + code
	if _, ok := s.seen[k]; ok {
		return
	}
	s.seen[k] = struct{}{}
	s.rr.Errors = append(s.rr.Errors, domain.ItemError{ItemID: itemID, Ref: ref, ErrorCode: code, ErrorMsg: msg})
	s.log.Warnw("msg", "simulation error", "item", itemID, "ref", ref, "error_code", code, "err", msg)
}

// snapshot 记录当前一步的可观测状态。指令逐条即时重算，反映本步预取落定后的结果。
func (s *simulation) snapshot() domain.PassResult {
	s.passes++
	res := domain.PassResult{
		Pass:           s.passes,
		Visible:        s.tracker.VisibleIndices(),
		ActiveDecoders: []string{},
		Admitted:       []string{},
		Revoked:        []string{},
	}

	now := map[string]string{}
	for _, slot := range s.coord.Slots() {
		now[slot.ItemID] = slot.Token
		res.ActiveDecoders = append(res.ActiveDecoders, slot.ItemID)
		if tok, ok := s.prevSlots[slot.ItemID]; !ok || tok != slot.Token {
			res.Admitted = append(res.Admitted, slot.ItemID)
		}
	}
	for id, tok := range s.prevSlots {
		if cur, ok := now[id]; !ok || cur != tok {
			res.Revoked = append(res.Revoked, id)
		}
	}
	s.prevSlots = now
	sort.Strings(res.ActiveDecoders)
	sort.Strings(res.Admitted)
	sort.Strings(res.Revoked)

	for _, d := range s.last {
		cur, ok := s.coord.Directive(d.ItemID)
		if !ok {
			continue
		}
		switch cur.DisplayTier {
		case domain.DisplayFull:
			res.DisplayFull++
		case domain.DisplayThumbnail:
			res.DisplayThumbnail++
		default:
			res.DisplayNone++
		}
		if cur.ShowErrorPlaceholder {
			res.ErrorPlaceholder++
		}
	}

	st := s.cache.Stats()
	res.CacheEntries = st.Entries
	res.CacheBytes = st.Bytes
	return res
}

func parseScope(s string) domain.Scope {
	switch s {
	case "memory":
		return domain.ScopeMemory
	case "disk":
		return domain.ScopeDisk
	default:
		return domain.ScopeAll
	}
}

// WriteReport 把报告原子写入 <root>/cache/report.json（仅 apply 模式调用）。
func WriteReport(root string, rr domain.SimulationReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Join(root, "cache"), "report.json", b)
}
