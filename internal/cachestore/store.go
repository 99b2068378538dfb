// Package cachestore 实现两档（缩略图/原图）资源的去重、按优先级批量预取与缓存生命周期。
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

const (
	DefaultMaxEntries      = 256
	DefaultMaxBytes        = 64 << 20
	DefaultPrefetchTimeout = 10 * time.Second
)

var (
	// ErrPrefetchTimeout：批次在超时窗口内没有返回，批内条目全部记为 Failed。
	ErrPrefetchTimeout = errors.New("cachestore: 预取超时")
	// ErrNoResult：传输层返回了结果，但没有包含某条请求。
	ErrNoResult = errors.New("cachestore: 传输层未返回该请求的结果")
	ErrClosed   = errors.New("cachestore: 已关闭")
)

// Transport 是底层的批量预取原语（平台图片库 / 下载器）。
//
// Preload 对同一档位的一批请求只调用一次；返回的结果按 Ref 对应，缺失的请求视为失败。
// 实现必须尊重 ctx：超时后 Store 不再等待结果。
type Transport interface {
	Preload(ctx context.Context, tier domain.Tier, reqs []domain.PreloadRequest) []domain.PreloadResult
	Clear(ctx context.Context, scope domain.Scope) error
}

// Evicter 是可选能力：条目被淘汰时通知传输层丢弃内存中的副本。
type Evicter interface {
	Evict(ctx context.Context, tier domain.Tier, refs []string)
}

type Config struct {
	MaxEntries      int
	MaxBytes        int64
	PrefetchTimeout time.Duration

	// StrictInvariants=true 时，契约违例（refCount 小于 0）直接 panic；否则记录日志并钳制为 0。
	StrictInvariants bool

	Now func() time.Time

	// OnSettled 在预取完成（Ready/Failed）后于锁外调用；不得同步重入 Prefetch 之外的阻塞操作。
	OnSettled func(ref string, tier domain.Tier, state domain.EntryState)
}

// Stats 是 Store 的计数快照。
type Stats struct {
	Entries int
	Bytes   int64

	NotRequested int
	Prefetching  int
	Ready        int
	Failed       int

	Evictions int
	Discarded int
	Batches   int
}

type key struct {
	ref  string
	tier domain.Tier
}

type entry struct {
	key

	state     domain.EntryState
	priority  domain.Priority
	refCount  int
	bytes     int64
	lastErr   error
	updatedAt time.Time

	// reqID 标识当前这一次请求；完成回调只接受 reqID 一致的结果。
	reqID  uint64
	queued bool
	// orphaned：请求在途期间消费者已全部 release，结果到达时丢弃。
	orphaned bool

	seq   uint64 // 到达顺序（同优先级内 FIFO）
	epoch uint64 // 最近一次使用所在的 flush 轮次
	touch uint64 // 最近一次使用的全局序号
}

type ticket struct {
	key
	reqID    uint64
	priority domain.Priority
}

// Store 是 CacheStore。
//
// 所有状态迁移都在 mu 内完成（单写者）；Resolve 读的是每次迁移后发布到 states 的快照，不加锁。
type Store struct {
	transport Transport
	evicter   Evicter
	cfg       Config
	log       *log.Helper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	states sync.Map // key -> domain.EntryState

	mu       sync.Mutex
	entries  map[key]*entry
	queue    []*entry
	bytes    int64
	seq      uint64
	nextReq  uint64
	epoch    uint64
	touch    uint64
	inflight int
	idle     chan struct{}
	closed   bool

	evictions int
	discarded int
	batches   int
}

func New(t Transport, cfg Config, logger log.Logger) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.PrefetchTimeout <= 0 {
		cfg.PrefetchTimeout = DefaultPrefetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.DefaultLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Store{
		transport: t,
		cfg:       cfg,
		log:       log.NewHelper(log.With(logger, "module", "cachestore")),
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[key]*entry),
		idle:      idle,
	}
	if ev, ok := t.(Evicter); ok {
		s.evicter = ev
	}
	return s
}

// Prefetch 登记一次预取意图。
//
// - 条目不存在或处于 NotRequested：转为 Prefetching 并排队，等待下一次 Flush。
// - 已在 Prefetching：更高优先级会原地升级（尚未发出时会改变批内顺序）。
// - Ready/Failed：无操作；Failed 只有 Invalidate 之后才会重新请求。
func (s *Store) Prefetch(ref string, tier domain.Tier, pri domain.Priority) {
	if ref == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, created := s.getOrCreateLocked(ref, tier)
	switch e.state {
	case domain.StateNotRequested:
		s.nextReq++
		e.reqID = s.nextReq
		e.state = domain.StatePrefetching
		e.priority = pri
		e.orphaned = false
		e.lastErr = nil
		e.updatedAt = s.cfg.Now()
		e.queued = true
		s.queue = append(s.queue, e)
		s.publishLocked(e)
	case domain.StatePrefetching:
		e.orphaned = false
		if pri > e.priority {
			s.log.Debugw("msg", "prefetch priority upgraded", "ref", ref, "tier", tier.String(),
				"from", e.priority.String(), "to", pri.String(), "queued", e.queued)
			e.priority = pri
		}
	}
	var evicted map[domain.Tier][]string
	if created {
		evicted = s.evictLocked()
	}
	s.mu.Unlock()

	s.notifyEvicted(evicted)
}

// Resolve 同步读取 (ref, tier) 的当前状态；未知条目返回 NotRequested。可被视图层并发调用。
func (s *Store) Resolve(ref string, tier domain.Tier) domain.EntryState {
	v, ok := s.states.Load(key{ref: ref, tier: tier})
	if !ok {
		return domain.StateNotRequested
	}
	return v.(domain.EntryState)
}

// Entry 返回条目快照（含 refCount、字节数、失败原因）。
func (s *Store) Entry(ref string, tier domain.Tier) (domain.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{ref: ref, tier: tier}]
	if !ok {
		return domain.CacheEntry{}, false
	}
	return domain.CacheEntry{
		Ref:       e.ref,
		Tier:      e.tier,
		State:     e.state,
		Priority:  e.priority,
		RefCount:  e.refCount,
		Bytes:     e.bytes,
		LastError: e.lastErr,
		UpdatedAt: e.updatedAt,
	}, true
}

// Retain 为 (ref, tier) 增加一个在屏消费者；refCount>0 的条目不会被淘汰。
func (s *Store) Retain(ref string, tier domain.Tier) {
	if ref == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, created := s.getOrCreateLocked(ref, tier)
	e.refCount++
	e.orphaned = false
	s.touchLocked(e)
	var evicted map[domain.Tier][]string
	if created {
		evicted = s.evictLocked()
	}
	s.mu.Unlock()

	s.notifyEvicted(evicted)
}

// Release 减少一个消费者。refCount 归零后条目变为可淘汰，但只有在超出上限时才会真正淘汰。
func (s *Store) Release(ref string, tier domain.Tier) {
	if ref == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	k := key{ref: ref, tier: tier}
	e, ok := s.entries[k]
	if !ok || e.refCount <= 0 {
		s.mu.Unlock()
		if s.cfg.StrictInvariants {
			panic(fmt.Sprintf("cachestore: release 使 refCount 小于 0（ref=%s tier=%s）", ref, tier))
		}
		s.log.Warnw("msg", "release without retain", "ref", ref, "tier", tier.String())
		return
	}

	e.refCount--
	var evicted map[domain.Tier][]string
	if e.refCount == 0 {
		s.touchLocked(e)
		switch e.state {
		case domain.StatePrefetching:
			e.orphaned = true
		case domain.StateNotRequested:
			s.removeLocked(e)
		}
		evicted = s.evictLocked()
	}
	s.mu.Unlock()

	s.notifyEvicted(evicted)
}

// Invalidate 让 ref 的两个档位都回到 NotRequested，下一次 Prefetch 会重新请求。
// refCount 保持不变；在途请求的结果会被丢弃。
func (s *Store) Invalidate(ref string) {
	if ref == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tier := range []domain.Tier{domain.TierThumbnail, domain.TierFull} {
		e, ok := s.entries[key{ref: ref, tier: tier}]
		if !ok {
			continue
		}
		if e.refCount == 0 {
			s.removeLocked(e)
			continue
		}
		s.resetLocked(e)
	}
}

// Clear 调用传输层清理指定范围的缓存。ScopeAll 同时丢弃全部跟踪状态。
func (s *Store) Clear(ctx context.Context, scope domain.Scope) error {
	err := s.transport.Clear(ctx, scope)
	if err != nil {
		s.log.Errorw("msg", "transport clear failed", "scope", scope.String(), "err", err)
	}

	if scope == domain.ScopeAll {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.refCount == 0 {
				s.removeLocked(e)
				continue
			}
			s.resetLocked(e)
		}
		s.queue = nil
		s.mu.Unlock()
	}

	if err != nil {
		return fmt.Errorf("清理缓存（%s）失败：%w", scope, err)
	}
	return nil
}

// Flush 把排队中的请求按档位合并为批次发出：先缩略图、后原图；批内按优先级（高到低）再按到达顺序。
//
// 批次在后台执行；同一次 Flush 的两个批次串行发出。
func (s *Store) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.epoch++

	var byTier [2][]ticket
	var pending [2][]*entry
	for _, e := range s.queue {
		if !e.queued || e.state != domain.StatePrefetching {
			continue
		}
		e.queued = false
		pending[e.tier] = append(pending[e.tier], e)
	}
	s.queue = nil
	for tier := range pending {
		es := pending[tier]
		sort.SliceStable(es, func(i, j int) bool {
			if es[i].priority != es[j].priority {
				return es[i].priority > es[j].priority
			}
			return es[i].seq < es[j].seq
		})
		for _, e := range es {
			byTier[tier] = append(byTier[tier], ticket{key: e.key, reqID: e.reqID, priority: e.priority})
		}
	}
	if len(byTier[domain.TierThumbnail]) == 0 && len(byTier[domain.TierFull]) == 0 {
		s.mu.Unlock()
		return
	}

	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
	s.wg.Add(1)
	s.mu.Unlock()

	go s.dispatch(byTier)
}

// WaitIdle 阻塞直到没有在途批次（或 ctx 结束）。
func (s *Store) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch := s.idle
		busy := s.inflight > 0
		s.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close 取消在途批次并等待后台 goroutine 退出。之后的 Prefetch/Flush 都是无操作。
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Entries:   len(s.entries),
		Bytes:     s.bytes,
		Evictions: s.evictions,
		Discarded: s.discarded,
		Batches:   s.batches,
	}
	for _, e := range s.entries {
		switch e.state {
		case domain.StateNotRequested:
			st.NotRequested++
		case domain.StatePrefetching:
			st.Prefetching++
		case domain.StateReady:
			st.Ready++
		case domain.StateFailed:
			st.Failed++
		}
	}
	return st
}

func (s *Store) dispatch(byTier [2][]ticket) {
	defer s.wg.Done()
	defer s.finishBatch()

	for _, tier := range []domain.Tier{domain.TierThumbnail, domain.TierFull} {
		if len(byTier[tier]) == 0 {
			continue
		}
		s.runBatch(tier, byTier[tier])
	}
}

func (s *Store) runBatch(tier domain.Tier, tickets []ticket) {
	reqs := make([]domain.PreloadRequest, 0, len(tickets))
	for _, t := range tickets {
		reqs = append(reqs, domain.PreloadRequest{Ref: t.ref, Priority: t.priority})
	}

	s.mu.Lock()
	s.batches++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PrefetchTimeout)
	defer cancel()

	done := make(chan []domain.PreloadResult, 1)
	go func() {
		done <- s.transport.Preload(ctx, tier, reqs)
	}()

	var (
		results  []domain.PreloadResult
		batchErr error
	)
	select {
	case results = <-done:
	case <-ctx.Done():
		batchErr = ErrPrefetchTimeout
		if s.ctx.Err() != nil {
			batchErr = ErrClosed
		}
	}

	s.complete(tier, tickets, results, batchErr)
}

type settled struct {
	key
	state domain.EntryState
}

// complete 是完成回调的临界区：确认请求仍被需要，更新状态，然后按需淘汰。
func (s *Store) complete(tier domain.Tier, tickets []ticket, results []domain.PreloadResult, batchErr error) {
	byRef := make(map[string]domain.PreloadResult, len(results))
	for _, r := range results {
		if _, dup := byRef[r.Ref]; !dup {
			byRef[r.Ref] = r
		}
	}

	s.mu.Lock()
	now := s.cfg.Now()
	var done []settled
	for _, t := range tickets {
		e, ok := s.entries[t.key]
		if !ok || e.reqID != t.reqID || e.state != domain.StatePrefetching {
			continue
		}
		if e.orphaned && e.refCount == 0 {
			s.discarded++
			s.removeLocked(e)
			continue
		}

		err := batchErr
		var n int64
		if err == nil {
			r, found := byRef[t.ref]
			switch {
			case !found:
				err = ErrNoResult
			case r.Err != nil:
				err = r.Err
			default:
				n = r.Bytes
			}
		}

		e.updatedAt = now
		if err != nil {
			e.state = domain.StateFailed
			e.lastErr = err
			s.log.Warnw("msg", "prefetch failed", "ref", t.ref, "tier", tier.String(), "err", err)
		} else {
			e.state = domain.StateReady
			e.bytes = n
			s.bytes += n
		}
		s.touchLocked(e)
		s.publishLocked(e)
		done = append(done, settled{key: t.key, state: e.state})
	}
	evicted := s.evictLocked()
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	if s.cfg.OnSettled != nil {
		for _, d := range done {
			s.cfg.OnSettled(d.ref, d.tier, d.state)
		}
	}
}

func (s *Store) finishBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
}

func (s *Store) getOrCreateLocked(ref string, tier domain.Tier) (*entry, bool) {
	k := key{ref: ref, tier: tier}
	if e, ok := s.entries[k]; ok {
		return e, false
	}
	s.seq++
	e := &entry{key: k, seq: s.seq, updatedAt: s.cfg.Now()}
	s.entries[k] = e
	s.touchLocked(e)
	s.publishLocked(e)
	return e, true
}

func (s *Store) touchLocked(e *entry) {
	s.touch++
	e.touch = s.touch
	e.epoch = s.epoch
}

func (s *Store) publishLocked(e *entry) {
	s.states.Store(e.key, e.state)
}

func (s *Store) resetLocked(e *entry) {
	if e.state == domain.StateReady {
		s.bytes -= e.bytes
	}
	e.state = domain.StateNotRequested
	e.reqID = 0
	e.queued = false
	e.orphaned = false
	e.bytes = 0
	e.lastErr = nil
	e.updatedAt = s.cfg.Now()
	s.publishLocked(e)
}

func (s *Store) removeLocked(e *entry) {
	if e.state == domain.StateReady {
		s.bytes -= e.bytes
	}
	e.queued = false
	e.reqID = 0
	delete(s.entries, e.key)
	s.states.Delete(e.key)
}

// evictLocked 在超出条目数或字节上限时淘汰 refCount==0 且不在途的条目。
//
// 顺序：最近使用轮次更早的先走；同一轮次内缩略图先于原图（重取缩略图更便宜）；再按使用顺序。
func (s *Store) evictLocked() map[domain.Tier][]string {
	over := func() bool {
		return len(s.entries) > s.cfg.MaxEntries || s.bytes > s.cfg.MaxBytes
	}
	if !over() {
		return nil
	}

	var cands []*entry
	for _, e := range s.entries {
		if e.refCount == 0 && e.state != domain.StatePrefetching {
			cands = append(cands, e)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.epoch != b.epoch {
			return a.epoch < b.epoch
		}
		if a.tier != b.tier {
			return a.tier == domain.TierThumbnail
		}
		return a.touch < b.touch
	})

	var evicted map[domain.Tier][]string
	for _, e := range cands {
		if !over() {
			break
		}
		s.removeLocked(e)
		s.evictions++
		if e.state == domain.StateReady {
			if evicted == nil {
				evicted = make(map[domain.Tier][]string, 2)
			}
			evicted[e.tier] = append(evicted[e.tier], e.ref)
		}
		s.log.Debugw("msg", "evicted", "ref", e.ref, "tier", e.tier.String(), "state", e.state.String())
	}
	return evicted
}

func (s *Store) notifyEvicted(evicted map[domain.Tier][]string) {
	if s.evicter == nil || len(evicted) == 0 {
		return
	}
	for _, tier := range []domain.Tier{domain.TierThumbnail, domain.TierFull} {
		if refs := evicted[tier]; len(refs) > 0 {
			s.evicter.Evict(s.ctx, tier, refs)
		}
	}
}
