// Package admission 决定哪些可见视频可以占用有限的解码器名额。
package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

const (
	DefaultMaxConcurrentDecoders = 3
	MaxDecodersCeiling           = 6
	DefaultRevokeGrace           = 1
	DefaultCooldown              = 5 * time.Second
)

type Config struct {
	MaxConcurrentDecoders int
	// RevokeGrace：已持有名额的可见条目掉出前 N 名后，保留多少个协调轮次才回收。0 表示立即回收。
	RevokeGrace int
	Cooldown    time.Duration
	Now         func() time.Time
}

// Candidate 是一个可见的视频条目。Row 是它在网格中的行号（滚动顺序）。
type Candidate struct {
	ItemID string
	Index  int
	Row    int
}

type Decision struct {
	ToAdmit  []string
	ToRevoke []string
}

func (d Decision) Empty() bool { return len(d.ToAdmit) == 0 && len(d.ToRevoke) == 0 }

// Policy 是 PlaybackAdmissionPolicy。
//
// Reconcile 在同一轮次内是幂等的：把上一次的决策应用到 current 之后再调用一次，得到空决策。
type Policy struct {
	cfg Config
	log *log.Helper

	mu   sync.Mutex
	pass uint64
	// offRankSince：持有名额但不在前 N 名的条目 -> 首次掉出的轮次。
	offRankSince  map[string]uint64
	cooldownUntil map[string]time.Time
	decodeErr     map[string]bool
}

func New(cfg Config, logger log.Logger) *Policy {
	if cfg.MaxConcurrentDecoders <= 0 {
		cfg.MaxConcurrentDecoders = DefaultMaxConcurrentDecoders
	}
	if cfg.MaxConcurrentDecoders > MaxDecodersCeiling {
		cfg.MaxConcurrentDecoders = MaxDecodersCeiling
	}
	if cfg.RevokeGrace < 0 {
		cfg.RevokeGrace = 0
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.DefaultLogger
	}
	return &Policy{
		cfg:           cfg,
		log:           log.NewHelper(log.With(logger, "module", "admission")),
		offRankSince:  make(map[string]uint64),
		cooldownUntil: make(map[string]time.Time),
		decodeErr:     make(map[string]bool),
	}
}

func (p *Policy) MaxConcurrentDecoders() int { return p.cfg.MaxConcurrentDecoders }

// Advance 标记进入新的协调轮次；回收去抖按轮次计数。
func (p *Policy) Advance() {
	p.mu.Lock()
	p.pass++
	p.mu.Unlock()
}

// Reconcile 根据可见视频与当前持有的名额给出准入/回收决策。
//
// 排名：行号越靠上越优先，同行按下标升序。不可见或处于冷却期的持有者立即回收；
// 可见但掉出前 N 名的持有者在去抖窗口内保留，并占用预算，因此准入只填补剩余名额。
func (p *Policy) Reconcile(visible []Candidate, current []domain.DecoderSlot) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	limit := p.cfg.MaxConcurrentDecoders

	seen := make(map[string]bool, len(visible))
	ranked := make([]Candidate, 0, len(visible))
	for _, c := range visible {
		if c.ItemID == "" || seen[c.ItemID] {
			continue
		}
		seen[c.ItemID] = true
		if p.inCooldownLocked(c.ItemID, now) {
			continue
		}
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Row != ranked[j].Row {
			return ranked[i].Row < ranked[j].Row
		}
		return ranked[i].Index < ranked[j].Index
	})

	rank := make(map[string]int, len(ranked))
	for i, c := range ranked {
		rank[c.ItemID] = i
	}

	held := make(map[string]bool, len(current))
	var kept []string
	var d Decision
	for _, slot := range current {
		id := slot.ItemID
		if id == "" || held[id] {
			continue
		}
		held[id] = true

		r, ok := rank[id]
		switch {
		case !ok:
			// 不可见、已出列或处于冷却期。
			delete(p.offRankSince, id)
			d.ToRevoke = append(d.ToRevoke, id)
		case r < limit:
			delete(p.offRankSince, id)
			kept = append(kept, id)
		default:
			since, marked := p.offRankSince[id]
			if !marked {
				since = p.pass
				p.offRankSince[id] = since
			}
			if p.pass-since >= uint64(p.cfg.RevokeGrace) {
				delete(p.offRankSince, id)
				d.ToRevoke = append(d.ToRevoke, id)
				continue
			}
			kept = append(kept, id)
		}
	}

	// 正常情况下 kept 不会超过预算；外部传入超额名额时按排名回收尾部。
	if len(kept) > limit {
		sort.SliceStable(kept, func(i, j int) bool { return rank[kept[i]] < rank[kept[j]] })
		d.ToRevoke = append(d.ToRevoke, kept[limit:]...)
		for _, id := range kept[limit:] {
			delete(p.offRankSince, id)
		}
		kept = kept[:limit]
	}

	budget := limit - len(kept)
	for i := 0; i < len(ranked) && i < limit && budget > 0; i++ {
		id := ranked[i].ItemID
		if held[id] {
			continue
		}
		d.ToAdmit = append(d.ToAdmit, id)
		delete(p.decodeErr, id)
		budget--
	}

	for id := range p.offRankSince {
		if !held[id] {
			delete(p.offRankSince, id)
		}
	}

	sort.Strings(d.ToRevoke)
	if !d.Empty() {
		p.log.Debugw("msg", "admission decision", "pass", p.pass, "admit", d.ToAdmit, "revoke", d.ToRevoke)
	}
	return d
}

// ReportDecodeError 记录解码失败：条目进入冷却期（期间不会被准入），并带上错误标记。
// 名额的回收由调用方同步完成。
func (p *Policy) ReportDecodeError(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldownUntil[itemID] = p.cfg.Now().Add(p.cfg.Cooldown)
	p.decodeErr[itemID] = true
	delete(p.offRankSince, itemID)
	p.log.Warnw("msg", "decode failed, cooling down", "item", itemID, "cooldown", p.cfg.Cooldown.String())
}

// Retry 清除冷却与错误标记（用户点了重试）；下一轮协调即可重新准入。
func (p *Policy) Retry(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cooldownUntil, itemID)
	delete(p.decodeErr, itemID)
}

func (p *Policy) InCooldown(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inCooldownLocked(itemID, p.cfg.Now())
}

func (p *Policy) HasDecodeError(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decodeErr[itemID]
}

func (p *Policy) inCooldownLocked(itemID string, now time.Time) bool {
	until, ok := p.cooldownUntil[itemID]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(p.cooldownUntil, itemID)
		return false
	}
	return true
}
