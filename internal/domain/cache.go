package domain

import "time"

// Tier 是图片资源的两档保真度。缩略图更小、更快，优先于原图。
type Tier int

const (
	TierThumbnail Tier = iota
	TierFull
)

func (t Tier) String() string {
	switch t {
	case TierThumbnail:
		return "thumbnail"
	case TierFull:
		return "full"
	default:
		return "unknown"
	}
}

// EntryState 是某个 (ref, tier) 的预取状态。
// Ready/Failed 对单次请求是终态，只有显式 invalidate 之后才会重新请求。
type EntryState int

const (
	StateNotRequested EntryState = iota
	StatePrefetching
	StateReady
	StateFailed
)

func (s EntryState) String() string {
	switch s {
	case StateNotRequested:
		return "not_requested"
	case StatePrefetching:
		return "prefetching"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Priority 有序：数值越大越优先。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Scope 指定 clear 的范围。
type Scope int

const (
	ScopeMemory Scope = iota
	ScopeDisk
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeMemory:
		return "memory"
	case ScopeDisk:
		return "disk"
	case ScopeAll:
		return "all"
	default:
		return "unknown"
	}
}

// CacheEntry 是 CacheStore 内某个 (ref, tier) 的只读快照。
type CacheEntry struct {
	Ref      string
	Tier     Tier
	State    EntryState
	Priority Priority
	RefCount int
	Bytes    int64

	// LastError 仅在 State==Failed 时有值（用于日志与报告，不参与决策）。
	LastError error
	// UpdatedAt 是最近一次状态迁移的时间。
	UpdatedAt time.Time
}

// PreloadRequest 是交给底层批量预取原语的一条请求。
type PreloadRequest struct {
	Ref      string
	Priority Priority
}

// PreloadResult 是一条请求的完成结果；Err 非空表示失败。
type PreloadResult struct {
	Ref   string
	Bytes int64
	Err   error
}
