package domain

import "time"

// DecoderSlot 代表一个被准入的并发视频解码名额。
//
// 不变量：任意时刻持有的 DecoderSlot 数量 <= MaxConcurrentDecoders。
type DecoderSlot struct {
	ItemID     string
	Token      string // 每次准入唯一，便于把异步 teardown 与后续重新准入区分开
	AcquiredAt time.Time
}

// DisplayTier 是视图层应当绘制的保真度。
type DisplayTier int

const (
	DisplayNone DisplayTier = iota
	DisplayThumbnail
	DisplayFull
)

func (d DisplayTier) String() string {
	switch d {
	case DisplayNone:
		return "none"
	case DisplayThumbnail:
		return "thumbnail"
	case DisplayFull:
		return "full"
	default:
		return "unknown"
	}
}

type Playback int

const (
	PlaybackPaused Playback = iota
	PlaybackActive
)

func (p Playback) String() string {
	if p == PlaybackActive {
		return "active"
	}
	return "paused"
}

// RenderDirective 是协调器对单个条目的输出。
//
// 它是派生值：每次协调都从 CacheEntry + DecoderSlot + VisibilitySet 重新计算，从不作为事实来源保存。
type RenderDirective struct {
	ItemID string
	Index  int

	DisplayTier        DisplayTier
	Playback           Playback
	ShowPlayAffordance bool

	// ShowErrorPlaceholder：原图失败且没有可用缩略图，或视频解码失败。
	ShowErrorPlaceholder bool
	// Loading：还没有任何可绘制的层，且没有失败（视图层显示加载态）。
	Loading bool
}

// BufferConfig 是“激进内存模式”的解码缓冲配置。
// 只会随准入的槽位交给解码执行方，准入策略本身从不读取它。
type BufferConfig struct {
	MinBufferMs                      int `json:"min_buffer_ms" yaml:"min_ms"`
	MaxBufferMs                      int `json:"max_buffer_ms" yaml:"max_ms"`
	BufferForPlaybackMs              int `json:"buffer_for_playback_ms" yaml:"playback_ms"`
	BufferForPlaybackAfterRebufferMs int `json:"buffer_for_playback_after_rebuffer_ms" yaml:"rebuffer_ms"`
}

// AggressiveBufferConfig 对应移动端防 OOM 的默认值（1s/2s/0.5s/1s）。
func AggressiveBufferConfig() BufferConfig {
	return BufferConfig{
		MinBufferMs:                      1000,
		MaxBufferMs:                      2000,
		BufferForPlaybackMs:              500,
		BufferForPlaybackAfterRebufferMs: 1000,
	}
}
