package simulate

import (
	"time"

	"github.com/John-Robertt/feedmedia/internal/config"
	"github.com/John-Robertt/feedmedia/internal/domain"
)

// Observer 用于把“模拟进度/阶段/每次协调结果”从核心执行流程中解耦出来。
//
// 约束：
// - simulate 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用（source、setup、scroll、drain）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnPageLoaded 在首屏之后每追加一页时调用。
	OnPageLoaded(page, added, total int, hasMore bool, dur time.Duration)
	// OnPassDone 在每一步滚动的协调完成后调用；total=0 表示步数未知（滚到底为止）。
	OnPassDone(idx, total int, res domain.PassResult, dur time.Duration)
	// OnProgress 用于 keepalive（通常由 CLI 自己 ticker 触发；simulate 层不调用）。
	OnProgress(done, total, active int, activeIDs []string, elapsed time.Duration)
}
