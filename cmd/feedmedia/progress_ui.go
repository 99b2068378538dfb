package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/John-Robertt/feedmedia/internal/app/simulate"
	"github.com/John-Robertt/feedmedia/internal/config"
	"github.com/John-Robertt/feedmedia/internal/domain"
)

var _ simulate.Observer = (*progressUI)(nil)

// progressUI 是交互终端的进度输出。
//
// 约束：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：simulate 层只发事件，CLI 决定如何展示
// - keepalive：长时间没有新的协调结果时定期输出一行
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	total     int
	done      int
	active    []string
	revokes   int
	errPlaces int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	mode := "dry-run"
	modeHint := " (合成传输，不落盘)"
	if eff.Apply {
		mode = "apply"
		modeHint = ""
	}

	fmt.Fprintf(p.w, "[%s] feedmedia simulate (%s)\n", now.Format("15:04:05"), mode)
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  path: %s\n", eff.Path)
	fmt.Fprintf(p.w, "  mode: %s%s\n", mode, modeHint)
	fmt.Fprintf(p.w, "  source: %s\n", eff.Source)
	if strings.TrimSpace(eff.FeedURL) != "" {
		fmt.Fprintf(p.w, "  feed_url: %s\n", truncate(eff.FeedURL, 120))
	}
	if strings.TrimSpace(eff.Query) != "" {
		fmt.Fprintf(p.w, "  query: %s\n", truncate(eff.Query, 60))
	}
	fmt.Fprintf(p.w, "  concurrency: %d\n", eff.Concurrency)
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	fmt.Fprintf(p.w, "  image_proxy: %s\n", onOff(eff.ImageProxy))
	if eff.Source == "localdir" {
		fmt.Fprintf(p.w, "  exclude_dirs: %s + 固定排除 cache/\n", formatStringListJSON(eff.ExcludeDirs))
	}
	fmt.Fprintf(p.w, "  viewport: size=%d columns=%d threshold=%d%% min_dwell=%s\n",
		eff.ViewportSize, eff.Columns, eff.ThresholdPercent, eff.MinDwell)
	fmt.Fprintf(p.w, "  prefetch: lookahead=%d near_window=%d max_entries=%d max_bytes=%d\n",
		eff.Lookahead, eff.NearWindow, eff.MaxEntries, eff.MaxBytes)
	fmt.Fprintf(p.w, "  playback: max_decoders=%d cooldown=%s revoke_grace=%d tap_to_play=%s\n",
		eff.MaxDecoders, eff.Cooldown, eff.RevokeGrace, onOff(eff.TapToPlay))

	if eff.Apply {
		fmt.Fprintln(p.w, "输出:")
		fmt.Fprintf(p.w, "  cache: %s\n", filepath.Join(eff.Path, "cache"))
		fmt.Fprintf(p.w, "  report: %s\n", filepath.Join(eff.Path, "cache", "report.json"))
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "setup":
		fmt.Fprintf(p.w, "准备: transport=%s max_decoders=%d lookahead=%d max_entries=%d (%s)\n",
			stringField(fields, "transport"),
			intField(fields, "max_decoders"),
			intField(fields, "lookahead"),
			intField(fields, "max_entries"),
			formatShortDuration(dur),
		)
	case "source":
		fmt.Fprintf(p.w, "首屏: items=%d has_more=%s (%s)\n",
			intField(fields, "items"), onOff(boolField(fields, "has_more")), formatShortDuration(dur),
		)
	case "scroll":
		p.total = intField(fields, "steps")
		steps := "auto"
		if p.total > 0 {
			steps = fmt.Sprintf("%d", p.total)
		}
		fmt.Fprintf(p.w, "滚动: steps=%s items=%d viewport=%dx%d\n\n",
			steps, intField(fields, "items"), intField(fields, "size"), intField(fields, "columns"),
		)
		if !p.tickerStarted {
			p.startTickerLocked()
		}
	case "drain":
		p.stopTickerLocked()
		fmt.Fprintf(p.w, "\n收尾: ready=%d failed=%d evictions=%d batches=%d (%s)\n",
			intField(fields, "ready"),
			intField(fields, "failed"),
			intField(fields, "evictions"),
			intField(fields, "batches"),
			formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPageLoaded(page, added, total int, hasMore bool, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "分页: page=%d added=%d total=%d has_more=%s (%s)\n",
		page, added, total, onOff(hasMore), formatShortDuration(dur),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPassDone(idx, total int, res domain.PassResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total
	p.active = append(p.active[:0], res.ActiveDecoders...)
	p.revokes += len(res.Revoked)
	p.errPlaces = res.ErrorPlaceholder

	pos := fmt.Sprintf("%d", idx)
	if total > 0 {
		pos = fmt.Sprintf("%d/%d", idx, total)
	}
	fmt.Fprintf(p.w, "[%s] visible=%s active=%d%s thumb=%d full=%d err=%d cache=%d/%s (%s)\n",
		pos,
		formatRange(res.Visible),
		len(res.ActiveDecoders),
		formatChanges(res.Admitted, res.Revoked),
		res.DisplayThumbnail,
		res.DisplayFull,
		res.ErrorPlaceholder,
		res.CacheEntries,
		formatBytes(res.CacheBytes),
		formatShortDuration(dur),
	)

	p.lastPrinted = time.Now()

	if p.tickerStarted && p.total > 0 && p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) OnProgress(done, total, active int, activeIDs []string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.printProgressLocked(done, total, active, activeIDs, elapsed)
}

// Stop 停止 keepalive；可重复调用。
func (p *progressUI) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
}

func (p *progressUI) printProgressLocked(done, total, active int, activeIDs []string, elapsed time.Duration) {
	t := "?"
	if total > 0 {
		t = fmt.Sprintf("%d", total)
	}
	fmt.Fprintf(p.w, "进度: passes=%d/%s active=%d [%s] revoked=%d elapsed=%s\n",
		done, t, active, truncate(strings.Join(activeIDs, ","), 120), p.revokes, formatElapsed(elapsed),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stopCh := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked(p.done, p.total, len(p.active), p.active, time.Since(p.startedAt))
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

func (p *progressUI) stopTickerLocked() {
	if !p.tickerStarted {
		return
	}
	close(p.stopCh)
	p.tickerStarted = false
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func formatStringListJSON(xs []string) string {
	// json.Marshal(nil slice) => "null"；对用户更友好的是 "[]"
	if xs == nil {
		xs = []string{}
	}
	b, err := json.Marshal(xs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// formatRange 把升序下标压缩成 "a-b"；不连续时退化为逗号列表。
func formatRange(xs []int) string {
	if len(xs) == 0 {
		return "-"
	}
	contiguous := true
	for i := 1; i < len(xs); i++ {
		if xs[i] != xs[i-1]+1 {
			contiguous = false
			break
		}
	}
	if contiguous {
		if len(xs) == 1 {
			return fmt.Sprintf("%d", xs[0])
		}
		return fmt.Sprintf("%d-%d", xs[0], xs[len(xs)-1])
	}
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%d", x)
	}
	return truncate(strings.Join(parts, ","), 60)
}

func formatChanges(admitted, revoked []string) string {
	var b strings.Builder
	if len(admitted) > 0 {
		fmt.Fprintf(&b, " +%s", truncate(strings.Join(admitted, ","), 80))
	}
	if len(revoked) > 0 {
		fmt.Fprintf(&b, " -%s", truncate(strings.Join(revoked, ","), 80))
	}
	return b.String()
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}

func boolField(fields map[string]any, key string) bool {
	v, _ := fields[key].(bool)
	return v
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}
