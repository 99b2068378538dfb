package simulate

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

// decodeFailure 是一次“解码器打开失败”，由驱动在协调结束后回报给协调器。
type decodeFailure struct {
	itemID string
	ref    string
	err    error
}

// decoderRunner 记录被准入的名额。probe 非空时在 Activate 里检查视频源是否可打开，
// 失败不在这里回报（Activate 位于协调临界区内），而是排队等驱动处理。
type decoderRunner struct {
	log   *log.Helper
	refOf func(itemID string) string
	probe func(ref string) error

	active      map[string]domain.DecoderSlot
	failures    []decodeFailure
	activations int
	lastBuffer  domain.BufferConfig
}

func newDecoderRunner(refOf func(string) string, probe func(string) error, logger log.Logger) *decoderRunner {
	return &decoderRunner{
		log:    log.NewHelper(log.With(logger, "module", "decoder")),
		refOf:  refOf,
		probe:  probe,
		active: make(map[string]domain.DecoderSlot),
	}
}

func (r *decoderRunner) Activate(slot domain.DecoderSlot, buf domain.BufferConfig) {
	r.active[slot.ItemID] = slot
	r.activations++
	r.lastBuffer = buf
	r.log.Debugw("msg", "decoder activate", "item", slot.ItemID, "token", slot.Token,
		"min_buffer_ms", buf.MinBufferMs, "max_buffer_ms", buf.MaxBufferMs)

	if r.probe == nil {
		return
	}
	ref := r.refOf(slot.ItemID)
	if err := r.probe(ref); err != nil {
		r.failures = append(r.failures, decodeFailure{itemID: slot.ItemID, ref: ref, err: err})
	}
}

func (r *decoderRunner) Deactivate(itemID string) {
	delete(r.active, itemID)
	r.log.Debugw("msg", "decoder deactivate", "item", itemID)
}

// drainFailures 取走排队的失败（按 itemID 排序，保证报告稳定）。
func (r *decoderRunner) drainFailures() []decodeFailure {
	out := r.failures
	r.failures = nil
	sort.Slice(out, func(i, j int) bool { return out[i].itemID < out[j].itemID })
	return out
}

// probeLocal 只检查本地可定位的视频源（相对路径、file://、bundled://）；远程源视为可打开。
func probeLocal(baseDir string) func(ref string) error {
	return func(ref string) error {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("视频源为空")
		}
		path := ""
		u, err := url.Parse(ref)
		switch {
		case err != nil || u.Scheme == "" || len(u.Scheme) == 1:
			path = ref
		case strings.EqualFold(u.Scheme, "file"):
			path = u.Path
		case strings.EqualFold(u.Scheme, "bundled"):
			path = strings.TrimPrefix(u.Host+u.Path, "/")
		default:
			return nil
		}
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, filepath.FromSlash(path))
		}
		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("打开视频源失败：%w", err)
		}
		if fi.Size() == 0 {
			return fmt.Errorf("视频源为空文件：%s", path)
		}
		return nil
	}
}

// syntheticTransport 是 dry-run 的传输层：不联网、不落盘，立即按档位给出固定大小的成功结果。
type syntheticTransport struct {
	thumbBytes int64
	fullBytes  int64
}

func (t syntheticTransport) Preload(ctx context.Context, tier domain.Tier, reqs []domain.PreloadRequest) []domain.PreloadResult {
	size := t.fullBytes
	if tier == domain.TierThumbnail {
		size = t.thumbBytes
	}
	out := make([]domain.PreloadResult, len(reqs))
	for i, r := range reqs {
		out[i] = domain.PreloadResult{Ref: r.Ref, Bytes: size}
		if err := ctx.Err(); err != nil {
			out[i].Bytes = 0
			out[i].Err = err
		}
	}
	return out
}

func (syntheticTransport) Clear(context.Context, domain.Scope) error { return nil }
