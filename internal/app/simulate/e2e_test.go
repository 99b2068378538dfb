package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/John-Robertt/feedmedia/internal/config"
	"github.com/John-Robertt/feedmedia/internal/domain"
	"github.com/John-Robertt/feedmedia/internal/source"
	"github.com/John-Robertt/feedmedia/internal/source/localdir"
	"github.com/John-Robertt/feedmedia/internal/source/memory"
)

var discard = log.NewStdLogger(io.Discard)

// stubSource：第一页按 failFirst 决定是否失败，之后的页一律返回 503。
type stubSource struct {
	name      string
	pages     []domain.Page
	failFirst bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) GetPage(ctx context.Context, token string) (domain.Page, error) {
	if token == "" {
		if s.failFirst {
			return domain.Page{}, errors.New("connection refused")
		}
		return s.pages[0], nil
	}
	return domain.Page{}, &source.HTTPStatusError{URL: "https://example.test/feed?page=" + token, StatusCode: 503}
}

func (s *stubSource) Search(ctx context.Context, query string) ([]domain.MediaAsset, error) {
	return nil, errors.New("not supported")
}

func effFor(t *testing.T, root, src string) config.EffectiveConfig {
	t.Helper()
	eff, err := config.LoadEffective(root, config.CLIArgs{Path: root, Source: src, SourceSet: true})
	if err != nil {
		t.Fatalf("加载默认配置失败：%v", err)
	}
	return eff
}

func memoryRegistry(t *testing.T) source.Registry {
	t.Helper()
	reg, err := source.NewRegistry(memory.New(memory.Options{}))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	return reg
}

func TestExecute_DryRun_NoWrites(t *testing.T) {
	root := t.TempDir()
	eff := effFor(t, root, "memory")

	rr := Execute(context.Background(), eff, memoryRegistry(t), discard)

	if _, err := os.Stat(filepath.Join(root, "cache")); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不应创建 cache/，但 Stat err=%v", err)
	}
	if !rr.DryRun || rr.Source != "memory" || rr.RunID == "" {
		t.Fatalf("report 头部不符合预期：%+v", rr)
	}
	if len(rr.Errors) != 0 {
		t.Fatalf("不期望错误：%+v", rr.Errors)
	}
	if rr.Summary.PagesLoaded != memory.DefaultTotalPages {
		t.Fatalf("期望滚到底加载 %d 页，实际 %d", memory.DefaultTotalPages, rr.Summary.PagesLoaded)
	}
	if rr.Summary.Items != 150 {
		t.Fatalf("期望 150 个条目，实际 %d", rr.Summary.Items)
	}
	if rr.Summary.Passes == 0 || rr.Summary.Passes != len(rr.Passes) {
		t.Fatalf("passes 统计不符合预期：summary=%d passes=%d", rr.Summary.Passes, len(rr.Passes))
	}
	if rr.Summary.PeakDecoders < 1 || rr.Summary.PeakDecoders > eff.MaxDecoders {
		t.Fatalf("peak_decoders 应在 [1,%d]，实际 %d", eff.MaxDecoders, rr.Summary.PeakDecoders)
	}
	if rr.Summary.CacheReady == 0 || rr.Summary.CacheFailed != 0 {
		t.Fatalf("缓存统计不符合预期：%+v", rr.Summary)
	}

	revoked := 0
	for _, p := range rr.Passes {
		if len(p.ActiveDecoders) > eff.MaxDecoders {
			t.Fatalf("第 %d 步超出解码预算：%v", p.Pass, p.ActiveDecoders)
		}
		if len(p.Visible) == 0 {
			t.Fatalf("第 %d 步可见集合为空", p.Pass)
		}
		if p.CacheEntries > eff.MaxEntries {
			t.Fatalf("第 %d 步缓存条目超出上限：%d", p.Pass, p.CacheEntries)
		}
		revoked += len(p.Revoked)
	}
	if revoked == 0 {
		t.Fatalf("滚动过程中离开视口的视频应被回收")
	}

	first := rr.Passes[0]
	if first.Visible[0] != 0 || len(first.Visible) != eff.ViewportSize {
		t.Fatalf("第一步可见集合应为前 %d 个条目，实际 %v", eff.ViewportSize, first.Visible)
	}
	if first.DisplayFull == 0 {
		t.Fatalf("预取落定后可见图片应显示原图：%+v", first)
	}
}

func TestExecute_FixedStepsAndSearch(t *testing.T) {
	root := t.TempDir()
	eff := effFor(t, root, "memory")
	eff.Steps = 2

	rr := Execute(context.Background(), eff, memoryRegistry(t), discard)
	if len(rr.Passes) != 2 || rr.Summary.PagesLoaded != 1 {
		t.Fatalf("固定 2 步不应翻页：passes=%d pages=%d", len(rr.Passes), rr.Summary.PagesLoaded)
	}

	eff.Steps = 0
	eff.Query = "adventure"
	rr = Execute(context.Background(), eff, memoryRegistry(t), discard)
	if rr.Summary.PagesLoaded != 1 || rr.Summary.Items != memory.DefaultTotalPages {
		t.Fatalf("搜索结果应为单页 %d 条，实际 pages=%d items=%d", memory.DefaultTotalPages, rr.Summary.PagesLoaded, rr.Summary.Items)
	}
}

func TestExecute_FirstPageUnavailable(t *testing.T) {
	root := t.TempDir()
	reg, err := source.NewRegistry(&stubSource{name: "flaky", failFirst: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	eff := effFor(t, root, "memory")
	eff.Source = "flaky"

	rr := Execute(context.Background(), eff, reg, discard)
	if len(rr.Errors) != 1 || rr.Errors[0].ErrorCode != domain.ErrCodeDataUnavailable {
		t.Fatalf("期望 1 条 data_unavailable，实际 %+v", rr.Errors)
	}
	if len(rr.Passes) != 0 {
		t.Fatalf("没有数据时不应协调：%+v", rr.Passes)
	}
}

func TestExecute_NextPageUnavailableKeepsFeed(t *testing.T) {
	root := t.TempDir()
	items := make([]domain.MediaAsset, 0, 9)
	for i := 0; i < 9; i++ {
		items = append(items, domain.MediaAsset{
			ID:        "img_" + string(rune('a'+i)),
			Kind:      domain.KindImage,
			SourceRef: "https://cdn.example.test/" + string(rune('a'+i)) + ".jpg",
		})
	}
	reg, err := source.NewRegistry(&stubSource{name: "flaky", pages: []domain.Page{{Items: items, HasMore: true, NextToken: "2"}}})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	eff := effFor(t, root, "memory")
	eff.Source = "flaky"

	rr := Execute(context.Background(), eff, reg, discard)
	if len(rr.Errors) != 1 || rr.Errors[0].ErrorCode != domain.ErrCodeDataUnavailable || rr.Errors[0].Ref != "2" {
		t.Fatalf("期望 1 条 data_unavailable（ref=2），实际 %+v", rr.Errors)
	}
	if rr.Summary.Items != len(items) || rr.Summary.PagesLoaded != 1 {
		t.Fatalf("加载失败后 feed 应保持原样：%+v", rr.Summary)
	}
	if len(rr.Passes) == 0 {
		t.Fatalf("已加载的条目仍应被协调")
	}
}

func TestExecute_Apply_PreloadsIntoDiskCache(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.png"), mustPNG(t, 640, 480))
	writeFile(t, filepath.Join(root, "b.png"), mustPNG(t, 200, 200))
	writeFile(t, filepath.Join(root, "broken.mp4"), nil)
	writeFile(t, filepath.Join(root, "clip.mp4"), []byte("not really mp4"))

	reg, err := source.NewRegistry(localdir.New(localdir.Options{Root: root}))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	eff := effFor(t, root, "localdir")
	eff.Apply = true

	rr := Execute(context.Background(), eff, reg, discard)

	if rr.DryRun {
		t.Fatalf("apply 模式 dry_run 应为 false")
	}
	if _, err := os.Stat(filepath.Join(root, "cache", "index.db")); err != nil {
		t.Fatalf("期望创建缓存索引：%v", err)
	}
	if rr.Summary.Items != 4 {
		t.Fatalf("期望 4 个条目，实际 %d", rr.Summary.Items)
	}
	// a/b 的缩略图档 + 原图档。
	if rr.Summary.CacheReady < 4 || rr.Summary.CacheFailed != 0 {
		t.Fatalf("缓存统计不符合预期：%+v errors=%+v", rr.Summary, rr.Errors)
	}

	if len(rr.Errors) != 1 {
		t.Fatalf("期望 1 条错误，实际 %+v", rr.Errors)
	}
	e := rr.Errors[0]
	if e.ItemID != "broken.mp4" || e.ErrorCode != domain.ErrCodeDecodeFailed {
		t.Fatalf("期望 broken.mp4 decode_failed，实际 %+v", e)
	}

	last := rr.Passes[len(rr.Passes)-1]
	if len(last.ActiveDecoders) != 1 || last.ActiveDecoders[0] != "clip.mp4" {
		t.Fatalf("解码失败的条目应被回收，只剩 clip.mp4：%v", last.ActiveDecoders)
	}
	if last.ErrorPlaceholder != 1 {
		t.Fatalf("解码失败的条目应显示错误占位：%+v", last)
	}

	if err := WriteReport(root, rr); err != nil {
		t.Fatalf("写入 report 失败：%v", err)
	}
	b, err := os.ReadFile(filepath.Join(root, "cache", "report.json"))
	if err != nil {
		t.Fatalf("读取 report 失败：%v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("report 不是合法 JSON：%v", err)
	}
	if got["run_id"] != rr.RunID {
		t.Fatalf("report run_id 不符合预期：%v", got["run_id"])
	}
}

func TestExecute_ApplyInvalidProxy(t *testing.T) {
	root := t.TempDir()
	eff := effFor(t, root, "memory")
	eff.Apply = true
	eff.ImageProxy = true
	eff.ProxyURL = ""

	rr := Execute(context.Background(), eff, memoryRegistry(t), discard)
	if len(rr.Errors) != 1 || rr.Errors[0].ErrorCode != domain.ErrCodeConfigInvalid {
		t.Fatalf("期望 config_invalid，实际 %+v", rr.Errors)
	}
	if _, err := os.Stat(filepath.Join(root, "cache")); !os.IsNotExist(err) {
		t.Fatalf("初始化失败时不应创建 cache/，但 Stat err=%v", err)
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败 %q：%v", path, err)
	}
}

func mustPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("生成 png 失败：%v", err)
	}
	return buf.Bytes()
}
