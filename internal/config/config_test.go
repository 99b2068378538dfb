package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

func TestLoadEffective_ConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_ConfigMissingPath(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("source: localdir\n"))

	_, err := LoadEffective(cwd, CLIArgs{})
	if Code(err) != ErrCodeMissingPath {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeMissingPath, err, Code(err))
	}
}

func TestLoadEffective_ApplyCLIOverride(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("path: media\napply: true\n"))

	eff, err := LoadEffective(cwd, CLIArgs{
		Apply:    false,
		ApplySet: true, // --apply=false
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Apply != false {
		t.Fatalf("期望 apply=false，实际=%v", eff.Apply)
	}

	wantPath := filepath.Join(cwd, "media")
	if eff.Path != wantPath {
		t.Fatalf("期望 path=%q，实际=%q", wantPath, eff.Path)
	}
}

func TestLoadEffective_SourceMergeOrder(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("path: p\nsource: localdir\n"))

	// CLI 未指定 source，则应使用配置文件中的 localdir。
	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Source != "localdir" {
		t.Fatalf("期望 source=localdir，实际=%q", eff.Source)
	}

	// CLI 显式指定，则覆盖配置文件。
	eff2, err := LoadEffective(cwd, CLIArgs{Source: "Memory", SourceSet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff2.Source != "memory" {
		t.Fatalf("期望 source=memory，实际=%q", eff2.Source)
	}
}

func TestLoadEffective_CLIPath_ConfigOptional(t *testing.T) {
	cwd := t.TempDir()
	root := filepath.Join(cwd, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}

	eff, err := LoadEffective(cwd, CLIArgs{Path: root})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Path != root {
		t.Fatalf("期望 path=%q，实际=%q", root, eff.Path)
	}
	if eff.Source != DefaultSource {
		t.Fatalf("期望 source=%q，实际=%q", DefaultSource, eff.Source)
	}

	// 全部字段走默认值。
	if eff.Concurrency != DefaultConcurrency || eff.LogLevel != "warn" {
		t.Fatalf("默认值不符合预期：%+v", eff)
	}
	if eff.ThresholdPercent != 50 || eff.MinDwell != 200*time.Millisecond || eff.ViewportSize != 6 || eff.Columns != 3 {
		t.Fatalf("viewport 默认值不符合预期：%+v", eff)
	}
	if eff.Lookahead != 12 || eff.NearWindow != 3 {
		t.Fatalf("窗口默认值不符合预期：%+v", eff)
	}
	if eff.MaxEntries != 256 || eff.MaxBytes != 64<<20 || eff.PrefetchTimeout != 10*time.Second || eff.MemoryTTL != 5*time.Minute {
		t.Fatalf("cache 默认值不符合预期：%+v", eff)
	}
	if eff.MaxDecoders != 3 || eff.Cooldown != 5*time.Second || eff.RevokeGrace != 1 || eff.TapToPlay {
		t.Fatalf("playback 默认值不符合预期：%+v", eff)
	}
	if eff.Buffer != domain.AggressiveBufferConfig() {
		t.Fatalf("buffer 默认值不符合预期：%+v", eff.Buffer)
	}
}

func TestLoadEffective_FullFileAndClamps(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`
path: p
concurrency: 99
log_level: DEBUG
viewport:
  threshold_percent: 150
  min_dwell_ms: 0
  columns: 2
  steps: 40
lookahead: 0
cache:
  max_entries: 10
  max_bytes: 1024
  prefetch_timeout_ms: 250
  clear_on_start: Memory
playback:
  max_decoders: 9
  cooldown_ms: 100
  tap_to_play: true
  revoke_grace_passes: 0
  buffer:
    min_ms: 3000
query: "  sunset "
s3:
  endpoint: " 127.0.0.1:9000 "
  access_key: ak
`))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Concurrency != 32 {
		t.Fatalf("期望 concurrency 截断为 32，实际=%d", eff.Concurrency)
	}
	if eff.LogLevel != "debug" {
		t.Fatalf("期望 log_level=debug，实际=%q", eff.LogLevel)
	}
	if eff.ThresholdPercent != 100 || eff.MinDwell != 0 || eff.Columns != 2 || eff.Steps != 40 {
		t.Fatalf("viewport 不符合预期：%+v", eff)
	}
	if eff.Lookahead != 0 {
		t.Fatalf("显式 lookahead=0 应保留，实际=%d", eff.Lookahead)
	}
	if eff.MaxEntries != 10 || eff.MaxBytes != 1024 || eff.PrefetchTimeout != 250*time.Millisecond || eff.ClearOnStart != "memory" {
		t.Fatalf("cache 不符合预期：%+v", eff)
	}
	if eff.MaxDecoders != MaxDecodersCeiling {
		t.Fatalf("期望 max_decoders 截断为 %d，实际=%d", MaxDecodersCeiling, eff.MaxDecoders)
	}
	if eff.Cooldown != 100*time.Millisecond || !eff.TapToPlay || eff.RevokeGrace != 0 {
		t.Fatalf("playback 不符合预期：%+v", eff)
	}
	if eff.Buffer.MinBufferMs != 3000 || eff.Buffer.MaxBufferMs != 2000 {
		t.Fatalf("buffer 应按字段回退默认值：%+v", eff.Buffer)
	}
	if eff.Query != "sunset" {
		t.Fatalf("query 不符合预期：%q", eff.Query)
	}
	if eff.S3.Endpoint != "127.0.0.1:9000" || eff.S3.AccessKey != "ak" {
		t.Fatalf("s3 不符合预期：%+v", eff.S3)
	}
}

func TestLoadEffective_InvalidFields(t *testing.T) {
	cases := map[string]string{
		"source":         "path: p\nsource: nope\n",
		"image_proxy":    "path: p\nimage_proxy: true\n",
		"proxy":          "path: p\nproxy:\n  url: \"http://[::1\"\n",
		"htmlfeed":       "path: p\nsource: htmlfeed\n",
		"feed_url":       "path: p\nfeed_url: ftp://x/y\n",
		"log_level":      "path: p\nlog_level: trace\n",
		"negative_size":  "path: p\nviewport:\n  size: -1\n",
		"negative_cache": "path: p\ncache:\n  max_bytes: -5\n",
		"clear_on_start": "path: p\ncache:\n  clear_on_start: everything\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cwd := t.TempDir()
			writeFile(t, filepath.Join(cwd, FileName), []byte(body))

			_, err := LoadEffective(cwd, CLIArgs{})
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
			}
		})
	}
}

func TestLoadEffective_HTMLFeed(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("path: p\nsource: htmlfeed\nfeed_url: https://example.test/feed\n"))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.FeedURL != "https://example.test/feed" {
		t.Fatalf("feed_url 不符合预期：%q", eff.FeedURL)
	}
}

func TestLoadEffective_CLIPath_InvalidConfig(t *testing.T) {
	cwd := t.TempDir()
	root := filepath.Join(cwd, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	writeFile(t, filepath.Join(root, FileName), []byte("path: [unterminated\n"))

	_, err := LoadEffective(cwd, CLIArgs{Path: root})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败 %q：%v", path, err)
	}
}
