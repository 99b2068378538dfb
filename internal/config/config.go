package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

// FileName 是配置文件名（位于 <path>/ 或 <cwd>/ 下）。
const FileName = "feedmedia.yaml"

const (
	// ErrCodeNotFound 表示无参运行但 cwd 下没有 feedmedia.yaml。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
	// ErrCodeMissingPath 表示无参运行但配置文件缺少 path 字段。
	ErrCodeMissingPath = domain.ErrCodeConfigMissingPath
)

const (
	DefaultSource      = "memory"
	DefaultConcurrency = 4
	DefaultLogLevel    = "warn"

	DefaultThresholdPercent = 50
	DefaultMinDwell         = 200 * time.Millisecond
	DefaultViewportSize     = 6
	DefaultColumns          = 3

	DefaultLookahead  = 12
	DefaultNearWindow = 3

	DefaultMaxEntries      = 256
	DefaultMaxBytes        = 64 << 20
	DefaultPrefetchTimeout = 10 * time.Second
	DefaultMemoryTTL       = 300 * time.Second

	DefaultMaxDecoders = 3
	MaxDecodersCeiling = 6
	DefaultCooldown    = 5 * time.Second
	DefaultRevokeGrace = 1
)

// CLIArgs 只包含 CLI 暴露的三项入口（path/source/apply），并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --apply=false 必须能覆盖 config.apply=true。
type CLIArgs struct {
	Path string

	Source    string
	SourceSet bool

	Apply    bool
	ApplySet bool
}

// FileConfig 对应 feedmedia.yaml 的解析结构。
// 指针字段用于区分“未填写”与“显式填写零值”。
type FileConfig struct {
	Path        string       `yaml:"path"`
	Source      string       `yaml:"source"`
	Apply       *bool        `yaml:"apply"`
	Concurrency int          `yaml:"concurrency"`
	Proxy       *ProxyConfig `yaml:"proxy"`
	ImageProxy  bool         `yaml:"image_proxy"`
	FeedURL     string       `yaml:"feed_url"`
	Query       string       `yaml:"query"`
	ExcludeDirs []string     `yaml:"exclude_dirs"`
	S3          S3Config     `yaml:"s3"`
	LogLevel    string       `yaml:"log_level"`

	Viewport   ViewportConfig `yaml:"viewport"`
	Lookahead  *int           `yaml:"lookahead"`
	NearWindow *int           `yaml:"near_window"`
	Cache      CacheConfig    `yaml:"cache"`
	Playback   PlaybackConfig `yaml:"playback"`
}

type ProxyConfig struct {
	URL string `yaml:"url"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ViewportConfig struct {
	ThresholdPercent int  `yaml:"threshold_percent"`
	MinDwellMs       *int `yaml:"min_dwell_ms"`
	Size             int  `yaml:"size"`
	Columns          int  `yaml:"columns"`
	// Steps 是模拟滚动的步数；0 表示滚到底。
	Steps int `yaml:"steps"`
}

type CacheConfig struct {
	MaxEntries        int    `yaml:"max_entries"`
	MaxBytes          int64  `yaml:"max_bytes"`
	PrefetchTimeoutMs int    `yaml:"prefetch_timeout_ms"`
	MemoryTTLSeconds  int    `yaml:"memory_ttl_s"`
	// ClearOnStart：开始前清理缓存的范围（memory|disk|all），为空表示不清理。
	ClearOnStart      string `yaml:"clear_on_start"`
}

type PlaybackConfig struct {
	MaxDecoders       int                 `yaml:"max_decoders"`
	CooldownMs        *int                `yaml:"cooldown_ms"`
	TapToPlay         bool                `yaml:"tap_to_play"`
	RevokeGracePasses *int                `yaml:"revoke_grace_passes"`
	Buffer            domain.BufferConfig `yaml:"buffer"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Path string

	Source string
	Apply  bool

	Concurrency int
	ProxyURL    string
	ImageProxy  bool
	FeedURL     string
	// Query 非空时改为模拟搜索结果列表（单页，不分页）。
	Query       string
	ExcludeDirs []string
	S3          S3Config
	LogLevel    string

	ThresholdPercent int
	MinDwell         time.Duration
	ViewportSize     int
	Columns          int
	Steps            int

	Lookahead  int
	NearWindow int

	MaxEntries      int
	MaxBytes        int64
	PrefetchTimeout time.Duration
	MemoryTTL       time.Duration
	ClearOnStart    string

	MaxDecoders int
	Cooldown    time.Duration
	TapToPlay   bool
	RevokeGrace int
	Buffer      domain.BufferConfig
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 path", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 按约定发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 path：尝试读取 <path>/feedmedia.yaml（可选）
// 2) CLI 未提供 path：必须读取 <cwd>/feedmedia.yaml（必选），且其中必须包含 path
//
// 覆盖优先级（固定）：
// - path：CLI path > config path
// - source：CLI > config > 默认 memory
// - apply：CLI --apply/--apply=false > config > 默认 false
// - 其他字段：仅由 config 控制（CLI 不暴露）
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if strings.TrimSpace(cli.Path) != "" {
		// CLI 给了 path：配置文件可选。
		absPath := absCleanFrom(cwdAbs, cli.Path)
		cfgPath := filepath.Join(absPath, FileName)

		fc, _, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		return merge(absPath, cli, fc, cfgPath)
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}

	absPath := absCleanFrom(cwdAbs, fc.Path)
	return merge(absPath, cli, fc, cfgPath)
}

func merge(absPath string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) (EffectiveConfig, error) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	// source：CLI > config > 默认
	src := DefaultSource
	if cli.SourceSet {
		src = cli.Source
	} else if strings.TrimSpace(fc.Source) != "" {
		src = fc.Source
	}
	src = strings.ToLower(strings.TrimSpace(src))
	if err := validateSource(src); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	// apply：CLI > config > 默认 false
	apply := false
	if cli.ApplySet {
		apply = cli.Apply
	} else if fc.Apply != nil {
		apply = *fc.Apply
	}

	proxyURL := ""
	if fc.Proxy != nil {
		proxyURL = strings.TrimSpace(fc.Proxy.URL)
	}
	if proxyURL != "" {
		if _, err := url.Parse(proxyURL); err != nil {
			return invalid("proxy.url 无效：%w", err)
		}
	}
	if fc.ImageProxy && proxyURL == "" {
		return invalid("image_proxy=true 但 proxy.url 为空")
	}

	feedURL := strings.TrimSpace(fc.FeedURL)
	if feedURL != "" {
		u, err := url.Parse(feedURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("feed_url 必须是 http/https 地址：%q", feedURL)
		}
	}
	if src == "htmlfeed" && feedURL == "" {
		return invalid("source=htmlfeed 需要 feed_url")
	}

	logLevel := strings.ToLower(strings.TrimSpace(fc.LogLevel))
	if logLevel == "" {
		logLevel = DefaultLogLevel
	}
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level 只能是 debug/info/warn/error，实际是 %q", fc.LogLevel)
	}

	if fc.Viewport.Size < 0 || fc.Viewport.Columns < 0 || fc.Viewport.Steps < 0 {
		return invalid("viewport.size/columns/steps 不能为负数")
	}
	if fc.Cache.MaxEntries < 0 || fc.Cache.MaxBytes < 0 {
		return invalid("cache.max_entries/max_bytes 不能为负数")
	}
	clearOnStart := strings.ToLower(strings.TrimSpace(fc.Cache.ClearOnStart))
	switch clearOnStart {
	case "", "memory", "disk", "all":
	default:
		return invalid("cache.clear_on_start 只能是 memory/disk/all，实际是 %q", fc.Cache.ClearOnStart)
	}

	eff := EffectiveConfig{
		Path:        absPath,
		Source:      src,
		Apply:       apply,
		Concurrency: clamp(orDefault(fc.Concurrency, DefaultConcurrency), 1, 32),
		ProxyURL:    proxyURL,
		ImageProxy:  fc.ImageProxy,
		FeedURL:     feedURL,
		Query:       strings.TrimSpace(fc.Query),
		ExcludeDirs: append([]string(nil), fc.ExcludeDirs...),
		S3: S3Config{
			Endpoint:  strings.TrimSpace(fc.S3.Endpoint),
			AccessKey: fc.S3.AccessKey,
			SecretKey: fc.S3.SecretKey,
			UseSSL:    fc.S3.UseSSL,
		},
		LogLevel: logLevel,

		ThresholdPercent: clamp(orDefault(fc.Viewport.ThresholdPercent, DefaultThresholdPercent), 1, 100),
		MinDwell:         msOrDefault(fc.Viewport.MinDwellMs, DefaultMinDwell),
		ViewportSize:     orDefault(fc.Viewport.Size, DefaultViewportSize),
		Columns:          orDefault(fc.Viewport.Columns, DefaultColumns),
		Steps:            fc.Viewport.Steps,

		Lookahead:  nonNegOrDefault(fc.Lookahead, DefaultLookahead),
		NearWindow: nonNegOrDefault(fc.NearWindow, DefaultNearWindow),

		MaxEntries:      orDefault(fc.Cache.MaxEntries, DefaultMaxEntries),
		MaxBytes:        fc.Cache.MaxBytes,
		PrefetchTimeout: time.Duration(orDefault(fc.Cache.PrefetchTimeoutMs, int(DefaultPrefetchTimeout/time.Millisecond))) * time.Millisecond,
		MemoryTTL:       time.Duration(orDefault(fc.Cache.MemoryTTLSeconds, int(DefaultMemoryTTL/time.Second))) * time.Second,
		ClearOnStart:    clearOnStart,

		MaxDecoders: clamp(orDefault(fc.Playback.MaxDecoders, DefaultMaxDecoders), 1, MaxDecodersCeiling),
		Cooldown:    msOrDefault(fc.Playback.CooldownMs, DefaultCooldown),
		TapToPlay:   fc.Playback.TapToPlay,
		RevokeGrace: nonNegOrDefault(fc.Playback.RevokeGracePasses, DefaultRevokeGrace),
		Buffer:      mergeBuffer(fc.Playback.Buffer),
	}
	if eff.MaxBytes == 0 {
		eff.MaxBytes = DefaultMaxBytes
	}
	return eff, nil
}

func validateSource(s string) error {
	switch s {
	case "memory", "localdir", "htmlfeed":
		return nil
	case "":
		return fmt.Errorf("source 不能为空")
	default:
		return fmt.Errorf("source 只能是 memory、localdir 或 htmlfeed，实际是 %q", s)
	}
}

// mergeBuffer 按字段回退到激进内存模式的默认值。
func mergeBuffer(b domain.BufferConfig) domain.BufferConfig {
	d := domain.AggressiveBufferConfig()
	return domain.BufferConfig{
		MinBufferMs:                      orDefault(b.MinBufferMs, d.MinBufferMs),
		MaxBufferMs:                      orDefault(b.MaxBufferMs, d.MaxBufferMs),
		BufferForPlaybackMs:              orDefault(b.BufferForPlaybackMs, d.BufferForPlaybackMs),
		BufferForPlaybackAfterRebufferMs: orDefault(b.BufferForPlaybackAfterRebufferMs, d.BufferForPlaybackAfterRebufferMs),
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func nonNegOrDefault(v *int, def int) int {
	if v == nil || *v < 0 {
		return def
	}
	return *v
}

func msOrDefault(v *int, def time.Duration) time.Duration {
	if v == nil || *v < 0 {
		return def
	}
	return time.Duration(*v) * time.Millisecond
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
