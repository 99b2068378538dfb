package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"github.com/John-Robertt/feedmedia/internal/app/simulate"
	"github.com/John-Robertt/feedmedia/internal/config"
	"github.com/John-Robertt/feedmedia/internal/domain"
	"github.com/John-Robertt/feedmedia/internal/infra/httpx"
	"github.com/John-Robertt/feedmedia/internal/infra/pagecache"
	"github.com/John-Robertt/feedmedia/internal/source"
	"github.com/John-Robertt/feedmedia/internal/source/htmlfeed"
	"github.com/John-Robertt/feedmedia/internal/source/localdir"
	"github.com/John-Robertt/feedmedia/internal/source/memory"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "simulate":
		if code := simulateCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func simulateCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printSimulateUsage()
			return 0
		}
	}

	sa, err := parseSimulateArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printSimulateUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cwdAbs, _ := filepath.Abs(cwd)

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:      sa.Path,
		Source:    sa.Source,
		SourceSet: sa.SourceSet,
		Apply:     sa.Apply,
		ApplySet:  sa.ApplySet,
	})
	if err != nil {
		rr := reportForConfigError(cwdAbs, sa, err)
		emitReport(rr)
		return 1
	}

	logger := newLogger(os.Stderr, eff.LogLevel)

	reg, err := buildRegistry(eff)
	if err != nil {
		rr := reportForConfigError(eff.Path, sa, &config.Error{Code: config.ErrCodeInvalid, Path: eff.Path, Err: err})
		emitReport(rr)
		return 1
	}

	progressW, interactive := pickProgressWriter()
	var obs simulate.Observer
	if interactive {
		ui := newProgressUI(progressW)
		defer ui.Stop()
		obs = ui
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rr := simulate.ExecuteWithObserver(ctx, eff, reg, obs, logger)

	// apply：必须写入 <path>/cache/report.json；dry-run 禁止落盘。
	if eff.Apply {
		if err := simulate.WriteReport(eff.Path, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 report.json 失败：%v\n", err)
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	if rr.Summary.Errors == 0 {
		return 0
	}
	return 1
}

// buildRegistry 把三种数据源都注册进去；实际使用哪一个由 eff.Source 决定。
func buildRegistry(eff config.EffectiveConfig) (source.Registry, error) {
	client, err := httpx.NewPageClient(eff.ProxyURL)
	if err != nil {
		return source.Registry{}, err
	}
	// dry-run 只读页面缓存，apply 才回写。
	pages := pagecache.New(eff.Path, !eff.Apply)
	return source.NewRegistry(
		memory.New(memory.Options{}),
		localdir.New(localdir.Options{Root: eff.Path, ExcludeDirs: eff.ExcludeDirs}),
		htmlfeed.Source{FeedURL: eff.FeedURL, Client: client, Pages: &pages},
	)
}

func newLogger(w io.Writer, level string) log.Logger {
	return log.NewFilter(
		log.With(log.NewStdLogger(w), "ts", log.DefaultTimestamp),
		log.FilterLevel(log.ParseLevel(level)),
	)
}

type simulateArgs struct {
	Path      string
	Source    string
	SourceSet bool
	Apply     bool
	ApplySet  bool
}

func parseSimulateArgs(args []string) (simulateArgs, error) {
	sa := simulateArgs{}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--source":
			if i+1 >= len(args) {
				return simulateArgs{}, fmt.Errorf("--source 需要一个值")
			}
			i++
			sa.Source = args[i]
			sa.SourceSet = true
		case strings.HasPrefix(a, "--source="):
			sa.Source = strings.TrimPrefix(a, "--source=")
			sa.SourceSet = true
		case a == "--apply":
			sa.Apply = true
			sa.ApplySet = true
		case strings.HasPrefix(a, "--apply="):
			v := strings.TrimPrefix(a, "--apply=")
			switch v {
			case "true":
				sa.Apply = true
			case "false":
				sa.Apply = false
			default:
				return simulateArgs{}, fmt.Errorf("--apply 只能是 true 或 false，实际是 %q", v)
			}
			sa.ApplySet = true
		case strings.HasPrefix(a, "-"):
			return simulateArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			if sa.Path != "" {
				return simulateArgs{}, fmt.Errorf("重复的 path：%q 与 %q", sa.Path, a)
			}
			sa.Path = a
		}
	}

	if sa.SourceSet {
		switch sa.Source {
		case "memory", "localdir", "htmlfeed":
		case "":
			return simulateArgs{}, fmt.Errorf("--source 不能为空")
		default:
			return simulateArgs{}, fmt.Errorf("--source 只能是 memory、localdir 或 htmlfeed，实际是 %q", sa.Source)
		}
	}

	return sa, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  feedmedia simulate [path] [--source memory|localdir|htmlfeed] [--apply[=true|false]]

命令：
  simulate    模拟信息流滚动，驱动预取与解码器准入（默认 dry-run）

使用 "feedmedia simulate --help" 查看详细说明。
`)
}

func printSimulateUsage() {
	fmt.Fprint(os.Stdout, `用法：
  feedmedia simulate [path] [--source memory|localdir|htmlfeed] [--apply[=true|false]]

参数：
  --source    数据源：memory|localdir|htmlfeed（未指定则读配置文件；最终默认 memory）
  --apply     真实预取到 <path>/cache 并写 report.json（默认 dry-run）；支持 --apply=false 覆盖配置
  -h, --help  显示帮助
`)
}

func summaryLine(rr domain.SimulationReport) string {
	return fmt.Sprintf("完成：passes=%d items=%d pages=%d peak_decoders=%d cache_ready=%d cache_failed=%d evictions=%d errors=%d",
		rr.Summary.Passes, rr.Summary.Items, rr.Summary.PagesLoaded, rr.Summary.PeakDecoders,
		rr.Summary.CacheReady, rr.Summary.CacheFailed, rr.Summary.Evictions, rr.Summary.Errors,
	)
}

func emitReport(rr domain.SimulationReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summaryLine(rr))
		for _, e := range rr.Errors {
			key := e.ItemID
			if key == "" {
				key = e.Ref
			}
			if key == "" {
				key = "<feed>"
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", key, e.ErrorCode, e.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 SimulationReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summaryLine(rr))
}

func reportForConfigError(path string, sa simulateArgs, err error) domain.SimulationReport {
	now := time.Now().UTC()
	rr := domain.SimulationReport{
		RunID:      uuid.NewString(),
		Path:       path,
		Source:     sa.Source,
		DryRun:     !(sa.ApplySet && sa.Apply),
		StartedAt:  now,
		FinishedAt: now,
		Errors: []domain.ItemError{{
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	if eff.Apply {
		fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.Path, "cache", "report.json"))
		fmt.Fprintf(w, "cache: %s\n", filepath.Join(eff.Path, "cache"))
	}
}
