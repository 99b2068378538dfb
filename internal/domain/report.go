package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	ErrCodeDataUnavailable   = "data_unavailable"
	ErrCodePrefetchFailed    = "prefetch_failed"
	ErrCodeDecodeFailed      = "decode_failed"
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissingPath = "config_missing_path"
)

// SimulationReport 是 simulate 的对外稳定输出（report.json / stdout JSON）。
type SimulationReport struct {
	RunID  string `json:"run_id"`
	Path   string `json:"path"`
	Source string `json:"source"`
	DryRun bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Passes  []PassResult  `json:"passes"`
	Errors  []ItemError   `json:"errors"`
}

type ReportSummary struct {
	Passes       int `json:"passes"`
	Items        int `json:"items"`
	PagesLoaded  int `json:"pages_loaded"`
	PeakDecoders int `json:"peak_decoders"`

	// 以下三项由调用方在结束时根据 CacheStore 统计填入。
	CacheReady  int `json:"cache_ready"`
	CacheFailed int `json:"cache_failed"`
	Evictions   int `json:"evictions"`

	Errors int `json:"errors"`
}

// PassResult 记录一次协调（coordination pass）之后的可观测状态。
type PassResult struct {
	Pass    int   `json:"pass"`
	Visible []int `json:"visible"`

	ActiveDecoders []string `json:"active_decoders"`
	Admitted       []string `json:"admitted"`
	Revoked        []string `json:"revoked"`

	DisplayNone      int `json:"display_none"`
	DisplayThumbnail int `json:"display_thumbnail"`
	DisplayFull      int `json:"display_full"`
	ErrorPlaceholder int `json:"error_placeholder"`

	CacheEntries int   `json:"cache_entries"`
	CacheBytes   int64 `json:"cache_bytes"`
}

type ItemError struct {
	ItemID    string `json:"item_id"`
	Ref       string `json:"ref"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) passes 按序号排序；errors 按 item_id 字典序，item_id=="" 的条目排在最后
// 3) summary 中由 passes/errors 可推导的字段重新计算
func (r *SimulationReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Passes, func(i, j int) bool { return r.Passes[i].Pass < r.Passes[j].Pass })
	sort.SliceStable(r.Errors, func(i, j int) bool {
		a := r.Errors[i].ItemID
		b := r.Errors[j].ItemID
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a < b
	})

	r.Summary.Passes = len(r.Passes)
	r.Summary.Errors = len(r.Errors)
	peak := 0
	for _, p := range r.Passes {
		if len(p.ActiveDecoders) > peak {
			peak = len(p.ActiveDecoders)
		}
	}
	r.Summary.PeakDecoders = peak
}

// MarshalJSON 只用于集中约束输出稳定性：nil 切片统一输出为 []。
func (r SimulationReport) MarshalJSON() ([]byte, error) {
	type Alias SimulationReport
	a := Alias(r)
	if a.Passes == nil {
		a.Passes = []PassResult{}
	}
	if a.Errors == nil {
		a.Errors = []ItemError{}
	}
	return json.Marshal(a)
}
