package domain

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestSimulationReport_Finalize_SortAndSummaryAndUTC(t *testing.T) {
	r := SimulationReport{
		Path:       "/abs/path",
		DryRun:     true,
		StartedAt:  time.Date(2026, 2, 9, 10, 0, 0, 0, time.FixedZone("X", 8*3600)),
		FinishedAt: time.Date(2026, 2, 9, 10, 0, 1, 0, time.FixedZone("X", 8*3600)),
		Passes: []PassResult{
			{Pass: 2, ActiveDecoders: []string{"v1"}},
			{Pass: 1, ActiveDecoders: []string{"v1", "v2", "v3"}},
		},
		Errors: []ItemError{
			{ItemID: "b", ErrorCode: ErrCodePrefetchFailed},
			{ItemID: "", ErrorCode: ErrCodeDataUnavailable}, // 数据源等合成项
			{ItemID: "a", ErrorCode: ErrCodeDecodeFailed},
		},
	}

	r.Finalize()

	if r.Passes[0].Pass != 1 || r.Passes[1].Pass != 2 {
		t.Fatalf("passes 排序不符合契约：%+v", r.Passes)
	}
	if r.Errors[0].ItemID != "a" || r.Errors[1].ItemID != "b" || r.Errors[2].ItemID != "" {
		t.Fatalf("errors 排序不符合契约：%+v", r.Errors)
	}
	if r.Summary.Passes != 2 || r.Summary.Errors != 3 || r.Summary.PeakDecoders != 3 {
		t.Fatalf("summary 统计不正确：%+v", r.Summary)
	}

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("json.Marshal 失败：%v", err)
	}
	if !bytes.Contains(b, []byte("\"started_at\":\"2026-02-09T02:00:00Z\"")) {
		t.Fatalf("started_at 不是 UTC RFC3339：%s", string(b))
	}
}

func TestSimulationReport_MarshalJSON_EmptySlices(t *testing.T) {
	b, err := json.Marshal(SimulationReport{})
	if err != nil {
		t.Fatalf("json.Marshal 失败：%v", err)
	}
	if !bytes.Contains(b, []byte(`"passes":[]`)) || !bytes.Contains(b, []byte(`"errors":[]`)) {
		t.Fatalf("nil 切片应输出为 []：%s", string(b))
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]MediaKind{"image": KindImage, " Video ": KindVideo, "photo": KindImage}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("audio"); err == nil {
		t.Fatalf("期望未知类型报错")
	}
}
