package domain

import (
	"fmt"
	"strings"
)

// MediaKind 区分图片与视频；只有视频会参与解码槽位的准入。
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// ParseKind 把外部输入（HTML data-kind、文件扩展名分类等）规范化为 MediaKind。
func ParseKind(s string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "img", "photo":
		return KindImage, nil
	case "video", "movie":
		return KindVideo, nil
	default:
		return "", fmt.Errorf("未知媒体类型：%q", s)
	}
}

// MediaAsset 是 feed 中的一条媒体。
//
// 约束：
// - ID 在同一个 feed 内稳定且唯一
// - SourceRef/ThumbnailRef 是不透明定位符（URL、file:// 路径或 s3://bucket/key），核心只把它当 key
// - 构造后不可变；核心只引用、不复制修改
type MediaAsset struct {
	ID           string    `json:"id"`
	Kind         MediaKind `json:"kind"`
	SourceRef    string    `json:"source_ref"`
	ThumbnailRef string    `json:"thumbnail_ref,omitempty"`

	// DurationSeconds 仅对视频有意义；0 表示未知。
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

func (a MediaAsset) IsVideo() bool { return a.Kind == KindVideo }

// Page 是数据源一次分页返回的结果。
type Page struct {
	Items     []MediaAsset
	HasMore   bool
	NextToken string
}
