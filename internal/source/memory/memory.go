// Package memory 提供确定性的模拟 feed：每条 post 要么是两张图片（带缩略图），要么是一段视频。
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

const (
	DefaultPageSize   = 10
	DefaultTotalPages = 10
	DefaultRefPrefix  = "bundled://"

	assetCount = 10
)

// 视频时长（秒），下标对应 video-1 ~ video-10。
var videoDurations = [assetCount]float64{12, 8.5, 14, 13.3, 7.9, 8.4, 5.8, 10.3, 7.5, 7.1}

var usernames = []string{"johndoe", "janedoe", "photographer", "traveler", "artist", "explorer", "creator", "wanderer"}

var captions = []string{
	"Beautiful sunset today!",
	"Exploring new places",
	"Life is beautiful",
	"Nature never fails to amaze",
	"Living the moment",
	"Adventure awaits",
	"Making memories",
	"Chasing dreams",
	"Every moment is a new beginning",
	"Finding beauty in simplicity",
}

type Options struct {
	// PageSize 是每页 post 数（不是 asset 数）。
	PageSize   int
	TotalPages int
	// RefPrefix 拼在 images/、thumbnails/、videos/ 之前；默认 bundled://。
	RefPrefix string
	// Delay 模拟网络延迟；0 表示立即返回。
	Delay time.Duration
}

// Post 是一条模拟动态；Search 按 caption/username 匹配。
type Post struct {
	ID       string
	Username string
	Caption  string
	Media    []domain.MediaAsset
}

type Source struct {
	opt Options
}

func New(opt Options) *Source {
	if opt.PageSize < 1 {
		opt.PageSize = DefaultPageSize
	}
	if opt.TotalPages < 1 {
		opt.TotalPages = DefaultTotalPages
	}
	if opt.RefPrefix == "" {
		opt.RefPrefix = DefaultRefPrefix
	}
	return &Source{opt: opt}
}

func (*Source) Name() string { return "memory" }

// GetPage 的 token 是页码（从 1 开始）；空 token 等价于 "1"。
func (s *Source) GetPage(ctx context.Context, token string) (domain.Page, error) {
	page := 1
	if strings.TrimSpace(token) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil || n < 1 {
			return domain.Page{}, fmt.Errorf("非法的分页 token：%q", token)
		}
		page = n
	}
	if err := s.wait(ctx); err != nil {
		return domain.Page{}, err
	}
	if page > s.opt.TotalPages {
		return domain.Page{}, nil
	}

	var items []domain.MediaAsset
	for _, p := range s.Posts(page) {
		items = append(items, p.Media...)
	}
	out := domain.Page{Items: items, HasMore: page < s.opt.TotalPages}
	if out.HasMore {
		out.NextToken = strconv.Itoa(page + 1)
	}
	return out, nil
}

// Search 在全部页的 post 中做大小写不敏感的子串匹配（caption 或 username）。
func (s *Source) Search(ctx context.Context, query string) ([]domain.MediaAsset, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	var out []domain.MediaAsset
	for page := 1; page <= s.opt.TotalPages; page++ {
		for _, p := range s.Posts(page) {
			if strings.Contains(strings.ToLower(p.Caption), q) || strings.Contains(strings.ToLower(p.Username), q) {
				out = append(out, p.Media...)
			}
		}
	}
	return out, nil
}

// Posts 生成第 page 页的 post。偶数序号是两张图片，奇数序号是一段视频；
// 素材按序号轮转选取，相同输入得到相同输出。
func (s *Source) Posts(page int) []Post {
	if page < 1 {
		return nil
	}
	start := (page - 1) * s.opt.PageSize
	out := make([]Post, 0, s.opt.PageSize)
	for i := 0; i < s.opt.PageSize; i++ {
		idx := start + i
		p := Post{
			ID:       fmt.Sprintf("post_%d", idx),
			Username: usernames[idx%len(usernames)],
			Caption:  captions[idx%len(captions)],
		}
		if idx%2 == 1 {
			v := idx % assetCount
			p.Media = []domain.MediaAsset{{
				ID:              fmt.Sprintf("video_%d_1", idx),
				Kind:            domain.KindVideo,
				SourceRef:       fmt.Sprintf("%svideos/video-%d.mp4", s.opt.RefPrefix, v+1),
				DurationSeconds: videoDurations[v],
			}}
		} else {
			a := idx % assetCount
			b := (idx + 3) % assetCount
			p.Media = []domain.MediaAsset{s.image(idx, 1, a), s.image(idx, 2, b)}
		}
		out = append(out, p)
	}
	return out
}

func (s *Source) image(post, n, asset int) domain.MediaAsset {
	return domain.MediaAsset{
		ID:           fmt.Sprintf("img_%d_%d", post, n),
		Kind:         domain.KindImage,
		SourceRef:    fmt.Sprintf("%simages/image-%d.png", s.opt.RefPrefix, asset+1),
		ThumbnailRef: fmt.Sprintf("%sthumbnails/image-%d.png", s.opt.RefPrefix, asset+1),
	}
}

func (s *Source) wait(ctx context.Context) error {
	if s.opt.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.opt.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
