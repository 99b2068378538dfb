// Package localdir 把本地目录当作 feed：扫描图片/视频，按文件名配对 thumbnails/ 下的缩略图。
package localdir

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

const (
	DefaultPageSize = 20
	ThumbnailDir    = "thumbnails"
)

type Options struct {
	Root     string
	PageSize int
	// ExcludeDirs 均视为相对 Root 的路径（若是绝对路径，则按绝对路径处理）。
	ExcludeDirs []string
}

type Source struct {
	opt Options
}

func New(opt Options) *Source {
	if opt.PageSize < 1 {
		opt.PageSize = DefaultPageSize
	}
	return &Source{opt: opt}
}

func (*Source) Name() string { return "localdir" }

// GetPage 每次都重新扫描目录；token 是下一页起始下标。
func (s *Source) GetPage(ctx context.Context, token string) (domain.Page, error) {
	offset := 0
	if strings.TrimSpace(token) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil || n < 0 {
			return domain.Page{}, fmt.Errorf("非法的分页 token：%q", token)
		}
		offset = n
	}
	all, err := Scan(ctx, s.opt.Root, s.opt.ExcludeDirs)
	if err != nil {
		return domain.Page{}, err
	}
	if offset >= len(all) {
		return domain.Page{}, nil
	}
	end := offset + s.opt.PageSize
	if end > len(all) {
		end = len(all)
	}
	p := domain.Page{Items: all[offset:end], HasMore: end < len(all)}
	if p.HasMore {
		p.NextToken = strconv.Itoa(end)
	}
	return p, nil
}

// Search 按相对路径做大小写不敏感的子串匹配。
func (s *Source) Search(ctx context.Context, query string) ([]domain.MediaAsset, error) {
	all, err := Scan(ctx, s.opt.Root, s.opt.ExcludeDirs)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]domain.MediaAsset, 0, len(all))
	for _, a := range all {
		if strings.Contains(strings.ToLower(a.ID), q) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Scan 扫描 root 下的媒体文件。
//
// 规则：
// - 永久排除：<root>/cache/（预取落盘目录）
// - <root>/thumbnails/ 不作为 feed 条目，只用于按 base name 配对 ThumbnailRef
// - ID 是相对 root 的 slash 路径；输出按 ID 排序
//
// 注意：扫描阶段只做 stat，不读文件内容。
func Scan(ctx context.Context, root string, excludeDirs []string) ([]domain.MediaAsset, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("localdir: root 不能为空")
	}
	root, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, err
	}
	excluded := buildExcluded(root, excludeDirs)
	thumbRoot := filepath.Join(root, ThumbnailDir)

	thumbs := map[string]string{}
	var items []domain.MediaAsset
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if isExcluded(path, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		ext := strings.ToLower(filepath.Ext(name))
		base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))

		if isUnder(path, thumbRoot) {
			if isImageExt(ext) {
				// 同名多格式时取字典序最小的，保证结果稳定。
				if cur, ok := thumbs[base]; !ok || path < cur {
					thumbs[base] = path
				}
			}
			return nil
		}

		var kind domain.MediaKind
		switch {
		case isImageExt(ext):
			kind = domain.KindImage
		case isVideoExt(ext):
			kind = domain.KindVideo
		default:
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		items = append(items, domain.MediaAsset{
			ID:        filepath.ToSlash(rel),
			Kind:      kind,
			SourceRef: FileRef(path),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range items {
		name := filepath.Base(filepath.FromSlash(items[i].ID))
		base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
		if p, ok := thumbs[base]; ok {
			items[i].ThumbnailRef = FileRef(p)
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// FileRef 把绝对路径转换为 file:// ref。
func FileRef(abs string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	if !strings.HasPrefix(u.Path, "/") {
		// Windows 盘符路径。
		u.Path = "/" + u.Path
	}
	return u.String()
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return true
	default:
		return false
	}
}

func isVideoExt(ext string) bool {
	switch ext {
	case ".mp4", ".mov", ".m4v", ".mkv":
		return true
	default:
		return false
	}
}

func buildExcluded(root string, excludeDirs []string) []string {
	excluded := make([]string, 0, 1+len(excludeDirs))
	excluded = append(excluded, filepath.Join(root, "cache"))
	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}
	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
