// Package htmlfeed 把一个 HTML 图库页面当作 feed。
//
// 页面约定：
//
//	<article data-media-id="p1" data-kind="video" data-src="/v/p1.mp4" data-duration="12.5">
//	  <img src="/t/p1.jpg">
//	</article>
//	<a rel="next" href="/feed?page=2">
//
// data-src 缺失时回退到 video[src] / img[src]；缩略图取 data-thumb，其次 video[poster]，
// 图片条目再其次取 img[src]（与 data-src 不同时）。
package htmlfeed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/feedmedia/internal/domain"
	"github.com/John-Robertt/feedmedia/internal/infra/pagecache"
	"github.com/John-Robertt/feedmedia/internal/source"
)

// Source 实现 HTML 页面的抓取与解析。
//
// 约束：
// - GetPage 的 token 是下一页的绝对 URL；空 token 表示 FeedURL
// - 重试由 httpx 统一控制
// - Pages 非 nil 时先读页面缓存；未命中时抓取并回写（只读缓存下跳过回写）
// - ParsePage 必须是纯函数（依赖输入 html + pageURL）
type Source struct {
	FeedURL string
	Client  *http.Client
	Pages   *pagecache.Store
}

func (Source) Name() string { return "htmlfeed" }

func (s Source) GetPage(ctx context.Context, token string) (domain.Page, error) {
	u := strings.TrimSpace(token)
	if u == "" {
		u = strings.TrimSpace(s.FeedURL)
	}
	if u == "" {
		return domain.Page{}, errors.New("feed_url 不能为空")
	}
	b, err := s.fetch(ctx, u)
	if err != nil {
		return domain.Page{}, err
	}
	return ParsePage(b, u)
}

// Search 请求 <feed_url>?q=<query> 的第一页结果。
func (s Source) Search(ctx context.Context, query string) ([]domain.MediaAsset, error) {
	base := strings.TrimSpace(s.FeedURL)
	if base == "" {
		return nil, errors.New("feed_url 不能为空")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("非法的 feed_url：%w", err)
	}
	q := u.Query()
	q.Set("q", strings.TrimSpace(query))
	u.RawQuery = q.Encode()

	b, err := s.fetch(ctx, u.String())
	if err != nil {
		return nil, err
	}
	p, err := ParsePage(b, u.String())
	if err != nil {
		return nil, err
	}
	return p.Items, nil
}

// ParsePage 把一页 HTML 解析为 domain.Page。重复的 data-media-id 只保留第一次出现。
func ParsePage(html []byte, pageURL string) (domain.Page, error) {
	if strings.TrimSpace(pageURL) == "" {
		return domain.Page{}, errors.New("pageURL 不能为空")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return domain.Page{}, err
	}

	var (
		items []domain.MediaAsset
		seen  = map[string]struct{}{}
		perr  error
	)
	doc.Find("[data-media-id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		a, ok, err := parseCard(s, pageURL)
		if err != nil {
			perr = err
			return false
		}
		if !ok {
			return true
		}
		if _, dup := seen[a.ID]; dup {
			return true
		}
		seen[a.ID] = struct{}{}
		items = append(items, a)
		return true
	})
	if perr != nil {
		return domain.Page{}, perr
	}

	p := domain.Page{Items: items}
	if href, ok := doc.Find("a[rel=next]").First().Attr("href"); ok {
		if next := resolveURL(pageURL, href); next != "" && next != pageURL {
			p.HasMore = true
			p.NextToken = next
		}
	}
	return p, nil
}

func parseCard(s *goquery.Selection, pageURL string) (domain.MediaAsset, bool, error) {
	id := normSpace(s.AttrOr("data-media-id", ""))
	if id == "" {
		return domain.MediaAsset{}, false, nil
	}

	kindAttr := strings.TrimSpace(s.AttrOr("data-kind", ""))
	var kind domain.MediaKind
	if kindAttr == "" {
		kind = domain.KindImage
		if s.Find("video").Length() > 0 {
			kind = domain.KindVideo
		}
	} else {
		k, err := domain.ParseKind(kindAttr)
		if err != nil {
			return domain.MediaAsset{}, false, fmt.Errorf("条目 %s：%w", id, err)
		}
		kind = k
	}

	video := s.Find("video").First()
	img := s.Find("img").First()

	src := firstNonEmpty(s.AttrOr("data-src", ""), video.AttrOr("src", ""), video.Find("source").First().AttrOr("src", ""))
	if kind == domain.KindImage {
		src = firstNonEmpty(src, img.AttrOr("src", ""))
	}
	src = resolveURL(pageURL, src)
	if src == "" {
		// 没有可定位的资源，跳过而不是让整页失败。
		return domain.MediaAsset{}, false, nil
	}

	thumb := firstNonEmpty(s.AttrOr("data-thumb", ""), video.AttrOr("poster", ""))
	if thumb == "" {
		thumb = img.AttrOr("src", "")
	}
	thumb = resolveURL(pageURL, thumb)
	if thumb == src {
		thumb = ""
	}

	a := domain.MediaAsset{ID: id, Kind: kind, SourceRef: src, ThumbnailRef: thumb}
	if kind == domain.KindVideo {
		if d, err := strconv.ParseFloat(strings.TrimSpace(s.AttrOr("data-duration", "")), 64); err == nil && d > 0 {
			a.DurationSeconds = d
		}
	}
	return a, true, nil
}

func (s Source) fetch(ctx context.Context, u string) ([]byte, error) {
	if s.Pages != nil {
		if b, ok, err := s.Pages.Read(s.Name(), u); err == nil && ok {
			return b, nil
		}
	}
	b, err := s.fetchHTTP(ctx, u)
	if err != nil {
		return nil, err
	}
	if s.Pages != nil {
		if err := s.Pages.Write(s.Name(), u, b); err != nil && !errors.Is(err, pagecache.ErrReadOnly) {
			return nil, fmt.Errorf("写入页面缓存失败：%w", err)
		}
	}
	return b, nil
}

func (s Source) fetchHTTP(ctx context.Context, u string) ([]byte, error) {
	if s.Client == nil {
		return nil, errors.New("http client 不能为空")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &source.HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	return io.ReadAll(resp.Body)
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
