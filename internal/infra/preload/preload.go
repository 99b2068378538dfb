// Package preload 是 CacheStore 的生产环境传输层：把一批 ref 拉取到 diskcache。
package preload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/John-Robertt/feedmedia/internal/domain"
	"github.com/John-Robertt/feedmedia/internal/infra/diskcache"
	"github.com/John-Robertt/feedmedia/internal/infra/imgx"
)

const (
	DefaultConcurrency = 4
	// 单个资源的读取上限，防止异常大的响应把内存打满。
	maxAssetBytes = 32 << 20
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type Options struct {
	Concurrency int
	// HTTPClient 用于 http/https ref；nil 时 http ref 直接失败。
	HTTPClient *http.Client
	S3         S3Config
	// BaseDir 用于解析相对路径与 bundled:// ref。
	BaseDir string

	ThumbWidth  int
	ThumbHeight int
}

// HTTPStatusError 表示资源下载返回了非 2xx。
type HTTPStatusError struct {
	Ref        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("下载 %s 失败：HTTP %d", e.Ref, e.StatusCode)
}

var ErrUnsupportedRef = errors.New("不支持的资源地址")

// Preloader 实现 cachestore.Transport 与 cachestore.Evicter。
type Preloader struct {
	store   *diskcache.Store
	http    *http.Client
	s3      *minio.Client
	opt     Options
	workers int
	log     *log.Helper
}

func New(store *diskcache.Store, opt Options, logger log.Logger) (*Preloader, error) {
	if store == nil {
		return nil, errors.New("preload: diskcache 不能为空")
	}
	workers := opt.Concurrency
	if workers < 1 {
		workers = DefaultConcurrency
	}
	if logger == nil {
		logger = log.DefaultLogger
	}

	p := &Preloader{
		store:   store,
		http:    opt.HTTPClient,
		opt:     opt,
		workers: workers,
		log:     log.NewHelper(log.With(logger, "module", "preload")),
	}

	if ep := strings.TrimSpace(opt.S3.Endpoint); ep != "" {
		client, err := minio.New(ep, &minio.Options{
			Creds:  credentials.NewStaticV4(opt.S3.AccessKey, opt.S3.SecretKey, ""),
			Secure: opt.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 s3 客户端失败：%w", err)
		}
		p.s3 = client
	}
	return p, nil
}

// Preload 用 worker pool 处理一批请求。请求按调用方给出的顺序（即优先级顺序）派发；
// 已落盘的资源直接命中，不再拉取。
func (p *Preloader) Preload(ctx context.Context, tier domain.Tier, reqs []domain.PreloadRequest) []domain.PreloadResult {
	out := make([]domain.PreloadResult, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	workers := p.workers
	if workers > len(reqs) {
		workers = len(reqs)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				out[idx] = p.one(ctx, tier, reqs[idx])
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range reqs {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	wg.Wait()

	// ctx 结束后未派发的请求标记为失败，避免调用方拿到零值结果当作成功。
	for i := range out {
		if out[i].Ref == "" {
			out[i] = domain.PreloadResult{Ref: reqs[i].Ref, Err: ctx.Err()}
			if out[i].Err == nil {
				out[i].Err = errors.New("未执行")
			}
		}
	}
	return out
}

func (p *Preloader) one(ctx context.Context, tier domain.Tier, req domain.PreloadRequest) domain.PreloadResult {
	res := domain.PreloadResult{Ref: req.Ref}

	if b, hit, err := p.store.Get(ctx, req.Ref, tier); err == nil && hit {
		res.Bytes = int64(len(b))
		return res
	}

	data, err := p.fetch(ctx, req.Ref)
	if err != nil {
		res.Err = err
		return res
	}

	if tier == domain.TierThumbnail {
		if thumb, err := imgx.Thumbnail(data, p.opt.ThumbWidth, p.opt.ThumbHeight); err == nil {
			data = thumb
		} else {
			// 封面可能是 webp 等标准库不认识的格式：原样缓存，由视图层解码。
			p.log.Debugw("msg", "thumbnail normalise skipped", "ref", req.Ref, "err", err)
		}
	}

	e, err := p.store.Put(ctx, req.Ref, tier, data)
	if err != nil {
		res.Err = err
		return res
	}
	res.Bytes = e.Bytes
	return res
}

func (p *Preloader) fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// 相对路径或 Windows 盘符路径。
		return readLocal(p.resolveLocal(ref))
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return p.fetchHTTP(ctx, ref)
	case "file":
		return readLocal(u.Path)
	case "bundled":
		return readLocal(p.resolveLocal(strings.TrimPrefix(u.Host+u.Path, "/")))
	case "s3":
		return p.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("%w：%s", ErrUnsupportedRef, ref)
	}
}

func (p *Preloader) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	if p.http == nil {
		return nil, errors.New("未配置 http client")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{Ref: ref, StatusCode: resp.StatusCode}
	}
	return readLimited(resp.Body)
}

func (p *Preloader) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if p.s3 == nil {
		return nil, errors.New("未配置 s3.endpoint")
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w：s3 地址缺少 bucket 或 key", ErrUnsupportedRef)
	}
	obj, err := p.s3.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return readLimited(obj)
}

func (p *Preloader) resolveLocal(path string) string {
	if filepath.IsAbs(path) || p.opt.BaseDir == "" {
		return path
	}
	return filepath.Join(p.opt.BaseDir, filepath.FromSlash(path))
}

// Clear 对应平台图片库的 clearMemoryCache / clearDiskCache。
func (p *Preloader) Clear(ctx context.Context, scope domain.Scope) error {
	switch scope {
	case domain.ScopeMemory:
		p.store.ClearMemory()
		return nil
	case domain.ScopeDisk:
		return p.store.ClearDisk(ctx)
	case domain.ScopeAll:
		p.store.ClearMemory()
		return p.store.ClearDisk(ctx)
	default:
		return fmt.Errorf("未知的清理范围：%d", scope)
	}
}

// Evict 只丢内存副本；磁盘副本留给下次命中。
func (p *Preloader) Evict(_ context.Context, tier domain.Tier, refs []string) {
	p.store.DropMemory(tier, refs)
}

func readLocal(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f)
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxAssetBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxAssetBytes {
		return nil, fmt.Errorf("资源超过 %d 字节上限", maxAssetBytes)
	}
	return b, nil
}
