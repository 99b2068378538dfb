// Package diskcache 是预取结果的两级落地：磁盘（<path>/cache/blobs + sqlite 索引）与进程内存。
package diskcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	_ "modernc.org/sqlite"

	"github.com/John-Robertt/feedmedia/internal/domain"
	"github.com/John-Robertt/feedmedia/internal/infra/fsx"
)

const DefaultMemoryTTL = 5 * time.Minute

type Options struct {
	// MemoryTTL 是内存副本的存活时间；<=0 使用默认值。
	MemoryTTL time.Duration
	Now       func() time.Time
}

// Entry 是索引中的一行。
type Entry struct {
	Ref        string
	Tier       domain.Tier
	Blob       string // 相对 root 的路径
	Bytes      int64
	StoredAt   time.Time
	LastAccess time.Time
}

// Store 提供 <root>/ 下的资源缓存读写。root 通常是 <path>/cache。
type Store struct {
	root string
	db   *sql.DB
	mem  *cache.Cache
	now  func() time.Time
}

func Open(ctx context.Context, root string, opt Options) (*Store, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if root == "" || root == "." {
		return nil, errors.New("diskcache: root 不能为空")
	}
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", filepath.Join(root, "index.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	ttl := opt.MemoryTTL
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		root: root,
		db:   db,
		mem:  cache.New(ttl, 2*ttl),
		now:  now,
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Root() string { return s.root }

// Put 写入 (ref, tier) 的内容。blob 以内容哈希命名，相同内容只落盘一次。
func (s *Store) Put(ctx context.Context, ref string, tier domain.Tier, data []byte) (Entry, error) {
	if ref == "" {
		return Entry{}, errors.New("ref 不能为空")
	}
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + ".bin"
	rel := filepath.Join("blobs", name[:2], name)

	err := fsx.WriteFileAtomicNoOverwrite(filepath.Join(s.root, "blobs", name[:2]), name, data)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return Entry{}, fmt.Errorf("写入缓存 blob 失败：%w", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO assets(ref, tier, blob, bytes, stored_at, last_access)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(ref, tier) DO UPDATE SET
	blob=excluded.blob,
	bytes=excluded.bytes,
	stored_at=excluded.stored_at,
	last_access=excluded.last_access`,
		ref, tier.String(), filepath.ToSlash(rel), len(data), ts(now), ts(now))
	if err != nil {
		return Entry{}, fmt.Errorf("写入缓存索引失败：%w", err)
	}

	s.mem.Set(memKey(ref, tier), data, cache.DefaultExpiration)
	return Entry{Ref: ref, Tier: tier, Blob: filepath.ToSlash(rel), Bytes: int64(len(data)), StoredAt: now, LastAccess: now}, nil
}

// Get 先查内存，再查磁盘；磁盘命中会回填内存。索引存在但文件丢失时视为未命中并清理索引。
func (s *Store) Get(ctx context.Context, ref string, tier domain.Tier) ([]byte, bool, error) {
	if v, ok := s.mem.Get(memKey(ref, tier)); ok {
		s.touch(ctx, ref, tier)
		return v.([]byte), true, nil
	}

	e, ok, err := s.Stat(ctx, ref, tier)
	if err != nil || !ok {
		return nil, false, err
	}
	b, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(e.Blob)))
	if err != nil {
		if os.IsNotExist(err) {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM assets WHERE ref = ? AND tier = ?`, ref, tier.String())
			return nil, false, nil
		}
		return nil, false, err
	}
	s.mem.Set(memKey(ref, tier), b, cache.DefaultExpiration)
	s.touch(ctx, ref, tier)
	return b, true, nil
}

// Stat 只读索引。
func (s *Store) Stat(ctx context.Context, ref string, tier domain.Tier) (Entry, bool, error) {
	var (
		e                Entry
		stored, accessed string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, blob, bytes, stored_at, last_access FROM assets WHERE ref = ? AND tier = ?`,
		ref, tier.String()).Scan(&e.Ref, &e.Blob, &e.Bytes, &stored, &accessed)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("查询缓存索引失败：%w", err)
	}
	e.Tier = tier
	e.StoredAt = parseTS(stored)
	e.LastAccess = parseTS(accessed)
	return e, true, nil
}

// InMemory 判断 (ref, tier) 是否有内存副本。
func (s *Store) InMemory(ref string, tier domain.Tier) bool {
	_, ok := s.mem.Get(memKey(ref, tier))
	return ok
}

// Count 返回磁盘索引中的条目数。
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DropMemory 丢弃指定条目的内存副本（磁盘保留）。
func (s *Store) DropMemory(tier domain.Tier, refs []string) {
	for _, ref := range refs {
		s.mem.Delete(memKey(ref, tier))
	}
}

func (s *Store) ClearMemory() {
	s.mem.Flush()
}

// ClearDisk 清空磁盘索引与 blob 目录；内存副本不受影响。
func (s *Store) ClearDisk(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM assets`); err != nil {
		return fmt.Errorf("清空缓存索引失败：%w", err)
	}
	blobs := filepath.Join(s.root, "blobs")
	if err := os.RemoveAll(blobs); err != nil {
		return fmt.Errorf("删除缓存目录失败：%w", err)
	}
	return os.MkdirAll(blobs, 0o755)
}

func (s *Store) touch(ctx context.Context, ref string, tier domain.Tier) {
	_, _ = s.db.ExecContext(ctx, `UPDATE assets SET last_access = ? WHERE ref = ? AND tier = ?`,
		ts(s.now().UTC()), ref, tier.String())
}

func memKey(ref string, tier domain.Tier) string {
	return tier.String() + "|" + ref
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
