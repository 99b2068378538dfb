package pagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/John-Robertt/feedmedia/internal/infra/fsx"
)

// Store 提供 <path>/cache/pages/ 下的 feed 页面缓存读写。
//
// 约束：
// - dry-run：只允许读（ReadOnly=true）
// - apply：允许写（ReadOnly=false）
type Store struct {
	Root     string // <path>
	ReadOnly bool
}

var ErrReadOnly = errors.New("pagecache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

// Path 返回 (source, pageURL) 对应缓存文件的绝对路径。文件名取 URL 的 sha256 前缀。
func (s Store) Path(source, pageURL string) (string, error) {
	src, err := cleanSource(source)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(pageURL) == "" {
		return "", fmt.Errorf("page url 不能为空")
	}
	return filepath.Join(s.Root, "cache", "pages", src, key(pageURL)+".html"), nil
}

func (s Store) Read(source, pageURL string) ([]byte, bool, error) {
	path, err := s.Path(source, pageURL)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (s Store) Write(source, pageURL string, html []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.Path(source, pageURL)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), html)
}

func key(pageURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(pageURL)))
	return hex.EncodeToString(sum[:])[:24]
}

var sourceNameRE = regexp.MustCompile(`^[a-z0-9_]+$`)

func cleanSource(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("source 不能为空")
	}
	// 避免路径穿越。
	if !sourceNameRE.MatchString(s) {
		return "", fmt.Errorf("非法 source：%q", s)
	}
	return s, nil
}
