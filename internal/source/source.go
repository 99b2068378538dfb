package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/John-Robertt/feedmedia/internal/domain"
)

// Source 把“数据从哪里来”限制在 source 包内部；协调核心只消费 domain.Page。
//
// 约束：
// - GetPage 不做缓存、不做重试（重试由 httpx 统一实现）
// - token 为空表示第一页；Page.NextToken 只在 HasMore=true 时有意义
// - 同一个 token 的结果应稳定（相同输入 => 相同 ID 顺序）
type Source interface {
	Name() string
	GetPage(ctx context.Context, token string) (domain.Page, error)
	Search(ctx context.Context, query string) ([]domain.MediaAsset, error)
}

// UnavailableError 是数据源阶段的可追溯错误。
// 上层据此把失败归类为 data_unavailable，并保持当前 feed 不变。
type UnavailableError struct {
	Source string // source name（小写）
	Op     string // "page" 或 "search"
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source=%s op=%s: %v", e.Source, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// GetPage 调用 s.GetPage，并把失败统一包装为 *UnavailableError。
func GetPage(ctx context.Context, s Source, token string) (domain.Page, error) {
	if s == nil {
		return domain.Page{}, fmt.Errorf("source 不能为空")
	}
	p, err := s.GetPage(ctx, token)
	if err != nil {
		return domain.Page{}, wrap(s.Name(), "page", err)
	}
	if p.HasMore && p.NextToken == "" {
		return domain.Page{}, wrap(s.Name(), "page", fmt.Errorf("has_more=true 但 next_token 为空"))
	}
	return p, nil
}

// Search 调用 s.Search，并把失败统一包装为 *UnavailableError。
func Search(ctx context.Context, s Source, query string) ([]domain.MediaAsset, error) {
	if s == nil {
		return nil, fmt.Errorf("source 不能为空")
	}
	items, err := s.Search(ctx, query)
	if err != nil {
		return nil, wrap(s.Name(), "search", err)
	}
	return items, nil
}

func wrap(name, op string, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Source: name, Op: op, Err: err}
}
