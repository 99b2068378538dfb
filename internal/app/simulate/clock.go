package simulate

import (
	"sync"
	"time"
)

// virtualClock 是模拟滚动使用的虚拟时间：dwell 与冷却期按脚本推进，而不是真实等待。
// 缓存的批次 goroutine 也会读取它，因此需要加锁。
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newVirtualClock(start time.Time) *virtualClock {
	return &virtualClock{now: start}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// AdvanceTo 只向前推进；t 早于当前时间时不变。
func (c *virtualClock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}
