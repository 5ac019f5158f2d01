// =============================================================================
// 文件: internal/transport/spmr_guard.go
// 描述: SPMR 响应限频 - 每 TSI 每 IHB_MIN 周期最多响应一次
// =============================================================================
package transport

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/mrcgq/gopgm/internal/protocol"
)

const (
	// DefaultIHBMin SPMR 响应的最小间隔 (13.4)
	DefaultIHBMin = time.Second

	guardExpectedTSIs  = 1024
	guardFalsePositive = 0.001
)

// spmrGuard 双时间片布隆过滤器, 记录最近响应过的 TSI。
// 误报只会多抑制一次响应, 接收端靠下一个周期重试, 无正确性影响。
type spmrGuard struct {
	mu         sync.Mutex
	slices     [2]*bloom.BloomFilter
	current    int
	lastRotate time.Time
	interval   time.Duration
}

func newSPMRGuard(interval time.Duration) *spmrGuard {
	if interval <= 0 {
		interval = DefaultIHBMin
	}
	g := &spmrGuard{interval: interval, lastRotate: time.Now()}
	for i := range g.slices {
		g.slices[i] = bloom.NewWithEstimates(guardExpectedTSIs, guardFalsePositive)
	}
	return g
}

// Allow 判定是否允许响应该 TSI 的 SPMR, 允许时记录
func (g *spmrGuard) Allow(tsi protocol.TSI) bool {
	key := []byte(tsi.String())

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Sub(g.lastRotate) >= g.interval {
		g.current ^= 1
		g.slices[g.current].ClearAll()
		g.lastRotate = now
	}

	if g.slices[0].Test(key) || g.slices[1].Test(key) {
		return false
	}
	g.slices[g.current].Add(key)
	return true
}
