// =============================================================================
// 文件: internal/rate/rate.go
// 描述: 字节粒度令牌桶限速器
// =============================================================================
package rate

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited 令牌不足且调用方要求不阻塞
var ErrLimited = errors.New("rate limited")

const minSleep = time.Millisecond

// Regulator 令牌桶限速器, 桶容量为一秒的字节配额。
// SPM 和 ODATA/RDATA 过桶, NCF 不过桶。
type Regulator struct {
	bytesPerSec float64
	tokens      float64
	maxTokens   float64
	lastRefill  time.Time

	// 统计
	bytesThrottled uint64

	mu sync.Mutex
}

// NewRegulator 创建限速器, bytesPerSec <= 0 表示不限速 (返回 nil)
func NewRegulator(bytesPerSec int) *Regulator {
	burst := float64(bytesPerSec)
	if bytesPerSec <= 0 {
		return nil
	}
	return &Regulator{
		bytesPerSec: burst,
		tokens:      burst,
		maxTokens:   burst,
		lastRefill:  time.Now(),
	}
}

func (r *Regulator) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill)
	r.lastRefill = now
	if elapsed <= 0 {
		return
	}
	r.tokens += r.bytesPerSec * elapsed.Seconds()
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
}

// Check 申请 n 字节的发送配额。
// dontwait 为真时整批原子判定: 配额不足立即返回 ErrLimited, 不消耗令牌;
// 否则阻塞到配额可用; n 超过桶容量时不阻塞, 直接返回 ErrLimited。
// nil Regulator 直接放行。
func (r *Regulator) Check(n int, dontwait bool) error {
	if r == nil {
		return nil
	}
	for {
		r.mu.Lock()
		now := time.Now()
		r.refill(now)
		if r.tokens >= float64(n) {
			r.tokens -= float64(n)
			r.mu.Unlock()
			return nil
		}
		if dontwait || float64(n) > r.maxTokens {
			// 超过桶容量的请求永远等不到, 一并拒绝
			r.bytesThrottled += uint64(n)
			r.mu.Unlock()
			return ErrLimited
		}
		needed := float64(n) - r.tokens
		wait := time.Duration(needed / r.bytesPerSec * float64(time.Second))
		r.mu.Unlock()
		if wait < minSleep {
			wait = minSleep
		}
		time.Sleep(wait)
	}
}

// Tokens 当前可用令牌数 (测试用)
func (r *Regulator) Tokens() float64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	return r.tokens
}
