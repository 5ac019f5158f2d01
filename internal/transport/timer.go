// =============================================================================
// 文件: internal/transport/timer.go
// 描述: 定时线程 - SPM 期限与重传队列驱动
// =============================================================================
package transport

import (
	"context"
	"time"
)

// timerLoop 定时线程主循环。在通知通道上带超时阻塞,
// 超时即下一个 SPM 期限; 关闭时清一次重传队列后退出。
func (t *Transport) timerLoop(ctx context.Context) error {
	for {
		t.mu.Lock()
		next := t.nextHeartbeat
		t.mu.Unlock()

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			t.drainRetransmit()
			return ctx.Err()
		case <-t.closed:
			timer.Stop()
			t.drainRetransmit()
			return nil
		case <-t.rdataNotify:
			timer.Stop()
			t.drainRetransmit()
		case <-t.timerNotify:
			// 期限被提前, 回头重算等待时间
			timer.Stop()
		case now := <-timer.C:
			t.heartbeatExpired(now)
		}
	}
}
