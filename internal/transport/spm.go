// =============================================================================
// 文件: internal/transport/spm.go
// 描述: SPM 心跳调度与 SPMR 处理
// =============================================================================
package transport

import (
	"encoding/binary"
	"time"

	"github.com/mrcgq/gopgm/internal/checksum"
	"github.com/mrcgq/gopgm/internal/logging"
	"github.com/mrcgq/gopgm/internal/protocol"
)

// sendSPM 加锁发送一个 SPM
func (t *Transport) sendSPM() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendSPMUnlocked()
}

// sendSPMUnlocked 复用预分配的 SPM 包: 盖上当前 spm_sqn 和
// 窗口快照 (trail, lead), 重算校验和后限速发出。调用方持有 mu。
func (t *Transport) sendSPMUnlocked() error {
	logging.Debugf(logging.CategorySPM, "send_spm sqn=%d", t.spmSqn)

	p := t.spmPacket[:t.spmLen]
	binary.BigEndian.PutUint32(p[protocol.HeaderSize:], t.spmSqn)
	t.spmSqn++

	t.txwLock.RLock()
	binary.BigEndian.PutUint32(p[protocol.HeaderSize+4:], t.window.Trail())
	binary.BigEndian.PutUint32(p[protocol.HeaderSize+8:], t.window.Lead())
	t.txwLock.RUnlock()

	binary.BigEndian.PutUint16(p[protocol.ChecksumOffset:], 0)
	folded := checksum.Fold(checksum.Partial(p, 0))
	binary.BigEndian.PutUint16(p[protocol.ChecksumOffset:], folded)

	if err := t.regulator.Check(len(p), false); err != nil {
		return err
	}
	n, err := t.sender.Send(p, true, false)
	if err != nil || n != len(p) {
		return err
	}
	t.stats.bytesSent.Add(uint64(len(p) + ipHeaderLen))
	return nil
}

// resetHeartbeatSPM 数据突发后重置心跳表, 必要时唤醒定时线程
func (t *Transport) resetHeartbeatSPM() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetHeartbeatSPMUnlocked(true)
}

// resetHeartbeatSPMUnlocked prod 为真且新期限早于当前唤醒点时
// 通知定时线程。定时线程自身重置时无需自我通知。
func (t *Transport) resetHeartbeatSPMUnlocked(prod bool) {
	now := time.Now()
	t.heartbeatState = 1
	next := t.heartbeats[t.heartbeatState]
	t.heartbeatState++
	if next == 0 {
		t.nextHeartbeat = now.Add(t.spmAmbient)
	} else {
		t.nextHeartbeat = now.Add(next)
	}
	if prod && t.nextPoll.After(t.nextHeartbeat) {
		t.nextPoll = t.nextHeartbeat
		logging.Debugf(logging.CategorySPM, "reset_heartbeat_spm: 唤醒定时线程")
		t.notifyTimer()
	}
}

// heartbeatExpired 心跳到期: 发 SPM 并走到下一档, 哨兵后转常态
func (t *Transport) heartbeatExpired(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.sendSPMUnlocked(); err != nil {
		logging.Warnf("spm 发送失败: %v", err)
	}
	// 被限频压下的 SPMR 由这个 SPM 一并满足
	t.pendingSPMR = false

	if t.heartbeatState < len(t.heartbeats) && t.heartbeats[t.heartbeatState] != 0 {
		t.nextHeartbeat = now.Add(t.heartbeats[t.heartbeatState])
		t.heartbeatState++
	} else {
		t.heartbeatState = len(t.heartbeats) - 1
		t.nextHeartbeat = now.Add(t.spmAmbient)
	}
	t.nextPoll = t.nextHeartbeat
}

// onSPMR 处理 SPM 请求。单播给本源的 SPMR 立即回 SPM (限频);
// 组播观察到的他人 SPMR 则取消本端挂起的响应, 抑制重复。
func (t *Transport) onSPMR(h protocol.Header, payload []byte, fromMulticast bool) {
	if err := protocol.VerifySPMR(h, payload); err != nil {
		t.stats.packetsDiscarded.Add(1)
		return
	}

	if fromMulticast {
		logging.Debugf(logging.CategorySPM, "组播 SPMR, 抑制本端响应")
		t.mu.Lock()
		t.pendingSPMR = false
		t.mu.Unlock()
		return
	}

	t.stats.spmrReceived.Add(1)
	if !t.spmrGuard.Allow(h.TSI()) {
		// 压到下一个心跳 SPM 统一响应
		t.mu.Lock()
		t.pendingSPMR = true
		t.mu.Unlock()
		return
	}
	if err := t.sendSPM(); err != nil {
		logging.Warnf("spmr 响应失败: %v", err)
	}
}
