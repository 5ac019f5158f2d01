// =============================================================================
// 文件: internal/txw/retransmit.go
// 描述: 重传队列 - FIFO + 去重标志
// =============================================================================
package txw

import "sync"

// retransmitReq 一个待修复请求
type retransmitReq struct {
	sqn      uint32 // 选择性: 原始序列号; 奇偶: 组基序列号 | 奇偶索引的组内低位
	isParity bool
	rsH      uint32
}

type retransmitQueue struct {
	mu      sync.Mutex
	entries []retransmitReq
}

// RetransmitEntry 重传队列头的只读视图
type RetransmitEntry struct {
	Rec        *Record // 选择性请求对应的记录; 奇偶请求为 nil
	Sqn        uint32  // 选择性: 线上 data_sqn; 奇偶: 组基 | rsH 的组内低位 (Sqn & 组掩码即组基)
	IsParity   bool
	RsH        uint32
	Partial    uint32 // 保存的 TSDU 部分校验和
	HasPartial bool
}

// RetransmitPush 入队一个修复请求。返回 1 表示入队, 0 表示被去重抑制。
// 窗口外的序列号返回 ErrOutOfWindow。
// 奇偶请求只记录组基序列号, 奇偶索引按组单调分配。
func (w *Window) RetransmitPush(sqn uint32, isParity bool, tgShift uint) (int, error) {
	if isParity {
		mask := uint32(0xffffffff) << tgShift
		tgSqn := sqn & mask
		if _, err := w.Peek(tgSqn); err != nil {
			return 0, err
		}
		w.rq.mu.Lock()
		defer w.rq.mu.Unlock()
		w.tgShift = tgShift
		h := w.tgParityH[tgSqn]
		w.tgParityH[tgSqn] = h + 1
		// 只把索引的组内低位并入序列号, 索引增长后 sqn & 组掩码仍是本组组基
		w.rq.entries = append(w.rq.entries, retransmitReq{sqn: tgSqn | (h &^ mask), isParity: true, rsH: h})
		return 1, nil
	}

	r, err := w.Peek(sqn)
	if err != nil {
		return 0, err
	}
	w.rq.mu.Lock()
	defer w.rq.mu.Unlock()
	if r.inQueue {
		// 修复包发出前重复的 NAK 合并, 不重复入队
		return 0, nil
	}
	r.inQueue = true
	w.rq.entries = append(w.rq.entries, retransmitReq{sqn: sqn})
	return 1, nil
}

// RetransmitTryPeek 读取队头而不出队。被驱逐记录的残留请求被跳过丢弃。
func (w *Window) RetransmitTryPeek() (RetransmitEntry, bool) {
	w.rq.mu.Lock()
	defer w.rq.mu.Unlock()
	for len(w.rq.entries) > 0 {
		head := w.rq.entries[0]
		if head.isParity {
			return RetransmitEntry{Sqn: head.sqn, IsParity: true, RsH: head.rsH}, true
		}
		r, err := w.Peek(head.sqn)
		if err != nil {
			// 记录已滑出窗口, 放弃该请求
			w.rq.entries = w.rq.entries[1:]
			continue
		}
		return RetransmitEntry{
			Rec:        r,
			Sqn:        head.sqn,
			Partial:    r.PartialCsum,
			HasPartial: r.HasPartial,
		}, true
	}
	return RetransmitEntry{}, false
}

// RetransmitRemoveHead 出队一次, 重新允许该序列号的 NAK 入队
func (w *Window) RetransmitRemoveHead() {
	w.rq.mu.Lock()
	defer w.rq.mu.Unlock()
	if len(w.rq.entries) == 0 {
		return
	}
	head := w.rq.entries[0]
	w.rq.entries = w.rq.entries[1:]
	if !head.isParity {
		if r, err := w.Peek(head.sqn); err == nil {
			r.inQueue = false
		}
	}
}
