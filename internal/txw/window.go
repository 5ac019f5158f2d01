// =============================================================================
// 文件: internal/txw/window.go
// 描述: 发送窗口 - 按序列号索引的有界环形缓冲
// =============================================================================
package txw

import (
	"errors"
	"time"
)

// ErrOutOfWindow 序列号不在 [trail, lead] 内
var ErrOutOfWindow = errors.New("sequence out of transmit window")

// Record 窗口内的一个包记录, 持有完整 TPDU。
// Add 之后除重传路径改写的字段 (包类型/data_trail/校验和)、
// 首次发送后写入的部分校验和以及奇偶填充状态外不再变化。
type Record struct {
	Sqn        uint32
	Tstamp     time.Time
	TPDU       []byte // TPDU 缓冲 (包头 + 选项 + TSDU, 含填充余量)
	WireLen    int    // 线上 TPDU 长度
	TSDULen    int
	DataOffset int // TSDU 起始偏移
	FragOffset int // OPT_FRAGMENT 选项值偏移 (-1 表示无)

	// 奇偶校验对齐: 变长组内零填充只做一次
	ZeroPadded bool

	// 首次发送时保存的 TSDU 未折叠部分校验和, 加速 RDATA
	PartialCsum uint32
	HasPartial  bool

	inQueue bool // 重传队列去重标志
}

// Window 发送窗口。本身不加锁: 写者 (应用线程) 与读者 (定时线程)
// 由传输层的读写锁协调; 内嵌的重传队列单独加锁。
type Window struct {
	records []*Record
	sqns    uint32
	lead    uint32 // 最大已分配序列号 (初始为 initial-1)
	trail   uint32 // 最小在窗序列号

	// TPDU 缓冲复用池
	free    [][]byte
	maxTPDU int

	rq retransmitQueue

	// 每传输组单调分配的奇偶索引
	tgParityH map[uint32]uint32
	tgShift   uint
}

// NewWindow 创建容量 sqns 的发送窗口, 序列号从 initial 开始分配。
// preallocate 预分配 TPDU 缓冲数量。
func NewWindow(sqns uint32, initial uint32, preallocate uint32, maxTPDU int) *Window {
	w := &Window{
		records:   make([]*Record, sqns),
		sqns:      sqns,
		lead:      initial - 1,
		trail:     initial,
		maxTPDU:   maxTPDU,
		tgParityH: make(map[uint32]uint32),
	}
	for i := uint32(0); i < preallocate; i++ {
		w.free = append(w.free, make([]byte, maxTPDU))
	}
	return w
}

// AllocTPDU 取一个 TPDU 缓冲, 优先复用被驱逐记录归还的缓冲
func (w *Window) AllocTPDU() []byte {
	if n := len(w.free); n > 0 {
		b := w.free[n-1]
		w.free = w.free[:n-1]
		return b[:cap(b)]
	}
	return make([]byte, w.maxTPDU)
}

// NextLead 下一个将被分配的序列号
func (w *Window) NextLead() uint32 {
	return w.lead + 1
}

// Trail 最小在窗序列号
func (w *Window) Trail() uint32 {
	return w.trail
}

// Lead 最大在窗序列号
func (w *Window) Lead() uint32 {
	return w.lead
}

// Add 追加记录, 分配 lead+1。满时推进 trail 驱逐最老记录, 从不阻塞。
func (w *Window) Add(r *Record) {
	w.lead++
	r.Sqn = w.lead
	if w.lead-w.trail >= w.sqns {
		w.evictTrail()
	}
	w.records[w.lead%w.sqns] = r
}

func (w *Window) evictTrail() {
	idx := w.trail % w.sqns
	if old := w.records[idx]; old != nil {
		old.inQueue = false
		// 零拷贝路径的缓冲带包头预留, 容量不足整包的不回收复用
		if cap(old.TPDU) >= w.maxTPDU {
			w.free = append(w.free, old.TPDU)
		}
		w.records[idx] = nil
	}
	// 传输组整组滑出后回收奇偶索引计数 (计数表由队列锁保护)
	w.rq.mu.Lock()
	if w.tgShift > 0 {
		mask := uint32(0xffffffff) << w.tgShift
		for tg := range w.tgParityH {
			if SqnLt(tg|^mask, w.trail) {
				delete(w.tgParityH, tg)
			}
		}
	}
	w.rq.mu.Unlock()
	w.trail++
}

// Peek 随机访问 [trail, lead] 内的记录
func (w *Window) Peek(sqn uint32) (*Record, error) {
	if !InWindow(sqn, w.trail, w.lead) {
		return nil, ErrOutOfWindow
	}
	r := w.records[sqn%w.sqns]
	if r == nil || r.Sqn != sqn {
		return nil, ErrOutOfWindow
	}
	return r, nil
}
