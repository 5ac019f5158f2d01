// =============================================================================
// 文件: internal/transport/transport.go
// 描述: PGM 源端传输 - 状态、配置、绑定与生命周期
// =============================================================================
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/gopgm/internal/fec"
	"github.com/mrcgq/gopgm/internal/logging"
	"github.com/mrcgq/gopgm/internal/protocol"
	"github.com/mrcgq/gopgm/internal/rate"
	"github.com/mrcgq/gopgm/internal/txw"
)

const (
	// DefaultMaxTPDU 以太网安全默认值
	DefaultMaxTPDU = 1500

	// 模拟 IP 头开销, 统计与限速按线上字节计
	ipHeaderLen = 20
)

// Transport PGM 源端传输。
// 并发模型: 应用线程走发送路径; 定时线程清重传队列、发 SPM;
// 接收线程解入站控制包。粗粒度 mu 保护配置与 SPM 状态,
// txwLock 读写锁保护发送窗口, 重传队列在窗口内部自锁。
type Transport struct {
	mu      sync.Mutex
	txwLock sync.RWMutex

	tsi      protocol.TSI
	dport    uint16
	group    *net.UDPAddr
	sendAddr net.IP

	isBound  bool
	isOpen   bool
	isClosed bool
	closed   chan struct{}

	maxTPDU         int
	maxTSDU         int // 无选项时单包 TSDU 上限
	maxTSDUFragment int // 带 OPT_FRAGMENT 时单包 TSDU 上限

	// 窗口配置
	txwSqns        uint32
	txwPreallocate uint32
	txwSecs        int
	txwMaxRte      int

	window *txw.Window

	// SPM 状态
	spmSqn         uint32
	spmAmbient     time.Duration
	heartbeats     []time.Duration // 0 前导, 0 结尾
	heartbeatState int
	nextHeartbeat  time.Time
	nextPoll       time.Time
	spmPacket      []byte
	spmLen         int
	ihbMin         time.Duration

	// FEC
	rsN, rsK           int
	tgSqnShift         uint
	useOndemandParity  bool
	useProactiveParity bool
	rs                 *fec.Encoder
	parityBuffer       []byte

	// 定时线程私有的修复包出站缓冲, 发送时不持窗口锁
	repairBuffer []byte

	regulator *rate.Regulator
	sender    Sender

	rdataNotify chan struct{}
	timerNotify chan struct{}

	// 发送中断恢复状态, 仅发送路径持有
	resume       sendState
	isAPDUEagain bool

	pendingSPMR bool
	spmrGuard   *spmrGuard

	stats statsCounters
}

// New 创建未绑定的传输。group 为目的组播组+端口, sendAddr 为
// 本端单播 NLA (NAK 源地址校验基准)。
func New(gsi protocol.GSI, sport, dport uint16, group *net.UDPAddr, sendAddr net.IP, sender Sender) *Transport {
	return &Transport{
		tsi:         protocol.TSI{GSI: gsi, SPort: sport},
		dport:       dport,
		group:       group,
		sendAddr:    sendAddr,
		sender:      sender,
		maxTPDU:     DefaultMaxTPDU,
		spmAmbient:  30 * time.Second,
		ihbMin:      DefaultIHBMin,
		closed:      make(chan struct{}),
		rdataNotify: make(chan struct{}, 1),
		timerNotify: make(chan struct{}, 1),
	}
}

// TSI 本会话标识
func (t *Transport) TSI() protocol.TSI {
	return t.tsi
}

func (t *Transport) setPreBind(f func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isBound {
		return ErrAlreadyBound
	}
	return f()
}

// SetMaxTPDU 设置最大 TPDU (含 PGM 包头)
func (t *Transport) SetMaxTPDU(n int) error {
	return t.setPreBind(func() error {
		if n < protocol.FragmentDataOffset+1 {
			return ErrInvalid
		}
		t.maxTPDU = n
		return nil
	})
}

// SetAmbientSPM 设置常态 SPM 周期
func (t *Transport) SetAmbientSPM(d time.Duration) error {
	return t.setPreBind(func() error {
		if d <= 0 {
			return ErrInvalid
		}
		t.spmAmbient = d
		return nil
	})
}

// SetHeartbeatSPM 设置心跳 SPM 间隔序列。
// 内部表示 0 前导 (常态占位) 且 0 结尾 (哨兵)。
func (t *Transport) SetHeartbeatSPM(intervals []time.Duration) error {
	return t.setPreBind(func() error {
		if len(intervals) == 0 {
			return ErrInvalid
		}
		for _, d := range intervals {
			if d <= 0 {
				return ErrInvalid
			}
		}
		hb := make([]time.Duration, 0, len(intervals)+2)
		hb = append(hb, 0)
		hb = append(hb, intervals...)
		hb = append(hb, 0)
		t.heartbeats = hb
		return nil
	})
}

// SetTxwSqns 设置窗口容量 (序列号数)
func (t *Transport) SetTxwSqns(n uint32) error {
	return t.setPreBind(func() error {
		if n == 0 || n >= 1<<31-1 {
			return ErrInvalid
		}
		t.txwSqns = n
		return nil
	})
}

// SetTxwPreallocate 设置预分配的包缓冲数
func (t *Transport) SetTxwPreallocate(n uint32) error {
	return t.setPreBind(func() error {
		if n == 0 {
			return ErrInvalid
		}
		t.txwPreallocate = n
		return nil
	})
}

// SetTxwSecs 按秒设置窗口深度, 仅与 SetTxwMaxRte 联用生效
func (t *Transport) SetTxwSecs(secs int) error {
	return t.setPreBind(func() error {
		if secs <= 0 {
			return ErrInvalid
		}
		t.txwSecs = secs
		return nil
	})
}

// SetTxwMaxRte 设置出口速率上限 (字节/秒)
func (t *Transport) SetTxwMaxRte(rte int) error {
	return t.setPreBind(func() error {
		if rte <= 0 {
			return ErrInvalid
		}
		t.txwMaxRte = rte
		return nil
	})
}

// SetRS 设置 Reed-Solomon (n,k) 参数, k 须为 2 的幂
func (t *Transport) SetRS(n, k int) error {
	return t.setPreBind(func() error {
		if k <= 0 || n <= k || n > 255 || k&(k-1) != 0 {
			return ErrInvalid
		}
		t.rsN, t.rsK = n, k
		return nil
	})
}

// SetOndemandParity 开关按需奇偶校验 (响应奇偶 NAK)
func (t *Transport) SetOndemandParity(on bool) error {
	return t.setPreBind(func() error {
		t.useOndemandParity = on
		return nil
	})
}

// SetProactiveParity 开关主动奇偶校验 (传输组闭合即生成)
func (t *Transport) SetProactiveParity(on bool) error {
	return t.setPreBind(func() error {
		t.useProactiveParity = on
		return nil
	})
}

// SetIHBMin 设置 SPMR 响应限频周期
func (t *Transport) SetIHBMin(d time.Duration) error {
	return t.setPreBind(func() error {
		if d <= 0 {
			return ErrInvalid
		}
		t.ihbMin = d
		return nil
	})
}

// Bind 固化配置, 分配窗口与缓冲。绑定后配置不可变。
func (t *Transport) Bind() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isBound {
		return ErrAlreadyBound
	}

	// txw_secs × txw_max_rte 可推导窗口容量
	if t.txwSqns == 0 {
		if t.txwSecs > 0 && t.txwMaxRte > 0 {
			sqns := uint64(t.txwSecs) * uint64(t.txwMaxRte) / uint64(t.maxTPDU)
			if sqns == 0 {
				sqns = 1
			}
			if sqns >= 1<<31-1 {
				return ErrInvalid
			}
			t.txwSqns = uint32(sqns)
		} else {
			return ErrInvalid
		}
	}
	if t.txwPreallocate == 0 {
		t.txwPreallocate = t.txwSqns
	}
	if t.txwPreallocate > t.txwSqns {
		return ErrInvalid
	}

	t.maxTSDU = t.maxTPDU - protocol.DataOffset
	t.maxTSDUFragment = t.maxTPDU - protocol.FragmentDataOffset

	if t.useOndemandParity || t.useProactiveParity {
		if t.rsN == 0 {
			return ErrInvalid
		}
		enc, err := fec.NewEncoder(t.rsN, t.rsK)
		if err != nil {
			return ErrInvalid
		}
		t.rs = enc
		shift := uint(0)
		for 1<<shift < t.rsK {
			shift++
		}
		t.tgSqnShift = shift
		// 变长组的奇偶 TSDU 可比最长原始 TSDU 多 2 字节真实长度尾,
		// 且奇偶包总是携带完整选项区
		t.parityBuffer = make([]byte, t.maxTPDU+protocol.FragmentOptTotal+2)
	}

	if t.heartbeats == nil {
		// 默认心跳: 数据突发后快速收敛到常态
		t.heartbeats = []time.Duration{0,
			100 * time.Millisecond, 100 * time.Millisecond,
			250 * time.Millisecond, 500 * time.Millisecond,
			time.Second, 2 * time.Second,
			0}
	}

	// 零填充到组内最大 TSDU 再加 2 字节真实长度尾所需的冗余容量
	t.window = txw.NewWindow(t.txwSqns, 0, t.txwPreallocate, t.maxTPDU+protocol.FragmentOptTotal+2)

	t.repairBuffer = make([]byte, t.maxTPDU+protocol.FragmentOptTotal+2)

	t.regulator = rate.NewRegulator(t.txwMaxRte)

	t.spmPacket = make([]byte, protocol.SPMLen(t.sendAddr))
	t.spmLen = protocol.WriteSPM(t.spmPacket, t.tsi.GSI, t.tsi.SPort, t.dport, 0, 0, 0, t.sendAddr)

	t.spmrGuard = newSPMRGuard(t.ihbMin)

	now := time.Now()
	t.nextHeartbeat = now.Add(t.spmAmbient)
	t.nextPoll = t.nextHeartbeat
	t.heartbeatState = len(t.heartbeats) - 1

	t.isBound = true
	t.isOpen = true
	logging.Infof("pgm 源端绑定 tsi=%s 组=%s 窗口=%d", t.tsi, t.group, t.txwSqns)
	return nil
}

// MaxTSDU 查询单包 TSDU 上限
func (t *Transport) MaxTSDU(withFragment bool) int {
	if withFragment {
		return t.maxTSDUFragment
	}
	return t.maxTSDU
}

// Close 关闭传输。之后的发送返回 ErrClosed;
// 定时线程清一次重传队列后退出。
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.isClosed {
		t.mu.Unlock()
		return nil
	}
	t.isClosed = true
	t.isOpen = false
	close(t.closed)
	t.mu.Unlock()
	return nil
}

// Run 启动定时线程与 (可选) 接收线程, 阻塞到 ctx 取消或 Close
// 之后两个线程都退出。接收线程只在两次 Recv 之间检查退出条件,
// 阻塞在 Recv 内时要等它返回 (收到包或读出错) 才退出。
func (t *Transport) Run(ctx context.Context) error {
	t.mu.Lock()
	if !t.isBound {
		t.mu.Unlock()
		return ErrNotBound
	}
	t.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.timerLoop(ctx)
	})
	if r, ok := t.sender.(Receiver); ok {
		g.Go(func() error {
			return t.receiveLoop(ctx, r)
		})
	}
	return g.Wait()
}

func (t *Transport) receiveLoop(ctx context.Context, r Receiver) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		default:
		}
		pkt, fromMulticast, err := r.Recv()
		if err != nil {
			select {
			case <-t.closed:
				return nil
			default:
			}
			return err
		}
		t.HandleControl(pkt, fromMulticast)
	}
}

// notifyRdata 唤醒定时线程处理重传队列 (边沿触发, 可合并)
func (t *Transport) notifyRdata() {
	select {
	case t.rdataNotify <- struct{}{}:
	default:
	}
}

// notifyTimer 唤醒定时线程重算下次定时
func (t *Transport) notifyTimer() {
	select {
	case t.timerNotify <- struct{}{}:
	default:
	}
}
