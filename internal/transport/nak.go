// =============================================================================
// 文件: internal/transport/nak.go
// 描述: 入站控制包分发与 NAK/NNAK 处理
// =============================================================================
package transport

import (
	"github.com/mrcgq/gopgm/internal/checksum"
	"github.com/mrcgq/gopgm/internal/logging"
	"github.com/mrcgq/gopgm/internal/protocol"
)

// HandleControl 接收线程入口: 解析并分发一个入站控制 TPDU。
// 校验失败只计数丢弃, 从不上抛给应用。
func (t *Transport) HandleControl(pkt []byte, fromMulticast bool) {
	h, err := protocol.ParseHeader(pkt)
	if err != nil {
		t.stats.packetsDiscarded.Add(1)
		return
	}
	payload := pkt[protocol.HeaderSize:]

	switch h.Type {
	case protocol.TypeNAK:
		t.onNAK(h, payload)
	case protocol.TypeNNAK:
		t.onNNAK(h, payload)
	case protocol.TypeSPMR:
		t.onSPMR(h, payload, fromMulticast)
	default:
		t.stats.packetsDiscarded.Add(1)
	}
}

// onNAK 校验 NAK, 回 NCF, 入重传队列。
// NCF 在全部校验 (含选项链遍历) 完成后才发出。
func (t *Transport) onNAK(h protocol.Header, payload []byte) {
	isParity := h.Options&protocol.OptParity != 0

	if isParity {
		t.stats.parityNaksReceived.Add(1)
		if !t.useOndemandParity {
			t.stats.malformedNaks.Add(1)
			t.stats.packetsDiscarded.Add(1)
			return
		}
	} else {
		t.stats.selectiveNaksReceived.Add(1)
	}

	nak, err := protocol.VerifyNAK(h, payload)
	if err != nil {
		t.stats.malformedNaks.Add(1)
		t.stats.packetsDiscarded.Add(1)
		return
	}

	// NAK_SRC_NLA 必须是本端单播地址
	if !nak.SrcNLA.Equal(t.sendAddr) {
		t.stats.malformedNaks.Add(1)
		t.stats.packetsDiscarded.Add(1)
		return
	}
	// NAK_GRP_NLA 必须是本组播组
	if !nak.GrpNLA.Equal(t.group.IP) {
		t.stats.malformedNaks.Add(1)
		t.stats.packetsDiscarded.Add(1)
		return
	}

	logging.Debugf(logging.CategoryNAK, "nak sqn=%d list=%d parity=%v", nak.Sqn, len(nak.List), isParity)

	// 先确认后修复: NCF 立即发出, RDATA 交给定时线程
	t.sendNCF(nak.Sqn, nak.List, isParity)

	sqns := append([]uint32{nak.Sqn}, nak.List...)
	for _, sqn := range sqns {
		t.txwLock.RLock()
		cnt, err := t.window.RetransmitPush(sqn, isParity, t.tgSqnShift)
		t.txwLock.RUnlock()
		if err != nil {
			continue
		}
		if cnt > 0 {
			t.notifyRdata()
		}
	}
}

// onNNAK DLR 传播的 Null-NAK, 只做统计
func (t *Transport) onNNAK(h protocol.Header, payload []byte) {
	t.stats.nnakPacketsReceived.Add(1)

	nnak, err := protocol.VerifyNNAK(h, payload)
	if err != nil {
		t.stats.nnakErrors.Add(1)
		t.stats.packetsDiscarded.Add(1)
		return
	}
	if !nnak.SrcNLA.Equal(t.sendAddr) || !nnak.GrpNLA.Equal(t.group.IP) {
		t.stats.nnakErrors.Add(1)
		t.stats.packetsDiscarded.Add(1)
		return
	}

	t.stats.nnaksReceived.Add(uint64(1 + len(nnak.List)))
}

// sendNCF 发送 NAK 确认。多序列号时带 OPT_NAK_LIST。不过限速桶。
func (t *Transport) sendNCF(nakSqn uint32, list []uint32, isParity bool) {
	buf := make([]byte, protocol.NCFLen(t.sendAddr, len(list)))
	n := protocol.WriteNCF(buf, t.tsi.GSI, t.tsi.SPort, t.dport, nakSqn,
		t.sendAddr, t.group.IP, isParity, list)
	p := buf[:n]

	folded := checksum.Fold(checksum.Partial(p, 0))
	p[protocol.ChecksumOffset] = byte(folded >> 8)
	p[protocol.ChecksumOffset+1] = byte(folded)

	sent, err := t.sender.Send(p, true, false)
	if err != nil || sent != len(p) {
		logging.Warnf("ncf 发送失败: %v", err)
		return
	}
	t.stats.bytesSent.Add(uint64(len(p) + ipHeaderLen))
}
