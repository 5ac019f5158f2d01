// =============================================================================
// 文件: internal/transport/rdata.go
// 描述: 修复路径 - RDATA 重传与奇偶包合成
// =============================================================================
package transport

import (
	"encoding/binary"

	"github.com/mrcgq/gopgm/internal/checksum"
	"github.com/mrcgq/gopgm/internal/logging"
	"github.com/mrcgq/gopgm/internal/protocol"
	"github.com/mrcgq/gopgm/internal/txw"
)

// drainRetransmit 定时线程清空重传队列。
// 锁序约定: mu 在 txwLock 之前, 持 txwLock 期间不得再取 mu,
// 也不得阻塞在限速桶或写原语上。因此每个请求分两段:
// 读锁内窥视队头、就地定稿并拷贝到定时线程私有缓冲,
// 放锁后再限速、发送、重置心跳。
func (t *Transport) drainRetransmit() {
	for {
		t.txwLock.RLock()
		entry, ok := t.window.RetransmitTryPeek()
		if !ok {
			t.txwLock.RUnlock()
			return
		}

		var tpdu []byte
		tsduLen := 0
		prepared := false
		if entry.IsParity {
			tpdu, tsduLen, prepared = t.prepareParity(entry)
		} else {
			rec := entry.Rec
			finalizeRepair(rec.TPDU[:rec.WireLen], rec.DataOffset, rec.TSDULen,
				entry.Partial, entry.HasPartial, t.window.Trail())
			copy(t.repairBuffer, rec.TPDU[:rec.WireLen])
			tpdu = t.repairBuffer[:rec.WireLen]
			tsduLen = rec.TSDULen
			prepared = true
		}
		// 出队重新放行该序列号的 NAK, 修复包随后在锁外发出
		t.window.RetransmitRemoveHead()
		t.txwLock.RUnlock()

		if prepared {
			t.emitRepair(tpdu, tsduLen)
		}
	}
}

// finalizeRepair 把一个 TPDU 定稿为 RDATA: 改写类型与 data_trail,
// 用保存的 TSDU 部分和只重算包头校验和。调用方持窗口读锁。
func finalizeRepair(tpdu []byte, dataOffset, tsduLen int, partial uint32, hasPartial bool, trail uint32) {
	tpdu[4] = protocol.TypeRDATA
	binary.BigEndian.PutUint32(tpdu[protocol.HeaderSize+4:], trail)

	binary.BigEndian.PutUint16(tpdu[protocol.ChecksumOffset:], 0)
	unfoldedHeader := checksum.Partial(tpdu[:dataOffset], 0)
	unfolded := partial
	if !hasPartial {
		unfolded = checksum.Partial(tpdu[dataOffset:dataOffset+tsduLen], 0)
	}
	binary.BigEndian.PutUint16(tpdu[protocol.ChecksumOffset:],
		checksum.Fold(checksum.BlockAdd(unfoldedHeader, unfolded, dataOffset)))
}

// emitRepair 限速后发出一个已定稿的修复包。不持任何窗口锁。
func (t *Transport) emitRepair(tpdu []byte, tsduLen int) {
	if err := t.regulator.Check(len(tpdu)+ipHeaderLen, false); err != nil {
		return
	}
	n, err := t.sender.Send(tpdu, true, false)

	// 已在定时线程内, 重置心跳无需自我唤醒
	t.mu.Lock()
	t.resetHeartbeatSPMUnlocked(false)
	t.mu.Unlock()

	if err != nil || n != len(tpdu) {
		logging.Warnf("rdata 发送失败: %v", err)
		return
	}
	t.stats.bytesRetransmitted.Add(uint64(tsduLen))
	t.stats.msgsRetransmitted.Add(1)
	t.stats.bytesSent.Add(uint64(len(tpdu) + ipHeaderLen))
}

// prepareParity 在窗口读锁内合成并定稿一个传输组的奇偶包,
// 写入定时线程私有的奇偶缓冲。
// 奇偶索引按组单调分配, 在此对 n-k 取模回绕 (保留原实现行为)。
func (t *Transport) prepareParity(entry txw.RetransmitEntry) ([]byte, int, bool) {
	rsH := entry.RsH % uint32(t.rsN-t.rsK)
	mask := uint32(0xffffffff) << t.tgSqnShift
	tgSqn := entry.Sqn & mask

	// 收齐组内全部 k 个原始包
	srcRecs := make([]*txw.Record, t.rsK)
	for i := 0; i < t.rsK; i++ {
		rec, err := t.window.Peek(tgSqn + uint32(i))
		if err != nil {
			// 组内有包已滑出窗口, 无法合成
			logging.Debugf(logging.CategoryNAK, "奇偶请求落空 tg=%d: %v", tgSqn, err)
			return nil, 0, false
		}
		srcRecs[i] = rec
	}

	// 奇偶 TSDU 长度取组内最大; 长度不一致时变长编码
	parityLen := 0
	isVarPktlen := false
	isOpEncoded := false
	for _, rec := range srcRecs {
		if parityLen == 0 {
			parityLen = rec.TSDULen
		} else if rec.TSDULen != parityLen {
			isVarPktlen = true
			if rec.TSDULen > parityLen {
				parityLen = rec.TSDULen
			}
		}
		if rec.TPDU[5]&protocol.OptPresent != 0 {
			isOpEncoded = true
		}
	}

	// 变长: 原始包就地零填充到最大长度, 真实长度以 16 位大端尾随。
	// 填充只做一次, 重复的奇偶生成结果一致。
	if isVarPktlen {
		for _, rec := range srcRecs {
			if rec.ZeroPadded {
				continue
			}
			pad := rec.TPDU[rec.DataOffset+rec.TSDULen : rec.DataOffset+parityLen]
			for i := range pad {
				pad[i] = 0
			}
			binary.BigEndian.PutUint16(rec.TPDU[rec.DataOffset+parityLen:rec.DataOffset+parityLen+2],
				uint16(rec.TSDULen))
			rec.ZeroPadded = true
		}
		parityLen += 2
	}

	options := uint8(protocol.OptParity)
	if isVarPktlen {
		options |= protocol.OptVarPktlen
	}
	if isOpEncoded {
		options |= protocol.OptPresent
	}

	buf := t.parityBuffer
	h := protocol.Header{
		SPort:      t.tsi.SPort,
		DPort:      t.dport,
		Type:       protocol.TypeRDATA,
		Options:    options,
		GSI:        t.tsi.GSI,
		TSDULength: uint16(parityLen),
	}
	h.Marshal(buf)
	binary.BigEndian.PutUint32(buf[protocol.HeaderSize:], tgSqn|rsH)

	dataOffset := protocol.DataOffset
	if isOpEncoded {
		// 选项区: OPT_LENGTH + 标记 OP_ENCODED 的 OPT_FRAGMENT,
		// 值为组内各原始包 OPT_FRAGMENT 值的 RS 编码组合
		off := protocol.DataOffset
		buf[off] = protocol.OptLength
		buf[off+1] = protocol.OptLengthSize
		binary.BigEndian.PutUint16(buf[off+2:off+4], protocol.FragmentOptTotal)
		off += protocol.OptLengthSize
		buf[off] = protocol.OptFragment | protocol.OptEnd
		buf[off+1] = protocol.OptHeaderSize + protocol.OptFragmentSize
		buf[off+2] = protocol.OpEncoded
		off += protocol.OptHeaderSize

		var nullOptFragment [protocol.OptFragmentSize]byte
		nullOptFragment[0] = protocol.OpEncodedNull
		optSrcs := make([][]byte, t.rsK)
		for i, rec := range srcRecs {
			if rec.FragOffset >= 0 {
				optSrcs[i] = rec.TPDU[rec.FragOffset : rec.FragOffset+protocol.OptFragmentSize]
			} else {
				optSrcs[i] = nullOptFragment[:]
			}
		}
		if err := t.rs.Encode(optSrcs, int(rsH), buf[off:off+protocol.OptFragmentSize]); err != nil {
			logging.Warnf("奇偶选项编码失败: %v", err)
			return nil, 0, false
		}
		dataOffset = protocol.FragmentDataOffset
	}

	paySrcs := make([][]byte, t.rsK)
	for i, rec := range srcRecs {
		paySrcs[i] = rec.TPDU[rec.DataOffset : rec.DataOffset+parityLen]
	}
	if err := t.rs.Encode(paySrcs, int(rsH), buf[dataOffset:dataOffset+parityLen]); err != nil {
		logging.Warnf("奇偶编码失败: %v", err)
		return nil, 0, false
	}

	tpdu := buf[:dataOffset+parityLen]
	finalizeRepair(tpdu, dataOffset, parityLen, 0, false, t.window.Trail())
	return tpdu, parityLen, true
}
