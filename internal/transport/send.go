// =============================================================================
// 文件: internal/transport/send.go
// 描述: ODATA 发送路径 - 单包、聚合、分片、零拷贝
// =============================================================================
package transport

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/mrcgq/gopgm/internal/checksum"
	"github.com/mrcgq/gopgm/internal/protocol"
	"github.com/mrcgq/gopgm/internal/rate"
	"github.com/mrcgq/gopgm/internal/txw"
)

// sendState 发送中断恢复状态。限速拒绝或写阻塞后,
// 重试从上一个未发出的分片重新进入, 不重新分配或重算校验和。
type sendState struct {
	rec      *txw.Record
	unfolded uint32

	isRateLimited bool // 整批配额已预检通过

	firstSqn   uint32
	apduLen    int
	dataOffset int // APDU 内已切分字节
	tsduLen    int

	vectorIndex  int
	vectorOffset int
}

func (t *Transport) open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isOpen
}

// transmit 限速后写出一个 TPDU。
// 返回 (是否完整写出, 阻塞类错误)。写失败不阻塞时吞掉:
// 窗口里的记录才是可靠性的依据, 接收端会用 NAK 讨回。
func (t *Transport) transmit(tpdu []byte, rateLimited bool, flags Flags) (bool, error) {
	if rateLimited {
		if err := t.regulator.Check(len(tpdu)+ipHeaderLen, flags&DontWait != 0); err != nil {
			if errors.Is(err, rate.ErrLimited) {
				return false, ErrRateLimited
			}
			return false, err
		}
	}
	writeDontwait := flags&DontWait != 0 && flags&WaitAll == 0
	n, err := t.sender.Send(tpdu, false, writeDontwait)
	if errors.Is(err, ErrWouldBlock) {
		return false, ErrWouldBlock
	}
	if err != nil || n != len(tpdu) {
		return false, nil
	}
	return true, nil
}

// checkGroupEnd 传输组闭合时调度主动奇偶校验
func (t *Transport) checkGroupEnd(sqn uint32) {
	if !t.useProactiveParity {
		return
	}
	mask := uint32(0xffffffff) << t.tgSqnShift
	if (sqn+1)&^mask != 0 {
		return
	}
	t.txwLock.RLock()
	cnt, err := t.window.RetransmitPush(sqn&mask, true, t.tgSqnShift)
	t.txwLock.RUnlock()
	if err == nil && cnt > 0 {
		t.notifyRdata()
	}
}

// Send 发送一个 APDU, 超过单包 TSDU 上限时分片
func (t *Transport) Send(apdu []byte, flags Flags) (int, error) {
	if err := validateFlags(flags); err != nil {
		return 0, err
	}
	if !t.open() {
		return 0, ErrClosed
	}
	if len(apdu) <= t.maxTSDU {
		return t.sendOneCopy(apdu, flags)
	}
	if len(apdu) > int(t.txwSqns)*t.maxTSDUFragment {
		return 0, ErrOversize
	}

	st := &t.resume
	var bytesSent, packetsSent, dataBytesSent int

	if !t.isAPDUEagain {
		st.rec = nil
		st.apduLen = len(apdu)
		st.dataOffset = 0
		st.isRateLimited = false

		// 非阻塞整批模式: 先按线上总长一次性过限速
		if flags&DontWait != 0 && flags&WaitAll != 0 {
			total := 0
			for off := 0; off < len(apdu); {
				n := min(t.maxTSDUFragment, len(apdu)-off)
				total += ipHeaderLen + protocol.FragmentDataOffset + n
				off += n
			}
			if err := t.regulator.Check(total, true); err != nil {
				return 0, ErrRateLimited
			}
			st.isRateLimited = true
		}

		t.txwLock.Lock()
		st.firstSqn = t.window.NextLead()
		t.txwLock.Unlock()
	}

	for st.dataOffset < st.apduLen {
		if !t.isAPDUEagain {
			st.tsduLen = min(t.maxTSDUFragment, st.apduLen-st.dataOffset)
			t.buildFragment(apdu[st.dataOffset:st.dataOffset+st.tsduLen], st)
		} else {
			t.isAPDUEagain = false
		}

		sent, err := t.transmit(st.rec.TPDU[:st.rec.WireLen], !st.isRateLimited, flags)
		if err != nil {
			t.isAPDUEagain = true
			if bytesSent > 0 {
				t.resetHeartbeatSPM()
				t.addSendStats(bytesSent, packetsSent, dataBytesSent)
			}
			return 0, err
		}
		st.rec.PartialCsum = st.unfolded
		st.rec.HasPartial = true
		if sent {
			bytesSent += st.rec.WireLen + ipHeaderLen
			packetsSent++
			dataBytesSent += st.tsduLen
		}
		st.dataOffset += st.tsduLen
		t.checkGroupEnd(st.rec.Sqn)
	}

	t.isAPDUEagain = false
	t.resetHeartbeatSPM()
	t.addSendStats(bytesSent, packetsSent, dataBytesSent)
	return st.apduLen, nil
}

// buildFragment 在窗口写锁内组装一个带 OPT_FRAGMENT 的 ODATA
func (t *Transport) buildFragment(tsdu []byte, st *sendState) {
	t.txwLock.Lock()
	defer t.txwLock.Unlock()

	buf := t.window.AllocTPDU()
	h := protocol.Header{
		SPort:      t.tsi.SPort,
		DPort:      t.dport,
		Type:       protocol.TypeODATA,
		Options:    protocol.OptPresent,
		GSI:        t.tsi.GSI,
		TSDULength: uint16(len(tsdu)),
	}
	h.Marshal(buf)
	binary.BigEndian.PutUint32(buf[protocol.HeaderSize:], t.window.NextLead())
	binary.BigEndian.PutUint32(buf[protocol.HeaderSize+4:], t.window.Trail())
	protocol.WriteFragmentOptions(buf[protocol.DataOffset:], protocol.FragmentInfo{
		FirstSqn: st.firstSqn,
		Offset:   uint32(st.dataOffset),
		APDULen:  uint32(st.apduLen),
	})

	hdrLen := protocol.FragmentDataOffset
	unfoldedHeader := checksum.Partial(buf[:hdrLen], 0)
	st.unfolded = checksum.PartialCopy(tsdu, buf[hdrLen:hdrLen+len(tsdu)], 0)
	binary.BigEndian.PutUint16(buf[protocol.ChecksumOffset:],
		checksum.Fold(checksum.BlockAdd(unfoldedHeader, st.unfolded, hdrLen)))

	rec := &txw.Record{
		Tstamp:     time.Now(),
		TPDU:       buf,
		WireLen:    hdrLen + len(tsdu),
		TSDULen:    len(tsdu),
		DataOffset: hdrLen,
		FragOffset: protocol.DataOffset + protocol.OptLengthSize + protocol.OptHeaderSize,
	}
	t.window.Add(rec)
	st.rec = rec
}

// sendOneCopy 单包快速路径, 拷贝一次完成校验和
func (t *Transport) sendOneCopy(tsdu []byte, flags Flags) (int, error) {
	if len(tsdu) > t.maxTSDU {
		return 0, ErrOversize
	}

	st := &t.resume
	if !t.isAPDUEagain {
		st.isRateLimited = false
		// 非阻塞整批模式: 入窗前按线上长度预检, 配额不足不留痕迹
		if flags&DontWait != 0 && flags&WaitAll != 0 {
			if err := t.regulator.Check(ipHeaderLen+protocol.DataOffset+len(tsdu), true); err != nil {
				return 0, ErrRateLimited
			}
			st.isRateLimited = true
		}

		t.txwLock.Lock()
		buf := t.window.AllocTPDU()
		h := protocol.Header{
			SPort:      t.tsi.SPort,
			DPort:      t.dport,
			Type:       protocol.TypeODATA,
			GSI:        t.tsi.GSI,
			TSDULength: uint16(len(tsdu)),
		}
		h.Marshal(buf)
		binary.BigEndian.PutUint32(buf[protocol.HeaderSize:], t.window.NextLead())
		binary.BigEndian.PutUint32(buf[protocol.HeaderSize+4:], t.window.Trail())

		hdrLen := protocol.DataOffset
		unfoldedHeader := checksum.Partial(buf[:hdrLen], 0)
		st.unfolded = checksum.PartialCopy(tsdu, buf[hdrLen:hdrLen+len(tsdu)], 0)
		binary.BigEndian.PutUint16(buf[protocol.ChecksumOffset:],
			checksum.Fold(checksum.BlockAdd(unfoldedHeader, st.unfolded, hdrLen)))

		rec := &txw.Record{
			Tstamp:     time.Now(),
			TPDU:       buf,
			WireLen:    hdrLen + len(tsdu),
			TSDULen:    len(tsdu),
			DataOffset: hdrLen,
			FragOffset: -1,
		}
		t.window.Add(rec)
		st.rec = rec
		st.tsduLen = len(tsdu)
		t.txwLock.Unlock()
	} else {
		t.isAPDUEagain = false
	}

	sent, err := t.transmit(st.rec.TPDU[:st.rec.WireLen], !st.isRateLimited, flags)
	if err != nil {
		t.isAPDUEagain = true
		return 0, err
	}
	st.rec.PartialCsum = st.unfolded
	st.rec.HasPartial = true

	t.resetHeartbeatSPM()
	if sent {
		t.addSendStats(st.rec.WireLen+ipHeaderLen, 1, st.tsduLen)
	}
	t.checkGroupEnd(st.rec.Sqn)
	return st.tsduLen, nil
}

// sendOneVector 聚合散布向量为单个 TSDU (无选项)
func (t *Transport) sendOneVector(vec [][]byte, flags Flags) (int, error) {
	st := &t.resume
	if !t.isAPDUEagain {
		tsduLen := 0
		for _, v := range vec {
			tsduLen += len(v)
		}
		if tsduLen > t.maxTSDU {
			return 0, ErrOversize
		}

		st.isRateLimited = false
		if flags&DontWait != 0 && flags&WaitAll != 0 {
			if err := t.regulator.Check(ipHeaderLen+protocol.DataOffset+tsduLen, true); err != nil {
				return 0, ErrRateLimited
			}
			st.isRateLimited = true
		}

		t.txwLock.Lock()
		buf := t.window.AllocTPDU()
		h := protocol.Header{
			SPort:      t.tsi.SPort,
			DPort:      t.dport,
			Type:       protocol.TypeODATA,
			GSI:        t.tsi.GSI,
			TSDULength: uint16(tsduLen),
		}
		h.Marshal(buf)
		binary.BigEndian.PutUint32(buf[protocol.HeaderSize:], t.window.NextLead())
		binary.BigEndian.PutUint32(buf[protocol.HeaderSize+4:], t.window.Trail())

		hdrLen := protocol.DataOffset
		unfoldedHeader := checksum.Partial(buf[:hdrLen], 0)

		// 散布/聚合: 逐元素拷贝并拼接部分和
		dst := buf[hdrLen:]
		off := 0
		st.unfolded = 0
		for i, v := range vec {
			elem := checksum.PartialCopy(v, dst[off:off+len(v)], 0)
			if i == 0 {
				st.unfolded = elem
			} else {
				st.unfolded = checksum.BlockAdd(st.unfolded, elem, off)
			}
			off += len(v)
		}
		binary.BigEndian.PutUint16(buf[protocol.ChecksumOffset:],
			checksum.Fold(checksum.BlockAdd(unfoldedHeader, st.unfolded, hdrLen)))

		rec := &txw.Record{
			Tstamp:     time.Now(),
			TPDU:       buf,
			WireLen:    hdrLen + tsduLen,
			TSDULen:    tsduLen,
			DataOffset: hdrLen,
			FragOffset: -1,
		}
		t.window.Add(rec)
		st.rec = rec
		st.tsduLen = tsduLen
		t.txwLock.Unlock()
	} else {
		t.isAPDUEagain = false
	}

	sent, err := t.transmit(st.rec.TPDU[:st.rec.WireLen], !st.isRateLimited, flags)
	if err != nil {
		t.isAPDUEagain = true
		return 0, err
	}
	st.rec.PartialCsum = st.unfolded
	st.rec.HasPartial = true

	t.resetHeartbeatSPM()
	if sent {
		t.addSendStats(st.rec.WireLen+ipHeaderLen, 1, st.tsduLen)
	}
	t.checkGroupEnd(st.rec.Sqn)
	return st.tsduLen, nil
}

// SendVector 发送散布向量。
// isOneAPDU 为真: 整个向量是一个 APDU, 不超过单包上限时聚合成单
// TSDU, 否则跨元素切分。为假: 每个元素是独立 APDU, 逐个转发。
func (t *Transport) SendVector(vec [][]byte, isOneAPDU bool, flags Flags) (int, error) {
	if err := validateFlags(flags); err != nil {
		return 0, err
	}
	if !t.open() {
		return 0, ErrClosed
	}
	if len(vec) == 0 {
		return t.sendOneCopy(nil, flags)
	}

	apduLen := 0
	for _, v := range vec {
		apduLen += len(v)
	}

	if isOneAPDU && apduLen <= t.maxTSDU {
		return t.sendOneVector(vec, flags)
	}

	st := &t.resume

	if !isOneAPDU {
		if !t.isAPDUEagain {
			st.vectorIndex = 0
		}
		dataBytesSent := 0
		for st.vectorIndex < len(vec) {
			n, err := t.Send(vec[st.vectorIndex], flags)
			if err != nil {
				// Send 已设置续传状态
				return dataBytesSent, err
			}
			dataBytesSent += n
			st.vectorIndex++
		}
		t.isAPDUEagain = false
		return dataBytesSent, nil
	}

	if apduLen > int(t.txwSqns)*t.maxTSDUFragment {
		return 0, ErrOversize
	}

	var bytesSent, packetsSent, dataBytesSent int

	if !t.isAPDUEagain {
		st.rec = nil
		st.apduLen = apduLen
		st.dataOffset = 0
		st.vectorIndex = 0
		st.vectorOffset = 0
		st.isRateLimited = false

		if flags&DontWait != 0 && flags&WaitAll != 0 {
			total := 0
			for off := 0; off < apduLen; {
				n := min(t.maxTSDUFragment, apduLen-off)
				total += ipHeaderLen + protocol.FragmentDataOffset + n
				off += n
			}
			if err := t.regulator.Check(total, true); err != nil {
				return 0, ErrRateLimited
			}
			st.isRateLimited = true
		}

		t.txwLock.Lock()
		st.firstSqn = t.window.NextLead()
		t.txwLock.Unlock()
	}

	for st.dataOffset < st.apduLen {
		if !t.isAPDUEagain {
			st.tsduLen = min(t.maxTSDUFragment, st.apduLen-st.dataOffset)
			t.buildVectorFragment(vec, st)
		} else {
			t.isAPDUEagain = false
		}

		sent, err := t.transmit(st.rec.TPDU[:st.rec.WireLen], !st.isRateLimited, flags)
		if err != nil {
			t.isAPDUEagain = true
			if bytesSent > 0 {
				t.resetHeartbeatSPM()
				t.addSendStats(bytesSent, packetsSent, dataBytesSent)
			}
			return 0, err
		}
		st.rec.PartialCsum = st.unfolded
		st.rec.HasPartial = true
		if sent {
			bytesSent += st.rec.WireLen + ipHeaderLen
			packetsSent++
			dataBytesSent += st.tsduLen
		}
		st.dataOffset += st.tsduLen
		t.checkGroupEnd(st.rec.Sqn)
	}

	t.isAPDUEagain = false
	t.resetHeartbeatSPM()
	t.addSendStats(bytesSent, packetsSent, dataBytesSent)
	return st.apduLen, nil
}

// buildVectorFragment 跨向量元素切出一个分片, 推进向量游标
func (t *Transport) buildVectorFragment(vec [][]byte, st *sendState) {
	t.txwLock.Lock()
	defer t.txwLock.Unlock()

	buf := t.window.AllocTPDU()
	h := protocol.Header{
		SPort:      t.tsi.SPort,
		DPort:      t.dport,
		Type:       protocol.TypeODATA,
		Options:    protocol.OptPresent,
		GSI:        t.tsi.GSI,
		TSDULength: uint16(st.tsduLen),
	}
	h.Marshal(buf)
	binary.BigEndian.PutUint32(buf[protocol.HeaderSize:], t.window.NextLead())
	binary.BigEndian.PutUint32(buf[protocol.HeaderSize+4:], t.window.Trail())
	protocol.WriteFragmentOptions(buf[protocol.DataOffset:], protocol.FragmentInfo{
		FirstSqn: st.firstSqn,
		Offset:   uint32(st.dataOffset),
		APDULen:  uint32(st.apduLen),
	})

	hdrLen := protocol.FragmentDataOffset
	unfoldedHeader := checksum.Partial(buf[:hdrLen], 0)

	// 跨一个或多个向量元素的散布拷贝 + 校验和
	dst := buf[hdrLen:]
	dstLen := 0
	st.unfolded = 0
	for dstLen < st.tsduLen {
		src := vec[st.vectorIndex][st.vectorOffset:]
		copyLen := min(st.tsduLen-dstLen, len(src))
		elem := checksum.PartialCopy(src[:copyLen], dst[dstLen:dstLen+copyLen], 0)
		if dstLen == 0 {
			st.unfolded = elem
		} else {
			st.unfolded = checksum.BlockAdd(st.unfolded, elem, dstLen)
		}
		if copyLen == len(src) {
			st.vectorIndex++
			st.vectorOffset = 0
		} else {
			st.vectorOffset += copyLen
		}
		dstLen += copyLen
	}

	binary.BigEndian.PutUint16(buf[protocol.ChecksumOffset:],
		checksum.Fold(checksum.BlockAdd(unfoldedHeader, st.unfolded, hdrLen)))

	rec := &txw.Record{
		Tstamp:     time.Now(),
		TPDU:       buf,
		WireLen:    hdrLen + st.tsduLen,
		TSDULen:    st.tsduLen,
		DataOffset: hdrLen,
		FragOffset: protocol.DataOffset + protocol.OptLengthSize + protocol.OptHeaderSize,
	}
	t.window.Add(rec)
	st.rec = rec
}

func (t *Transport) addSendStats(bytesSent, packetsSent, dataBytesSent int) {
	t.stats.bytesSent.Add(uint64(bytesSent))
	t.stats.dataMsgsSent.Add(uint64(packetsSent))
	t.stats.dataBytesSent.Add(uint64(dataBytesSent))
}
