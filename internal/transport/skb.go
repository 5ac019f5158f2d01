// =============================================================================
// 文件: internal/transport/skb.go
// 描述: 零拷贝发送路径 - 应用缓冲自带包头预留
// =============================================================================
package transport

import (
	"encoding/binary"
	"time"

	"github.com/mrcgq/gopgm/internal/checksum"
	"github.com/mrcgq/gopgm/internal/protocol"
	"github.com/mrcgq/gopgm/internal/txw"
)

// AppBuffer 应用持有的发送缓冲。Payload() 区域由应用直接写入,
// 发送时在预留空间内就地组装 PGM 包头, 不再拷贝数据。
// 发出后缓冲归窗口所有, 应用不得再改写。
type AppBuffer struct {
	tpdu []byte
	// Len TSDU 实际长度, 应用写完 Payload()[:Len] 后设置
	Len int
}

// NewBuffer 分配一个带最大包头预留的发送缓冲
func (t *Transport) NewBuffer() *AppBuffer {
	return &AppBuffer{tpdu: make([]byte, t.maxTPDU+protocol.FragmentOptTotal+2)}
}

// Payload 应用数据写入区
func (b *AppBuffer) Payload() []byte {
	return b.tpdu[protocol.FragmentDataOffset:]
}

// SendBuffers 零拷贝批量发送。isOneAPDU 为真时整批是一个 APDU,
// 每个缓冲成为它的一个分片并携带 OPT_FRAGMENT。只有一个缓冲时
// 不论 isOneAPDU 都按无选项单包发送。
func (t *Transport) SendBuffers(bufs []*AppBuffer, isOneAPDU bool, flags Flags) (int, error) {
	if err := validateFlags(flags); err != nil {
		return 0, err
	}
	if !t.open() {
		return 0, ErrClosed
	}
	if len(bufs) == 0 {
		return t.sendOneCopy(nil, flags)
	}
	if len(bufs) == 1 {
		return t.sendOneBuffer(bufs[0], flags)
	}

	st := &t.resume
	var bytesSent, packetsSent, dataBytesSent int

	if !t.isAPDUEagain {
		st.rec = nil
		st.vectorIndex = 0
		st.dataOffset = 0
		st.isRateLimited = false

		if isOneAPDU {
			st.apduLen = 0
			for _, b := range bufs {
				if b.Len > t.maxTSDUFragment {
					return 0, ErrOversize
				}
				st.apduLen += b.Len
			}
		} else {
			for _, b := range bufs {
				if b.Len > t.maxTSDU {
					return 0, ErrOversize
				}
			}
		}

		if flags&DontWait != 0 && flags&WaitAll != 0 {
			total := 0
			for _, b := range bufs {
				total += ipHeaderLen + protocol.PktOffset(isOneAPDU) + b.Len
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

	for st.vectorIndex < len(bufs) {
		if !t.isAPDUEagain {
			st.tsduLen = bufs[st.vectorIndex].Len
			t.buildBufferPacket(bufs[st.vectorIndex], isOneAPDU, st)
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
		st.vectorIndex++
	}

	t.isAPDUEagain = false
	t.resetHeartbeatSPM()
	t.addSendStats(bytesSent, packetsSent, dataBytesSent)
	return dataBytesSent, nil
}

// buildBufferPacket 在预留空间内就地组装包头
func (t *Transport) buildBufferPacket(ab *AppBuffer, isOneAPDU bool, st *sendState) {
	t.txwLock.Lock()
	defer t.txwLock.Unlock()

	pktOffset := protocol.PktOffset(isOneAPDU)
	hdrStart := protocol.FragmentDataOffset - pktOffset
	buf := ab.tpdu[hdrStart:]

	var options uint8
	if isOneAPDU {
		options = protocol.OptPresent
	}
	h := protocol.Header{
		SPort:      t.tsi.SPort,
		DPort:      t.dport,
		Type:       protocol.TypeODATA,
		Options:    options,
		GSI:        t.tsi.GSI,
		TSDULength: uint16(ab.Len),
	}
	h.Marshal(buf)
	binary.BigEndian.PutUint32(buf[protocol.HeaderSize:], t.window.NextLead())
	binary.BigEndian.PutUint32(buf[protocol.HeaderSize+4:], t.window.Trail())

	fragOffset := -1
	if isOneAPDU {
		protocol.WriteFragmentOptions(buf[protocol.DataOffset:], protocol.FragmentInfo{
			FirstSqn: st.firstSqn,
			Offset:   uint32(st.dataOffset),
			APDULen:  uint32(st.apduLen),
		})
		fragOffset = protocol.DataOffset + protocol.OptLengthSize + protocol.OptHeaderSize
	}

	unfoldedHeader := checksum.Partial(buf[:pktOffset], 0)
	st.unfolded = checksum.Partial(buf[pktOffset:pktOffset+ab.Len], 0)
	binary.BigEndian.PutUint16(buf[protocol.ChecksumOffset:],
		checksum.Fold(checksum.BlockAdd(unfoldedHeader, st.unfolded, pktOffset)))

	rec := &txw.Record{
		Tstamp:     time.Now(),
		TPDU:       buf,
		WireLen:    pktOffset + ab.Len,
		TSDULen:    ab.Len,
		DataOffset: pktOffset,
		FragOffset: fragOffset,
	}
	t.window.Add(rec)
	st.rec = rec
}

// sendOneBuffer 单缓冲零拷贝发送 (无选项)
func (t *Transport) sendOneBuffer(ab *AppBuffer, flags Flags) (int, error) {
	if ab.Len > t.maxTSDU {
		return 0, ErrOversize
	}

	st := &t.resume
	if !t.isAPDUEagain {
		st.isRateLimited = false
		if flags&DontWait != 0 && flags&WaitAll != 0 {
			if err := t.regulator.Check(ipHeaderLen+protocol.DataOffset+ab.Len, true); err != nil {
				return 0, ErrRateLimited
			}
			st.isRateLimited = true
		}
		st.apduLen = 0
		st.dataOffset = 0
		st.tsduLen = ab.Len
		t.buildBufferPacket(ab, false, st)
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
