// =============================================================================
// 文件: internal/transport/stats.go
// 描述: 源端累计统计 (单调计数)
// =============================================================================
package transport

import "sync/atomic"

// Stats 源端累计统计
type Stats struct {
	BytesSent             uint64
	DataBytesSent         uint64
	DataMsgsSent          uint64
	SelectiveNaksReceived uint64
	ParityNaksReceived    uint64
	MalformedNaks         uint64
	BytesRetransmitted    uint64
	MsgsRetransmitted     uint64
	NnakPacketsReceived   uint64
	NnaksReceived         uint64
	NnakErrors            uint64
	SpmrReceived          uint64
	PacketsDiscarded      uint64
}

type statsCounters struct {
	bytesSent             atomic.Uint64
	dataBytesSent         atomic.Uint64
	dataMsgsSent          atomic.Uint64
	selectiveNaksReceived atomic.Uint64
	parityNaksReceived    atomic.Uint64
	malformedNaks         atomic.Uint64
	bytesRetransmitted    atomic.Uint64
	msgsRetransmitted     atomic.Uint64
	nnakPacketsReceived   atomic.Uint64
	nnaksReceived         atomic.Uint64
	nnakErrors            atomic.Uint64
	spmrReceived          atomic.Uint64
	packetsDiscarded      atomic.Uint64
}

func (c *statsCounters) snapshot() Stats {
	return Stats{
		BytesSent:             c.bytesSent.Load(),
		DataBytesSent:         c.dataBytesSent.Load(),
		DataMsgsSent:          c.dataMsgsSent.Load(),
		SelectiveNaksReceived: c.selectiveNaksReceived.Load(),
		ParityNaksReceived:    c.parityNaksReceived.Load(),
		MalformedNaks:         c.malformedNaks.Load(),
		BytesRetransmitted:    c.bytesRetransmitted.Load(),
		MsgsRetransmitted:     c.msgsRetransmitted.Load(),
		NnakPacketsReceived:   c.nnakPacketsReceived.Load(),
		NnaksReceived:         c.nnaksReceived.Load(),
		NnakErrors:            c.nnakErrors.Load(),
		SpmrReceived:          c.spmrReceived.Load(),
		PacketsDiscarded:      c.packetsDiscarded.Load(),
	}
}

// Stats 当前统计快照
func (t *Transport) Stats() Stats {
	return t.stats.snapshot()
}
