// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/gopgm/internal/transport"
)

// SourceStats 源端统计数据接口
type SourceStats interface {
	Stats() transport.Stats
}

// SourceCollector PGM 源端指标收集器
type SourceCollector struct {
	statsProvider SourceStats
	tsi           string

	// 描述符
	bytesSentDesc          *prometheus.Desc
	dataBytesSentDesc      *prometheus.Desc
	dataMsgsSentDesc       *prometheus.Desc
	selectiveNaksDesc      *prometheus.Desc
	parityNaksDesc         *prometheus.Desc
	malformedNaksDesc      *prometheus.Desc
	bytesRetransmittedDesc *prometheus.Desc
	msgsRetransmittedDesc  *prometheus.Desc
	nnakPacketsDesc        *prometheus.Desc
	nnaksDesc              *prometheus.Desc
	nnakErrorsDesc         *prometheus.Desc
	spmrReceivedDesc       *prometheus.Desc
	packetsDiscardedDesc   *prometheus.Desc
}

// NewSourceCollector 创建源端收集器, tsi 作为固定标签区分会话
func NewSourceCollector(provider SourceStats, tsi string) *SourceCollector {
	namespace := "pgm"
	subsystem := "source"
	labels := prometheus.Labels{"tsi": tsi}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			help, nil, labels,
		)
	}

	return &SourceCollector{
		statsProvider: provider,
		tsi:           tsi,

		bytesSentDesc:          desc("bytes_sent_total", "Total wire bytes sent"),
		dataBytesSentDesc:      desc("data_bytes_sent_total", "Total application data bytes sent"),
		dataMsgsSentDesc:       desc("data_msgs_sent_total", "Total ODATA packets sent"),
		selectiveNaksDesc:      desc("selective_naks_received_total", "Selective NAKs received"),
		parityNaksDesc:         desc("parity_naks_received_total", "Parity NAKs received"),
		malformedNaksDesc:      desc("malformed_naks_total", "Malformed NAKs rejected"),
		bytesRetransmittedDesc: desc("bytes_retransmitted_total", "TSDU bytes retransmitted"),
		msgsRetransmittedDesc:  desc("msgs_retransmitted_total", "RDATA packets sent"),
		nnakPacketsDesc:        desc("nnak_packets_received_total", "NNAK packets received"),
		nnaksDesc:              desc("nnaks_received_total", "NNAK sequence numbers received"),
		nnakErrorsDesc:         desc("nnak_errors_total", "Malformed NNAKs rejected"),
		spmrReceivedDesc:       desc("spmr_received_total", "SPM requests received"),
		packetsDiscardedDesc:   desc("packets_discarded_total", "Inbound packets discarded"),
	}
}

// Describe 实现 prometheus.Collector
func (c *SourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSentDesc
	ch <- c.dataBytesSentDesc
	ch <- c.dataMsgsSentDesc
	ch <- c.selectiveNaksDesc
	ch <- c.parityNaksDesc
	ch <- c.malformedNaksDesc
	ch <- c.bytesRetransmittedDesc
	ch <- c.msgsRetransmittedDesc
	ch <- c.nnakPacketsDesc
	ch <- c.nnaksDesc
	ch <- c.nnakErrorsDesc
	ch <- c.spmrReceivedDesc
	ch <- c.packetsDiscardedDesc
}

// Collect 实现 prometheus.Collector
func (c *SourceCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsProvider.Stats()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}

	counter(c.bytesSentDesc, s.BytesSent)
	counter(c.dataBytesSentDesc, s.DataBytesSent)
	counter(c.dataMsgsSentDesc, s.DataMsgsSent)
	counter(c.selectiveNaksDesc, s.SelectiveNaksReceived)
	counter(c.parityNaksDesc, s.ParityNaksReceived)
	counter(c.malformedNaksDesc, s.MalformedNaks)
	counter(c.bytesRetransmittedDesc, s.BytesRetransmitted)
	counter(c.msgsRetransmittedDesc, s.MsgsRetransmitted)
	counter(c.nnakPacketsDesc, s.NnakPacketsReceived)
	counter(c.nnaksDesc, s.NnaksReceived)
	counter(c.nnakErrorsDesc, s.NnakErrors)
	counter(c.spmrReceivedDesc, s.SpmrReceived)
	counter(c.packetsDiscardedDesc, s.PacketsDiscarded)
}
