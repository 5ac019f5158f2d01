// =============================================================================
// 文件: internal/transport/transport_test.go
// =============================================================================
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/gopgm/internal/checksum"
	"github.com/mrcgq/gopgm/internal/fec"
	"github.com/mrcgq/gopgm/internal/protocol"
)

// mockSender 捕获出站 TPDU
type mockSender struct {
	mu        sync.Mutex
	pkts      [][]byte
	blockNext int // 接下来 n 次写返回 ErrWouldBlock
}

func (m *mockSender) Send(b []byte, routerAlert, dontwait bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockNext > 0 {
		m.blockNext--
		return 0, ErrWouldBlock
	}
	m.pkts = append(m.pkts, append([]byte{}, b...))
	return len(b), nil
}

func (m *mockSender) packets() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.pkts))
	copy(out, m.pkts)
	return out
}

var (
	testGroup    = &net.UDPAddr{IP: net.ParseIP("239.192.0.1"), Port: 7500}
	testSendAddr = net.ParseIP("192.168.0.1").To4()
)

func newTestTransport(t *testing.T, configure func(*Transport) error) (*Transport, *mockSender) {
	t.Helper()
	m := &mockSender{}
	tr := New(protocol.GSI{1, 2, 3, 4, 5, 6}, 7000, 7500, testGroup, testSendAddr, m)
	if err := tr.SetTxwSqns(32); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetTxwMaxRte(1e9); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetAmbientSPM(time.Second); err != nil {
		t.Fatal(err)
	}
	if configure != nil {
		if err := configure(tr); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Bind(); err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	return tr, m
}

// verifyChecksum 按线上字节完整重算校验和
func verifyChecksum(t *testing.T, pkt []byte) {
	t.Helper()
	stored := binary.BigEndian.Uint16(pkt[protocol.ChecksumOffset:])
	cp := append([]byte{}, pkt...)
	binary.BigEndian.PutUint16(cp[protocol.ChecksumOffset:], 0)
	if want := checksum.Fold(checksum.Partial(cp, 0)); stored != want {
		t.Errorf("校验和 = 0x%04x, want 0x%04x", stored, want)
	}
}

func parseData(t *testing.T, pkt []byte) (protocol.Header, *protocol.Data) {
	t.Helper()
	h, err := protocol.ParseHeader(pkt)
	if err != nil {
		t.Fatal(err)
	}
	d, err := protocol.ParseData(h, pkt[protocol.HeaderSize:])
	if err != nil {
		t.Fatal(err)
	}
	return h, d
}

// buildTestNAK NCF 与 NAK 同构, 改类型字节即可
func buildTestNAK(sqn uint32, src, grp net.IP, isParity bool) []byte {
	buf := make([]byte, protocol.NCFLen(src, 0))
	n := protocol.WriteNCF(buf, protocol.GSI{1, 2, 3, 4, 5, 6}, 7000, 7500, sqn, src, grp, isParity, nil)
	buf[4] = protocol.TypeNAK
	return buf[:n]
}

func TestSendSingle(t *testing.T) {
	tr, m := newTestTransport(t, nil)

	n, err := tr.Send([]byte("hello"), 0)
	if err != nil || n != 5 {
		t.Fatalf("Send = %d, %v", n, err)
	}

	pkts := m.packets()
	if len(pkts) != 1 {
		t.Fatalf("包数 = %d, want 1", len(pkts))
	}
	h, d := parseData(t, pkts[0])
	if h.Type != protocol.TypeODATA {
		t.Errorf("类型 = 0x%02x, want ODATA", h.Type)
	}
	if h.TSDULength != 5 {
		t.Errorf("tsdu_length = %d, want 5", h.TSDULength)
	}
	if d.Sqn != 0 || d.Trail != 0 {
		t.Errorf("sqn/trail = %d/%d, want 0/0", d.Sqn, d.Trail)
	}
	if string(d.TSDU) != "hello" {
		t.Errorf("TSDU = %q", d.TSDU)
	}
	verifyChecksum(t, pkts[0])

	// 常态周期内的 SPM 通告窗口状态
	if err := tr.sendSPM(); err != nil {
		t.Fatalf("SPM 失败: %v", err)
	}
	pkts = m.packets()
	spmPkt := pkts[len(pkts)-1]
	sh, err := protocol.ParseHeader(spmPkt)
	if err != nil || sh.Type != protocol.TypeSPM {
		t.Fatalf("SPM 头 = %+v, %v", sh, err)
	}
	spm, err := protocol.ParseSPM(spmPkt[protocol.HeaderSize:])
	if err != nil {
		t.Fatal(err)
	}
	if spm.Sqn != 0 || spm.Trail != 0 || spm.Lead != 0 {
		t.Errorf("SPM = %+v, want sqn/trail/lead 0/0/0", spm)
	}
	verifyChecksum(t, spmPkt)

	st := tr.Stats()
	if st.DataBytesSent != 5 || st.DataMsgsSent != 1 {
		t.Errorf("统计 = %+v", st)
	}
}

func TestFragmentation(t *testing.T) {
	tr, m := newTestTransport(t, func(tr *Transport) error {
		return tr.SetMaxTPDU(48) // 分片 TSDU 上限 4 字节
	})

	apdu := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ01") // 28 字节 > maxTSDU(24), 走分片
	n, err := tr.Send(apdu, 0)
	if err != nil || n != len(apdu) {
		t.Fatalf("Send = %d, %v", n, err)
	}

	pkts := m.packets()
	if len(pkts) != 7 {
		t.Fatalf("分片数 = %d, want 7", len(pkts))
	}
	var reassembled []byte
	for i, pkt := range pkts {
		h, d := parseData(t, pkt)
		if h.Options&protocol.OptPresent == 0 {
			t.Fatalf("分片 %d 缺 OPT_PRESENT", i)
		}
		if d.Sqn != uint32(i) {
			t.Errorf("分片 %d sqn = %d", i, d.Sqn)
		}
		if d.Fragment == nil {
			t.Fatalf("分片 %d 缺 OPT_FRAGMENT", i)
		}
		if d.Fragment.FirstSqn != 0 {
			t.Errorf("分片 %d opt_sqn = %d, want 0", i, d.Fragment.FirstSqn)
		}
		if d.Fragment.APDULen != 28 {
			t.Errorf("分片 %d opt_frag_len = %d, want 28", i, d.Fragment.APDULen)
		}
		if d.Fragment.Offset != uint32(4*i) {
			t.Errorf("分片 %d opt_frag_off = %d, want %d", i, d.Fragment.Offset, 4*i)
		}
		verifyChecksum(t, pkt)
		reassembled = append(reassembled, d.TSDU...)
	}
	if !bytes.Equal(reassembled, apdu) {
		t.Errorf("重组 = %q", reassembled)
	}
}

func TestNAKHandling(t *testing.T) {
	tr, m := newTestTransport(t, nil)
	tr.Send([]byte("hell"), 0)
	tr.Send([]byte("o!"), 0)
	base := len(m.packets())

	origPkts := m.packets()
	_, origData := parseData(t, origPkts[1])

	nak := buildTestNAK(1, testSendAddr, testGroup.IP, false)
	tr.HandleControl(nak, false)

	pkts := m.packets()
	if len(pkts) != base+1 {
		t.Fatalf("NAK 后包数 = %d, want %d", len(pkts), base+1)
	}
	ncfH, err := protocol.ParseHeader(pkts[base])
	if err != nil || ncfH.Type != protocol.TypeNCF {
		t.Fatalf("应先出 NCF: %+v", ncfH)
	}
	ncf, _, err := protocol.ParseNAK(pkts[base][protocol.HeaderSize:])
	if err != nil || ncf.Sqn != 1 {
		t.Fatalf("NCF sqn = %+v, %v", ncf, err)
	}

	// 修复发出前的重复 NAK: 再出一个 NCF, 但队列合并
	tr.HandleControl(nak, false)
	if got := len(m.packets()); got != base+2 {
		t.Fatalf("重复 NAK 后包数 = %d, want %d", got, base+2)
	}

	tr.drainRetransmit()
	pkts = m.packets()
	if len(pkts) != base+3 {
		t.Fatalf("修复后包数 = %d, want %d (恰一个 RDATA)", len(pkts), base+3)
	}
	rh, rd := parseData(t, pkts[base+2])
	if rh.Type != protocol.TypeRDATA {
		t.Errorf("类型 = 0x%02x, want RDATA", rh.Type)
	}
	if rd.Sqn != 1 {
		t.Errorf("RDATA sqn = %d, want 1", rd.Sqn)
	}
	if !bytes.Equal(rd.TSDU, origData.TSDU) {
		t.Errorf("RDATA TSDU = %q, want %q", rd.TSDU, origData.TSDU)
	}
	if rd.Trail != 0 {
		t.Errorf("RDATA trail = %d", rd.Trail)
	}
	// 保存的部分和重算出的校验和必须与全量重算一致
	verifyChecksum(t, pkts[base+2])

	st := tr.Stats()
	if st.SelectiveNaksReceived != 2 {
		t.Errorf("selective_naks = %d, want 2", st.SelectiveNaksReceived)
	}
	if st.MsgsRetransmitted != 1 {
		t.Errorf("msgs_retransmitted = %d, want 1", st.MsgsRetransmitted)
	}
}

func TestRateLimitReject(t *testing.T) {
	tr, m := newTestTransport(t, func(tr *Transport) error {
		return tr.SetTxwMaxRte(1)
	})

	_, err := tr.Send(bytes.Repeat([]byte("x"), 1000), DontWait|WaitAll)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if len(m.packets()) != 0 {
		t.Error("不应有包上线")
	}
	// 序列号未被消耗
	if tr.window.NextLead() != 0 {
		t.Errorf("NextLead = %d, want 0", tr.window.NextLead())
	}
	if st := tr.Stats(); st.DataMsgsSent != 0 {
		t.Errorf("统计 = %+v", st)
	}
}

func TestProactiveParity(t *testing.T) {
	tr, m := newTestTransport(t, func(tr *Transport) error {
		if err := tr.SetRS(4, 2); err != nil {
			return err
		}
		return tr.SetProactiveParity(true)
	})

	tr.Send([]byte("abcdefgh"), 0)
	tr.Send([]byte("ijklmnop"), 0)
	tr.drainRetransmit()

	pkts := m.packets()
	if len(pkts) != 3 {
		t.Fatalf("包数 = %d, want 2 ODATA + 1 奇偶", len(pkts))
	}
	h, d := parseData(t, pkts[2])
	if h.Type != protocol.TypeRDATA {
		t.Errorf("类型 = 0x%02x, want RDATA", h.Type)
	}
	if h.Options&protocol.OptParity == 0 {
		t.Error("缺 OPT_PARITY")
	}
	if h.Options&protocol.OptVarPktlen != 0 {
		t.Error("等长组不应置 OPT_VAR_PKTLEN")
	}
	// data_sqn = 组基 | h, h ∈ {0,1}
	if d.Sqn != 0 && d.Sqn != 1 {
		t.Errorf("奇偶 sqn = %d", d.Sqn)
	}

	enc, _ := fec.NewEncoder(4, 2)
	want := make([]byte, 8)
	enc.Encode([][]byte{[]byte("abcdefgh"), []byte("ijklmnop")}, int(d.Sqn&1), want)
	if !bytes.Equal(d.TSDU, want) {
		t.Errorf("奇偶 TSDU = % x, want % x", d.TSDU, want)
	}
	verifyChecksum(t, pkts[2])
}

func TestParityIdempotentPadding(t *testing.T) {
	tr, m := newTestTransport(t, func(tr *Transport) error {
		if err := tr.SetRS(4, 2); err != nil {
			return err
		}
		return tr.SetOndemandParity(true)
	})

	// 变长组: 5 字节 + 8 字节
	tr.Send([]byte("abcde"), 0)
	tr.Send([]byte("ijklmnop"), 0)

	nak := buildTestNAK(0, testSendAddr, testGroup.IP, true)
	tr.HandleControl(nak, false)
	tr.drainRetransmit()
	first := m.packets()
	parity1 := first[len(first)-1]

	// 同组重复生成必须逐字节一致 (h 单调, 对 n-k 回绕后重用 0)
	tr.HandleControl(nak, false)
	tr.drainRetransmit()
	tr.HandleControl(nak, false)
	tr.drainRetransmit()
	all := m.packets()
	parity3 := all[len(all)-1]

	h1, d1 := parseData(t, parity1)
	_, d3 := parseData(t, parity3)
	if h1.Options&protocol.OptVarPktlen == 0 {
		t.Error("变长组缺 OPT_VAR_PKTLEN")
	}
	if h1.TSDULength != 10 { // 最大 8 + 2 字节真实长度尾
		t.Errorf("奇偶 tsdu_length = %d, want 10", h1.TSDULength)
	}
	if d1.Sqn != d3.Sqn {
		t.Fatalf("回绕后奇偶索引 %d != %d", d1.Sqn, d3.Sqn)
	}
	if !bytes.Equal(d1.TSDU, d3.TSDU) {
		t.Error("重复奇偶生成结果不一致")
	}
}

func TestMalformedNAKWrongSource(t *testing.T) {
	tr, m := newTestTransport(t, nil)
	tr.Send([]byte("data"), 0)
	base := len(m.packets())

	nak := buildTestNAK(0, net.ParseIP("10.9.9.9").To4(), testGroup.IP, false)
	tr.HandleControl(nak, false)
	tr.drainRetransmit()

	if got := len(m.packets()); got != base {
		t.Errorf("不应有 NCF/RDATA, 包数 %d -> %d", base, got)
	}
	st := tr.Stats()
	if st.MalformedNaks != 1 {
		t.Errorf("malformed_naks = %d, want 1", st.MalformedNaks)
	}
	if st.PacketsDiscarded != 1 {
		t.Errorf("packets_discarded = %d, want 1", st.PacketsDiscarded)
	}
}

func TestParityNAKRejectedWhenDisabled(t *testing.T) {
	tr, m := newTestTransport(t, nil)
	tr.Send([]byte("data"), 0)
	base := len(m.packets())

	nak := buildTestNAK(0, testSendAddr, testGroup.IP, true)
	tr.HandleControl(nak, false)

	if got := len(m.packets()); got != base {
		t.Error("按需奇偶关闭时不应回 NCF")
	}
	st := tr.Stats()
	if st.ParityNaksReceived != 1 || st.MalformedNaks != 1 {
		t.Errorf("统计 = %+v", st)
	}
}

func TestNNAKAccounting(t *testing.T) {
	tr, m := newTestTransport(t, nil)
	tr.Send([]byte("data"), 0)
	base := len(m.packets())

	nnak := buildTestNAK(0, testSendAddr, testGroup.IP, false)
	nnak[4] = protocol.TypeNNAK
	tr.HandleControl(nnak, false)
	tr.drainRetransmit()

	if got := len(m.packets()); got != base {
		t.Error("NNAK 不应触发任何发送")
	}
	st := tr.Stats()
	if st.NnakPacketsReceived != 1 || st.NnaksReceived != 1 {
		t.Errorf("统计 = %+v", st)
	}
}

func TestWouldBlockResume(t *testing.T) {
	tr, m := newTestTransport(t, nil)
	m.blockNext = 1

	if _, err := tr.Send([]byte("hi"), 0); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
	// 重试从上次中断处续传, 不新建记录
	n, err := tr.Send([]byte("hi"), 0)
	if err != nil || n != 2 {
		t.Fatalf("重试 = %d, %v", n, err)
	}
	if len(m.packets()) != 1 {
		t.Fatalf("包数 = %d, want 1", len(m.packets()))
	}
	if tr.window.NextLead() != 1 {
		t.Errorf("NextLead = %d, want 1 (只占一个序列号)", tr.window.NextLead())
	}
}

func TestSendVectorOneAPDUSmall(t *testing.T) {
	tr, m := newTestTransport(t, nil)
	n, err := tr.SendVector([][]byte{[]byte("ab"), []byte("cd")}, true, 0)
	if err != nil || n != 4 {
		t.Fatalf("SendVector = %d, %v", n, err)
	}
	pkts := m.packets()
	if len(pkts) != 1 {
		t.Fatalf("包数 = %d", len(pkts))
	}
	h, d := parseData(t, pkts[0])
	if h.Options&protocol.OptPresent != 0 {
		t.Error("单 TSDU 聚合不应带选项")
	}
	if string(d.TSDU) != "abcd" {
		t.Errorf("TSDU = %q", d.TSDU)
	}
	verifyChecksum(t, pkts[0])
}

func TestSendVectorOneAPDUFragmented(t *testing.T) {
	tr, m := newTestTransport(t, func(tr *Transport) error {
		return tr.SetMaxTPDU(48)
	})
	vec := [][]byte{[]byte("ABCDEFGH"), []byte("IJKLMNOPQRSTUVWXYZ01")} // 28 字节 > maxTSDU(24)
	n, err := tr.SendVector(vec, true, 0)
	if err != nil || n != 28 {
		t.Fatalf("SendVector = %d, %v", n, err)
	}
	pkts := m.packets()
	if len(pkts) != 7 {
		t.Fatalf("分片数 = %d, want 7", len(pkts))
	}
	var reassembled []byte
	for _, pkt := range pkts {
		_, d := parseData(t, pkt)
		reassembled = append(reassembled, d.TSDU...)
		verifyChecksum(t, pkt)
	}
	if string(reassembled) != "ABCDEFGHIJKLMNOPQRSTUVWXYZ01" {
		t.Errorf("重组 = %q", reassembled)
	}
}

func TestSendBuffersZeroCopy(t *testing.T) {
	tr, m := newTestTransport(t, nil)

	b1 := tr.NewBuffer()
	copy(b1.Payload(), "first")
	b1.Len = 5
	b2 := tr.NewBuffer()
	copy(b2.Payload(), "second")
	b2.Len = 6

	n, err := tr.SendBuffers([]*AppBuffer{b1, b2}, true, 0)
	if err != nil || n != 11 {
		t.Fatalf("SendBuffers = %d, %v", n, err)
	}
	pkts := m.packets()
	if len(pkts) != 2 {
		t.Fatalf("包数 = %d", len(pkts))
	}
	for i, want := range []struct {
		tsdu string
		off  uint32
	}{{"first", 0}, {"second", 5}} {
		h, d := parseData(t, pkts[i])
		if h.Options&protocol.OptPresent == 0 || d.Fragment == nil {
			t.Fatalf("包 %d 缺 OPT_FRAGMENT", i)
		}
		if string(d.TSDU) != want.tsdu {
			t.Errorf("包 %d TSDU = %q", i, d.TSDU)
		}
		if d.Fragment.Offset != want.off || d.Fragment.APDULen != 11 {
			t.Errorf("包 %d fragment = %+v", i, d.Fragment)
		}
		verifyChecksum(t, pkts[i])
	}
}

func TestSPMRTriggersAndRateLimits(t *testing.T) {
	tr, m := newTestTransport(t, nil)

	spmr := make([]byte, protocol.HeaderSize)
	h := protocol.Header{SPort: 9999, DPort: 7500, Type: protocol.TypeSPMR}
	h.Marshal(spmr)

	tr.HandleControl(spmr, false)
	if len(m.packets()) != 1 {
		t.Fatalf("单播 SPMR 应立即回 SPM, 包数 = %d", len(m.packets()))
	}
	// IHB_MIN 内同 TSI 再次请求被限频
	tr.HandleControl(spmr, false)
	if len(m.packets()) != 1 {
		t.Error("限频失效")
	}
	// 组播观察到的 SPMR 只抑制, 不响应
	tr.HandleControl(spmr, true)
	if len(m.packets()) != 1 {
		t.Error("组播 SPMR 不应触发 SPM")
	}
	if st := tr.Stats(); st.SpmrReceived != 2 {
		t.Errorf("spmr_received = %d, want 2", st.SpmrReceived)
	}
}

func TestHeartbeatScheduleWalk(t *testing.T) {
	tr, m := newTestTransport(t, func(tr *Transport) error {
		return tr.SetHeartbeatSPM([]time.Duration{
			10 * time.Millisecond, 20 * time.Millisecond,
		})
	})

	tr.Send([]byte("x"), 0)
	now := time.Now()

	// 突发后心跳表从头走: 两档心跳后回落常态
	tr.heartbeatExpired(now)
	tr.heartbeatExpired(now)
	tr.heartbeatExpired(now)

	spms := 0
	var lastSqn uint32
	for _, pkt := range m.packets() {
		h, err := protocol.ParseHeader(pkt)
		if err == nil && h.Type == protocol.TypeSPM {
			spm, _ := protocol.ParseSPM(pkt[protocol.HeaderSize:])
			lastSqn = spm.Sqn
			spms++
		}
	}
	if spms != 3 {
		t.Fatalf("SPM 数 = %d, want 3", spms)
	}
	if lastSqn != 2 {
		t.Errorf("spm_sqn = %d, want 2 (单调递增)", lastSqn)
	}
	// 哨兵之后回落常态周期
	tr.mu.Lock()
	gap := time.Until(tr.nextHeartbeat)
	tr.mu.Unlock()
	if gap < 500*time.Millisecond {
		t.Errorf("常态周期未生效: %v", gap)
	}
}

func TestFlagValidation(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	if _, err := tr.Send([]byte("x"), WaitAll); !errors.Is(err, ErrInvalid) {
		t.Errorf("单独 WAITALL err = %v, want ErrInvalid", err)
	}
}

func TestClosedSend(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	tr.Close()
	if _, err := tr.Send([]byte("x"), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestAlreadyBound(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	if err := tr.SetTxwSqns(64); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("err = %v, want ErrAlreadyBound", err)
	}
}

func TestOversizeAPDU(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	// 32 × (1500-44) = 46592
	apdu := make([]byte, 46593)
	if _, err := tr.Send(apdu, 0); !errors.Is(err, ErrOversize) {
		t.Errorf("err = %v, want ErrOversize", err)
	}
}

func TestWindowDerivedFromSecsAndRate(t *testing.T) {
	m := &mockSender{}
	tr := New(protocol.GSI{1}, 7000, 7500, testGroup, testSendAddr, m)
	if err := tr.SetTxwSecs(2); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetTxwMaxRte(1500 * 100); err != nil {
		t.Fatal(err)
	}
	if err := tr.Bind(); err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	if tr.txwSqns != 200 {
		t.Errorf("推导窗口 = %d, want 200", tr.txwSqns)
	}
}
