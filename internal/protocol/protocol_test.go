// =============================================================================
// 文件: internal/protocol/protocol_test.go
// =============================================================================
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		SPort:      7000,
		DPort:      7500,
		Type:       TypeODATA,
		Options:    OptPresent,
		Checksum:   0xbeef,
		GSI:        GSI{1, 2, 3, 4, 5, 6},
		TSDULength: 1400,
	}
	buf := make([]byte, HeaderSize)
	h.Marshal(buf)

	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if got != h {
		t.Errorf("ParseHeader = %+v, want %+v", got, h)
	}
}

func TestHeaderLayout(t *testing.T) {
	h := Header{SPort: 0x0102, DPort: 0x0304, Type: TypeSPM, TSDULength: 0x0506}
	buf := make([]byte, HeaderSize)
	h.Marshal(buf)

	want := []byte{
		0x01, 0x02, // sport
		0x03, 0x04, // dport
		0x00,       // type
		0x00,       // options
		0x00, 0x00, // checksum
		0, 0, 0, 0, 0, 0, // gsi
		0x05, 0x06, // tsdu_length
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("线上布局 = % x, want % x", buf, want)
	}
}

func TestNLARoundTrip(t *testing.T) {
	for _, ipStr := range []string{"192.168.1.1", "2001:db8::1"} {
		ip := net.ParseIP(ipStr)
		buf := make([]byte, 20)
		n := EncodeNLA(buf, ip)
		got, consumed, err := DecodeNLA(buf)
		if err != nil {
			t.Fatalf("%s: 解码失败: %v", ipStr, err)
		}
		if consumed != n {
			t.Errorf("%s: consumed = %d, want %d", ipStr, consumed, n)
		}
		if !got.Equal(ip) {
			t.Errorf("%s: 得到 %s", ipStr, got)
		}
	}
}

func TestDecodeNLAUnknownAFI(t *testing.T) {
	buf := []byte{0x00, 0x07, 0x00, 0x00, 1, 2, 3, 4}
	if _, _, err := DecodeNLA(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestWriteSPMAndParse(t *testing.T) {
	buf := make([]byte, 64)
	n := WriteSPM(buf, GSI{9, 8, 7, 6, 5, 4}, 7000, 7500, 3, 10, 20, net.ParseIP("10.0.0.1"))
	if n != HeaderSize+SPMSize {
		t.Fatalf("SPM 长度 = %d, want %d", n, HeaderSize+SPMSize)
	}
	h, err := ParseHeader(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != TypeSPM {
		t.Errorf("类型 = 0x%02x, want SPM", h.Type)
	}
	spm, err := ParseSPM(buf[HeaderSize:n])
	if err != nil {
		t.Fatal(err)
	}
	if spm.Sqn != 3 || spm.Trail != 10 || spm.Lead != 20 {
		t.Errorf("SPM = %+v", spm)
	}
	if !spm.NLA.Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("NLA = %s", spm.NLA)
	}
}

func buildNAK(t *testing.T, sqn uint32, src, grp net.IP, list []uint32, optParity bool) []byte {
	t.Helper()
	buf := make([]byte, 512)
	var options uint8
	if len(list) > 0 {
		options |= OptPresent | OptNetwork
	}
	if optParity {
		options |= OptParity
	}
	h := Header{SPort: 7000, DPort: 7500, Type: TypeNAK, Options: options}
	h.Marshal(buf)
	off := HeaderSize
	binary.BigEndian.PutUint32(buf[off:], sqn)
	off += 4
	off += EncodeNLA(buf[off:], src)
	off += EncodeNLA(buf[off:], grp)
	if len(list) > 0 {
		optTotal := OptLengthSize + OptHeaderSize + 1 + 4*len(list)
		buf[off] = OptLength
		buf[off+1] = OptLengthSize
		binary.BigEndian.PutUint16(buf[off+2:], uint16(optTotal))
		off += OptLengthSize
		buf[off] = OptNakList | OptEnd
		buf[off+1] = uint8(OptHeaderSize + 1 + 4*len(list))
		buf[off+2] = 0
		buf[off+3] = 0
		off += OptHeaderSize + 1
		for _, s := range list {
			binary.BigEndian.PutUint32(buf[off:], s)
			off += 4
		}
	}
	return buf[:off]
}

func TestVerifyNAK(t *testing.T) {
	src := net.ParseIP("192.168.0.1")
	grp := net.ParseIP("239.192.0.1")
	pkt := buildNAK(t, 42, src, grp, []uint32{43, 44, 45}, false)

	h, err := ParseHeader(pkt)
	if err != nil {
		t.Fatal(err)
	}
	nak, err := VerifyNAK(h, pkt[HeaderSize:])
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if nak.Sqn != 42 {
		t.Errorf("Sqn = %d, want 42", nak.Sqn)
	}
	if len(nak.List) != 3 || nak.List[0] != 43 || nak.List[2] != 45 {
		t.Errorf("List = %v", nak.List)
	}
	if !nak.SrcNLA.Equal(src) || !nak.GrpNLA.Equal(grp) {
		t.Errorf("NLA = %s / %s", nak.SrcNLA, nak.GrpNLA)
	}
}

func TestVerifyNAKMalformed(t *testing.T) {
	src := net.ParseIP("192.168.0.1")
	grp := net.ParseIP("239.192.0.1")

	base := buildNAK(t, 1, src, grp, []uint32{2}, false)

	mutate := func(name string, f func(b []byte) []byte) {
		pkt := append([]byte{}, base...)
		pkt = f(pkt)
		h, err := ParseHeader(pkt)
		if err != nil {
			return
		}
		if _, err := VerifyNAK(h, pkt[HeaderSize:]); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}

	// 声明 TSDU 长度非 0
	mutate("tsdu_length", func(b []byte) []byte {
		binary.BigEndian.PutUint16(b[14:16], 5)
		return b
	})
	// OPT_PRESENT 置位但首选项不是 OPT_LENGTH
	mutate("首选项", func(b []byte) []byte {
		b[HeaderSize+NakSize] = OptFragment
		return b
	})
	// OPT_LENGTH 自身长度非法
	mutate("opt_length", func(b []byte) []byte {
		b[HeaderSize+NakSize+1] = 7
		return b
	})
	// 选项越过包尾
	mutate("截断", func(b []byte) []byte {
		return b[:len(b)-4]
	})
	// 链无 OPT_END
	mutate("无终结", func(b []byte) []byte {
		b[HeaderSize+NakSize+OptLengthSize] &^= OptEnd
		return b
	})
}

func TestVerifySPMR(t *testing.T) {
	h := Header{Type: TypeSPMR}
	if err := VerifySPMR(h, nil); err != nil {
		t.Errorf("空 SPMR 应合法: %v", err)
	}
	h.TSDULength = 1
	if err := VerifySPMR(h, nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestWriteNCFList(t *testing.T) {
	src := net.ParseIP("192.168.0.1")
	grp := net.ParseIP("239.192.0.1")
	buf := make([]byte, 512)
	n := WriteNCF(buf, GSI{1, 1, 1, 1, 1, 1}, 7000, 7500, 9, src, grp, false, []uint32{10, 11})

	h, err := ParseHeader(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != TypeNCF {
		t.Errorf("类型 = 0x%02x, want NCF", h.Type)
	}
	if h.Options&OptPresent == 0 || h.Options&OptNetwork == 0 {
		t.Errorf("options = 0x%02x, 缺 OPT_PRESENT|OPT_NETWORK", h.Options)
	}
	// NCF 与 NAK 同构, 借同一解析器验证
	ncf, err := VerifyNAK(h, buf[HeaderSize:n])
	if err != nil {
		t.Fatalf("解析 NCF 失败: %v", err)
	}
	if ncf.Sqn != 9 || len(ncf.List) != 2 || ncf.List[0] != 10 || ncf.List[1] != 11 {
		t.Errorf("NCF = %+v", ncf)
	}
}

func TestFragmentOptionsRoundTrip(t *testing.T) {
	payload := make([]byte, 256)
	binary.BigEndian.PutUint32(payload[0:], 7)  // data_sqn
	binary.BigEndian.PutUint32(payload[4:], 0)  // data_trail
	WriteFragmentOptions(payload[DataSize:], FragmentInfo{FirstSqn: 5, Offset: 1400, APDULen: 4000})
	copy(payload[DataSize+FragmentOptTotal:], "abcd")

	h := Header{Type: TypeODATA, Options: OptPresent, TSDULength: 4}
	d, err := ParseData(h, payload[:DataSize+FragmentOptTotal+4])
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if d.Sqn != 7 {
		t.Errorf("Sqn = %d, want 7", d.Sqn)
	}
	if d.Fragment == nil {
		t.Fatal("缺 OPT_FRAGMENT")
	}
	if d.Fragment.FirstSqn != 5 || d.Fragment.Offset != 1400 || d.Fragment.APDULen != 4000 {
		t.Errorf("Fragment = %+v", d.Fragment)
	}
	if string(d.TSDU) != "abcd" {
		t.Errorf("TSDU = %q", d.TSDU)
	}
}
