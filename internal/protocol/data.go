// =============================================================================
// 文件: internal/protocol/data.go
// 描述: SPM / NAK / NCF / ODATA 负载的构建与解析
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
)

// SPM 源路径消息负载
type SPM struct {
	Sqn   uint32
	Trail uint32
	Lead  uint32
	NLA   net.IP
}

// SPMLen 给定路径 NLA 的 SPM TPDU 总长
func SPMLen(nla net.IP) int {
	if nla.To4() != nil {
		return HeaderSize + SPMSize
	}
	return HeaderSize + SPM6Size
}

// WriteSPM 把完整 SPM TPDU 写入 buf (校验和留 0), 返回 TPDU 长度
func WriteSPM(buf []byte, gsi GSI, sport, dport uint16, sqn, trail, lead uint32, nla net.IP) int {
	h := Header{
		SPort:   sport,
		DPort:   dport,
		Type:    TypeSPM,
		Options: 0,
		GSI:     gsi,
	}
	h.Marshal(buf)
	p := buf[HeaderSize:]
	binary.BigEndian.PutUint32(p[0:4], sqn)
	binary.BigEndian.PutUint32(p[4:8], trail)
	binary.BigEndian.PutUint32(p[8:12], lead)
	n := EncodeNLA(p[12:], nla)
	return HeaderSize + 12 + n
}

// ParseSPM 解析 SPM 负载
func ParseSPM(payload []byte) (*SPM, error) {
	if len(payload) < 12+8 {
		return nil, fmt.Errorf("%w: SPM 截断", ErrMalformed)
	}
	s := &SPM{
		Sqn:   binary.BigEndian.Uint32(payload[0:4]),
		Trail: binary.BigEndian.Uint32(payload[4:8]),
		Lead:  binary.BigEndian.Uint32(payload[8:12]),
	}
	nla, _, err := DecodeNLA(payload[12:])
	if err != nil {
		return nil, err
	}
	s.NLA = nla
	return s, nil
}

// NAK 否定确认负载 (NCF 同构)
type NAK struct {
	Sqn    uint32
	SrcNLA net.IP
	GrpNLA net.IP
	List   []uint32 // OPT_NAK_LIST 附加序列号
}

// ParseNAK 解析 NAK/NNAK/NCF 负载的固定部分, 返回结构和选项区起始偏移
func ParseNAK(payload []byte) (*NAK, int, error) {
	if len(payload) < 4 {
		return nil, 0, fmt.Errorf("%w: NAK 截断", ErrMalformed)
	}
	n := &NAK{Sqn: binary.BigEndian.Uint32(payload[0:4])}
	src, consumed, err := DecodeNLA(payload[4:])
	if err != nil {
		return nil, 0, err
	}
	n.SrcNLA = src
	off := 4 + consumed
	grp, consumed, err := DecodeNLA(payload[off:])
	if err != nil {
		return nil, 0, err
	}
	n.GrpNLA = grp
	off += consumed
	return n, off, nil
}

// NCFLen NCF TPDU 总长
func NCFLen(srcNLA net.IP, listLen int) int {
	n := HeaderSize + NakSize
	if srcNLA.To4() == nil {
		n = HeaderSize + Nak6Size
	}
	if listLen > 0 {
		n += OptLengthSize + OptHeaderSize + 1 + 4*listLen
	}
	return n
}

// WriteNCF 构建完整 NCF TPDU (校验和留 0), list 为除首序列号外的附加序列号。
// 多序列号 NCF 带 OPT_NAK_LIST 并置 OPT_PRESENT|OPT_NETWORK。
func WriteNCF(buf []byte, gsi GSI, sport, dport uint16, nakSqn uint32, srcNLA, grpNLA net.IP, isParity bool, list []uint32) int {
	var options uint8
	if isParity {
		options |= OptParity
	}
	if len(list) > 0 {
		options |= OptPresent | OptNetwork
	}
	h := Header{
		SPort:   sport,
		DPort:   dport,
		Type:    TypeNCF,
		Options: options,
		GSI:     gsi,
	}
	h.Marshal(buf)
	off := HeaderSize
	binary.BigEndian.PutUint32(buf[off:off+4], nakSqn)
	off += 4
	off += EncodeNLA(buf[off:], srcNLA)
	off += EncodeNLA(buf[off:], grpNLA)

	if len(list) > 0 {
		optTotal := OptLengthSize + OptHeaderSize + 1 + 4*len(list)
		// OPT_LENGTH
		buf[off] = OptLength
		buf[off+1] = OptLengthSize
		binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(optTotal))
		off += OptLengthSize
		// OPT_NAK_LIST
		buf[off] = OptNakList | OptEnd
		buf[off+1] = uint8(OptHeaderSize + 1 + 4*len(list))
		buf[off+2] = 0 // opt_reserved
		buf[off+3] = 0 // opt_nak_list 保留字节
		off += OptHeaderSize + 1
		for _, sqn := range list {
			binary.BigEndian.PutUint32(buf[off:off+4], sqn)
			off += 4
		}
	}
	return off
}

// FragmentInfo OPT_FRAGMENT 选项值
type FragmentInfo struct {
	FirstSqn uint32 // APDU 首分片的序列号
	Offset   uint32 // 本分片在 APDU 内的字节偏移
	APDULen  uint32 // APDU 总长
}

// WriteFragmentOptions 在 buf 处写 OPT_LENGTH + OPT_FRAGMENT 选项区,
// 返回写入长度 (FragmentOptTotal)。
func WriteFragmentOptions(buf []byte, frag FragmentInfo) int {
	// OPT_LENGTH
	buf[0] = OptLength
	buf[1] = OptLengthSize
	binary.BigEndian.PutUint16(buf[2:4], FragmentOptTotal)
	// OPT_FRAGMENT
	buf[4] = OptFragment | OptEnd
	buf[5] = OptHeaderSize + OptFragmentSize
	buf[6] = 0 // opt_reserved
	buf[7] = 0 // opt_fragment 保留字节
	binary.BigEndian.PutUint32(buf[8:12], frag.FirstSqn)
	binary.BigEndian.PutUint32(buf[12:16], frag.Offset)
	binary.BigEndian.PutUint32(buf[16:20], frag.APDULen)
	return FragmentOptTotal
}

// Data ODATA/RDATA 负载
type Data struct {
	Sqn      uint32
	Trail    uint32
	Fragment *FragmentInfo
	TSDU     []byte
}

// ParseData 解析 ODATA/RDATA 负载 (选项链 + TSDU)
func ParseData(h Header, payload []byte) (*Data, error) {
	if len(payload) < DataSize {
		return nil, fmt.Errorf("%w: DATA 截断", ErrMalformed)
	}
	d := &Data{
		Sqn:   binary.BigEndian.Uint32(payload[0:4]),
		Trail: binary.BigEndian.Uint32(payload[4:8]),
	}
	off := DataSize
	if h.Options&OptPresent != 0 {
		opts, optLen, err := WalkOptions(payload[off:])
		if err != nil {
			return nil, err
		}
		if fb, ok := opts[OptFragment]; ok {
			if len(fb) < OptFragmentSize {
				return nil, fmt.Errorf("%w: OPT_FRAGMENT 截断", ErrMalformed)
			}
			d.Fragment = &FragmentInfo{
				FirstSqn: binary.BigEndian.Uint32(fb[1:5]),
				Offset:   binary.BigEndian.Uint32(fb[5:9]),
				APDULen:  binary.BigEndian.Uint32(fb[9:13]),
			}
		}
		off += optLen
	}
	if len(payload) < off+int(h.TSDULength) {
		return nil, fmt.Errorf("%w: TSDU 长度与包长不符", ErrMalformed)
	}
	d.TSDU = payload[off : off+int(h.TSDULength)]
	return d, nil
}
