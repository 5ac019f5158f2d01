// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: PGM 线上格式 (RFC 3208) - 包头、类型码、选项常量
// =============================================================================
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PGM 包类型
const (
	TypeSPM   = 0x00
	TypeODATA = 0x04
	TypeRDATA = 0x05
	TypeNAK   = 0x08
	TypeNNAK  = 0x09
	TypeNCF   = 0x0A
	TypeSPMR  = 0x40
)

// 包头 options 位域
const (
	OptPresent   = 0x01 // 带选项扩展
	OptNetwork   = 0x02 // 网元有意义的选项
	OptVarPktlen = 0x40 // 变长包 (奇偶校验用)
	OptParity    = 0x80 // 奇偶校验包
)

// 选项类型
const (
	OptLength     = 0x00
	OptFragment   = 0x01
	OptNakList    = 0x02
	OptJoin       = 0x03
	OptRedirect   = 0x07
	OptParityPrm  = 0x08
	OptParityGrp  = 0x09
	OptCurrTgsize = 0x0A
	OptSyn        = 0x0D
	OptFin        = 0x0E
	OptRst        = 0x0F

	OptEnd  = 0x80 // 选项链结束位
	OptMask = 0x7F
)

// opt_reserved 标志
const (
	OpEncoded     = 0x08 // 选项经过 FEC 编码
	OpEncodedNull = 0x80 // FEC 编码中的空占位
)

// 地址族标识 (NLA AFI)
const (
	AFIIP  = 1
	AFIIP6 = 2
)

// 固定长度
const (
	HeaderSize      = 16 // PGM 固定包头
	DataSize        = 8  // data_sqn + data_trail
	SPMSize         = 20 // IPv4 SPM 负载
	SPM6Size        = 32 // IPv6 SPM 负载
	NakSize         = 20 // IPv4 NAK/NCF 负载
	Nak6Size        = 44 // IPv6 NAK/NCF 负载
	OptLengthSize   = 4
	OptHeaderSize   = 3
	OptFragmentSize = 13 // opt_reserved + opt_sqn + opt_frag_off + opt_frag_len

	// 带 OPT_FRAGMENT 时的选项区总长
	FragmentOptTotal = OptLengthSize + OptHeaderSize + OptFragmentSize

	// TSDU 起始偏移
	DataOffset         = HeaderSize + DataSize
	FragmentDataOffset = HeaderSize + DataSize + FragmentOptTotal

	// OPT_NAK_LIST 除首序列号外最多 62 个附加序列号
	// (62*4 + 选项头不超过 255 字节选项长度上限)
	MaxNakListSqns = 62
)

// ChecksumOffset 校验和字段在包头内的偏移
const ChecksumOffset = 6

// ErrMalformed 非法控制包, 协议层拒绝
var ErrMalformed = errors.New("malformed pgm packet")

// GSI 全局源标识
type GSI [6]byte

// TSI 传输会话标识 = GSI + 源端口
type TSI struct {
	GSI   GSI
	SPort uint16
}

func (t TSI) String() string {
	g := t.GSI
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d.%d", g[0], g[1], g[2], g[3], g[4], g[5], t.SPort)
}

// Header PGM 固定包头
type Header struct {
	SPort      uint16
	DPort      uint16
	Type       uint8
	Options    uint8
	Checksum   uint16
	GSI        GSI
	TSDULength uint16
}

// Marshal 把包头写入 b 的前 HeaderSize 字节
func (h *Header) Marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SPort)
	binary.BigEndian.PutUint16(b[2:4], h.DPort)
	b[4] = h.Type
	b[5] = h.Options
	binary.BigEndian.PutUint16(b[6:8], h.Checksum)
	copy(b[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(b[14:16], h.TSDULength)
}

// ParseHeader 解析 PGM 固定包头
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: 包头不足 %d 字节", ErrMalformed, HeaderSize)
	}
	h.SPort = binary.BigEndian.Uint16(b[0:2])
	h.DPort = binary.BigEndian.Uint16(b[2:4])
	h.Type = b[4]
	h.Options = b[5]
	h.Checksum = binary.BigEndian.Uint16(b[6:8])
	copy(h.GSI[:], b[8:14])
	h.TSDULength = binary.BigEndian.Uint16(b[14:16])
	return h, nil
}

// TSI 取包头所属的会话标识
func (h *Header) TSI() TSI {
	return TSI{GSI: h.GSI, SPort: h.SPort}
}

// PktOffset TSDU 在 TPDU 中的起始偏移
func PktOffset(withFragment bool) int {
	if withFragment {
		return FragmentDataOffset
	}
	return DataOffset
}
