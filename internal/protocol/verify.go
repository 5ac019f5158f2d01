// =============================================================================
// 文件: internal/protocol/verify.go
// 描述: 入站控制包 (SPMR/NAK/NNAK) 校验
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
)

// WalkOptions 校验并遍历选项链, b 从 OPT_LENGTH 起。
// 返回 选项类型 -> 选项值 (去掉 3 字节选项头) 和选项区总长。
//
// 拒绝条件: 首选项不是 OPT_LENGTH; OPT_LENGTH 自身长度不为 4;
// 任一选项越过包尾; 链没有 OPT_END 终结。
func WalkOptions(b []byte) (map[uint8][]byte, int, error) {
	if len(b) < OptLengthSize {
		return nil, 0, fmt.Errorf("%w: 选项区截断", ErrMalformed)
	}
	if b[0]&OptMask != OptLength {
		return nil, 0, fmt.Errorf("%w: 首选项不是 OPT_LENGTH", ErrMalformed)
	}
	if b[1] != OptLengthSize {
		return nil, 0, fmt.Errorf("%w: OPT_LENGTH 长度非法 %d", ErrMalformed, b[1])
	}
	optTotal := int(binary.BigEndian.Uint16(b[2:4]))
	if optTotal < OptLengthSize || optTotal > len(b) {
		return nil, 0, fmt.Errorf("%w: opt_total_length 越界 %d", ErrMalformed, optTotal)
	}

	opts := make(map[uint8][]byte)
	off := OptLengthSize
	for off < optTotal {
		if off+OptHeaderSize > optTotal {
			return nil, 0, fmt.Errorf("%w: 选项头越过选项区", ErrMalformed)
		}
		optType := b[off]
		optLen := int(b[off+1])
		if optLen < OptHeaderSize || off+optLen > optTotal {
			return nil, 0, fmt.Errorf("%w: 选项越过包尾", ErrMalformed)
		}
		opts[optType&OptMask] = b[off+OptHeaderSize : off+optLen]
		if optType&OptEnd != 0 {
			return opts, optTotal, nil
		}
		off += optLen
	}
	return nil, 0, fmt.Errorf("%w: 选项链缺少 OPT_END", ErrMalformed)
}

// VerifySPMR 校验 SPM 请求
func VerifySPMR(h Header, payload []byte) error {
	if h.TSDULength != 0 {
		return fmt.Errorf("%w: SPMR 声明 TSDU 长度非 0", ErrMalformed)
	}
	if h.Options&OptPresent != 0 {
		if _, _, err := WalkOptions(payload); err != nil {
			return err
		}
	}
	return nil
}

// VerifyNAK 校验 NAK 并解析序列号与 OPT_NAK_LIST。
// 源/组 NLA 与本端地址的比对由传输层完成。
func VerifyNAK(h Header, payload []byte) (*NAK, error) {
	if h.TSDULength != 0 {
		return nil, fmt.Errorf("%w: NAK 声明 TSDU 长度非 0", ErrMalformed)
	}
	nak, off, err := ParseNAK(payload)
	if err != nil {
		return nil, err
	}
	if h.Options&OptPresent != 0 {
		opts, _, err := WalkOptions(payload[off:])
		if err != nil {
			return nil, err
		}
		if lv, ok := opts[OptNakList]; ok {
			if len(lv) < 1 || (len(lv)-1)%4 != 0 {
				return nil, fmt.Errorf("%w: OPT_NAK_LIST 长度非法", ErrMalformed)
			}
			count := (len(lv) - 1) / 4
			if count > MaxNakListSqns {
				return nil, fmt.Errorf("%w: OPT_NAK_LIST 超过 %d 项", ErrMalformed, MaxNakListSqns)
			}
			for i := 0; i < count; i++ {
				nak.List = append(nak.List, binary.BigEndian.Uint32(lv[1+4*i:5+4*i]))
			}
		}
	}
	return nak, nil
}

// VerifyNNAK 校验 NNAK, 与 NAK 同构
func VerifyNNAK(h Header, payload []byte) (*NAK, error) {
	return VerifyNAK(h, payload)
}
