// =============================================================================
// 文件: internal/protocol/nla.go
// 描述: 网络层地址 (NLA) 编解码 - AFI + 保留位 + 地址
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
)

// NLA 线上布局: afi(2) + reserved(2) + addr(4/16)

// NLASize 返回给定 AFI 的 NLA 总长度
func NLASize(afi uint16) (int, error) {
	switch afi {
	case AFIIP:
		return 8, nil
	case AFIIP6:
		return 20, nil
	default:
		return 0, fmt.Errorf("%w: 未知 AFI %d", ErrMalformed, afi)
	}
}

// EncodeNLA 把 ip 编码进 b, 返回写入长度
func EncodeNLA(b []byte, ip net.IP) int {
	if ip4 := ip.To4(); ip4 != nil {
		binary.BigEndian.PutUint16(b[0:2], AFIIP)
		binary.BigEndian.PutUint16(b[2:4], 0)
		copy(b[4:8], ip4)
		return 8
	}
	binary.BigEndian.PutUint16(b[0:2], AFIIP6)
	binary.BigEndian.PutUint16(b[2:4], 0)
	copy(b[4:20], ip.To16())
	return 20
}

// DecodeNLA 从 b 解码一个 NLA, 返回地址和消耗的字节数
func DecodeNLA(b []byte) (net.IP, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("%w: NLA 截断", ErrMalformed)
	}
	afi := binary.BigEndian.Uint16(b[0:2])
	size, err := NLASize(afi)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < size {
		return nil, 0, fmt.Errorf("%w: NLA 截断", ErrMalformed)
	}
	if afi == AFIIP {
		ip := make(net.IP, 4)
		copy(ip, b[4:8])
		return ip, 8, nil
	}
	ip := make(net.IP, 16)
	copy(ip, b[4:20])
	return ip, 20, nil
}
