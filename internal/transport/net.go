// =============================================================================
// 文件: internal/transport/net.go
// 描述: 出站写原语 - UDP 封装组播
// =============================================================================
package transport

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// Sender 出站写原语。dontwait 为真时实现可以返回 ErrWouldBlock。
type Sender interface {
	// Send 发送一个完整 TPDU。routerAlert 指示修复/控制包需要
	// 网元截获 (仅原生 IP 有 Router Alert 选项, UDP 封装下忽略)。
	Send(b []byte, routerAlert bool, dontwait bool) (int, error)
}

// Receiver 入站控制包读取。实现由接收线程轮询。
type Receiver interface {
	// Recv 返回一个控制 TPDU 和其目的是否为组播
	Recv() ([]byte, bool, error)
}

// UDPSender UDP 封装的组播出口
type UDPSender struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr
}

// NewUDPSender 建立到组播组的 UDP 出口, ttl 为组播跳数
func NewUDPSender(group *net.UDPAddr, ifi *net.Interface, ttl int) (*UDPSender, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("udp 出口: %w", err)
	}
	p := ipv4.NewPacketConn(conn)
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if ttl > 0 {
		if err := p.SetMulticastTTL(ttl); err != nil {
			conn.Close()
			return nil, err
		}
	}
	// 本机回环便于单机调试
	_ = p.SetMulticastLoopback(true)
	return &UDPSender{conn: conn, pconn: p, group: group}, nil
}

// LocalIP 出口使用的本端单播地址
func (s *UDPSender) LocalIP() net.IP {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
		return addr.IP
	}
	// 套接字绑在通配地址上: 按到组播组的路由取出口地址
	c, err := net.DialUDP("udp4", nil, s.group)
	if err != nil {
		return nil
	}
	defer c.Close()
	if addr, ok := c.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP
	}
	return nil
}

// Send 发送到组播组
func (s *UDPSender) Send(b []byte, routerAlert, dontwait bool) (int, error) {
	// UDP 封装无 IP 选项, routerAlert 在此无处落地
	return s.conn.WriteToUDP(b, s.group)
}

// Recv 读取一个入站控制 TPDU。接收端的 NAK/NNAK/SPMR 单播回源,
// 正好落在发送套接字上; 组播路径的 SPMR 观察属于接收侧, 此处恒为单播。
func (s *UDPSender) Recv() ([]byte, bool, error) {
	buf := make([]byte, 65536)
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, false, err
	}
	return buf[:n], false, nil
}

// Close 关闭出口
func (s *UDPSender) Close() error {
	return s.conn.Close()
}
