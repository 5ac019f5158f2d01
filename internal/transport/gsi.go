// =============================================================================
// 文件: internal/transport/gsi.go
// 描述: 全局源标识 (GSI) 生成
// =============================================================================
package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/mrcgq/gopgm/internal/protocol"
)

// DeriveGSI 从主机名派生 6 字节 GSI, 同一主机重启后保持稳定
func DeriveGSI(hostname string) (protocol.GSI, error) {
	var gsi protocol.GSI
	kdf := hkdf.New(sha256.New, []byte(hostname), nil, []byte("pgm-gsi"))
	if _, err := io.ReadFull(kdf, gsi[:]); err != nil {
		return gsi, err
	}
	return gsi, nil
}

// HostGSI 用本机主机名派生 GSI
func HostGSI() (protocol.GSI, error) {
	host, err := os.Hostname()
	if err != nil {
		return protocol.GSI{}, err
	}
	return DeriveGSI(host)
}

// RandomGSI 随机 GSI, 主机名不可用时的后备
func RandomGSI() (protocol.GSI, error) {
	var gsi protocol.GSI
	if _, err := rand.Read(gsi[:]); err != nil {
		return gsi, err
	}
	return gsi, nil
}
