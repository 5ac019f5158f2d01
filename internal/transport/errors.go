// =============================================================================
// 文件: internal/transport/errors.go
// 描述: 错误分类与发送标志
// =============================================================================
package transport

import "errors"

// 错误分类。原生 errno 对应关系:
// ErrInvalid=EINVAL, ErrClosed=ECONNRESET, ErrOversize=EMSGSIZE,
// ErrRateLimited/ErrWouldBlock=EAGAIN。
var (
	ErrInvalid      = errors.New("invalid argument")
	ErrAlreadyBound = errors.New("transport already bound")
	ErrNotBound     = errors.New("transport not bound")
	ErrClosed       = errors.New("transport closed")
	ErrOversize     = errors.New("apdu exceeds window capacity")
	ErrRateLimited  = errors.New("rate limited")
	ErrWouldBlock   = errors.New("send would block")
)

// Flags 发送标志
type Flags int

const (
	// DontWait 限速非阻塞: 配额不足立即返回
	DontWait Flags = 1 << iota
	// WaitAll 整包阻塞: 与 DontWait 合用时整批预检限速
	WaitAll
)

// validateFlags 只有 0、DONTWAIT、DONTWAIT|WAITALL 合法;
// 单独 WAITALL 被拒绝 (与原实现断言一致)。
func validateFlags(flags Flags) error {
	if flags&WaitAll != 0 && flags&DontWait == 0 {
		return ErrInvalid
	}
	return nil
}
