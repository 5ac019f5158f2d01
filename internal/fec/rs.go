// =============================================================================
// 文件: internal/fec/rs.go
// 描述: 传输组系统化 Reed-Solomon 编码器
// =============================================================================
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Encoder (n,k) 系统化 RS 编码器。一个传输组的 k 个原始包共享
// n-k 个奇偶包空间, 奇偶索引 h ∈ [0, n-k)。
type Encoder struct {
	n, k int
	rs   reedsolomon.Encoder

	// 复用的奇偶分片, 按分片长度重建
	parity   [][]byte
	shardLen int
}

// NewEncoder 创建 RS(n,k) 编码器
func NewEncoder(n, k int) (*Encoder, error) {
	if k <= 0 || n <= k || n > 255 {
		return nil, fmt.Errorf("非法 RS 参数 n=%d k=%d", n, k)
	}
	rs, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, err
	}
	return &Encoder{n: n, k: k, rs: rs}, nil
}

// N 总分片数
func (e *Encoder) N() int { return e.n }

// K 原始分片数
func (e *Encoder) K() int { return e.k }

// Encode 由 k 个等长原始分片合成第 h 个奇偶分片写入 dst。
// 所有 src 分片与 dst 必须等长。
func (e *Encoder) Encode(src [][]byte, h int, dst []byte) error {
	if len(src) != e.k {
		return fmt.Errorf("原始分片数 %d != k=%d", len(src), e.k)
	}
	if h < 0 || h >= e.n-e.k {
		return fmt.Errorf("奇偶索引越界 h=%d", h)
	}
	shardLen := len(dst)
	for i, s := range src {
		if len(s) != shardLen {
			return fmt.Errorf("分片 %d 长度 %d != %d", i, len(s), shardLen)
		}
	}
	if e.shardLen != shardLen || e.parity == nil {
		e.parity = make([][]byte, e.n-e.k)
		for i := range e.parity {
			e.parity[i] = make([]byte, shardLen)
		}
		e.shardLen = shardLen
	}

	shards := make([][]byte, e.n)
	copy(shards, src)
	copy(shards[e.k:], e.parity)
	if err := e.rs.Encode(shards); err != nil {
		return err
	}
	copy(dst, e.parity[h])
	return nil
}
