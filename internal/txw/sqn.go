// =============================================================================
// 文件: internal/txw/sqn.go
// 描述: 32 位序列号的模运算比较
// =============================================================================
package txw

// SqnLt a < b (有符号差模 2^32, 回绕透明)
func SqnLt(a, b uint32) bool {
	return int32(a-b) < 0
}

// SqnLte a <= b
func SqnLte(a, b uint32) bool {
	return a == b || SqnLt(a, b)
}

// InWindow s 是否落在 [trail, lead] 内
func InWindow(s, trail, lead uint32) bool {
	return !SqnLt(s, trail) && !SqnLt(lead, s)
}
