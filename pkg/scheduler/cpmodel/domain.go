package cpmodel

import "math/bits"

// Domain 单格可取班别的位集
type Domain uint64

// Full 前 s 个班别全部可取
func Full(s int) Domain {
	if s >= 64 {
		return ^Domain(0)
	}
	return Domain(1)<<uint(s) - 1
}

// Only 只含一个班别
func Only(s int) Domain { return Domain(1) << uint(s) }

// Has 是否包含
func (d Domain) Has(s int) bool { return d&(Domain(1)<<uint(s)) != 0 }

// Count 可取值个数
func (d Domain) Count() int { return bits.OnesCount64(uint64(d)) }

// Empty 是否为空
func (d Domain) Empty() bool { return d == 0 }

// Single 唯一取值，不唯一时返回 -1
func (d Domain) Single() int {
	if d.Count() != 1 {
		return -1
	}
	return bits.TrailingZeros64(uint64(d))
}

// Values 按升序列出取值
func (d Domain) Values() []int {
	out := make([]int, 0, d.Count())
	for v := uint64(d); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}
