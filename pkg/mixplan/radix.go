package mixplan

import "math"

type digitKind int

const (
	digitSpeed digitKind = iota
	digitClip
	digitOrder
)

// digit is one variable choice in the candidate space
type digit struct {
	kind digitKind
	slot int // slot for speed and clip digits, Lehmer position for order digits
	size uint64
}

// radix is a mixed-radix number system over the plan's variable choices
type radix struct {
	digits []digit
	total  uint64 // product of sizes, saturated at MaxUint64
}

func newRadix(digits []digit) *radix {
	total := uint64(1)
	for _, d := range digits {
		total = saturatingMul(total, d.size)
	}
	return &radix{digits: digits, total: total}
}

func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxUint64/b {
		return math.MaxUint64
	}
	return a * b
}

// decode splits candidate i into per-digit values. The raw digits are mixed
// through a running prefix sum: value_j = (d_j + d_0 + ... + d_(j-1)) mod size_j.
// The map is invertible digit by digit, so distinct candidates stay distinct.
func (r *radix) decode(i uint64) []uint64 {
	values := make([]uint64, len(r.digits))
	var prefix uint64
	for j, d := range r.digits {
		raw := i % d.size
		i /= d.size
		values[j] = (raw + prefix%d.size) % d.size
		prefix += raw
	}
	return values
}

// candidateAt maps the j-th step of the walk to a candidate index, starting
// at offset and wrapping at total.
func candidateAt(j, offset, total uint64) uint64 {
	if j >= total-offset {
		return j - (total - offset)
	}
	return offset + j
}

// lehmerPermutation decodes Lehmer digits into a permutation of n slots.
// All-zero digits give the identity.
func lehmerPermutation(n int, code []uint64) []int {
	available := make([]int, n)
	for i := range available {
		available[i] = i
	}

	perm := make([]int, 0, n)
	for _, c := range code {
		k := int(c)
		perm = append(perm, available[k])
		available = append(available[:k], available[k+1:]...)
	}
	return append(perm, available...)
}
