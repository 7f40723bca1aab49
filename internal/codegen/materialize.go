package codegen

// Immediate range of 12-bit signed ALU and memory offsets.
const (
	immMin = -2048
	immMax = 2047
)

func fitsImm12(v int32) bool { return v >= immMin && v <= immMax }

// splitConst splits a 32-bit constant into a LUI upper-20 field and an ADDI
// lower-12 field such that (hi << 12) + signext(lo) == v. When bit 11 of v is
// set the sign extension of lo subtracts 0x1000, so hi is bumped by one to
// compensate; the bump wraps modulo 2^20.
func splitConst(v int32) (hi uint32, lo int32) {
	u := uint32(v)
	hi = u >> 12
	lo = int32(u<<20) >> 20
	if lo < 0 {
		hi = (hi + 1) & 0xfffff
	}
	return hi, lo
}
