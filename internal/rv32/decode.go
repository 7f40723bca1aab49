package rv32

// Field extraction helpers shared by the disassembler and the interpreter.

func fieldOpcode(word uint32) uint32 { return word & 0x7f }
func fieldRd(word uint32) Reg        { return Reg((word >> 7) & 0x1f) }
func fieldRs1(word uint32) Reg       { return Reg((word >> 15) & 0x1f) }
func fieldRs2(word uint32) Reg       { return Reg((word >> 20) & 0x1f) }
func fieldFunct3(word uint32) uint32 { return (word >> 12) & 0x7 }
func fieldFunct7(word uint32) uint32 { return (word >> 25) & 0x7f }

func immI(word uint32) int32 {
	return int32(word) >> 20
}

func immS(word uint32) int32 {
	imm := (int32(word) >> 25 << 5) | int32((word>>7)&0x1f)
	return imm
}

func immB(word uint32) int32 {
	imm := (int32(word) >> 31 << 12)
	imm |= int32((word>>7)&0x1) << 11
	imm |= int32((word>>25)&0x3f) << 5
	imm |= int32((word>>8)&0xf) << 1
	return imm
}

func immU(word uint32) int32 {
	return int32(word & 0xfffff000)
}

func immJ(word uint32) int32 {
	imm := (int32(word) >> 31 << 20)
	imm |= int32((word>>12)&0xff) << 12
	imm |= int32((word>>20)&0x1) << 11
	imm |= int32((word>>21)&0x3ff) << 1
	return imm
}
