package rv32

import "fmt"

// Base opcode fields.
const (
	opLUI    = 0x37
	opOpImm  = 0x13
	opOp     = 0x33
	opLoad   = 0x03
	opStore  = 0x23
	opBranch = 0x63
	opJAL    = 0x6f
	opJALR   = 0x67
	opSystem = 0x73
)

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("rv32: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("rv32: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f
	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeB(imm int32, rs1 uint32, rs2 uint32, funct3 uint32) (uint32, error) {
	if imm < -4096 || imm > 4094 {
		return 0, fmt.Errorf("rv32: branch offset %d out of range", imm)
	}
	if imm%2 != 0 {
		return 0, fmt.Errorf("rv32: branch offset %d is not 2-byte aligned", imm)
	}
	uimm := uint32(imm)
	word := uint32(opBranch)
	word |= ((uimm >> 12) & 0x1) << 31
	word |= ((uimm >> 5) & 0x3f) << 25
	word |= (rs2 & 0x1f) << 20
	word |= (rs1 & 0x1f) << 15
	word |= (funct3 & 0x7) << 12
	word |= ((uimm >> 1) & 0xf) << 8
	word |= ((uimm >> 11) & 0x1) << 7
	return word, nil
}

func encodeU(imm20 int32, rd uint32, opcode uint32) uint32 {
	return (uint32(imm20)&0xfffff)<<12 | (rd << 7) | opcode
}

func encodeJ(imm int32, rd uint32) (uint32, error) {
	if imm < -(1<<20) || imm > (1<<20)-2 {
		return 0, fmt.Errorf("rv32: jump offset %d out of range", imm)
	}
	if imm%2 != 0 {
		return 0, fmt.Errorf("rv32: jump offset %d is not 2-byte aligned", imm)
	}
	uimm := uint32(imm)
	word := uint32(opJAL)
	word |= ((uimm >> 20) & 0x1) << 31
	word |= ((uimm >> 1) & 0x3ff) << 21
	word |= ((uimm >> 11) & 0x1) << 20
	word |= ((uimm >> 12) & 0xff) << 12
	word |= (rd & 0x1f) << 7
	return word, nil
}

// Register-register ALU instructions.

func Add(rd, rs1, rs2 Reg) uint32 { return encodeR(0, uint32(rs2), uint32(rs1), 0, uint32(rd), opOp) }
func Sub(rd, rs1, rs2 Reg) uint32 {
	return encodeR(0x20, uint32(rs2), uint32(rs1), 0, uint32(rd), opOp)
}
func Slt(rd, rs1, rs2 Reg) uint32  { return encodeR(0, uint32(rs2), uint32(rs1), 2, uint32(rd), opOp) }
func Sltu(rd, rs1, rs2 Reg) uint32 { return encodeR(0, uint32(rs2), uint32(rs1), 3, uint32(rd), opOp) }
func Xor(rd, rs1, rs2 Reg) uint32  { return encodeR(0, uint32(rs2), uint32(rs1), 4, uint32(rd), opOp) }
func Or(rd, rs1, rs2 Reg) uint32   { return encodeR(0, uint32(rs2), uint32(rs1), 6, uint32(rd), opOp) }
func And(rd, rs1, rs2 Reg) uint32  { return encodeR(0, uint32(rs2), uint32(rs1), 7, uint32(rd), opOp) }

// M-extension.

func Mul(rd, rs1, rs2 Reg) uint32 { return encodeR(1, uint32(rs2), uint32(rs1), 0, uint32(rd), opOp) }
func Div(rd, rs1, rs2 Reg) uint32 { return encodeR(1, uint32(rs2), uint32(rs1), 4, uint32(rd), opOp) }
func Rem(rd, rs1, rs2 Reg) uint32 { return encodeR(1, uint32(rs2), uint32(rs1), 6, uint32(rd), opOp) }

// Immediate ALU instructions.

func Addi(rd, rs1 Reg, imm int32) (uint32, error) {
	return encodeI(imm, uint32(rs1), 0, uint32(rd), opOpImm)
}

func Sltiu(rd, rs1 Reg, imm int32) (uint32, error) {
	return encodeI(imm, uint32(rs1), 3, uint32(rd), opOpImm)
}

func Xori(rd, rs1 Reg, imm int32) (uint32, error) {
	return encodeI(imm, uint32(rs1), 4, uint32(rd), opOpImm)
}

// Lui loads imm20 into the upper 20 bits of rd. Only the low 20 bits of imm20
// are encoded.
func Lui(rd Reg, imm20 int32) uint32 {
	return encodeU(imm20, uint32(rd), opLUI)
}

// Mv copies rs into rd (ADDI rd, rs, 0).
func Mv(rd, rs Reg) uint32 {
	word, _ := Addi(rd, rs, 0)
	return word
}

// Loads. The loaded value is sign-extended to the full word.

func Lw(rd, base Reg, imm int32) (uint32, error) {
	return encodeI(imm, uint32(base), 2, uint32(rd), opLoad)
}

func Lh(rd, base Reg, imm int32) (uint32, error) {
	return encodeI(imm, uint32(base), 1, uint32(rd), opLoad)
}

func Lb(rd, base Reg, imm int32) (uint32, error) {
	return encodeI(imm, uint32(base), 0, uint32(rd), opLoad)
}

// Stores.

func Sw(base, src Reg, imm int32) (uint32, error) {
	return encodeS(imm, uint32(base), uint32(src), 2, opStore)
}

func Sh(base, src Reg, imm int32) (uint32, error) {
	return encodeS(imm, uint32(base), uint32(src), 1, opStore)
}

func Sb(base, src Reg, imm int32) (uint32, error) {
	return encodeS(imm, uint32(base), uint32(src), 0, opStore)
}

// Branches. The offset is byte-relative to the branch instruction itself.

func Beq(rs1, rs2 Reg, off int32) (uint32, error) {
	return encodeB(off, uint32(rs1), uint32(rs2), 0)
}

func Bne(rs1, rs2 Reg, off int32) (uint32, error) {
	return encodeB(off, uint32(rs1), uint32(rs2), 1)
}

func Blt(rs1, rs2 Reg, off int32) (uint32, error) {
	return encodeB(off, uint32(rs1), uint32(rs2), 4)
}

func Bge(rs1, rs2 Reg, off int32) (uint32, error) {
	return encodeB(off, uint32(rs1), uint32(rs2), 5)
}

// Jal jumps to the byte-relative offset, writing the return address to rd.
func Jal(rd Reg, off int32) (uint32, error) {
	return encodeJ(off, uint32(rd))
}

// Jalr jumps to rs1+imm, writing the return address to rd.
func Jalr(rd, rs1 Reg, imm int32) (uint32, error) {
	return encodeI(imm, uint32(rs1), 0, uint32(rd), opJALR)
}

// Ret returns to the address in RA (JALR x0, ra, 0).
func Ret() uint32 {
	word, _ := Jalr(X0, RA, 0)
	return word
}

// PatchBranchOffset rewrites the offset field of an encoded B-type word,
// keeping its registers and condition. Placeholder branches are emitted with
// a zero offset and patched once block addresses are known.
func PatchBranchOffset(word uint32, off int32) (uint32, error) {
	rs1 := (word >> 15) & 0x1f
	rs2 := (word >> 20) & 0x1f
	funct3 := (word >> 12) & 0x7
	return encodeB(off, rs1, rs2, funct3)
}

// PatchJumpOffset rewrites the offset field of an encoded J-type word,
// keeping its link register.
func PatchJumpOffset(word uint32, off int32) (uint32, error) {
	rd := (word >> 7) & 0x1f
	return encodeJ(off, rd)
}

// Ecall requests a service from the execution environment.
func Ecall() uint32 { return opSystem }

// Ebreak raises a trap.
func Ebreak() uint32 { return (1 << 20) | opSystem }

// Wfi halts the machine. The interpreting machine stops cleanly when it
// executes this word.
func Wfi() uint32 { return (0x105 << 20) | opSystem }
