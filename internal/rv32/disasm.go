package rv32

import "fmt"

// Disassemble renders a single instruction word. Unknown encodings come back
// as ".word 0x...", never an error, so dumps stay readable around data.
func Disassemble(word uint32) string {
	switch fieldOpcode(word) {
	case opLUI:
		return fmt.Sprintf("lui %s, 0x%x", fieldRd(word), uint32(immU(word))>>12)
	case opOpImm:
		rd, rs1, imm := fieldRd(word), fieldRs1(word), immI(word)
		switch fieldFunct3(word) {
		case 0:
			if rs1 == X0 {
				return fmt.Sprintf("li %s, %d", rd, imm)
			}
			if imm == 0 {
				return fmt.Sprintf("mv %s, %s", rd, rs1)
			}
			return fmt.Sprintf("addi %s, %s, %d", rd, rs1, imm)
		case 3:
			return fmt.Sprintf("sltiu %s, %s, %d", rd, rs1, imm)
		case 4:
			return fmt.Sprintf("xori %s, %s, %d", rd, rs1, imm)
		}
	case opOp:
		rd, rs1, rs2 := fieldRd(word), fieldRs1(word), fieldRs2(word)
		name := ""
		switch {
		case fieldFunct7(word) == 0x20 && fieldFunct3(word) == 0:
			name = "sub"
		case fieldFunct7(word) == 1:
			switch fieldFunct3(word) {
			case 0:
				name = "mul"
			case 4:
				name = "div"
			case 6:
				name = "rem"
			}
		case fieldFunct7(word) == 0:
			switch fieldFunct3(word) {
			case 0:
				name = "add"
			case 2:
				name = "slt"
			case 3:
				name = "sltu"
			case 4:
				name = "xor"
			case 6:
				name = "or"
			case 7:
				name = "and"
			}
		}
		if name != "" {
			return fmt.Sprintf("%s %s, %s, %s", name, rd, rs1, rs2)
		}
	case opLoad:
		rd, base, imm := fieldRd(word), fieldRs1(word), immI(word)
		switch fieldFunct3(word) {
		case 0:
			return fmt.Sprintf("lb %s, %d(%s)", rd, imm, base)
		case 1:
			return fmt.Sprintf("lh %s, %d(%s)", rd, imm, base)
		case 2:
			return fmt.Sprintf("lw %s, %d(%s)", rd, imm, base)
		}
	case opStore:
		base, src, imm := fieldRs1(word), fieldRs2(word), immS(word)
		switch fieldFunct3(word) {
		case 0:
			return fmt.Sprintf("sb %s, %d(%s)", src, imm, base)
		case 1:
			return fmt.Sprintf("sh %s, %d(%s)", src, imm, base)
		case 2:
			return fmt.Sprintf("sw %s, %d(%s)", src, imm, base)
		}
	case opBranch:
		rs1, rs2, off := fieldRs1(word), fieldRs2(word), immB(word)
		switch fieldFunct3(word) {
		case 0:
			return fmt.Sprintf("beq %s, %s, %d", rs1, rs2, off)
		case 1:
			return fmt.Sprintf("bne %s, %s, %d", rs1, rs2, off)
		case 4:
			return fmt.Sprintf("blt %s, %s, %d", rs1, rs2, off)
		case 5:
			return fmt.Sprintf("bge %s, %s, %d", rs1, rs2, off)
		}
	case opJAL:
		rd, off := fieldRd(word), immJ(word)
		if rd == X0 {
			return fmt.Sprintf("j %d", off)
		}
		return fmt.Sprintf("jal %s, %d", rd, off)
	case opJALR:
		rd, rs1, imm := fieldRd(word), fieldRs1(word), immI(word)
		if rd == X0 && rs1 == RA && imm == 0 {
			return "ret"
		}
		return fmt.Sprintf("jalr %s, %d(%s)", rd, imm, rs1)
	case opSystem:
		switch word {
		case Ecall():
			return "ecall"
		case Ebreak():
			return "ebreak"
		case Wfi():
			return "wfi"
		}
	}
	return fmt.Sprintf(".word 0x%08x", word)
}
