package rv32

import (
	"encoding/binary"
	"fmt"
	"math"
)

// returnSentinel is the address planted in RA by Call. Reaching it means the
// entry function returned. It is word-aligned and far outside any memory the
// machine can address.
const returnSentinel = 0xdead0000

// defaultMaxSteps bounds a single Call so broken control flow fails instead of
// spinning forever.
const defaultMaxSteps = 10_000_000

// SyscallFunc handles an ECALL. num comes from the syscall number register,
// args from the seven argument registers. The return value is written back to
// the first argument register.
type SyscallFunc func(num uint32, args [7]uint32) (uint32, error)

// Machine is a minimal RV32IM interpreter. It exists to execute emitted code
// under test; it is not a general emulator.
type Machine struct {
	Mem      []byte
	Regs     [32]uint32
	PC       uint32
	Halted   bool
	Syscall  SyscallFunc
	MaxSteps int
}

// NewMachine creates a machine with size bytes of zeroed memory.
func NewMachine(size int) *Machine {
	return &Machine{
		Mem:      make([]byte, size),
		MaxSteps: defaultMaxSteps,
	}
}

// LoadCode copies code into memory at base.
func (m *Machine) LoadCode(base uint32, code []byte) error {
	if int(base)+len(code) > len(m.Mem) {
		return fmt.Errorf("rv32: code of %d bytes does not fit at %#x", len(code), base)
	}
	copy(m.Mem[base:], code)
	return nil
}

// Call executes the function at entry with the given integer arguments,
// following the machine's calling convention: the first eight arguments in
// the argument registers, the rest in a 16-byte-aligned area at the bottom of
// the caller's stack. It runs until the function returns (or the machine
// halts) and reports the two return registers.
func (m *Machine) Call(entry uint32, args ...uint32) (uint32, uint32, error) {
	m.Regs = [32]uint32{}
	m.Halted = false

	sp := uint32(len(m.Mem)) &^ 15
	if n := len(args) - len(ArgRegs); n > 0 {
		area := (uint32(n)*WordSize + 15) &^ 15
		sp -= area
		for i, arg := range args[len(ArgRegs):] {
			binary.LittleEndian.PutUint32(m.Mem[sp+uint32(i)*WordSize:], arg)
		}
	}
	for i, arg := range args {
		if i >= len(ArgRegs) {
			break
		}
		m.Regs[ArgRegs[i]] = arg
	}
	m.Regs[SP] = sp
	m.Regs[RA] = returnSentinel
	m.PC = entry

	steps := m.MaxSteps
	if steps <= 0 {
		steps = defaultMaxSteps
	}
	for i := 0; i < steps; i++ {
		if m.PC == returnSentinel || m.Halted {
			return m.Regs[A0], m.Regs[A1], nil
		}
		if err := m.Step(); err != nil {
			return 0, 0, err
		}
	}
	return 0, 0, fmt.Errorf("rv32: execution did not finish within %d steps", steps)
}

// Step executes a single instruction.
func (m *Machine) Step() error {
	if m.PC%WordSize != 0 || int(m.PC)+WordSize > len(m.Mem) {
		return fmt.Errorf("rv32: instruction fetch from invalid pc %#x", m.PC)
	}
	word := binary.LittleEndian.Uint32(m.Mem[m.PC:])
	next := m.PC + WordSize

	switch fieldOpcode(word) {
	case opLUI:
		m.setReg(fieldRd(word), uint32(immU(word)))
	case opOpImm:
		a := m.Regs[fieldRs1(word)]
		imm := immI(word)
		var v uint32
		switch fieldFunct3(word) {
		case 0:
			v = a + uint32(imm)
		case 3:
			if a < uint32(imm) {
				v = 1
			}
		case 4:
			v = a ^ uint32(imm)
		default:
			return m.badInst(word)
		}
		m.setReg(fieldRd(word), v)
	case opOp:
		a := m.Regs[fieldRs1(word)]
		b := m.Regs[fieldRs2(word)]
		var v uint32
		switch {
		case fieldFunct7(word) == 0x20 && fieldFunct3(word) == 0:
			v = a - b
		case fieldFunct7(word) == 1:
			switch fieldFunct3(word) {
			case 0:
				v = uint32(int32(a) * int32(b))
			case 4:
				v = div32(int32(a), int32(b))
			case 6:
				v = rem32(int32(a), int32(b))
			default:
				return m.badInst(word)
			}
		case fieldFunct7(word) == 0:
			switch fieldFunct3(word) {
			case 0:
				v = a + b
			case 2:
				if int32(a) < int32(b) {
					v = 1
				}
			case 3:
				if a < b {
					v = 1
				}
			case 4:
				v = a ^ b
			case 6:
				v = a | b
			case 7:
				v = a & b
			default:
				return m.badInst(word)
			}
		default:
			return m.badInst(word)
		}
		m.setReg(fieldRd(word), v)
	case opLoad:
		addr := m.Regs[fieldRs1(word)] + uint32(immI(word))
		var v uint32
		switch fieldFunct3(word) {
		case 0:
			b, err := m.loadBytes(addr, 1)
			if err != nil {
				return err
			}
			v = uint32(int32(int8(b[0])))
		case 1:
			b, err := m.loadBytes(addr, 2)
			if err != nil {
				return err
			}
			v = uint32(int32(int16(binary.LittleEndian.Uint16(b))))
		case 2:
			b, err := m.loadBytes(addr, 4)
			if err != nil {
				return err
			}
			v = binary.LittleEndian.Uint32(b)
		default:
			return m.badInst(word)
		}
		m.setReg(fieldRd(word), v)
	case opStore:
		addr := m.Regs[fieldRs1(word)] + uint32(immS(word))
		v := m.Regs[fieldRs2(word)]
		var size uint32
		switch fieldFunct3(word) {
		case 0:
			size = 1
		case 1:
			size = 2
		case 2:
			size = 4
		default:
			return m.badInst(word)
		}
		if err := m.storeBytes(addr, v, size); err != nil {
			return err
		}
	case opBranch:
		a := m.Regs[fieldRs1(word)]
		b := m.Regs[fieldRs2(word)]
		var taken bool
		switch fieldFunct3(word) {
		case 0:
			taken = a == b
		case 1:
			taken = a != b
		case 4:
			taken = int32(a) < int32(b)
		case 5:
			taken = int32(a) >= int32(b)
		default:
			return m.badInst(word)
		}
		if taken {
			next = m.PC + uint32(immB(word))
		}
	case opJAL:
		m.setReg(fieldRd(word), next)
		next = m.PC + uint32(immJ(word))
	case opJALR:
		target := (m.Regs[fieldRs1(word)] + uint32(immI(word))) &^ 1
		m.setReg(fieldRd(word), next)
		next = target
	case opSystem:
		switch word {
		case Ecall():
			if m.Syscall == nil {
				return fmt.Errorf("rv32: unexpected ecall at pc %#x", m.PC)
			}
			var args [7]uint32
			for i, r := range SyscallArgRegs {
				args[i] = m.Regs[r]
			}
			ret, err := m.Syscall(m.Regs[SyscallNumReg], args)
			if err != nil {
				return fmt.Errorf("rv32: syscall at pc %#x: %w", m.PC, err)
			}
			m.Regs[A0] = ret
		case Ebreak():
			return fmt.Errorf("rv32: trap at pc %#x", m.PC)
		case Wfi():
			m.Halted = true
		default:
			return m.badInst(word)
		}
	default:
		return m.badInst(word)
	}

	m.PC = next
	return nil
}

func (m *Machine) setReg(r Reg, v uint32) {
	if r != X0 {
		m.Regs[r] = v
	}
}

func (m *Machine) loadBytes(addr, size uint32) ([]byte, error) {
	if int(addr)+int(size) > len(m.Mem) || addr > math.MaxUint32-size {
		return nil, fmt.Errorf("rv32: load of %d bytes from invalid address %#x at pc %#x", size, addr, m.PC)
	}
	return m.Mem[addr : addr+size], nil
}

func (m *Machine) storeBytes(addr, v, size uint32) error {
	if int(addr)+int(size) > len(m.Mem) || addr > math.MaxUint32-size {
		return fmt.Errorf("rv32: store of %d bytes to invalid address %#x at pc %#x", size, addr, m.PC)
	}
	for i := uint32(0); i < size; i++ {
		m.Mem[addr+i] = byte(v >> (8 * i))
	}
	return nil
}

func (m *Machine) badInst(word uint32) error {
	return fmt.Errorf("rv32: unsupported instruction %#08x at pc %#x", word, m.PC)
}

// div32 and rem32 follow the architecture's division semantics: division by
// zero yields all ones (quotient) or the dividend (remainder), and the most
// negative value divided by -1 wraps.
func div32(a, b int32) uint32 {
	switch {
	case b == 0:
		return 0xffffffff
	case a == math.MinInt32 && b == -1:
		return uint32(a)
	default:
		return uint32(a / b)
	}
}

func rem32(a, b int32) uint32 {
	switch {
	case b == 0:
		return uint32(a)
	case a == math.MinInt32 && b == -1:
		return 0
	default:
		return uint32(a % b)
	}
}
