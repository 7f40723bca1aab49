package rv32

import "testing"

func TestAddiEncoding(t *testing.T) {
	// addi a0, zero, 42 == 0x02a00513
	word, err := Addi(A0, ZERO, 42)
	if err != nil {
		t.Fatalf("Addi: %v", err)
	}
	if word != 0x02a00513 {
		t.Errorf("Addi(a0, zero, 42) = %#08x, want 0x02a00513", word)
	}
}

func TestAddEncoding(t *testing.T) {
	// add a0, a1, a2 == 0x00c58533
	if word := Add(A0, A1, A2); word != 0x00c58533 {
		t.Errorf("Add(a0, a1, a2) = %#08x, want 0x00c58533", word)
	}
}

func TestImmediateRange(t *testing.T) {
	if _, err := Addi(A0, ZERO, 2047); err != nil {
		t.Errorf("Addi with imm 2047: %v", err)
	}
	if _, err := Addi(A0, ZERO, -2048); err != nil {
		t.Errorf("Addi with imm -2048: %v", err)
	}
	if _, err := Addi(A0, ZERO, 2048); err == nil {
		t.Error("Addi with imm 2048 should fail")
	}
	if _, err := Addi(A0, ZERO, -2049); err == nil {
		t.Error("Addi with imm -2049 should fail")
	}
}

func TestBranchOffsetRoundTrip(t *testing.T) {
	for _, off := range []int32{0, 4, -4, 256, -256, 4094, -4096} {
		word, err := Beq(A0, A1, off)
		if err != nil {
			t.Fatalf("Beq offset %d: %v", off, err)
		}
		if got := immB(word); got != off {
			t.Errorf("immB(Beq(%d)) = %d", off, got)
		}
	}
	if _, err := Beq(A0, A1, 4096); err == nil {
		t.Error("Beq with offset 4096 should fail")
	}
	if _, err := Beq(A0, A1, 3); err == nil {
		t.Error("Beq with odd offset should fail")
	}
}

func TestJumpOffsetRoundTrip(t *testing.T) {
	for _, off := range []int32{0, 4, -4, 2048, -2048, 1 << 19, -(1 << 20)} {
		word, err := Jal(RA, off)
		if err != nil {
			t.Fatalf("Jal offset %d: %v", off, err)
		}
		if got := immJ(word); got != off {
			t.Errorf("immJ(Jal(%d)) = %d", off, got)
		}
	}
}

func TestPatchBranchOffset(t *testing.T) {
	word, err := Blt(S0, S1, 0)
	if err != nil {
		t.Fatalf("Blt: %v", err)
	}
	patched, err := PatchBranchOffset(word, -64)
	if err != nil {
		t.Fatalf("PatchBranchOffset: %v", err)
	}
	if got := immB(patched); got != -64 {
		t.Errorf("patched offset = %d, want -64", got)
	}
	if fieldRs1(patched) != S0 || fieldRs2(patched) != S1 {
		t.Errorf("patch changed registers: rs1=%s rs2=%s", fieldRs1(patched), fieldRs2(patched))
	}
	if fieldFunct3(patched) != fieldFunct3(word) {
		t.Error("patch changed the branch condition")
	}
}

func TestPatchJumpOffset(t *testing.T) {
	word, err := Jal(RA, 0)
	if err != nil {
		t.Fatalf("Jal: %v", err)
	}
	patched, err := PatchJumpOffset(word, 1024)
	if err != nil {
		t.Fatalf("PatchJumpOffset: %v", err)
	}
	if got := immJ(patched); got != 1024 {
		t.Errorf("patched offset = %d, want 1024", got)
	}
	if fieldRd(patched) != RA {
		t.Errorf("patch changed link register to %s", fieldRd(patched))
	}
}

func TestDisassembleKnownWords(t *testing.T) {
	addi, _ := Addi(A0, ZERO, 5)
	cases := []struct {
		word uint32
		want string
	}{
		{addi, "li a0, 5"},
		{Add(A0, A1, A2), "add a0, a1, a2"},
		{Ret(), "ret"},
		{Ecall(), "ecall"},
		{Wfi(), "wfi"},
	}
	for _, c := range cases {
		if got := Disassemble(c.word); got != c.want {
			t.Errorf("Disassemble(%#08x) = %q, want %q", c.word, got, c.want)
		}
	}
}
