package vm

import "testing"

// runPrefix creates a VM whose instruction segment starts with the given
// words, steps it at most maxSteps times, and returns the VM together with
// the number of steps taken before a yield or an illegal instruction stopped
// it (a final yield is not counted) and the last step result.
func runPrefix(t *testing.T, prefix []uint16, maxSteps int) (*VM, int, StepResult) {
	t.Helper()
	m := New(SegmentFromWords(prefix...), WithSource(NewSeededSource(1)))
	last := StepResult{Kind: StepContinue}
	retired := 0
	for i := 0; i < maxSteps; i++ {
		last = m.Step()
		if last.Kind == StepIllegal || last.Kind == StepYield {
			break
		}
		retired++
	}
	return m, retired, last
}

func TestFreshVMIsZeroed(t *testing.T) {
	m := New(SegmentFromWords(1, 2, 3))
	if m.PC() != 0 {
		t.Errorf("pc = %d, want 0", m.PC())
	}
	if m.Retired() != 0 {
		t.Errorf("retired = %d, want 0", m.Retired())
	}
	for i := 0; i < NumRegisters; i++ {
		if m.Register(i) != 0 {
			t.Errorf("register %d = %#04x, want 0", i, m.Register(i))
		}
	}
	if m.DataWord(0) != 0 || m.DataWord(0xFFFF) != 0 {
		t.Error("data segment not zeroed")
	}
}

func TestIllegalZero(t *testing.T) {
	m, retired, last := runPrefix(t, []uint16{0x0000}, 1)
	if retired != 0 || last.Kind != StepIllegal || last.Value != 0x0000 {
		t.Fatalf("retired=%d last=%+v, want 0 steps and illegal 0x0000", retired, last)
	}
	if m.PC() != 0 {
		t.Errorf("pc = %d, want 0 (stays on the fault)", m.PC())
	}
}

func TestIllegalOnes(t *testing.T) {
	m := New(SegmentFromWords(0xFFFF))
	res := m.Step()
	if res.Kind != StepIllegal || res.Value != 0xFFFF {
		t.Fatalf("step = %+v, want illegal 0xFFFF", res)
	}
	if m.Status() != StatusIllegal {
		t.Errorf("status = %d, want StatusIllegal", m.Status())
	}
}

func TestIllegalIsSticky(t *testing.T) {
	m := New(SegmentFromWords(0x0123))
	first := m.Step()
	second := m.Step()
	if first != second {
		t.Errorf("re-step = %+v, want %+v again", second, first)
	}
	if m.Retired() != 0 {
		t.Errorf("retired = %d, want 0", m.Retired())
	}
}

func TestLateIllegal(t *testing.T) {
	m, retired, last := runPrefix(t, []uint16{0x3000, 0x0123}, 2)
	if retired != 1 || last.Kind != StepIllegal {
		t.Fatalf("retired=%d last=%+v, want 1 step then illegal", retired, last)
	}
	if m.PC() != 1 {
		t.Errorf("pc = %d, want 1", m.PC())
	}
}

func TestLoadImmLow(t *testing.T) {
	m, _, _ := runPrefix(t, []uint16{0x358E}, 1)
	if got := m.Register(5); got != 0xFF8E {
		t.Errorf("register 5 = %#04x, want 0xFF8E", got)
	}

	m, _, _ = runPrefix(t, []uint16{0x3123}, 1)
	if got := m.Register(1); got != 0x0023 {
		t.Errorf("register 1 = %#04x, want 0x0023", got)
	}
}

func TestLoadImmHighKeepsLowByte(t *testing.T) {
	m, _, _ := runPrefix(t, []uint16{0x3585, 0x4545}, 2)
	if got := m.Register(5); got != 0x4585 {
		t.Errorf("register 5 = %#04x, want 0x4585", got)
	}
}

func TestStoreAndLoadData(t *testing.T) {
	// r1 <- 0x0040 (address), r2 <- 0x0017, store data[r1] = r2, clear r2,
	// load r3 = data[r1].
	m, _, _ := runPrefix(t, []uint16{0x3140, 0x3217, 0x2012, 0x3200, 0x2113}, 5)
	if got := m.DataWord(0x0040); got != 0x0017 {
		t.Errorf("data[0x40] = %#04x, want 0x0017", got)
	}
	if got := m.Register(3); got != 0x0017 {
		t.Errorf("register 3 = %#04x, want 0x0017", got)
	}
}

func TestLoadInstructionWord(t *testing.T) {
	// r1 <- 2, r3 = instructions[r1]; word 2 of the segment is 0x5FAB.
	m, _, _ := runPrefix(t, []uint16{0x3102, 0x2213, 0x5FAB}, 2)
	if got := m.Register(3); got != 0x5FAB {
		t.Errorf("register 3 = %#04x, want 0x5FAB", got)
	}
}

func TestUnaryOps(t *testing.T) {
	tests := []struct {
		name  string
		insn  uint16
		input uint16
		want  uint16
	}{
		{"not", 0x5A12, 0x1234, 0xEDCB},
		{"popcnt", 0x5B12, 0xFFFF, 16},
		{"clz", 0x5C12, 0x0002, 14},
		{"ctz", 0x5D12, 0x8000, 15},
		{"mov", 0x5F12, 0x5678, 0x5678},
	}
	for _, tt := range tests {
		m := New(SegmentFromWords(tt.insn))
		m.SetRegister(1, tt.input)
		m.Step()
		if got := m.Register(2); got != tt.want {
			t.Errorf("%s(%#04x): register 2 = %#04x, want %#04x", tt.name, tt.input, got, tt.want)
		}
	}
}

func TestUnaryRndStaysInRange(t *testing.T) {
	m := New(SegmentFromWords(0x5E12), WithSource(NewSeededSource(7)))
	for i := 0; i < 200; i++ {
		m.SetRegister(1, 5)
		m.SetPC(0)
		m.Step()
		if got := m.Register(2); got > 5 {
			t.Fatalf("rnd(5) = %d, out of range", got)
		}
	}
}

func TestBinaryOps(t *testing.T) {
	// All instructions use registers 2 (right operand) and 1 (left operand
	// and destination): 0x6f21.
	tests := []struct {
		name     string
		insn     uint16
		lhs, rhs uint16
		want     uint16
	}{
		{"add", 0x6021, 0x1234, 0xABCD, 0xBE01},
		{"sub", 0x6121, 0xBE01, 0xABCD, 0x1234},
		{"sub-borrow", 0x6121, 0x0007, 0x0009, 0xFFFE},
		{"mul", 0x6221, 0x1234, 0xABCD, 0x4FA4},
		{"mulh", 0x6321, 0x1234, 0xABCD, 0x0C37},
		{"divu", 0x6421, 0xABCD, 0x1234, 0x0009},
		{"divs", 0x6521, 0x0023, 0x0007, 0x0005},
		{"modu", 0x6621, 0xABCD, 0x1234, 0x07F9},
		{"mods", 0x6721, 0x0023, 0x0007, 0x0000},
		{"and", 0x6821, 0x5500, 0x5050, 0x5000},
		{"or", 0x6921, 0x5500, 0x5050, 0x5550},
		{"xor", 0x6A21, 0x5500, 0x5050, 0x0550},
		{"shl", 0x6B21, 0x1234, 0x0001, 0x2468},
		{"shru", 0x6C21, 0x2468, 0x0001, 0x1234},
		{"shrs", 0x6D21, 0xFFFF, 0x0010, 0xFFFF},
		{"exps", 0x6E21, 0x0002, 0x000A, 0x0400},
		{"root", 0x6F21, 0x001B, 0x0003, 0x0003},
	}
	for _, tt := range tests {
		m := New(SegmentFromWords(tt.insn))
		m.SetRegister(1, tt.lhs)
		m.SetRegister(2, tt.rhs)
		m.Step()
		if got := m.Register(1); got != tt.want {
			t.Errorf("%s(%#04x, %#04x): register 1 = %#04x, want %#04x", tt.name, tt.lhs, tt.rhs, got, tt.want)
		}
	}
}

func TestDivisionEdge(t *testing.T) {
	// r1 <- 7, r2 <- 0, divu with the zero on the right: r1 becomes 0xFFFF.
	m, _, _ := runPrefix(t, []uint16{0x3107, 0x3200, 0x6421}, 3)
	if got := m.Register(1); got != 0xFFFF {
		t.Errorf("register 1 = %#04x, want 0xFFFF", got)
	}
}

func TestFloatOpsGate(t *testing.T) {
	m := New(SegmentFromWords(0x6E21), WithFloatOps(false))
	res := m.Step()
	if res.Kind != StepIllegal {
		t.Fatalf("exps with float ops disabled: %+v, want illegal", res)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		insn     uint16
		lhs, rhs uint16
		want     uint16
	}{
		{"lt-true", 0x8812, 3, 5, 1},
		{"lt-false", 0x8812, 5, 3, 0},
		{"eq-true", 0x8412, 9, 9, 1},
		{"gt-true", 0x8212, 5, 3, 1},
		{"le", 0x8C12, 4, 4, 1},
		// Unsigned: 0xFFFF is large. Signed: it is -1.
		{"unsigned-high", 0x8212, 0xFFFF, 1, 1},
		{"signed-neg", 0x8312, 0xFFFF, 1, 0},
		{"signed-lt", 0x8912, 0xFFFF, 1, 1},
		// No flags set never matches; all flags always match.
		{"never", 0x8012, 1, 2, 0},
		{"always-legs", 0x8F12, 1, 2, 1},
		{"always-eq", 0x8F12, 2, 2, 1},
	}
	for _, tt := range tests {
		m := New(SegmentFromWords(tt.insn))
		m.SetRegister(1, tt.lhs)
		m.SetRegister(2, tt.rhs)
		m.Step()
		if got := m.Register(2); got != tt.want {
			t.Errorf("%s: register 2 = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestBranchMinimalBackward(t *testing.T) {
	m := New(new(Segment))
	m.Instructions()[0x1234] = 0x9380
	m.SetRegister(3, 0x0001)
	m.SetPC(0x1234)
	m.Step()
	if got := m.PC(); got != 0x1233 {
		t.Errorf("pc = %#04x, want 0x1233", got)
	}
}

func TestBranchNotTaken(t *testing.T) {
	m := New(SegmentFromWords(0x9380))
	m.Step()
	if got := m.PC(); got != 1 {
		t.Errorf("pc = %#04x, want 1", got)
	}
}

func TestBranchForward(t *testing.T) {
	// S=0, V=0 advances by 2.
	m := New(SegmentFromWords(0x9100))
	m.SetRegister(1, 1)
	m.Step()
	if got := m.PC(); got != 2 {
		t.Errorf("pc = %#04x, want 2", got)
	}
	// S=0, V=0x7F advances by 129.
	m = New(SegmentFromWords(0x917F))
	m.SetRegister(1, 1)
	m.Step()
	if got := m.PC(); got != 129 {
		t.Errorf("pc = %#04x, want 129", got)
	}
}

func TestBranchWrapsThroughZero(t *testing.T) {
	m := New(new(Segment))
	m.Instructions()[0x0000] = 0x91FF // backward by 128
	m.SetRegister(1, 1)
	m.Step()
	if got := m.PC(); got != 0xFF80 {
		t.Errorf("pc = %#04x, want 0xFF80", got)
	}
}

func TestJumpImmediate(t *testing.T) {
	// Forward reach: S=0, V=0x7FF advances by 2049.
	m := New(SegmentFromWords(0xA7FF))
	m.Step()
	if got := m.PC(); got != 2049 {
		t.Errorf("pc = %#04x, want 2049", got)
	}
	// Backward reach: S=1, V=0x7FF moves back by 2048.
	m = New(new(Segment))
	m.Instructions()[0x4000] = 0xAFFF
	m.SetPC(0x4000)
	m.Step()
	if got := m.PC(); got != 0x4000-2048 {
		t.Errorf("pc = %#04x, want %#04x", got, 0x4000-2048)
	}
}

func TestJumpWrapsAtTop(t *testing.T) {
	m := New(new(Segment))
	m.Instructions()[0xFFFF] = 0xA005 // forward by 7
	m.SetPC(0xFFFF)
	m.Step()
	if got := m.PC(); got != 0x0006 {
		t.Errorf("pc = %#04x, want 0x0006", got)
	}
}

func TestJumpToRegister(t *testing.T) {
	m := New(SegmentFromWords(0xB1FE)) // register 1 minus 2
	m.SetRegister(1, 0x1000)
	m.Step()
	if got := m.PC(); got != 0x0FFE {
		t.Errorf("pc = %#04x, want 0x0FFE", got)
	}
}

func TestYieldAdvancesAndSticks(t *testing.T) {
	m, _, last := runPrefix(t, []uint16{0x3042, 0x102A}, 2)
	if last.Kind != StepYield || last.Value != 0x0042 {
		t.Fatalf("last = %+v, want yield 0x0042", last)
	}
	if m.PC() != 2 {
		t.Errorf("pc = %d, want 2 (yield advances)", m.PC())
	}
	if m.Status() != StatusReturned {
		t.Errorf("status = %d, want StatusReturned", m.Status())
	}
	// Stepping again re-reports the same yield without retiring anything.
	before := m.Retired()
	res := m.Step()
	if res.Kind != StepYield || res.Value != 0x0042 {
		t.Errorf("re-step = %+v, want the same yield", res)
	}
	if m.Retired() != before {
		t.Errorf("retired moved from %d to %d on a sticky yield", before, m.Retired())
	}
}

func TestResumeContinuesBehindYield(t *testing.T) {
	// yield, then r1 <- 5.
	m, _, _ := runPrefix(t, []uint16{0x102A, 0x3105}, 1)
	m.Resume()
	m.Step()
	if got := m.Register(1); got != 5 {
		t.Errorf("register 1 = %d, want 5 after resuming", got)
	}
}

func TestCPUID(t *testing.T) {
	m := New(SegmentFromWords(0x102B))
	m.SetRegister(1, 0xDEAD)
	m.Step()
	if got := m.Register(0); got != 0xC000 {
		t.Errorf("cpuid r0 = %#04x, want 0xC000", got)
	}
	for i := 1; i <= 3; i++ {
		if m.Register(i) != 0 {
			t.Errorf("cpuid r%d = %#04x, want 0", i, m.Register(i))
		}
	}

	m = New(SegmentFromWords(0x102B), WithFloatOps(false))
	m.Step()
	if got := m.Register(0); got != 0x8000 {
		t.Errorf("cpuid r0 without float ops = %#04x, want 0x8000", got)
	}

	m = New(SegmentFromWords(0x102B))
	m.SetRegister(0, 1)
	m.Step()
	for i := 0; i <= 3; i++ {
		if m.Register(i) != 0 {
			t.Errorf("cpuid with r0=1: r%d = %#04x, want 0", i, m.Register(i))
		}
	}
}

func TestTimePacksRetiredCount(t *testing.T) {
	// Three no-ops, then the time instruction.
	m, _, _ := runPrefix(t, []uint16{0x5F11, 0x5F11, 0x5F11, 0x102D}, 4)
	if got := m.Register(3); got != 3 {
		t.Errorf("time r3 = %d, want 3 (steps before the time instruction)", got)
	}
	if m.Register(0) != 0 || m.Register(1) != 0 || m.Register(2) != 0 {
		t.Error("time upper words nonzero for a small count")
	}
	// The time instruction itself retired too.
	if got := m.Retired(); got != 4 {
		t.Errorf("retired = %d, want 4", got)
	}
}

func TestDebugDumpKeepsState(t *testing.T) {
	m := New(SegmentFromWords(0x3107, 0x102C, 0x3208))
	m.Step()
	res := m.Step()
	if res.Kind != StepDebugDump {
		t.Fatalf("step = %+v, want debug dump", res)
	}
	if m.Register(1) != 7 {
		t.Error("debug dump clobbered registers")
	}
	m.Step()
	if m.Register(2) != 8 {
		t.Error("execution did not continue past the debug dump")
	}
}

func TestResetClearsProgramState(t *testing.T) {
	m, _, _ := runPrefix(t, []uint16{0x3107, 0x2011, 0x0000}, 3)
	retired := m.Retired()
	m.Reset()
	if m.Status() != StatusRunning || m.PC() != 0 {
		t.Error("reset did not clear halt state and pc")
	}
	if m.Register(1) != 0 || m.DataWord(7) != 0 {
		t.Error("reset did not zero registers and data")
	}
	if m.Retired() != retired {
		t.Error("reset touched the lifetime counter")
	}
}
