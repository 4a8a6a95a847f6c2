// Package vm implements the TinyVM virtual machine: a deterministic 16-bit
// Harvard-architecture CPU with 16 general-purpose registers, a 65536-word
// instruction segment and a 65536-word data segment.
//
// Every instruction is one word. Arithmetic wraps modulo 2^16, the program
// counter wraps, and all memory accesses succeed by construction. Execution
// is bounded by an instruction budget: each retired instruction debits the
// budget by one, and an exhausted budget suspends the machine before the
// next step rather than mid-instruction.
//
// The machine has no I/O. Its only way to talk to the outside world is the
// yield instruction, which suspends the machine and hands the value of
// register 0 to the host. A host may couple two machines through the yield
// protocol in package harness.
package vm

// NumRegisters is the number of general-purpose registers.
const NumRegisters = 16

// MaxBudget is the default remaining-instruction budget of a fresh VM,
// 2^48-1 steps.
const MaxBudget = (1 << 48) - 1

// NoStepLimit makes Run bound execution only by the VM's own budget.
const NoStepLimit = ^uint64(0)

// Status describes whether a VM can still make progress.
type Status uint8

const (
	// StatusRunning means the next Step executes an instruction.
	StatusRunning Status = iota

	// StatusReturned means the VM executed a yield; stepping it again
	// re-reports the same yield value until the host resumes or re-aims it.
	StatusReturned

	// StatusIllegal means the VM hit an illegal instruction. The state is
	// permanent: further steps re-report the fault.
	StatusIllegal
)

// DumpHandler observes a debug-dump instruction. It must not assume it may
// mutate the VM.
type DumpHandler func(*VM)

// VM is a single TinyVM CPU instance.
type VM struct {
	reg          [NumRegisters]uint16
	pc           uint16
	instructions *Segment
	data         *Segment

	// retired counts successfully executed instructions over the VM's
	// lifetime; remaining is the budget left before a timeout.
	retired   uint64
	remaining uint64

	status      Status
	yieldValue  uint16
	illegalWord uint16

	src      Source
	dump     DumpHandler
	floatOps bool
}

// Option configures a VM at creation time.
type Option func(*VM)

// WithSource replaces the randomness source used by the rnd instruction.
func WithSource(src Source) Option {
	return func(m *VM) { m.src = src }
}

// WithFloatOps enables or disables the exponentiation and root instructions.
// They are on by default; CPUID reflects the setting.
func WithFloatOps(enabled bool) Option {
	return func(m *VM) { m.floatOps = enabled }
}

// WithDumpHandler installs a handler for debug-dump instructions surfaced
// by Run.
func WithDumpHandler(h DumpHandler) Option {
	return func(m *VM) { m.dump = h }
}

// WithBudget sets the initial remaining-instruction budget.
func WithBudget(n uint64) Option {
	return func(m *VM) { m.remaining = n }
}

// New creates a VM executing the given instruction segment. Registers, the
// data segment and the program counter start at zero. The segment is used
// directly, not copied; the caller must not mutate it while the VM runs.
func New(instructions *Segment, opts ...Option) *VM {
	if instructions == nil {
		instructions = new(Segment)
	}
	m := &VM{
		instructions: instructions,
		data:         new(Segment),
		remaining:    MaxBudget,
		src:          CryptoSource{},
		floatOps:     true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register returns the value of register i, or 0 for an out-of-range index.
func (m *VM) Register(i int) uint16 {
	if i < 0 || i >= NumRegisters {
		return 0
	}
	return m.reg[i]
}

// SetRegister sets register i. Out-of-range indices are ignored.
func (m *VM) SetRegister(i int, v uint16) {
	if i < 0 || i >= NumRegisters {
		return
	}
	m.reg[i] = v
}

// Registers returns a copy of the register file.
func (m *VM) Registers() [NumRegisters]uint16 {
	return m.reg
}

// PC returns the current program counter.
func (m *VM) PC() uint16 {
	return m.pc
}

// SetPC re-aims the VM. Setting the program counter also clears a returned
// state, so a host can point a finished machine at new work; an illegal
// state is permanent and stays.
func (m *VM) SetPC(pc uint16) {
	m.pc = pc
	if m.status == StatusReturned {
		m.status = StatusRunning
	}
}

// Data returns the VM's data segment. The host side of the yield protocol
// reads and writes it directly.
func (m *VM) Data() *Segment {
	return m.data
}

// Instructions returns the VM's instruction segment. The running program
// cannot write it; hosts may only read it on behalf of another VM.
func (m *VM) Instructions() *Segment {
	return m.instructions
}

// DataWord reads one word of the data segment.
func (m *VM) DataWord(addr uint16) uint16 {
	return m.data[addr]
}

// SetDataWord writes one word of the data segment.
func (m *VM) SetDataWord(addr uint16, v uint16) {
	m.data[addr] = v
}

// Retired returns the cumulative number of instructions the VM has
// successfully executed. This is the value the time instruction reports.
func (m *VM) Retired() uint64 {
	return m.retired
}

// Remaining returns the remaining instruction budget.
func (m *VM) Remaining() uint64 {
	return m.remaining
}

// SetBudget replaces the remaining instruction budget.
func (m *VM) SetBudget(n uint64) {
	m.remaining = n
}

// ConsumeBudget debits n steps from the remaining budget, saturating at 0.
// The coordinator uses this to charge a driver for steps its testee ran.
func (m *VM) ConsumeBudget(n uint64) {
	if n > m.remaining {
		m.remaining = 0
		return
	}
	m.remaining -= n
}

// Status reports whether the VM is running, returned, or permanently halted.
func (m *VM) Status() Status {
	return m.status
}

// YieldValue returns the value of the most recent yield.
func (m *VM) YieldValue() uint16 {
	return m.yieldValue
}

// IllegalWord returns the instruction word that halted the VM, if any.
func (m *VM) IllegalWord() uint16 {
	return m.illegalWord
}

// Resume acknowledges a yield: a returned VM becomes runnable again and
// continues after the yield instruction. Resuming a running or illegal VM
// has no effect.
func (m *VM) Resume() {
	if m.status == StatusReturned {
		m.status = StatusRunning
	}
}

// Reset zeroes the data segment, the registers and the program counter, and
// clears any halt state. The retired counter and the budget are untouched;
// both describe the VM's lifetime rather than its current program state.
func (m *VM) Reset() {
	m.data.Zero()
	m.reg = [NumRegisters]uint16{}
	m.pc = 0
	m.status = StatusRunning
	m.yieldValue = 0
	m.illegalWord = 0
}

// FloatOps reports whether the exponentiation and root instructions are
// enabled.
func (m *VM) FloatOps() bool {
	return m.floatOps
}
