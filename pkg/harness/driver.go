// Package harness couples TinyVM instances through the yield protocol.
//
// A controlling VM (the test driver, or the judge) and one or more
// controlled VMs (testees, or players) each have their own registers,
// segments and program counter, but share a single instruction budget: every
// step a controlled VM retires is debited from the controller's budget. The
// harness itself is a plain state machine — it runs the controller until it
// yields, interprets register 0 as a request code, applies the request, and
// resumes the controller. No goroutines, no preemption; control moves only
// at yield, fault and timeout boundaries.
package harness

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BenWiederhake/tinyvm/pkg/vm"
)

// Environment IDs stamped into the controlling VM's data segment at address
// 0xFFFF, with the layout minor version at 0xFFFE.
const (
	EnvConnect4   = 0x0001
	EnvJudge      = 0x0002
	EnvTestDriver = 0x0003

	LayoutVersion = 0x0001

	envIDAddr   = 0xFFFF
	versionAddr = 0xFFFE
)

// Driver yield request codes, read from driver register 0 after a yield.
const (
	ReqExecute          = 1
	ReqDone             = 2
	ReqRegisterTransfer = 3
	ReqWriteTesteeData  = 4
	ReqReadTesteeData   = 5
	ReqReadTesteeInstrs = 6
	ReqResetTestee      = 7
	ReqSetTimeLimit     = 8
	ReqSetTesteePC      = 9
)

// Testee outcome codes written to driver register 0 after an execute
// request.
const (
	TesteeYielded = 0x0000
	TesteeTimeout = 0x0001
	TesteeIllegal = 0xFFFF
)

// Integrity pair expected directly after the result words of a Done
// request.
const (
	doneMagic0 = 0x650D
	doneMagic1 = 0x4585
)

// defaultTesteeLimit is the per-execute step allowance before the driver
// sets one: effectively unbounded, clamping happens against the driver's
// own budget.
const defaultTesteeLimit = vm.MaxBudget

// ResultKind classifies how a driver session ended.
type ResultKind uint8

const (
	// ResultCompleted means the driver finished via the Done request;
	// Codes holds the per-test result words.
	ResultCompleted ResultKind = iota

	// ResultTimeout means the shared budget ran out before Done.
	ResultTimeout

	// ResultDriverFault means the driver program itself hit an illegal
	// instruction; Fault holds the word.
	ResultDriverFault

	// ResultDriverError means the driver violated the yield protocol;
	// Err describes the violation.
	ResultDriverError
)

// Result is the outcome of a whole driver session.
type Result struct {
	Kind  ResultKind
	Codes []uint16
	Fault uint16
	Err   error
}

// DriverSession owns a driver VM and the testee it controls.
type DriverSession struct {
	driver *vm.VM
	testee *vm.VM

	testeeLimit uint64
	log         *zap.Logger
}

// SessionOption configures a session at creation time.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	log        *zap.Logger
	testeeOpts []vm.Option
	judgeOpts  []vm.Option
}

// WithLogger attaches a logger to the session. The default is a no-op
// logger.
func WithLogger(log *zap.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = log }
}

// WithControlledOptions passes VM options (randomness source, float-ops
// gate, dump handler) through to every controlled VM.
func WithControlledOptions(opts ...vm.Option) SessionOption {
	return func(c *sessionConfig) { c.testeeOpts = append(c.testeeOpts, opts...) }
}

// WithControllerOptions passes VM options through to the controlling VM.
func WithControllerOptions(opts ...vm.Option) SessionOption {
	return func(c *sessionConfig) { c.judgeOpts = append(c.judgeOpts, opts...) }
}

func applyOptions(opts []SessionOption) *sessionConfig {
	c := &sessionConfig{log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewDriverSession builds the driver and testee VMs around the given
// instruction segments. The driver's data segment is stamped with the
// test-driver environment ID so the program can verify the layout it was
// built against.
func NewDriverSession(driverInstrs, testeeInstrs *vm.Segment, opts ...SessionOption) *DriverSession {
	c := applyOptions(opts)
	s := &DriverSession{
		driver:      vm.New(driverInstrs, c.judgeOpts...),
		testee:      vm.New(testeeInstrs, c.testeeOpts...),
		testeeLimit: defaultTesteeLimit,
		log:         c.log,
	}
	s.driver.SetDataWord(envIDAddr, EnvTestDriver)
	s.driver.SetDataWord(versionAddr, LayoutVersion)
	return s
}

// Driver exposes the driver VM, mainly for tests and inspection.
func (s *DriverSession) Driver() *vm.VM { return s.driver }

// Testee exposes the testee VM.
func (s *DriverSession) Testee() *vm.VM { return s.testee }

// Run executes the session under the given total instruction budget and
// reports how it ended. The budget covers both VMs: testee steps are
// debited from it just like driver steps.
func (s *DriverSession) Run(totalBudget uint64) Result {
	s.driver.SetBudget(totalBudget)
	for {
		out := s.driver.Run(vm.NoStepLimit)
		switch out.Outcome {
		case vm.OutcomeTimeout:
			return Result{Kind: ResultTimeout}
		case vm.OutcomeIllegal:
			s.log.Debug("driver halted on illegal instruction",
				zap.Uint16("word", out.Value), zap.Uint16("pc", s.driver.PC()))
			return Result{Kind: ResultDriverFault, Fault: out.Value}
		}

		// Interpreting the request is itself work; a driver with nothing
		// left on the clock times out before the request takes effect.
		if s.driver.Remaining() == 0 {
			return Result{Kind: ResultTimeout}
		}

		done, err := s.dispatch(out.Value)
		if err != nil {
			s.log.Debug("driver protocol error", zap.Error(err))
			return Result{Kind: ResultDriverError, Err: err}
		}
		if done != nil {
			return *done
		}
		s.driver.Resume()
	}
}

// dispatch applies one yielded request. A non-nil Result ends the session;
// a non-nil error is a fatal driver error.
func (s *DriverSession) dispatch(code uint16) (*Result, error) {
	switch code {
	case ReqExecute:
		s.execute()
	case ReqDone:
		return s.finish()
	case ReqRegisterTransfer:
		s.registerTransfer()
	case ReqWriteTesteeData:
		copyWords(s.testee.Data(), s.driver.Register(1), s.driver.Data(), s.driver.Register(2), s.driver.Register(3))
	case ReqReadTesteeData:
		copyWords(s.driver.Data(), s.driver.Register(1), s.testee.Data(), s.driver.Register(2), s.driver.Register(3))
	case ReqReadTesteeInstrs:
		copyWords(s.driver.Data(), s.driver.Register(1), s.testee.Instructions(), s.driver.Register(2), s.driver.Register(3))
	case ReqResetTestee:
		s.testee.Reset()
	case ReqSetTimeLimit:
		limit := pack48(s.driver.Register(1), s.driver.Register(2), s.driver.Register(3))
		if limit == 0 {
			return nil, ErrZeroTimeLimit
		}
		s.testeeLimit = limit
	case ReqSetTesteePC:
		s.testee.SetPC(s.driver.Register(1))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownRequest, code)
	}
	return nil, nil
}

// execute resumes the testee until it suspends and reports the outcome in
// driver registers 0 and 1. The testee may spend at most
// min(limit, driver budget) steps; whatever it actually retires is debited
// from the driver.
func (s *DriverSession) execute() {
	allowance := s.testeeLimit
	if r := s.driver.Remaining(); r < allowance {
		allowance = r
	}
	s.testee.SetBudget(allowance)

	before := s.testee.Retired()
	out := s.testee.Run(vm.NoStepLimit)
	steps := s.testee.Retired() - before
	s.driver.ConsumeBudget(steps)

	switch out.Outcome {
	case vm.OutcomeYielded, vm.OutcomeReturned:
		s.driver.SetRegister(0, TesteeYielded)
		s.driver.SetRegister(1, out.Value)
	case vm.OutcomeTimeout:
		s.driver.SetRegister(0, TesteeTimeout)
	case vm.OutcomeIllegal:
		s.driver.SetRegister(0, TesteeIllegal)
	}
	s.log.Debug("testee executed",
		zap.Uint64("steps", steps), zap.Uint8("outcome", uint8(out.Outcome)))
}

// registerTransfer overwrites selected testee registers from driver data
// and writes the full testee register file back. Register i comes from
// driver data word offset+i when bit i of the bitmap is set; afterwards all
// sixteen registers land at offset..offset+15.
func (s *DriverSession) registerTransfer() {
	bitmap := s.driver.Register(1)
	offset := s.driver.Register(2)
	for i := 0; i < vm.NumRegisters; i++ {
		if bitmap&(1<<i) != 0 {
			s.testee.SetRegister(i, s.driver.DataWord(offset+uint16(i)))
		}
	}
	for i := 0; i < vm.NumRegisters; i++ {
		s.driver.SetDataWord(offset+uint16(i), s.testee.Register(i))
	}
}

// finish validates a Done request and collects the result words.
func (s *DriverSession) finish() (*Result, error) {
	n := s.driver.Register(1)
	data := s.driver.Data()
	if data[n] != doneMagic0 || data[n+1] != doneMagic1 {
		return nil, fmt.Errorf("%w at %#04x", ErrBadDoneMagic, n)
	}
	codes := make([]uint16, n)
	copy(codes, data[:n])
	return &Result{Kind: ResultCompleted, Codes: codes}, nil
}

// copyWords copies length words from src[srcOff] to dst[dstOff]. All
// addresses wrap modulo 2^16, so a copy may run off the top of a segment
// and continue at the bottom.
func copyWords(dst *vm.Segment, dstOff uint16, src *vm.Segment, srcOff uint16, length uint16) {
	for i := uint32(0); i < uint32(length); i++ {
		dst[dstOff+uint16(i)] = src[srcOff+uint16(i)]
	}
}

// pack48 assembles a 48-bit value from three words, most significant first.
func pack48(hi, mid, lo uint16) uint64 {
	return uint64(hi)<<32 | uint64(mid)<<16 | uint64(lo)
}
