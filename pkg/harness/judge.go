package harness

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BenWiederhake/tinyvm/pkg/vm"
)

// The judge protocol generalizes the test-driver protocol to several
// controlled VMs. The judge addresses a player by yielding its index in
// register 0; the transfer work that the driver protocol spreads over
// separate requests is instead described by a control block at a fixed
// location in the judge's data segment:
//
//	word 0..3  allotted time for this run, 64 bits, most significant first
//	word 4     register write-back address W
//	word 5     NW, number of write descriptors
//	word 6     NR, number of read descriptors
//	word 7     R, bitmap of player registers to load from W before the run
//	word 8..   NW write descriptors, then NR read descriptors
//
// Each descriptor is a quadruple (player begin, player end, judge begin,
// judge end). Both ranges must have the same nonzero length of at most
// 0x7FFF words; anything else is a judge bug and aborts the session. Write
// descriptors move judge data into the player before the run, read
// descriptors move player data back after it. All sixteen player registers
// are written back to W..W+15 afterwards, and the run outcome lands in
// judge registers 0 and 1 exactly like a driver execute.
//
// Yielding the index 0xFFFF means the judge has made its judgment: the
// first N words of its data segment are the signed scores of the N players.
const (
	judgmentIndex = 0xFFFF

	ctlTimeAddr   = 0x0000
	ctlRegAddr    = 0x0004
	ctlNumWrites  = 0x0005
	ctlNumReads   = 0x0006
	ctlRegBitmap  = 0x0007
	ctlDescriptor = 0x0008

	maxTransferLen = 0x7FFF
)

// JudgeResultKind classifies how a judge session ended.
type JudgeResultKind uint8

const (
	// JudgeCompleted means the judge delivered scores for every player.
	JudgeCompleted JudgeResultKind = iota

	// JudgeTimeout means the shared budget ran out first.
	JudgeTimeout

	// JudgeFault means the judge program hit an illegal instruction.
	JudgeFault

	// JudgeError means the judge violated the protocol.
	JudgeError
)

// JudgeResult is the outcome of a whole judge session.
type JudgeResult struct {
	Kind   JudgeResultKind
	Scores []int16
	Fault  uint16
	Err    error
}

// JudgeSession owns a judge VM and the players it referees.
type JudgeSession struct {
	judge   *vm.VM
	players []*vm.VM
	log     *zap.Logger
}

// NewJudgeSession builds the judge and one VM per player instruction
// segment. The judge's data segment is stamped with the judge environment
// ID.
func NewJudgeSession(judgeInstrs *vm.Segment, playerInstrs []*vm.Segment, opts ...SessionOption) (*JudgeSession, error) {
	if len(playerInstrs) == 0 {
		return nil, ErrNoPlayers
	}
	c := applyOptions(opts)
	s := &JudgeSession{
		judge: vm.New(judgeInstrs, c.judgeOpts...),
		log:   c.log,
	}
	for _, instrs := range playerInstrs {
		s.players = append(s.players, vm.New(instrs, c.testeeOpts...))
	}
	s.judge.SetDataWord(envIDAddr, EnvJudge)
	s.judge.SetDataWord(versionAddr, LayoutVersion)
	return s, nil
}

// Judge exposes the judge VM, mainly for tests and inspection.
func (s *JudgeSession) Judge() *vm.VM { return s.judge }

// Player exposes player VM i.
func (s *JudgeSession) Player(i int) *vm.VM { return s.players[i] }

// Run executes the session under the given total instruction budget. The
// budget covers the judge and every player.
func (s *JudgeSession) Run(totalBudget uint64) JudgeResult {
	s.judge.SetBudget(totalBudget)
	for {
		out := s.judge.Run(vm.NoStepLimit)
		switch out.Outcome {
		case vm.OutcomeTimeout:
			return JudgeResult{Kind: JudgeTimeout}
		case vm.OutcomeIllegal:
			s.log.Debug("judge halted on illegal instruction",
				zap.Uint16("word", out.Value), zap.Uint16("pc", s.judge.PC()))
			return JudgeResult{Kind: JudgeFault, Fault: out.Value}
		}

		if s.judge.Remaining() == 0 {
			return JudgeResult{Kind: JudgeTimeout}
		}

		index := out.Value
		if index == judgmentIndex {
			return s.collectScores()
		}
		if int(index) >= len(s.players) {
			return JudgeResult{Kind: JudgeError, Err: fmt.Errorf("%w: %d of %d", ErrUnknownPlayer, index, len(s.players))}
		}
		if err := s.runPlayer(s.players[index]); err != nil {
			s.log.Debug("judge protocol error", zap.Error(err))
			return JudgeResult{Kind: JudgeError, Err: err}
		}
		s.judge.Resume()
	}
}

// runPlayer applies the control block for one player run.
func (s *JudgeSession) runPlayer(player *vm.VM) error {
	data := s.judge.Data()
	// A zero allowance is not a protocol error: the player simply times out
	// before its first step, like a testee under an exhausted driver budget.
	allotted := uint64(data[ctlTimeAddr])<<48 |
		uint64(data[ctlTimeAddr+1])<<32 |
		uint64(data[ctlTimeAddr+2])<<16 |
		uint64(data[ctlTimeAddr+3])
	regAddr := data[ctlRegAddr]
	numWrites := data[ctlNumWrites]
	numReads := data[ctlNumReads]
	bitmap := data[ctlRegBitmap]

	writes, next, err := parseDescriptors(data, ctlDescriptor, numWrites)
	if err != nil {
		return err
	}
	reads, _, err := parseDescriptors(data, next, numReads)
	if err != nil {
		return err
	}

	for _, d := range writes {
		copyWords(player.Data(), d.playerBegin, s.judge.Data(), d.judgeBegin, d.length)
	}
	for i := 0; i < vm.NumRegisters; i++ {
		if bitmap&(1<<i) != 0 {
			player.SetRegister(i, data[regAddr+uint16(i)])
		}
	}

	// A player that yielded last time simply continues behind its yield.
	player.Resume()
	allowance := allotted
	if r := s.judge.Remaining(); r < allowance {
		allowance = r
	}
	player.SetBudget(allowance)
	before := player.Retired()
	out := player.Run(vm.NoStepLimit)
	steps := player.Retired() - before
	s.judge.ConsumeBudget(steps)

	for _, d := range reads {
		copyWords(s.judge.Data(), d.judgeBegin, player.Data(), d.playerBegin, d.length)
	}
	for i := 0; i < vm.NumRegisters; i++ {
		s.judge.SetDataWord(regAddr+uint16(i), player.Register(i))
	}

	switch out.Outcome {
	case vm.OutcomeYielded, vm.OutcomeReturned:
		s.judge.SetRegister(0, TesteeYielded)
		s.judge.SetRegister(1, out.Value)
	case vm.OutcomeTimeout:
		s.judge.SetRegister(0, TesteeTimeout)
	case vm.OutcomeIllegal:
		s.judge.SetRegister(0, TesteeIllegal)
	}
	s.log.Debug("player executed", zap.Uint64("steps", steps), zap.Uint8("outcome", uint8(out.Outcome)))
	return nil
}

// descriptor is one validated transfer range pair.
type descriptor struct {
	playerBegin uint16
	judgeBegin  uint16
	length      uint16
}

// parseDescriptors reads count quadruples starting at addr and validates
// them: equal nonzero lengths of at most 0x7FFF words. Range ends wrap, so
// a range may straddle the top of the address space.
func parseDescriptors(data *vm.Segment, addr uint16, count uint16) ([]descriptor, uint16, error) {
	descs := make([]descriptor, 0, count)
	for i := uint16(0); i < count; i++ {
		playerBegin := data[addr]
		playerEnd := data[addr+1]
		judgeBegin := data[addr+2]
		judgeEnd := data[addr+3]
		addr += 4

		playerLen := playerEnd - playerBegin
		judgeLen := judgeEnd - judgeBegin
		if playerLen == 0 || playerLen > maxTransferLen {
			return nil, 0, fmt.Errorf("%w: player range %#04x..%#04x", ErrBadDescriptor, playerBegin, playerEnd)
		}
		if playerLen != judgeLen {
			return nil, 0, fmt.Errorf("%w: player length %d, judge length %d", ErrBadDescriptor, playerLen, judgeLen)
		}
		descs = append(descs, descriptor{playerBegin: playerBegin, judgeBegin: judgeBegin, length: playerLen})
	}
	return descs, addr, nil
}

// collectScores reads one signed score per player from the start of the
// judge's data segment.
func (s *JudgeSession) collectScores() JudgeResult {
	scores := make([]int16, len(s.players))
	for i := range s.players {
		scores[i] = int16(s.judge.DataWord(uint16(i)))
	}
	return JudgeResult{Kind: JudgeCompleted, Scores: scores}
}
