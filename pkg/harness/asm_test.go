package harness

import "github.com/BenWiederhake/tinyvm/pkg/vm"

// prog assembles tiny driver and testee programs word by word. It covers
// just enough of the instruction set to express protocol conversations.
type prog struct {
	words []uint16
}

func (p *prog) emit(ws ...uint16) *prog {
	p.words = append(p.words, ws...)
	return p
}

// li loads an arbitrary immediate: one word when the sign-extended low byte
// already produces the value, two words otherwise.
func (p *prog) li(reg int, v uint16) *prog {
	low := v & 0x00FF
	p.emit(0x3000 | uint16(reg)<<8 | low)
	if uint16(int16(int8(low))) != v {
		p.emit(0x4000 | uint16(reg)<<8 | (v >> 8))
	}
	return p
}

// store emits a store-word: data[reg[addrReg]] = reg[dataReg].
func (p *prog) store(addrReg, dataReg int) *prog {
	return p.emit(0x2000 | uint16(addrReg)<<4 | uint16(dataReg))
}

// storeImm stores a constant at a constant data address, clobbering
// registers 14 (address) and 15 (value).
func (p *prog) storeImm(addr, value uint16) *prog {
	return p.li(14, addr).li(15, value).store(14, 15)
}

// magic places the Done integrity pair directly after n result words.
func (p *prog) magic(n uint16) *prog {
	return p.storeImm(n, 0x650D).storeImm(n+1, 0x4585)
}

func (p *prog) yield() *prog {
	return p.emit(0x102A)
}

func (p *prog) segment() *vm.Segment {
	return vm.SegmentFromWords(p.words...)
}
