package reqsketch

import "math/rand/v2"

// BitSource supplies the coin flips that decide which half of a compacted
// range is promoted to the next level.
//
// A BitSource that also implements Clone() BitSource is copied by
// Sketch.Clone; any other source is replaced in the copy by a PCG source
// seeded from it.
type BitSource interface {
	Bit() bool
}

// pcgBits draws 64 coin flips at a time from a PCG generator.
type pcgBits struct {
	pcg  *rand.PCG
	rng  *rand.Rand
	word uint64
	left uint
}

// NewBitSource returns a BitSource seeded with seed. Two sources with the
// same seed produce the same sequence.
func NewBitSource(seed uint64) BitSource {
	return newPCGBits(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func newPCGBits(pcg *rand.PCG) *pcgBits {
	return &pcgBits{pcg: pcg, rng: rand.New(pcg)}
}

func newRandomBitSource() BitSource {
	return NewBitSource(rand.Uint64())
}

// Bit returns the next coin flip.
func (b *pcgBits) Bit() bool {
	if b.left == 0 {
		b.word = b.rng.Uint64()
		b.left = 64
	}
	bit := b.word&1 == 1
	b.word >>= 1
	b.left--
	return bit
}

// Clone returns a source that continues with the same sequence as b
// without sharing state with it.
func (b *pcgBits) Clone() BitSource {
	pcg := *b.pcg
	cp := newPCGBits(&pcg)
	cp.word, cp.left = b.word, b.left
	return cp
}

// cloneBits returns a source independent of src.
func cloneBits(src BitSource) BitSource {
	if c, ok := src.(interface{ Clone() BitSource }); ok {
		return c.Clone()
	}
	var seed uint64
	for i := 0; i < 64; i++ {
		seed <<= 1
		if src.Bit() {
			seed |= 1
		}
	}
	return NewBitSource(seed)
}
