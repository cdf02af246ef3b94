package reqsketch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

const (
	serialVersion     = 1
	familyID          = 17
	preambleIntsShort = 2
	preambleIntsFull  = 4
	preambleBytes     = 8
	levelHeaderBytes  = 1 + 8 + 4

	// maxLevels bounds the hierarchy: n is a uint64, so no level above 63
	// can hold an item.
	maxLevels = 64
)

const (
	flagEmpty = 1 << iota
	flagSingleItem
	flagEstimationMode
	flagHighRankAccuracy

	knownFlags = flagEmpty | flagSingleItem | flagEstimationMode | flagHighRankAccuracy
)

// The image is little endian:
//
//	0  u8  preamble ints (2 when empty or single item, else 4)
//	1  u8  serial version
//	2  u8  family id
//	3  u8  flags
//	4  u16 k
//	6  u8  number of levels
//	7  u8  number of non-empty levels that follow
//	   u64 n                    (full form only)
//	   min item, max item       (unless empty)
//	   per non-empty level, ascending (full form only):
//	   u8 level, u64 state, u32 count, items in stored order

// SerializedSizeBytes returns the exact length of Serialize's output.
func (s *Sketch[T]) SerializedSizeBytes() int {
	size := preambleBytes
	if s.IsEmpty() {
		return size
	}
	size += s.serde.SizeOf(s.minItem) + s.serde.SizeOf(s.maxItem)
	if s.isSingleItem() {
		return size
	}
	size += 8
	for _, c := range s.levels {
		if len(c.items) == 0 {
			continue
		}
		size += levelHeaderBytes
		for _, item := range c.items {
			size += s.serde.SizeOf(item)
		}
	}
	return size
}

// Serialize encodes the sketch into a new byte slice.
func (s *Sketch[T]) Serialize() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, s.SerializedSizeBytes()))
	if _, err := s.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *Sketch[T]) MarshalBinary() ([]byte, error) {
	return s.Serialize()
}

// WriteTo writes the sketch image to w and returns the number of bytes
// written. On error w may hold a partial image.
func (s *Sketch[T]) WriteTo(w io.Writer) (int64, error) {
	bw := &binWriter{w: w}
	single := s.isSingleItem()

	var flags uint8
	preambleInts := uint8(preambleIntsFull)
	if s.IsEmpty() {
		flags |= flagEmpty
		preambleInts = preambleIntsShort
	}
	if single {
		flags |= flagSingleItem
		preambleInts = preambleIntsShort
	}
	if s.IsEstimationMode() {
		flags |= flagEstimationMode
	}
	if s.hra {
		flags |= flagHighRankAccuracy
	}
	stored := 0
	if !s.IsEmpty() && !single {
		for _, c := range s.levels {
			if len(c.items) > 0 {
				stored++
			}
		}
	}

	bw.u8(preambleInts)
	bw.u8(serialVersion)
	bw.u8(familyID)
	bw.u8(flags)
	bw.u16(uint16(s.k))
	bw.u8(uint8(len(s.levels)))
	bw.u8(uint8(stored))
	if s.IsEmpty() {
		return bw.n, bw.err
	}

	if !single {
		bw.u64(s.n)
	}
	writeItems(bw, s.serde, []T{s.minItem, s.maxItem})
	if single {
		return bw.n, bw.err
	}
	for _, c := range s.levels {
		if len(c.items) == 0 {
			continue
		}
		bw.u8(c.lgWeight)
		bw.u64(c.state)
		bw.u32(uint32(len(c.items)))
		writeItems(bw, s.serde, c.items)
	}
	return bw.n, bw.err
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. It replaces the
// contents and configuration of s with the image in b, which must contain
// exactly one sketch. The less function, SerDe, BitSource and logger of s
// are kept. On error s is unchanged.
func (s *Sketch[T]) UnmarshalBinary(b []byte) error {
	br := &binReader{r: bytes.NewReader(b), remaining: len(b)}
	fresh, err := s.decode(br)
	if err != nil {
		return err
	}
	if br.remaining != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDeserialization, br.remaining)
	}
	s.install(fresh)
	return nil
}

// ReadFrom replaces the contents of s with one sketch image read from r,
// consuming exactly the bytes of that image. On error s is unchanged.
func (s *Sketch[T]) ReadFrom(r io.Reader) (int64, error) {
	br := &binReader{r: r, remaining: -1}
	fresh, err := s.decode(br)
	if err != nil {
		return br.n, err
	}
	s.install(fresh)
	return br.n, nil
}

// Deserialize decodes a sketch over a naturally ordered type from b.
// Rank accuracy and k come from the image.
func Deserialize[T constraints.Ordered](b []byte, opts ...Option) (*Sketch[T], error) {
	s, err := NewOrdered[T](MinK, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return s, nil
}

// DeserializeFrom decodes one sketch over a naturally ordered type from r.
func DeserializeFrom[T constraints.Ordered](r io.Reader, opts ...Option) (*Sketch[T], error) {
	s, err := NewOrdered[T](MinK, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.ReadFrom(r); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sketch[T]) isSingleItem() bool {
	return s.n == 1
}

func (s *Sketch[T]) install(fresh *Sketch[T]) {
	*s = *fresh
	s.logger.Debug("deserialized sketch",
		zap.Int("k", s.k),
		zap.Uint64("n", s.n),
		zap.Int("levels", len(s.levels)),
		zap.Int("retained", s.numRetained),
	)
}

// shell returns an empty sketch with the given shape sharing the item
// handling, randomness and logging of s.
func (s *Sketch[T]) shell(k int, hra bool, numLevels int) *Sketch[T] {
	fresh := &Sketch[T]{
		k:      k,
		hra:    hra,
		less:   s.less,
		serde:  s.serde,
		nan:    s.nan,
		hasNaN: s.hasNaN,
		isNaN:  s.isNaN,
		bits:   s.bits,
		logger: s.logger,
	}
	for len(fresh.levels) < numLevels {
		fresh.appendLevel()
	}
	return fresh
}

func (s *Sketch[T]) decode(br *binReader) (*Sketch[T], error) {
	preambleInts := br.u8()
	version := br.u8()
	family := br.u8()
	flags := br.u8()
	k := int(br.u16())
	numLevels := int(br.u8())
	stored := int(br.u8())
	if br.err != nil {
		return nil, corrupt("preamble: %w", br.err)
	}

	empty := flags&flagEmpty != 0
	single := flags&flagSingleItem != 0
	hra := flags&flagHighRankAccuracy != 0

	var err error
	if family != familyID {
		err = multierr.Append(err, fmt.Errorf("family id %d, expected %d", family, familyID))
	}
	if version != serialVersion {
		err = multierr.Append(err, fmt.Errorf("serial version %d, expected %d", version, serialVersion))
	}
	if flags&^knownFlags != 0 {
		err = multierr.Append(err, fmt.Errorf("unknown flags %#x", flags&^knownFlags))
	}
	wantInts := uint8(preambleIntsFull)
	if empty || single {
		wantInts = preambleIntsShort
	}
	if preambleInts != wantInts {
		err = multierr.Append(err, fmt.Errorf("preamble ints %d, expected %d", preambleInts, wantInts))
	}
	if empty && single {
		err = multierr.Append(err, fmt.Errorf("both empty and single item flags set"))
	}
	if k < MinK || k > MaxK || k%2 != 0 {
		err = multierr.Append(err, fmt.Errorf("%w: %d", ErrInvalidK, k))
	}
	if numLevels < 1 || numLevels > maxLevels {
		err = multierr.Append(err, fmt.Errorf("%d levels", numLevels))
	}
	if (flags&flagEstimationMode != 0) != (numLevels > 1) {
		err = multierr.Append(err, fmt.Errorf("estimation mode flag disagrees with %d levels", numLevels))
	}
	if (empty || single) && (numLevels != 1 || stored != 0) {
		err = multierr.Append(err, fmt.Errorf("short form with %d levels and %d stored levels", numLevels, stored))
	}
	if stored > numLevels {
		err = multierr.Append(err, fmt.Errorf("%d stored levels exceed %d levels", stored, numLevels))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}

	fresh := s.shell(k, hra, numLevels)
	if empty {
		return fresh, nil
	}

	var n uint64 = 1
	if !single {
		n = br.u64()
		if br.err != nil {
			return nil, corrupt("n: %w", br.err)
		}
		if n < 2 {
			return nil, corrupt("n %d in full form", n)
		}
	}
	extremes, rerr := s.serde.ReadItems(br, 2)
	if rerr != nil {
		return nil, corrupt("min and max items: %w", rerr)
	}
	minItem, maxItem := extremes[0], extremes[1]
	if s.less(maxItem, minItem) || (s.isNaN != nil && (s.isNaN(minItem) || s.isNaN(maxItem))) {
		return nil, corrupt("min item %v and max item %v out of order", minItem, maxItem)
	}
	fresh.n = n
	fresh.minItem, fresh.maxItem = minItem, maxItem

	if single {
		if s.less(minItem, maxItem) {
			return nil, corrupt("single item image with distinct min and max")
		}
		fresh.levels[0].insert(minItem)
		fresh.recount()
		return fresh, nil
	}

	var weight uint64
	prev := -1
	for i := 0; i < stored; i++ {
		level := int(br.u8())
		state := br.u64()
		count := int(br.u32())
		if br.err != nil {
			return nil, corrupt("level header: %w", br.err)
		}
		if level <= prev || level >= numLevels {
			return nil, corrupt("level %d out of order", level)
		}
		prev = level
		if count == 0 {
			return nil, corrupt("level %d stored without items", level)
		}
		// every encoding spends at least one byte per item
		if br.remaining >= 0 && count > br.remaining {
			return nil, corrupt("level %d declares %d items with %d bytes left", level, count, br.remaining)
		}
		if uint64(count) > (math.MaxUint64-weight)>>level {
			return nil, corrupt("level %d weight overflows", level)
		}
		weight += uint64(count) << level

		items, rerr := s.serde.ReadItems(br, count)
		if rerr != nil {
			return nil, corrupt("level %d items: %w", level, rerr)
		}
		for _, item := range items {
			if s.less(item, minItem) || s.less(maxItem, item) || (s.isNaN != nil && s.isNaN(item)) {
				return nil, corrupt("level %d item %v outside [%v, %v]", level, item, minItem, maxItem)
			}
		}

		c := fresh.levels[level]
		c.state = state
		for c.ensureEnoughSections() {
		}
		c.items = items
		c.sorted = slices.IsSortedFunc(items, compareFunc(s.less))
	}
	if weight != n {
		return nil, corrupt("retained weight %d does not match n %d", weight, n)
	}
	fresh.recount()
	return fresh, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrDeserialization, fmt.Errorf(format, args...))
}

type binWriter struct {
	w       io.Writer
	n       int64
	err     error
	scratch [8]byte
}

func (b *binWriter) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.w.Write(p)
	b.n += int64(n)
	if err != nil {
		b.err = err
	}
	return n, err
}

func (b *binWriter) u8(v uint8) {
	b.scratch[0] = v
	b.Write(b.scratch[:1])
}

func (b *binWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(b.scratch[:], v)
	b.Write(b.scratch[:2])
}

func (b *binWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(b.scratch[:], v)
	b.Write(b.scratch[:4])
}

func (b *binWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(b.scratch[:], v)
	b.Write(b.scratch[:8])
}

func writeItems[T any](b *binWriter, serde SerDe[T], items []T) {
	if b.err != nil {
		return
	}
	if err := serde.WriteItems(b, items); err != nil && b.err == nil {
		b.err = err
	}
}

// binReader counts consumed bytes and, for the buffer form, how many are
// left. remaining is -1 for streams.
type binReader struct {
	r         io.Reader
	n         int64
	remaining int
	err       error
	scratch   [8]byte
}

func (b *binReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	if b.remaining >= 0 {
		b.remaining -= n
	}
	return n, err
}

func (b *binReader) fill(size int) []byte {
	if b.err != nil {
		return nil
	}
	if _, err := io.ReadFull(b, b.scratch[:size]); err != nil {
		b.err = noEOF(err)
		return nil
	}
	return b.scratch[:size]
}

func (b *binReader) u8() uint8 {
	if p := b.fill(1); p != nil {
		return p[0]
	}
	return 0
}

func (b *binReader) u16() uint16 {
	if p := b.fill(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (b *binReader) u32() uint32 {
	if p := b.fill(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (b *binReader) u64() uint64 {
	if p := b.fill(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}
