package reqsketch

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/ugorji/go/codec"
)

// SerDe encodes and decodes sketch items.
type SerDe[T any] interface {
	// SizeOf returns the number of bytes WriteItems uses for item.
	SizeOf(item T) int

	// WriteItems writes items to w in order.
	WriteItems(w io.Writer, items []T) error

	// ReadItems reads exactly n items from r, consuming no more bytes
	// than WriteItems produced for them.
	ReadItems(r io.Reader, n int) ([]T, error)
}

// chunkItems bounds both the scratch buffer of fixed-width encodings and
// the up-front allocation for a declared item count.
const chunkItems = 512

// DefaultSerDe returns the encoding used by New: fixed-width little endian
// for float32, float64, int, int32, int64 and uint64, length-prefixed
// bytes for string, and msgpack for anything else.
func DefaultSerDe[T any]() SerDe[T] {
	var zero T
	var sd any
	switch any(zero).(type) {
	case float64:
		sd = Float64SerDe()
	case float32:
		sd = Float32SerDe()
	case int64:
		sd = Int64SerDe()
	case int32:
		sd = Int32SerDe()
	case int:
		sd = IntSerDe()
	case uint64:
		sd = Uint64SerDe()
	case string:
		sd = StringSerDe()
	default:
		return MsgpackSerDe[T]()
	}
	return sd.(SerDe[T])
}

type fixedSerDe[T any] struct {
	size int
	put  func(b []byte, v T)
	get  func(b []byte) T
}

func (f fixedSerDe[T]) SizeOf(T) int {
	return f.size
}

func (f fixedSerDe[T]) WriteItems(w io.Writer, items []T) error {
	buf := make([]byte, f.size*min(len(items), chunkItems))
	for len(items) > 0 {
		m := min(len(items), chunkItems)
		for i := 0; i < m; i++ {
			f.put(buf[i*f.size:], items[i])
		}
		if _, err := w.Write(buf[:m*f.size]); err != nil {
			return err
		}
		items = items[m:]
	}
	return nil
}

func (f fixedSerDe[T]) ReadItems(r io.Reader, n int) ([]T, error) {
	out := make([]T, 0, min(n, chunkItems))
	buf := make([]byte, f.size*min(n, chunkItems))
	for n > 0 {
		m := min(n, chunkItems)
		if _, err := io.ReadFull(r, buf[:m*f.size]); err != nil {
			return nil, noEOF(err)
		}
		for i := 0; i < m; i++ {
			out = append(out, f.get(buf[i*f.size:]))
		}
		n -= m
	}
	return out, nil
}

// Float64SerDe encodes float64 items as 8 little endian bytes.
func Float64SerDe() SerDe[float64] {
	return fixedSerDe[float64]{
		size: 8,
		put:  func(b []byte, v float64) { binary.LittleEndian.PutUint64(b, math.Float64bits(v)) },
		get:  func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) },
	}
}

// Float32SerDe encodes float32 items as 4 little endian bytes.
func Float32SerDe() SerDe[float32] {
	return fixedSerDe[float32]{
		size: 4,
		put:  func(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) },
		get:  func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) },
	}
}

// Int64SerDe encodes int64 items as 8 little endian bytes.
func Int64SerDe() SerDe[int64] {
	return fixedSerDe[int64]{
		size: 8,
		put:  func(b []byte, v int64) { binary.LittleEndian.PutUint64(b, uint64(v)) },
		get:  func(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) },
	}
}

// IntSerDe encodes int items as 8 little endian bytes on every platform.
func IntSerDe() SerDe[int] {
	return fixedSerDe[int]{
		size: 8,
		put:  func(b []byte, v int) { binary.LittleEndian.PutUint64(b, uint64(int64(v))) },
		get:  func(b []byte) int { return int(int64(binary.LittleEndian.Uint64(b))) },
	}
}

// Int32SerDe encodes int32 items as 4 little endian bytes.
func Int32SerDe() SerDe[int32] {
	return fixedSerDe[int32]{
		size: 4,
		put:  func(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) },
		get:  func(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) },
	}
}

// Uint64SerDe encodes uint64 items as 8 little endian bytes.
func Uint64SerDe() SerDe[uint64] {
	return fixedSerDe[uint64]{
		size: 8,
		put:  func(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) },
		get:  func(b []byte) uint64 { return binary.LittleEndian.Uint64(b) },
	}
}

// StringSerDe encodes each string as a 4 byte little endian length followed
// by its bytes.
func StringSerDe() SerDe[string] {
	return stringSerDe{}
}

type stringSerDe struct{}

func (stringSerDe) SizeOf(item string) int {
	return 4 + len(item)
}

func (stringSerDe) WriteItems(w io.Writer, items []string) error {
	for _, item := range items {
		if err := writeBlob(w, []byte(item)); err != nil {
			return err
		}
	}
	return nil
}

func (stringSerDe) ReadItems(r io.Reader, n int) ([]string, error) {
	out := make([]string, 0, min(n, chunkItems))
	for i := 0; i < n; i++ {
		b, err := readBlob(r)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

// MsgpackSerDe encodes each item with msgpack, prefixed by its 4 byte
// little endian length. It works for any type the codec package can
// encode and decode.
func MsgpackSerDe[T any]() SerDe[T] {
	return msgpackSerDe[T]{h: &codec.MsgpackHandle{}}
}

type msgpackSerDe[T any] struct {
	h *codec.MsgpackHandle
}

func (m msgpackSerDe[T]) encode(item T) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, m.h)
	err := enc.Encode(item)
	return out, err
}

// SizeOf returns 0 for items msgpack cannot encode; WriteItems reports
// the error for them.
func (m msgpackSerDe[T]) SizeOf(item T) int {
	b, err := m.encode(item)
	if err != nil {
		return 0
	}
	return 4 + len(b)
}

func (m msgpackSerDe[T]) WriteItems(w io.Writer, items []T) error {
	for _, item := range items {
		b, err := m.encode(item)
		if err != nil {
			return err
		}
		if err := writeBlob(w, b); err != nil {
			return err
		}
	}
	return nil
}

func (m msgpackSerDe[T]) ReadItems(r io.Reader, n int) ([]T, error) {
	out := make([]T, 0, min(n, chunkItems))
	for i := 0; i < n; i++ {
		b, err := readBlob(r)
		if err != nil {
			return nil, err
		}
		var v T
		dec := codec.NewDecoderBytes(b, m.h)
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func writeBlob(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readBlob reads a length-prefixed byte string. The body is read through a
// LimitReader so a corrupt length cannot force a large allocation up front.
func readBlob(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, noEOF(err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	b, err := io.ReadAll(io.LimitReader(r, int64(size)))
	if err != nil {
		return nil, err
	}
	if uint32(len(b)) != size {
		return nil, fmt.Errorf("item of %d bytes: %w", size, io.ErrUnexpectedEOF)
	}
	return b, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
