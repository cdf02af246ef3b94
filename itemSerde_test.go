package reqsketch

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func roundTripItems[T any](serde SerDe[T], items []T) []T {
	var buf bytes.Buffer
	So(serde.WriteItems(&buf, items), ShouldBeNil)
	size := 0
	for _, item := range items {
		size += serde.SizeOf(item)
	}
	So(buf.Len(), ShouldEqual, size)
	out, err := serde.ReadItems(&buf, len(items))
	So(err, ShouldBeNil)
	So(buf.Len(), ShouldEqual, 0)
	return out
}

func TestItemSerDe(t *testing.T) {
	Convey("Fixed width encodings", t, func() {
		So(roundTripItems(Float64SerDe(), []float64{0, -1.5, math.Inf(1), math.MaxFloat64}),
			ShouldResemble, []float64{0, -1.5, math.Inf(1), math.MaxFloat64})
		So(roundTripItems(Float32SerDe(), []float32{1, -2.25}), ShouldResemble, []float32{1, -2.25})
		So(roundTripItems(Int64SerDe(), []int64{math.MinInt64, 0, math.MaxInt64}),
			ShouldResemble, []int64{math.MinInt64, 0, math.MaxInt64})
		So(roundTripItems(Int32SerDe(), []int32{math.MinInt32, 7}), ShouldResemble, []int32{math.MinInt32, 7})
		So(roundTripItems(IntSerDe(), []int{-3, 3}), ShouldResemble, []int{-3, 3})
		So(roundTripItems(Uint64SerDe(), []uint64{math.MaxUint64}), ShouldResemble, []uint64{math.MaxUint64})
	})
	Convey("More items than one chunk", t, func() {
		items := make([]float64, 3*chunkItems+7)
		for i := range items {
			items[i] = float64(i)
		}
		So(roundTripItems(Float64SerDe(), items), ShouldResemble, items)
	})
	Convey("Strings carry a length prefix", t, func() {
		items := []string{"", "a", "héllo wörld"}
		So(roundTripItems(StringSerDe(), items), ShouldResemble, items)
		So(StringSerDe().SizeOf("abc"), ShouldEqual, 7)
	})
	Convey("Msgpack handles structs", t, func() {
		items := []reading{{"a", 1}, {"b", -2.5}}
		So(roundTripItems(MsgpackSerDe[reading](), items), ShouldResemble, items)
	})
	Convey("DefaultSerDe picks by type", t, func() {
		_, ok := DefaultSerDe[float64]().(fixedSerDe[float64])
		So(ok, ShouldBeTrue)
		_, ok = DefaultSerDe[string]().(stringSerDe)
		So(ok, ShouldBeTrue)
		_, ok = DefaultSerDe[reading]().(msgpackSerDe[reading])
		So(ok, ShouldBeTrue)
	})
	Convey("Short input is an unexpected EOF", t, func() {
		_, err := Float64SerDe().ReadItems(bytes.NewReader(make([]byte, 12)), 2)
		So(errors.Is(err, io.ErrUnexpectedEOF), ShouldBeTrue)
		_, err = Float64SerDe().ReadItems(bytes.NewReader(nil), 1)
		So(errors.Is(err, io.ErrUnexpectedEOF), ShouldBeTrue)
		_, err = StringSerDe().ReadItems(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0x7f, 'x'}), 1)
		So(errors.Is(err, io.ErrUnexpectedEOF), ShouldBeTrue)
	})
	Convey("Bad msgpack is reported", t, func() {
		var buf bytes.Buffer
		So(writeBlob(&buf, []byte{0xc1}), ShouldBeNil)
		_, err := MsgpackSerDe[reading]().ReadItems(&buf, 1)
		So(err, ShouldNotBeNil)
	})
}
