package reqsketch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func shouldMatchSketch(actual, expected *Sketch[float64]) {
	So(actual.K(), ShouldEqual, expected.K())
	So(actual.HighRankAccuracy(), ShouldEqual, expected.HighRankAccuracy())
	So(actual.N(), ShouldEqual, expected.N())
	So(actual.IsEmpty(), ShouldEqual, expected.IsEmpty())
	So(actual.IsEstimationMode(), ShouldEqual, expected.IsEstimationMode())
	So(actual.NumRetained(), ShouldEqual, expected.NumRetained())
	So(actual.Summary(), ShouldResemble, expected.Summary())
	if expected.IsEmpty() {
		return
	}
	for _, r := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1} {
		So(quantileOf(actual, r, false), ShouldEqual, quantileOf(expected, r, false))
		So(quantileOf(actual, r, true), ShouldEqual, quantileOf(expected, r, true))
	}
	minItem, _ := expected.MinItem()
	maxItem, _ := expected.MaxItem()
	for _, x := range []float64{minItem, (minItem + maxItem) / 2, maxItem} {
		So(rankOf(actual, x, false), ShouldEqual, rankOf(expected, x, false))
		So(rankOf(actual, x, true), ShouldEqual, rankOf(expected, x, true))
	}
}

type namedSketch struct {
	name   string
	sketch *Sketch[float64]
}

func sketchesToSerialize() []namedSketch {
	empty := newFloatSketch(12)
	single := newFloatSketch(12)
	single.Update(1)
	exact := newFloatSketch(100)
	fillSequential(exact, 0, 50)
	estimation := newFloatSketch(12, WithSeed(4))
	fillSequential(estimation, 0, 100000)
	hra := newFloatSketch(12, WithSeed(4), WithHighRankAccuracy(true))
	fillSequential(hra, 0, 100000)
	return []namedSketch{
		{"empty", empty},
		{"single", single},
		{"exact", exact},
		{"estimation", estimation},
		{"high rank accuracy", hra},
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	Convey("Buffer round trips", t, func() {
		for _, tc := range sketchesToSerialize() {
			s := tc.sketch
			Convey(tc.name, func() {
				b, err := s.Serialize()
				So(err, ShouldBeNil)
				So(len(b), ShouldEqual, s.SerializedSizeBytes())

				out, err := Deserialize[float64](b)
				So(err, ShouldBeNil)
				shouldMatchSketch(out, s)

				again, err := out.MarshalBinary()
				So(err, ShouldBeNil)
				So(again, ShouldResemble, b)
			})
		}
	})
	Convey("Stream round trips consume exactly one image", t, func() {
		for _, tc := range sketchesToSerialize() {
			s := tc.sketch
			Convey(tc.name, func() {
				var buf bytes.Buffer
				written, err := s.WriteTo(&buf)
				So(err, ShouldBeNil)
				So(written, ShouldEqual, int64(s.SerializedSizeBytes()))
				buf.WriteString("tail")

				out := newFloatSketch(MinK)
				read, err := out.ReadFrom(&buf)
				So(err, ShouldBeNil)
				So(read, ShouldEqual, written)
				So(buf.String(), ShouldEqual, "tail")
				shouldMatchSketch(out, s)
			})
		}
	})
	Convey("Consecutive images in one stream", t, func() {
		a := newFloatSketch(12)
		fillSequential(a, 0, 10)
		b := newFloatSketch(24)
		fillSequential(b, 100, 1000)
		var buf bytes.Buffer
		_, err := a.WriteTo(&buf)
		So(err, ShouldBeNil)
		_, err = b.WriteTo(&buf)
		So(err, ShouldBeNil)

		outA, err := DeserializeFrom[float64](&buf)
		So(err, ShouldBeNil)
		outB, err := DeserializeFrom[float64](&buf)
		So(err, ShouldBeNil)
		shouldMatchSketch(outA, a)
		shouldMatchSketch(outB, b)
		So(buf.Len(), ShouldEqual, 0)
	})
	Convey("A decoded sketch keeps accepting updates", t, func() {
		s := newFloatSketch(12, WithSeed(8))
		fillSequential(s, 0, 5000)
		b, err := s.Serialize()
		So(err, ShouldBeNil)
		out, err := Deserialize[float64](b, WithSeed(8))
		So(err, ShouldBeNil)
		fillSequential(out, 5000, 10000)
		So(out.N(), ShouldEqual, uint64(10000))
		So(totalWeight(out), ShouldEqual, uint64(10000))
		So(rankOf(out, 5000, false), ShouldAlmostEqual, 0.5, 0.03)
	})
}

func TestSerializeOtherTypes(t *testing.T) {
	Convey("Integer items", t, func() {
		s, err := NewOrdered[int64](12)
		So(err, ShouldBeNil)
		for i := int64(0); i < 1000; i++ {
			s.Update(-i)
		}
		b, err := s.Serialize()
		So(err, ShouldBeNil)
		out, err := Deserialize[int64](b)
		So(err, ShouldBeNil)
		So(out.N(), ShouldEqual, s.N())
		So(out.Summary(), ShouldResemble, s.Summary())
		q, _ := out.Quantile(0, false)
		So(q, ShouldEqual, int64(-999))
	})
	Convey("String items", t, func() {
		s, err := NewOrdered[string](12)
		So(err, ShouldBeNil)
		for _, w := range []string{"pear", "apple", "", "fig", "banana"} {
			s.Update(w)
		}
		b, err := s.Serialize()
		So(err, ShouldBeNil)
		So(len(b), ShouldEqual, s.SerializedSizeBytes())
		out, err := Deserialize[string](b)
		So(err, ShouldBeNil)
		minItem, _ := out.MinItem()
		maxItem, _ := out.MaxItem()
		So(minItem, ShouldEqual, "")
		So(maxItem, ShouldEqual, "pear")
		r, _ := out.Rank("banana", true)
		So(r, ShouldEqual, 0.6)
	})
	Convey("Struct items through msgpack", t, func() {
		less := func(a, b reading) bool { return a.Value < b.Value }
		s, err := New(12, less, WithSeed(1))
		So(err, ShouldBeNil)
		for i := 0; i < 500; i++ {
			s.Update(reading{Sensor: "t1", Value: float64(i)})
		}
		b, err := s.Serialize()
		So(err, ShouldBeNil)
		So(len(b), ShouldEqual, s.SerializedSizeBytes())

		out, err := New(4, less)
		So(err, ShouldBeNil)
		So(out.UnmarshalBinary(b), ShouldBeNil)
		So(out.N(), ShouldEqual, uint64(500))
		So(out.K(), ShouldEqual, 12)
		maxItem, _ := out.MaxItem()
		So(maxItem, ShouldResemble, reading{Sensor: "t1", Value: 499})
	})
}

type reading struct {
	Sensor string
	Value  float64
}

func exactImage() []byte {
	s := newFloatSketch(100)
	fillSequential(s, 0, 50)
	b, err := s.Serialize()
	So(err, ShouldBeNil)
	So(len(b), ShouldEqual, 45+50*8)
	return b
}

func shouldFailToDecode(b []byte) {
	_, err := Deserialize[float64](b)
	So(err, ShouldNotBeNil)
	So(errors.Is(err, ErrDeserialization), ShouldBeTrue)
}

func TestDeserializeCorrupt(t *testing.T) {
	Convey("Every truncated prefix is rejected", t, func() {
		b := exactImage()
		for i := 0; i < len(b); i++ {
			shouldFailToDecode(b[:i])
		}
		_, err := DeserializeFrom[float64](bytes.NewReader(b[:len(b)-3]))
		So(errors.Is(err, ErrDeserialization), ShouldBeTrue)
	})
	Convey("Trailing bytes are rejected", t, func() {
		shouldFailToDecode(append(exactImage(), 0))
	})
	Convey("Preamble fields are validated", t, func() {
		cases := []struct {
			name   string
			mutate func(b []byte)
		}{
			{"family", func(b []byte) { b[2] = 99 }},
			{"version", func(b []byte) { b[1] = 2 }},
			{"preamble ints", func(b []byte) { b[0] = 3 }},
			{"unknown flag", func(b []byte) { b[3] |= 0x80 }},
			{"odd k", func(b []byte) { binary.LittleEndian.PutUint16(b[4:], 101) }},
			{"zero levels", func(b []byte) { b[6] = 0 }},
			{"estimation", func(b []byte) { b[3] |= flagEstimationMode }},
			{"stored levels", func(b []byte) { b[7] = 2 }},
		}
		for _, tc := range cases {
			Convey(tc.name, func() {
				b := exactImage()
				tc.mutate(b)
				shouldFailToDecode(b)
			})
		}
	})
	Convey("Body fields are validated", t, func() {
		cases := []struct {
			name   string
			mutate func(b []byte)
		}{
			{"n disagrees with weight", func(b []byte) { binary.LittleEndian.PutUint64(b[8:], 51) }},
			{"n too small", func(b []byte) { binary.LittleEndian.PutUint64(b[8:], 1) }},
			{"min above max", func(b []byte) { binary.LittleEndian.PutUint64(b[16:], math.Float64bits(1000)) }},
			{"NaN max", func(b []byte) { binary.LittleEndian.PutUint64(b[24:], math.Float64bits(math.NaN())) }},
			{"level out of range", func(b []byte) { b[32] = 1 }},
			{"huge count", func(b []byte) { binary.LittleEndian.PutUint32(b[41:], 1<<30) }},
			{"zero count", func(b []byte) { binary.LittleEndian.PutUint32(b[41:], 0) }},
			{"item out of range", func(b []byte) { binary.LittleEndian.PutUint64(b[45:], math.Float64bits(-1)) }},
		}
		for _, tc := range cases {
			Convey(tc.name, func() {
				b := exactImage()
				tc.mutate(b)
				shouldFailToDecode(b)
			})
		}
	})
	Convey("A failed decode leaves the target unchanged", t, func() {
		s := newFloatSketch(12)
		fillSequential(s, 0, 7)
		b := exactImage()
		b[2] = 0
		So(s.UnmarshalBinary(b), ShouldNotBeNil)
		So(s.N(), ShouldEqual, uint64(7))
		So(s.K(), ShouldEqual, 12)
	})
}

func BenchmarkSketch_Serialize(b *testing.B) {
	s, _ := NewFloat64(DefaultK)
	for i := 0; i < 1000000; i++ {
		s.Update(float64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Serialize()
	}
}

func BenchmarkSketch_Deserialize(b *testing.B) {
	s, _ := NewFloat64(DefaultK)
	for i := 0; i < 1000000; i++ {
		s.Update(float64(i))
	}
	img, _ := s.Serialize()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Deserialize[float64](img)
	}
}
