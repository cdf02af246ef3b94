package reqsketch

import (
	"fmt"
	"strings"

	"github.com/ugorji/go/codec"
)

// Summary describes the shape of a sketch for debugging and monitoring.
type Summary struct {
	K                int            `codec:"k"`
	HighRankAccuracy bool           `codec:"high_rank_accuracy"`
	N                uint64         `codec:"n"`
	NumRetained      int            `codec:"num_retained"`
	CapacityItems    int            `codec:"capacity_items"`
	EstimationMode   bool           `codec:"estimation_mode"`
	MinItem          any            `codec:"min_item,omitempty"`
	MaxItem          any            `codec:"max_item,omitempty"`
	Levels           []LevelSummary `codec:"levels"`
}

// LevelSummary describes one compactor.
type LevelSummary struct {
	Level       int    `codec:"level"`
	Weight      uint64 `codec:"weight"`
	Capacity    int    `codec:"capacity"`
	Size        int    `codec:"size"`
	Sections    int    `codec:"sections"`
	SectionSize int    `codec:"section_size"`
	State       uint64 `codec:"state"`
}

// Summary returns the current shape of the sketch.
func (s *Sketch[T]) Summary() Summary {
	sum := Summary{
		K:                s.k,
		HighRankAccuracy: s.hra,
		N:                s.n,
		NumRetained:      s.numRetained,
		CapacityItems:    s.maxNomSize,
		EstimationMode:   s.IsEstimationMode(),
		Levels:           make([]LevelSummary, len(s.levels)),
	}
	if !s.IsEmpty() {
		sum.MinItem, sum.MaxItem = s.minItem, s.maxItem
	}
	for i, c := range s.levels {
		sum.Levels[i] = LevelSummary{
			Level:       int(c.lgWeight),
			Weight:      uint64(1) << c.lgWeight,
			Capacity:    c.nomCapacity(),
			Size:        len(c.items),
			Sections:    int(c.numSections),
			SectionSize: int(c.sectionSize),
			State:       c.state,
		}
	}
	return sum
}

// DumpJSON encodes Summary as indented JSON.
func (s *Sketch[T]) DumpJSON() (out []byte, err error) {
	var jh codec.JsonHandle
	jh.Indent = 2
	enc := codec.NewEncoderBytes(&out, &jh)
	err = enc.Encode(s.Summary())
	return
}

// String returns a human readable summary of the sketch.
func (s *Sketch[T]) String() string {
	return s.Dump(false, false)
}

// Dump renders the summary, optionally followed by per-level capacities
// and by every retained item.
func (s *Sketch[T]) Dump(printLevels, printItems bool) string {
	var sb strings.Builder
	sb.WriteString("### REQ sketch summary:\n")
	fmt.Fprintf(&sb, "   K              : %d\n", s.k)
	fmt.Fprintf(&sb, "   High Rank Acc  : %t\n", s.hra)
	fmt.Fprintf(&sb, "   Empty          : %t\n", s.IsEmpty())
	fmt.Fprintf(&sb, "   Estimation mode: %t\n", s.IsEstimationMode())
	fmt.Fprintf(&sb, "   Levels         : %d\n", len(s.levels))
	fmt.Fprintf(&sb, "   Sorted         : %t\n", s.levels[0].sorted)
	fmt.Fprintf(&sb, "   N              : %d\n", s.n)
	fmt.Fprintf(&sb, "   Retained items : %d\n", s.numRetained)
	fmt.Fprintf(&sb, "   Capacity items : %d\n", s.maxNomSize)
	if !s.IsEmpty() {
		fmt.Fprintf(&sb, "   Min item       : %v\n", s.minItem)
		fmt.Fprintf(&sb, "   Max item       : %v\n", s.maxItem)
	}
	sb.WriteString("### End sketch summary\n")

	if printLevels {
		sb.WriteString("### REQ sketch levels:\n")
		sb.WriteString("   index: nominal capacity, actual size\n")
		for i, c := range s.levels {
			fmt.Fprintf(&sb, "   %d: %d, %d\n", i, c.nomCapacity(), len(c.items))
		}
		sb.WriteString("### End sketch levels\n")
	}

	if printItems {
		sb.WriteString("### REQ sketch data:\n")
		for i, c := range s.levels {
			fmt.Fprintf(&sb, " level %d: \n", i)
			for _, item := range c.items {
				fmt.Fprintf(&sb, "   %v\n", item)
			}
		}
		sb.WriteString("### End sketch data\n")
	}
	return sb.String()
}
