package horizondb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRangeSet(t *testing.T) {
	tests := []struct {
		name   string
		ranges []TimeRange
		want   []TimeRange
	}{
		{
			name: "empty input",
		},
		{
			name:   "inverted range is dropped",
			ranges: []TimeRange{{Lower: 10, Upper: 5}},
		},
		{
			name:   "overlapping ranges merge",
			ranges: []TimeRange{{Lower: 0, Upper: 10}, {Lower: 5, Upper: 20}},
			want:   []TimeRange{{Lower: 0, Upper: 20}},
		},
		{
			name:   "adjacent ranges merge",
			ranges: []TimeRange{{Lower: 0, Upper: 10}, {Lower: 10, Upper: 20}},
			want:   []TimeRange{{Lower: 0, Upper: 20}},
		},
		{
			name:   "disjoint ranges sort",
			ranges: []TimeRange{{Lower: 30, Upper: 40}, {Lower: 0, Upper: 10}},
			want:   []TimeRange{{Lower: 0, Upper: 10}, {Lower: 30, Upper: 40}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRangeSet(tt.ranges...)
			var got []TimeRange
			got = append(got, s.ranges...)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want) == 0, s.IsEmpty())
		})
	}
}

func TestRangeSetContains(t *testing.T) {
	s := NewRangeSet(TimeRange{Lower: 0, Upper: 10}, TimeRange{Lower: 20, Upper: 30})
	assert.True(t, s.Contains(0))
	assert.True(t, s.Contains(9))
	assert.False(t, s.Contains(10))
	assert.False(t, s.Contains(15))
	assert.True(t, s.Contains(20))
	assert.False(t, s.Contains(30))
}

func TestRangeSetOverlaps(t *testing.T) {
	s := NewRangeSet(TimeRange{Lower: 10, Upper: 20})
	assert.True(t, s.Overlaps(TimeRange{Lower: 0, Upper: 11}))
	assert.False(t, s.Overlaps(TimeRange{Lower: 0, Upper: 10}))
	assert.True(t, s.OverlapsClosed(20, 25))
	assert.False(t, s.OverlapsClosed(21, 25))
}

func TestRangeSetBounds(t *testing.T) {
	s := NewRangeSet(TimeRange{Lower: 5, Upper: 10}, TimeRange{Lower: 20, Upper: 30})
	b, ok := s.Bounds()
	assert.True(t, ok)
	assert.Equal(t, TimeRange{Lower: 5, Upper: 30}, b)

	_, ok = NewRangeSet().Bounds()
	assert.False(t, ok)
}

func TestPartitionRangeAlignment(t *testing.T) {
	def := testDef()
	r := def.partitionRange(3_700_000) // 1h = 3_600_000 ms
	assert.Equal(t, TimeRange{Lower: 3_600_000, Upper: 7_200_000}, r)
	assert.True(t, r.Contains(3_700_000))

	r = def.partitionRange(-100)
	assert.Equal(t, TimeRange{Lower: -3_600_000, Upper: 0}, r)
}
