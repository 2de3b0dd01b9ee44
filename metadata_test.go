package horizondb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayPositionCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b ReplayPosition
		want int
	}{
		{name: "equal", a: ReplayPosition{1, 5}, b: ReplayPosition{1, 5}, want: 0},
		{name: "earlier segment", a: ReplayPosition{0, 900}, b: ReplayPosition{1, 5}, want: -1},
		{name: "same segment earlier offset", a: ReplayPosition{1, 4}, b: ReplayPosition{1, 5}, want: -1},
		{name: "later segment", a: ReplayPosition{2, 0}, b: ReplayPosition{1, 1 << 60}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestPartitionIDCompare(t *testing.T) {
	base := PartitionID{Database: "db", Series: "s", Range: TimeRange{Lower: 100, Upper: 200}}

	later := base
	later.Range = TimeRange{Lower: 200, Upper: 300}
	assert.Negative(t, base.Compare(later))

	otherSeries := base
	otherSeries.Series = "t"
	assert.Negative(t, base.Compare(otherSeries))

	otherDB := base
	otherDB.Database = "da"
	assert.Positive(t, base.Compare(otherDB))

	assert.Zero(t, base.Compare(base))
}

func TestPartitionIDMarshalRoundTrip(t *testing.T) {
	id := PartitionID{Database: "hdb", Series: "trades", Range: TimeRange{Lower: -50, Upper: 1 << 40}}
	buf := id.marshal(nil)
	got, n, err := unmarshalPartitionID(buf)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, len(buf), n)
}
