package horizondb

import (
	"fmt"
	"strings"

	"github.com/xiashuijun/horizondb/internal/encoding"
)

// ReplayPosition is the commit-log coordinate assigned to a record:
// which segment it landed in and the frame offset within that segment.
// Positions are totally ordered; comparison is lexicographic on the pair,
// never on any packed integer form.
type ReplayPosition struct {
	Segment int64 `msgpack:"segment"`
	Offset  int64 `msgpack:"offset"`
}

// Compare returns -1, 0 or 1 as p sorts before, equal to or after other.
func (p ReplayPosition) Compare(other ReplayPosition) int {
	switch {
	case p.Segment != other.Segment:
		if p.Segment < other.Segment {
			return -1
		}
		return 1
	case p.Offset != other.Offset:
		if p.Offset < other.Offset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (p ReplayPosition) String() string {
	return fmt.Sprintf("(%d, %d)", p.Segment, p.Offset)
}

// PartitionID identifies one partition: a database, a series and the
// half-open time range the partition covers, aligned to the series'
// partition width.
type PartitionID struct {
	Database string
	Series   string
	Range    TimeRange
}

// Compare orders ids by database, series, then range lower bound.
func (id PartitionID) Compare(other PartitionID) int {
	if c := strings.Compare(id.Database, other.Database); c != 0 {
		return c
	}
	if c := strings.Compare(id.Series, other.Series); c != 0 {
		return c
	}
	switch {
	case id.Range.Lower < other.Range.Lower:
		return -1
	case id.Range.Lower > other.Range.Lower:
		return 1
	default:
		return 0
	}
}

func (id PartitionID) String() string {
	return fmt.Sprintf("%s.%s[%d, %d)", id.Database, id.Series, id.Range.Lower, id.Range.Upper)
}

// marshal appends the id's binary key form.
func (id PartitionID) marshal(dst []byte) []byte {
	dst = encoding.MarshalBytes(dst, []byte(id.Database))
	dst = encoding.MarshalBytes(dst, []byte(id.Series))
	dst = encoding.MarshalInt64(dst, id.Range.Lower)
	dst = encoding.MarshalInt64(dst, id.Range.Upper)
	return dst
}

func unmarshalPartitionID(src []byte) (PartitionID, int, error) {
	var id PartitionID
	db, n, err := encoding.UnmarshalBytes(src)
	if err != nil {
		return id, 0, fmt.Errorf("partition id database: %w", err)
	}
	pos := n
	series, n, err := encoding.UnmarshalBytes(src[pos:])
	if err != nil {
		return id, 0, fmt.Errorf("partition id series: %w", err)
	}
	pos += n
	if len(src[pos:]) < 16 {
		return id, 0, fmt.Errorf("partition id range: short buffer")
	}
	id.Database = string(db)
	id.Series = string(series)
	id.Range.Lower = encoding.UnmarshalInt64(src[pos:])
	id.Range.Upper = encoding.UnmarshalInt64(src[pos+8:])
	return id, pos + 16, nil
}

// BlockPosition records where one block sits within a partition's data
// file. Range is the closed timestamp interval the block covers.
type BlockPosition struct {
	Range  TimeRange `msgpack:"range"`
	Offset int64     `msgpack:"offset"`
	Length int64     `msgpack:"length"`
}

// PartitionMetaData is the catalogued durable state of one partition: the
// committed file size, the block index and the log position of the last
// record the file holds. It is the B+tree value type.
type PartitionMetaData struct {
	Range          TimeRange       `msgpack:"range"`
	FileSize       int64           `msgpack:"fileSize"`
	BlockPositions []BlockPosition `msgpack:"blockPositions"`
	ReplayPosition ReplayPosition  `msgpack:"replayPosition"`
}
