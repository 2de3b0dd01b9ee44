package horizondb

import (
	"fmt"
	"time"
)

// DatabaseDefinition describes a database, the top-level namespace for time
// series.
type DatabaseDefinition struct {
	Name string `msgpack:"name"`
}

// FieldDefinition describes one field of a record type.
type FieldDefinition struct {
	Name string    `msgpack:"name"`
	Kind FieldKind `msgpack:"kind"`
}

// RecordTypeDefinition describes the fixed schema of one record type within
// a series. The timestamp field is implicit and always first.
type RecordTypeDefinition struct {
	Name   string            `msgpack:"name"`
	Fields []FieldDefinition `msgpack:"fields"`
}

// TimeSeriesDefinition describes a time series: its record schemas, the
// timestamp resolution, how wide its partitions are and how its blocks are
// stored.
type TimeSeriesDefinition struct {
	Name           string                 `msgpack:"name"`
	Unit           TimestampUnit          `msgpack:"unit"`
	PartitionWidth time.Duration          `msgpack:"partitionWidth"`
	RecordTypes    []RecordTypeDefinition `msgpack:"recordTypes"`
	Compression    CompressionType        `msgpack:"compression"`
	BlockSize      int                    `msgpack:"blockSize"`
	MemSeriesSize  int                    `msgpack:"memSeriesSize"`
}

const (
	defaultPartitionWidth = 24 * time.Hour
	defaultBlockSize      = 64 << 10
	defaultMemSeriesSize  = 1 << 20
)

// withDefaults fills in the optional sizing knobs.
func (d TimeSeriesDefinition) withDefaults() TimeSeriesDefinition {
	if d.PartitionWidth <= 0 {
		d.PartitionWidth = defaultPartitionWidth
	}
	if d.BlockSize <= 0 {
		d.BlockSize = defaultBlockSize
	}
	if d.MemSeriesSize <= 0 {
		d.MemSeriesSize = defaultMemSeriesSize
	}
	return d
}

func (d TimeSeriesDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("series name is required")
	}
	if len(d.RecordTypes) == 0 {
		return fmt.Errorf("at least one record type is required")
	}
	for _, rt := range d.RecordTypes {
		for _, f := range rt.Fields {
			if f.Kind == FieldTimestamp {
				return fmt.Errorf("record type %q declares an explicit timestamp field", rt.Name)
			}
		}
	}
	return nil
}

// partitionRange returns the partition boundaries containing ts, aligned to
// the series' partition width.
func (d TimeSeriesDefinition) partitionRange(ts int64) TimeRange {
	width := d.Unit.Duration(d.PartitionWidth)
	lower := ts - mod(ts, width)
	return TimeRange{Lower: lower, Upper: lower + width}
}

// mod is a floored modulo so pre-epoch timestamps align downwards.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// numFields returns the field count of record type t including the implicit
// timestamp.
func (d TimeSeriesDefinition) numFields(t int) int {
	return len(d.RecordTypes[t].Fields) + 1
}

// validateRecord checks r against the schema.
func (d TimeSeriesDefinition) validateRecord(r Record) error {
	if r.Type < 0 || r.Type >= len(d.RecordTypes) {
		return fmt.Errorf("%w: record type %d out of range", ErrInvalidRecord, r.Type)
	}
	if len(r.Fields) != d.numFields(r.Type) {
		return fmt.Errorf("%w: record type %q needs %d fields, got %d",
			ErrInvalidRecord, d.RecordTypes[r.Type].Name, d.numFields(r.Type), len(r.Fields))
	}
	if r.Fields[0].Kind != FieldTimestamp {
		return fmt.Errorf("%w: first field must be a timestamp", ErrInvalidRecord)
	}
	for i, fd := range d.RecordTypes[r.Type].Fields {
		if r.Fields[i+1].Kind != fd.Kind {
			return fmt.Errorf("%w: field %q is %s, got %s",
				ErrInvalidRecord, fd.Name, fd.Kind, r.Fields[i+1].Kind)
		}
	}
	return nil
}

// newRecordVector returns a zeroed last-record-per-type vector matching the
// schema, the seed for delta encoding.
func (d TimeSeriesDefinition) newRecordVector() []Record {
	v := make([]Record, len(d.RecordTypes))
	for t := range d.RecordTypes {
		fields := make([]Field, d.numFields(t))
		fields[0] = Field{Kind: FieldTimestamp}
		for i, fd := range d.RecordTypes[t].Fields {
			fields[i+1] = Field{Kind: fd.Kind}
		}
		v[t] = Record{Type: t, Fields: fields}
	}
	return v
}
