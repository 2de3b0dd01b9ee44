package horizondb

import "sort"

// Record is a fixed-schema tuple of fields. Fields[0] is always the
// timestamp; the remaining fields follow the record type's definition.
type Record struct {
	Type   int
	Fields []Field
}

// NewRecord builds a record of the given type. ts is the timestamp in the
// series' unit; the remaining fields follow schema order.
func NewRecord(recordType int, ts int64, fields ...Field) Record {
	all := make([]Field, 0, len(fields)+1)
	all = append(all, TimestampField(ts))
	all = append(all, fields...)
	return Record{Type: recordType, Fields: all}
}

// Timestamp returns the record's timestamp value.
func (r Record) Timestamp() int64 {
	return r.Fields[0].Int
}

// clone returns a deep copy, used when a record escapes into a long-lived
// last-record vector.
func (r Record) clone() Record {
	fields := make([]Field, len(r.Fields))
	copy(fields, r.Fields)
	return Record{Type: r.Type, Fields: fields}
}

// sortRecords orders records by (timestamp, record type), keeping insertion
// order for full ties. This is the canonical order of records in a block.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp() != records[j].Timestamp() {
			return records[i].Timestamp() < records[j].Timestamp()
		}
		return records[i].Type < records[j].Type
	})
}

// RecordTypeFilter filters records by their type index. A nil filter
// accepts every type.
type RecordTypeFilter func(recordType int) bool

// RecordFilter is a post-decode predicate on whole records. A nil filter
// accepts every record.
type RecordFilter func(Record) bool

// RecordIterator streams records. The usage is:
/*
   for it.Next() {
       r := it.Record()
       // ...
   }
   if err := it.Err(); err != nil {
       // ...
   }
   it.Close()
*/
type RecordIterator interface {
	// Next advances to the next record, returning false when the stream is
	// exhausted or an error occurred.
	Next() bool
	// Record returns the current record. Only valid after a true Next.
	Record() Record
	// Err returns the first error hit while iterating, if any.
	Err() error
	// Close releases underlying file inputs and decompressor state.
	Close() error
}

// emptyIterator is the zero-record stream.
type emptyIterator struct{}

func (emptyIterator) Next() bool     { return false }
func (emptyIterator) Record() Record { return Record{} }
func (emptyIterator) Err() error     { return nil }
func (emptyIterator) Close() error   { return nil }
