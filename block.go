package horizondb

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"

	"github.com/xiashuijun/horizondb/internal/encoding"
)

// CompressionType selects the codec applied to block payloads when they are
// persisted.
type CompressionType byte

const (
	CompressionNone CompressionType = iota
	CompressionGzip
	CompressionSnappy
)

// Block is an immutable, self-describing run of delta-encoded records.
// The checksum always covers the uncompressed payload; it is stamped when
// the block is sealed, before any compression.
type Block struct {
	RecordCount      int
	UncompressedSize int
	CompressedSize   int
	Compression      CompressionType
	// Closed range of timestamps contained in the block.
	MinTimestamp int64
	MaxTimestamp int64
	Checksum     uint32
	Payload      []byte
}

// blockEncoder appends records to a payload, delta-encoding each one
// against the previous record of the same type. The vector starts zeroed
// for every block so each block decodes standalone.
type blockEncoder struct {
	def  TimeSeriesDefinition
	last []Record
}

func newBlockEncoder(def TimeSeriesDefinition) *blockEncoder {
	return &blockEncoder{def: def, last: def.newRecordVector()}
}

// append writes the wire form of r to dst and updates the running vector.
func (e *blockEncoder) append(dst []byte, r Record) []byte {
	dst = encoding.MarshalVarint(dst, uint64(r.Type))
	prev := e.last[r.Type]
	for i, f := range r.Fields {
		dst = f.appendDelta(dst, prev.Fields[i])
	}
	e.last[r.Type] = r.clone()
	return dst
}

// reset re-zeroes the vector for a fresh block.
func (e *blockEncoder) reset() {
	e.last = e.def.newRecordVector()
}

// encodeBlock seals the given records into a single uncompressed block.
// Records are put in canonical (timestamp, type) order first.
func encodeBlock(def TimeSeriesDefinition, records []Record) (Block, error) {
	if len(records) == 0 {
		return Block{}, fmt.Errorf("no records given")
	}
	for _, r := range records {
		if err := def.validateRecord(r); err != nil {
			return Block{}, err
		}
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sortRecords(sorted)

	enc := newBlockEncoder(def)
	payload := make([]byte, 0, def.BlockSize)
	for _, r := range sorted {
		payload = enc.append(payload, r)
	}
	return sealBlock(payload, len(sorted), sorted[0].Timestamp(), sorted[len(sorted)-1].Timestamp()), nil
}

// sealBlock stamps the header of a finished uncompressed payload.
func sealBlock(payload []byte, count int, min, max int64) Block {
	return Block{
		RecordCount:      count,
		UncompressedSize: len(payload),
		CompressedSize:   len(payload),
		Compression:      CompressionNone,
		MinTimestamp:     min,
		MaxTimestamp:     max,
		Checksum:         crc32.ChecksumIEEE(payload),
		Payload:          payload,
	}
}

// compress returns a copy of b with the payload run through the given
// codec. The checksum is untouched: it keeps covering the uncompressed
// bytes.
func (b Block) compress(codec CompressionType) (Block, error) {
	if codec == CompressionNone || b.Compression != CompressionNone {
		return b, nil
	}
	var out []byte
	switch codec {
	case CompressionSnappy:
		out = snappy.Encode(nil, b.Payload)
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(b.Payload); err != nil {
			return Block{}, err
		}
		if err := w.Close(); err != nil {
			return Block{}, err
		}
		out = buf.Bytes()
	default:
		return Block{}, fmt.Errorf("unknown compression type %d", codec)
	}
	b.Compression = codec
	b.CompressedSize = len(out)
	b.Payload = out
	return b, nil
}

// decompressed returns the uncompressed payload bytes.
func (b Block) decompressed() ([]byte, error) {
	switch b.Compression {
	case CompressionNone:
		return b.Payload, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, b.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy payload: %v", ErrChecksumMismatch, err)
		}
		return out, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(b.Payload))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip payload: %v", ErrChecksumMismatch, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip payload: %v", ErrChecksumMismatch, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", b.Compression)
	}
}

// marshal appends the block's wire form to dst.
func (b Block) marshal(dst []byte) []byte {
	dst = encoding.MarshalVarint(dst, uint64(b.RecordCount))
	dst = encoding.MarshalVarint(dst, uint64(b.UncompressedSize))
	dst = encoding.MarshalVarint(dst, uint64(b.CompressedSize))
	dst = append(dst, byte(b.Compression))
	dst = encoding.MarshalInt64(dst, b.MinTimestamp)
	dst = encoding.MarshalInt64(dst, b.MaxTimestamp)
	dst = encoding.MarshalUint32(dst, b.Checksum)
	return append(dst, b.Payload...)
}

// unmarshalBlock parses one block from the head of buf, returning it along
// with the bytes consumed.
func unmarshalBlock(buf []byte) (Block, int, error) {
	var b Block
	pos := 0
	for _, dst := range []*int{&b.RecordCount, &b.UncompressedSize, &b.CompressedSize} {
		v, n, err := encoding.UnmarshalVarint(buf[pos:])
		if err != nil {
			return Block{}, 0, fmt.Errorf("block header: %w", err)
		}
		*dst = int(v)
		pos += n
	}
	if len(buf[pos:]) < 1+8+8+4 {
		return Block{}, 0, fmt.Errorf("block header: short buffer")
	}
	b.Compression = CompressionType(buf[pos])
	pos++
	b.MinTimestamp = encoding.UnmarshalInt64(buf[pos:])
	pos += 8
	b.MaxTimestamp = encoding.UnmarshalInt64(buf[pos:])
	pos += 8
	b.Checksum = encoding.UnmarshalUint32(buf[pos:])
	pos += 4
	if len(buf[pos:]) < b.CompressedSize {
		return Block{}, 0, fmt.Errorf("block payload: short buffer")
	}
	b.Payload = buf[pos : pos+b.CompressedSize]
	pos += b.CompressedSize
	return b, pos, nil
}

// blockIterator streams the records of a single block. The payload CRC is
// verified up front: a corrupt block yields no record at all.
type blockIterator struct {
	def     TimeSeriesDefinition
	last    []Record
	payload []byte
	pos     int
	current Record
	err     error
}

// newBlockIterator decompresses and checksums the block before the first
// record is produced.
func newBlockIterator(def TimeSeriesDefinition, b Block) *blockIterator {
	it := &blockIterator{def: def, last: def.newRecordVector()}
	payload, err := b.decompressed()
	if err != nil {
		it.err = err
		return it
	}
	if crc := crc32.ChecksumIEEE(payload); crc != b.Checksum {
		it.err = fmt.Errorf("%w: block covering [%d, %d]: got crc %08x, want %08x",
			ErrChecksumMismatch, b.MinTimestamp, b.MaxTimestamp, crc, b.Checksum)
		return it
	}
	it.payload = payload
	return it
}

func (it *blockIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.payload) {
		return false
	}
	t, n, err := encoding.UnmarshalVarint(it.payload[it.pos:])
	if err != nil {
		it.err = fmt.Errorf("record type: %w", err)
		return false
	}
	if t >= uint64(len(it.last)) {
		it.err = fmt.Errorf("%w: record type %d out of range", ErrInvalidRecord, t)
		return false
	}
	it.pos += n
	prev := it.last[t]
	fields := make([]Field, len(prev.Fields))
	for i := range prev.Fields {
		f, n, err := decodeFieldDelta(it.payload[it.pos:], prev.Fields[i].Kind, prev.Fields[i])
		if err != nil {
			it.err = fmt.Errorf("field %d of record type %d: %w", i, t, err)
			return false
		}
		fields[i] = f
		it.pos += n
	}
	it.current = Record{Type: int(t), Fields: fields}
	it.last[t] = it.current
	return true
}

func (it *blockIterator) Record() Record { return it.current }
func (it *blockIterator) Err() error     { return it.err }
func (it *blockIterator) Close() error   { return nil }
