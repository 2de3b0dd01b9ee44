package horizondb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRecords(t *testing.T, it RecordIterator) []Record {
	t.Helper()
	var out []Record
	for it.Next() {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	return out
}

func TestBlockRoundTrip(t *testing.T) {
	def := testDef()
	records := []Record{
		tradeRecord(1000, 15000, 10),
		quoteRecord(1000, 14990, 15010),
		tradeRecord(1001, 15001, 20),
		tradeRecord(1002, 15003, 20),
		quoteRecord(1003, 14995, 15005),
	}

	b, err := encodeBlock(def, records)
	require.NoError(t, err)
	assert.Equal(t, 5, b.RecordCount)
	assert.Equal(t, int64(1000), b.MinTimestamp)
	assert.Equal(t, int64(1003), b.MaxTimestamp)

	got := collectRecords(t, newBlockIterator(def, b))
	require.Len(t, got, 5)
	// Canonical order: (timestamp, record type).
	assert.Equal(t, records[0], got[0])
	assert.Equal(t, records[1], got[1])
	assert.Equal(t, records[2], got[2])
	assert.Equal(t, records[3], got[3])
	assert.Equal(t, records[4], got[4])
}

func TestBlockSortsRecords(t *testing.T) {
	def := testDef()
	b, err := encodeBlock(def, []Record{
		tradeRecord(2000, 1, 1),
		tradeRecord(1000, 2, 2),
		quoteRecord(1000, 3, 3),
	})
	require.NoError(t, err)

	got := collectRecords(t, newBlockIterator(def, b))
	require.Len(t, got, 3)
	assert.Equal(t, int64(1000), got[0].Timestamp())
	assert.Equal(t, 0, got[0].Type)
	assert.Equal(t, int64(1000), got[1].Timestamp())
	assert.Equal(t, 1, got[1].Type)
	assert.Equal(t, int64(2000), got[2].Timestamp())
}

func TestBlockChecksumMismatch(t *testing.T) {
	def := testDef()
	b, err := encodeBlock(def, []Record{tradeRecord(1000, 15000, 10), tradeRecord(1001, 15001, 11)})
	require.NoError(t, err)

	for i := range b.Payload {
		corrupted := b
		corrupted.Payload = append([]byte(nil), b.Payload...)
		corrupted.Payload[i] ^= 0xFF

		it := newBlockIterator(def, corrupted)
		assert.False(t, it.Next(), "byte %d: no record must be yielded from a corrupt block", i)
		assert.ErrorIs(t, it.Err(), ErrChecksumMismatch)
	}
}

func TestBlockCompressionRoundTrip(t *testing.T) {
	def := testDef()
	records := make([]Record, 0, 100)
	for i := int64(0); i < 100; i++ {
		records = append(records, tradeRecord(1000+i, 15000+i, 10))
	}
	plain, err := encodeBlock(def, records)
	require.NoError(t, err)

	for _, codec := range []CompressionType{CompressionGzip, CompressionSnappy} {
		compressed, err := plain.compress(codec)
		require.NoError(t, err)
		assert.Equal(t, codec, compressed.Compression)
		assert.Equal(t, plain.Checksum, compressed.Checksum, "checksum covers uncompressed bytes")

		// Through the wire form and back.
		wire := compressed.marshal(nil)
		parsed, n, err := unmarshalBlock(wire)
		require.NoError(t, err)
		assert.Equal(t, len(wire), n)

		got := collectRecords(t, newBlockIterator(def, parsed))
		assert.Equal(t, records, got)
	}
}

func TestBlockMarshalRoundTrip(t *testing.T) {
	def := testDef()
	b, err := encodeBlock(def, []Record{tradeRecord(42, 1, 1)})
	require.NoError(t, err)

	wire := b.marshal(nil)
	parsed, n, err := unmarshalBlock(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, b.RecordCount, parsed.RecordCount)
	assert.Equal(t, b.Checksum, parsed.Checksum)
	assert.Equal(t, b.Payload, parsed.Payload)
}

func TestFieldDeltaRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		prev Field
		next Field
	}{
		{name: "timestamp forward", prev: TimestampField(100), next: TimestampField(105)},
		{name: "int unchanged", prev: Int64Field(7), next: Int64Field(7)},
		{name: "int negative delta", prev: Int64Field(7), next: Int64Field(-3)},
		{name: "decimal mantissa and exponent", prev: DecimalField(15000, -2), next: DecimalField(151, 0)},
		{name: "byte", prev: ByteField(1), next: ByteField(255)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.next.appendDelta(nil, tt.prev)
			got, n, err := decodeFieldDelta(buf, tt.next.Kind, tt.prev)
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			assert.True(t, got.Equal(tt.next))
		})
	}
}
