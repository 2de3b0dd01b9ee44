package horizondb

import "time"

// testDef returns a small two-record-type schema used across the tests:
// a trade (price, volume) and a quote (bid, ask), millisecond timestamps,
// hourly partitions and deliberately tiny blocks so tests exercise block
// sealing and mem-series rotation.
func testDef() TimeSeriesDefinition {
	return TimeSeriesDefinition{
		Name:           "trades",
		Unit:           Millisecond,
		PartitionWidth: time.Hour,
		RecordTypes: []RecordTypeDefinition{
			{
				Name: "trade",
				Fields: []FieldDefinition{
					{Name: "price", Kind: FieldDecimal},
					{Name: "volume", Kind: FieldInt64},
				},
			},
			{
				Name: "quote",
				Fields: []FieldDefinition{
					{Name: "bid", Kind: FieldDecimal},
					{Name: "ask", Kind: FieldDecimal},
				},
			},
		},
		Compression:   CompressionNone,
		BlockSize:     256,
		MemSeriesSize: 1 << 10,
	}
}

func tradeRecord(ts int64, mantissa int64, volume int64) Record {
	return NewRecord(0, ts, DecimalField(mantissa, -2), Int64Field(volume))
}

func quoteRecord(ts int64, bid, ask int64) Record {
	return NewRecord(1, ts, DecimalField(bid, -2), DecimalField(ask, -2))
}

// drainPartitionChannels gives a partition under test somewhere to send
// its notifications. The returned channels are serviced until the test
// ends.
func drainPartitionChannels(stop <-chan struct{}) (chan int, chan struct{}, chan *timeSeriesPartition) {
	memCh := make(chan int, 128)
	segCh := make(chan struct{}, 128)
	flushCh := make(chan *timeSeriesPartition, 128)
	go func() {
		for {
			select {
			case <-memCh:
			case <-segCh:
			case <-flushCh:
			case <-stop:
				return
			}
		}
	}()
	return memCh, segCh, flushCh
}
