package horizondb

import "errors"

var (
	// ErrUnknownDatabase is returned when an operation targets a database
	// that has not been created.
	ErrUnknownDatabase = errors.New("unknown database")

	// ErrUnknownTimeSeries is returned when an operation targets a time
	// series that has not been created.
	ErrUnknownTimeSeries = errors.New("unknown time series")

	// ErrDatabaseAlreadyExists is returned by CreateDatabase when the name
	// is already taken.
	ErrDatabaseAlreadyExists = errors.New("database already exists")

	// ErrTimeSeriesAlreadyExists is returned by CreateTimeSeries when the
	// name is already taken within the database.
	ErrTimeSeriesAlreadyExists = errors.New("time series already exists")

	// ErrChecksumMismatch signals that on-disk bytes do not match their
	// recorded CRC. Reads surfacing it must not yield any record decoded
	// from the corrupt region.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidRecord is returned when a record does not match the series
	// schema or falls outside a valid timestamp range.
	ErrInvalidRecord = errors.New("invalid record")

	// errSlabFull signals that a slab allocator ran out of space. It never
	// escapes to callers: the mem-series treats it as "seal and rotate".
	errSlabFull = errors.New("slab allocator out of space")
)
