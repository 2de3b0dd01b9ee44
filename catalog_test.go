package horizondb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCatalogPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), schemaCatalogName)

	c, err := openSchemaCatalog(path)
	require.NoError(t, err)
	require.NoError(t, c.createDatabase(DatabaseDefinition{Name: "hdb"}))
	require.NoError(t, c.createTimeSeries("hdb", testDef()))

	reopened, err := openSchemaCatalog(path)
	require.NoError(t, err)
	def, err := reopened.timeSeries("hdb", "trades")
	require.NoError(t, err)
	assert.Equal(t, testDef().RecordTypes, def.RecordTypes)
	assert.Equal(t, Millisecond, def.Unit)
}

func TestSchemaCatalogDuplicates(t *testing.T) {
	c, err := openSchemaCatalog(filepath.Join(t.TempDir(), schemaCatalogName))
	require.NoError(t, err)
	require.NoError(t, c.createDatabase(DatabaseDefinition{Name: "hdb"}))
	require.NoError(t, c.createTimeSeries("hdb", testDef()))

	assert.ErrorIs(t, c.createDatabase(DatabaseDefinition{Name: "hdb"}), ErrDatabaseAlreadyExists)
	assert.ErrorIs(t, c.createTimeSeries("hdb", testDef()), ErrTimeSeriesAlreadyExists)
	assert.ErrorIs(t, c.createTimeSeries("other", testDef()), ErrUnknownDatabase)

	_, err = c.timeSeries("hdb", "missing")
	assert.ErrorIs(t, err, ErrUnknownTimeSeries)
	_, err = c.timeSeries("missing", "trades")
	assert.ErrorIs(t, err, ErrUnknownDatabase)
}

func TestSchemaCatalogValidation(t *testing.T) {
	c, err := openSchemaCatalog(filepath.Join(t.TempDir(), schemaCatalogName))
	require.NoError(t, err)
	require.NoError(t, c.createDatabase(DatabaseDefinition{Name: "hdb"}))

	// A record type must not declare its own timestamp column.
	bad := testDef()
	bad.RecordTypes[0].Fields = append([]FieldDefinition{{Name: "ts", Kind: FieldTimestamp}},
		bad.RecordTypes[0].Fields...)
	assert.Error(t, c.createTimeSeries("hdb", bad))

	assert.Error(t, c.createTimeSeries("hdb", TimeSeriesDefinition{Name: ""}))

	// Sizing knobs default on create.
	def := testDef()
	def.Name = "sized"
	def.BlockSize = 0
	def.MemSeriesSize = 0
	def.PartitionWidth = 0
	require.NoError(t, c.createTimeSeries("hdb", def))
	stored, err := c.timeSeries("hdb", "sized")
	require.NoError(t, err)
	assert.Equal(t, defaultBlockSize, stored.BlockSize)
	assert.Equal(t, defaultMemSeriesSize, stored.MemSeriesSize)
	assert.Equal(t, defaultPartitionWidth, stored.PartitionWidth)
}
