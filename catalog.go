package horizondb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// schemaCatalog holds the database and time-series definitions. It is tiny
// and read-mostly, so it lives as one msgpack document rewritten atomically
// (write to a temp file, fsync, rename) on every definition change.
type schemaCatalog struct {
	path string

	mu        sync.RWMutex
	databases map[string]DatabaseDefinition
	series    map[string]map[string]TimeSeriesDefinition
}

type schemaDocument struct {
	Databases []DatabaseDefinition              `msgpack:"databases"`
	Series    map[string][]TimeSeriesDefinition `msgpack:"series"`
}

func openSchemaCatalog(path string) (*schemaCatalog, error) {
	c := &schemaCatalog{
		path:      path,
		databases: make(map[string]DatabaseDefinition),
		series:    make(map[string]map[string]TimeSeriesDefinition),
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schema catalog: %w", err)
	}
	var doc schemaDocument
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode schema catalog: %w", err)
	}
	for _, db := range doc.Databases {
		c.databases[db.Name] = db
		c.series[db.Name] = make(map[string]TimeSeriesDefinition)
	}
	for db, defs := range doc.Series {
		for _, def := range defs {
			c.series[db][def.Name] = def
		}
	}
	return c, nil
}

// persist must be called with the write lock held.
func (c *schemaCatalog) persist() error {
	doc := schemaDocument{Series: make(map[string][]TimeSeriesDefinition)}
	for _, db := range c.databases {
		doc.Databases = append(doc.Databases, db)
	}
	sort.Slice(doc.Databases, func(i, j int) bool { return doc.Databases[i].Name < doc.Databases[j].Name })
	for db, defs := range c.series {
		for _, def := range defs {
			doc.Series[db] = append(doc.Series[db], def)
		}
		sort.Slice(doc.Series[db], func(i, j int) bool { return doc.Series[db][i].Name < doc.Series[db][j].Name })
	}
	raw, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode schema catalog: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(c.path), fmt.Sprintf(".catalog-%s.tmp", uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp catalog: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp catalog: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp catalog: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace schema catalog: %w", err)
	}
	return nil
}

func (c *schemaCatalog) createDatabase(def DatabaseDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("database name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.databases[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDatabaseAlreadyExists, def.Name)
	}
	c.databases[def.Name] = def
	c.series[def.Name] = make(map[string]TimeSeriesDefinition)
	if err := c.persist(); err != nil {
		delete(c.databases, def.Name)
		delete(c.series, def.Name)
		return err
	}
	return nil
}

func (c *schemaCatalog) createTimeSeries(database string, def TimeSeriesDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	def = def.withDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()
	defs, ok := c.series[database]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, database)
	}
	if _, ok := defs[def.Name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrTimeSeriesAlreadyExists, database, def.Name)
	}
	defs[def.Name] = def
	if err := c.persist(); err != nil {
		delete(defs, def.Name)
		return err
	}
	return nil
}

func (c *schemaCatalog) timeSeries(database, series string) (TimeSeriesDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs, ok := c.series[database]
	if !ok {
		return TimeSeriesDefinition{}, fmt.Errorf("%w: %s", ErrUnknownDatabase, database)
	}
	def, ok := defs[series]
	if !ok {
		return TimeSeriesDefinition{}, fmt.Errorf("%w: %s.%s", ErrUnknownTimeSeries, database, series)
	}
	return def, nil
}
