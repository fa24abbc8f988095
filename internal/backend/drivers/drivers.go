// Package drivers is the table of storage drivers a directory can be opened
// with, keyed by the names accepted in configuration.
package drivers

import (
	"fmt"
	"sort"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/backend/bolt"
	"github.com/dmitrijs2005/keydir/internal/backend/memory"
	"github.com/dmitrijs2005/keydir/internal/backend/postgres"
	"github.com/dmitrijs2005/keydir/internal/backend/sqlite"
	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/config"
)

// Registry maps driver names to constructors.
type Registry map[string]backend.Constructor

// Default lists every driver compiled into the binary.
func Default() Registry {
	return Registry{
		config.DriverMemory:   memory.New,
		config.DriverPostgres: postgres.New,
		config.DriverSQLite:   sqlite.New,
		config.DriverBolt:     bolt.New,
	}
}

// Lookup returns the constructor registered under name.
func (r Registry) Lookup(name string) (backend.Constructor, error) {
	c, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrorUnknownDriver, name)
	}
	return c, nil
}

// Names returns the registered driver names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
