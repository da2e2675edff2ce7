// Package colstore is the public facade over the persistent collection
// store: a keyed, on-disk store of small string-to-string maps
// ("collections") with per-entry expiration, meant to back a web
// application firewall's transaction-scoped state (session, IP, user
// reputation, and similar collections).
//
// A Store wraps one data directory. Each collection name is backed by
// its own file in that directory (internal/kvfile); a collection's
// variables are encoded with the wire format in internal/blob and
// policed by internal/manager.
package colstore

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyyan-sb/colstore/internal/manager"
	"github.com/wesleyyan-sb/colstore/internal/variable"
)

// Re-exported so callers of this package never need to import the
// internal packages directly.
type (
	// Collection is an ordered multimap of variables (spec §3).
	Collection = variable.Collection
	// Variable is a single name/value pair within a Collection.
	Variable = variable.Variable
)

// Reserved meta-variable names a caller populates on a freshly created
// collection, or reads back after Retrieve (spec §3).
const (
	MetaKey           = manager.MetaKey
	MetaTimeout       = manager.MetaTimeout
	MetaCreateTime    = manager.MetaCreateTime
	MetaLastUpdate    = manager.MetaLastUpdateTime
	MetaUpdateCounter = manager.MetaUpdateCounter
	MetaUpdateRate    = manager.MetaUpdateRate
	MetaIsNew         = manager.MetaIsNew
)

var (
	// ErrNotConfigured is returned by Store and Sweep when DataDir is
	// empty. Retrieve never returns an error (spec §7); it logs and
	// returns nil instead.
	ErrNotConfigured = manager.ErrNotConfigured
	// ErrMissingName is returned by Store when the collection has no
	// __name set.
	ErrMissingName = manager.ErrMissingName
	// ErrMissingKey is returned by Store when the collection has no
	// __key set.
	ErrMissingKey = manager.ErrMissingKey
)

// Config is the single piece of external configuration the store
// needs: the directory holding one file per collection name.
type Config struct {
	DataDir string

	// Log receives structured log entries at the same relative
	// severities as the original implementation's debug levels
	// (1 -> Error, 4 -> Info, 9 -> Debug). A nil Log defaults to
	// logrus.StandardLogger().
	Log *logrus.Logger
}

// Store is a persistent collection store bound to one data directory.
type Store struct {
	mgr *manager.Manager
}

// Open returns a Store backed by cfg. Unlike a conventional database
// handle, Open does no I/O itself: each operation opens, acts on, and
// closes its own collection file (spec §5), so Open never fails.
func Open(cfg Config) *Store {
	return &Store{mgr: manager.New(manager.Config{DataDir: cfg.DataDir}, cfg.Log)}
}

// New creates an empty collection ready to be populated by the caller
// and persisted with Store. It sets __name and __key; the caller is
// responsible for the rest of the reserved meta-variables it wants
// (typically KEY, TIMEOUT, CREATE_TIME, __expire_KEY, IS_NEW).
func New(name, key string) *Collection {
	col := variable.New()
	col.SetName([]byte(name))
	col.SetKey([]byte(key))
	return col
}

// Retrieve loads the collection stored under (name, key) as of
// requestTime, applying per-variable expiry and the collection
// self-delete rule (spec §4.3.1). It returns nil if there is no live
// collection: a legitimate absence, a corrupt record, an I/O failure,
// and a just-expired collection are all indistinguishable to the
// caller by design (spec §7).
func (s *Store) Retrieve(name, key string, requestTime time.Time) *Collection {
	return s.mgr.Retrieve([]byte(name), []byte(key), requestTime)
}

// Store persists col, which must carry __name and __key (typically set
// by New or by a prior Retrieve). See internal/manager for the exact
// fields it refreshes on every call.
func (s *Store) Store(col *Collection) error {
	return s.mgr.Store(col)
}

// Sweep reclaims every record in collection name whose __expire_KEY has
// elapsed. It is meant to be called periodically by a background task,
// independent of any live transaction (spec §4.3.3).
func (s *Store) Sweep(name string) error {
	return s.mgr.Sweep([]byte(name))
}
