// Package manager implements the collection policy layer: retrieve,
// store, and sweep (spec §4.3). It enforces the reserved meta-variable
// invariants, per-variable and per-collection expiry, counter/rate
// derivation, and the delete-on-missing-KEY rule, on top of the keyed
// blob store adapter (internal/kvfile) and the blob codec
// (internal/blob).
package manager

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyyan-sb/colstore/internal/blob"
	"github.com/wesleyyan-sb/colstore/internal/kvfile"
	"github.com/wesleyyan-sb/colstore/internal/variable"
)

// Meta-variable names (spec §3).
const (
	MetaKey            = "KEY"
	MetaTimeout        = "TIMEOUT"
	MetaCreateTime     = "CREATE_TIME"
	MetaLastUpdateTime = "LAST_UPDATE_TIME"
	MetaUpdateCounter  = "UPDATE_COUNTER"
	MetaUpdateRate     = "UPDATE_RATE"
	MetaIsNew          = "IS_NEW"
	expirePrefix       = "__expire_"
	expireKeyMetaVar   = expirePrefix + MetaKey
)

// Sentinel errors returned by Store and Sweep. Retrieve never returns an
// error: per spec §7, it collapses every failure to a nil collection
// after logging, so a failed retrieve is indistinguishable from a
// legitimate absence.
var (
	ErrNotConfigured = errors.New("manager: data directory not configured")
	ErrMissingName   = errors.New("manager: collection missing __name")
	ErrMissingKey    = errors.New("manager: collection missing __key")
)

// Config is the single piece of external configuration the Manager
// needs (spec §6): the directory holding one keyed file per collection
// name.
type Config struct {
	DataDir string
}

// Manager is the collection policy layer. The zero value is not usable;
// construct with New.
type Manager struct {
	cfg Config
	log *logrus.Logger
	now func() time.Time
}

// New returns a Manager backed by cfg. A nil logger defaults to
// logrus.StandardLogger().
func New(cfg Config, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{cfg: cfg, log: log, now: time.Now}
}

func (m *Manager) path(name []byte) string {
	return filepath.Join(m.cfg.DataDir, string(name))
}

// Retrieve loads the collection stored under (name, key), applies
// per-variable expiry relative to requestTime, and deletes the
// collection on disk if it is found to lack KEY afterward. It returns
// nil if the collection does not exist, could not be read, was
// corrupt, or has just been deleted — spec §4.3.1 and §7 require this
// policy of collapsing all such cases to "no collection" for the
// caller.
func (m *Manager) Retrieve(name, key []byte, requestTime time.Time) *variable.Collection {
	logf := m.log.WithFields(logrus.Fields{"collection": string(name), "key": string(key)})

	if m.cfg.DataDir == "" {
		logf.Error("unable to retrieve collection: data directory not configured")
		return nil
	}

	f, err := kvfile.Open(m.path(name), kvfile.ReadOnly, m.log)
	if err != nil {
		return nil
	}

	if err := f.Lock(kvfile.Shared); err != nil {
		f.Close()
		return nil
	}
	data, fetchErr := f.Fetch(withNUL(key))
	f.Unlock()
	f.Close()

	if errors.Is(fetchErr, kvfile.ErrNotFound) {
		return nil
	}
	if fetchErr != nil {
		logf.WithError(fetchErr).Error("failed to read collection")
		return nil
	}

	col, err := blob.Decode(data, m.log)
	if err != nil {
		logf.WithError(err).Error("failed to decode collection")
		return nil
	}
	col.SetName(name)
	col.SetKey(key)

	expired := expireVariables(col, requestTime)

	if _, ok := col.GetString(MetaKey); !ok {
		m.deleteOnDisk(name, key, expired, logf)
		return nil
	}

	deriveUpdateRate(col, m.now())

	logf.Debug("retrieved collection")
	return col
}

// expireVariables removes every variable whose __expire_X marker has
// elapsed as of requestTime, along with the marker itself, and reports
// whether __expire_KEY was among them. Removal targets are collected
// first and applied afterward (spec §9 permits this as an equivalent
// strategy to the original's restart-the-scan approach).
func expireVariables(col *variable.Collection, requestTime time.Time) bool {
	now := requestTime.Unix()
	type target struct{ name, expireName string }
	var targets []target

	for _, v := range col.Variables() {
		name := string(v.Name)
		if len(name) <= len(expirePrefix) || name[:len(expirePrefix)] != expirePrefix {
			continue
		}
		expiry := atoiC(string(v.Value))
		if expiry <= now {
			targets = append(targets, target{name: name[len(expirePrefix):], expireName: name})
		}
	}

	expired := false
	for _, t := range targets {
		if t.expireName == expireKeyMetaVar {
			expired = true
		}
		col.RemoveAllString(t.name)
		col.RemoveAllString(t.expireName)
	}
	return expired
}

func (m *Manager) deleteOnDisk(name, key []byte, expired bool, logf *logrus.Entry) {
	f, err := kvfile.Open(m.path(name), kvfile.ReadWrite, m.log)
	if err != nil {
		logf.WithError(err).Error("failed to reopen collection for delete")
		return
	}
	defer f.Close()

	if err := f.Lock(kvfile.Exclusive); err != nil {
		logf.WithError(err).Error("failed to lock collection for delete")
		return
	}
	defer f.Unlock()

	if err := f.Delete(withNUL(key)); err != nil {
		logf.WithError(err).Error("failed to delete collection")
		return
	}

	if expired {
		logf.Debug("collection expired")
	} else {
		logf.Info("deleted collection")
	}
}

// deriveUpdateRate sets UPDATE_RATE to an events-per-minute estimate
// derived from CREATE_TIME and UPDATE_COUNTER. UPDATE_RATE is never
// persisted (spec invariant I4); it exists only on the collection
// returned to the caller.
func deriveUpdateRate(col *variable.Collection, now time.Time) {
	createStr, ok := col.GetString(MetaCreateTime)
	if !ok {
		return
	}
	counterStr, ok := col.GetString(MetaUpdateCounter)
	if !ok {
		return
	}
	createTime, err := strconv.ParseInt(createStr, 10, 64)
	if err != nil {
		return
	}
	counter, err := strconv.ParseInt(counterStr, 10, 64)
	if err != nil {
		return
	}

	delta := now.Unix() - createTime
	var rate int64
	if delta != 0 {
		rate = (60 * counter) / delta
	}
	col.SetString(MetaUpdateRate, strconv.FormatInt(rate, 10))
}

// Store persists col, which must have both __name and __key set. It
// strips IS_NEW and UPDATE_RATE, refreshes __expire_KEY from TIMEOUT,
// updates LAST_UPDATE_TIME, and increments UPDATE_COUNTER (spec
// §4.3.2). Store is the sole writer of these three fields; callers must
// not rely on values they pre-set for them surviving.
func (m *Manager) Store(col *variable.Collection) error {
	name, ok := col.Name()
	if !ok {
		return ErrMissingName
	}
	key, ok := col.Key()
	if !ok {
		return ErrMissingKey
	}

	logf := m.log.WithFields(logrus.Fields{"collection": string(name), "key": string(key)})

	if m.cfg.DataDir == "" {
		logf.Error("unable to store collection: data directory not configured")
		return ErrNotConfigured
	}

	col.RemoveAllString(MetaIsNew)
	col.RemoveAllString(MetaUpdateRate)

	now := m.now()

	if timeoutStr, ok := col.GetString(MetaTimeout); ok {
		if _, hasExpireKey := col.GetString(expireKeyMetaVar); hasExpireKey {
			timeout := atoiC(timeoutStr)
			col.SetString(expireKeyMetaVar, strconv.FormatInt(now.Unix()+timeout, 10))
		}
	}

	col.SetString(MetaLastUpdateTime, strconv.FormatInt(now.Unix(), 10))

	counter := int64(0)
	if counterStr, ok := col.GetString(MetaUpdateCounter); ok {
		counter, _ = strconv.ParseInt(counterStr, 10, 64)
	}
	col.SetString(MetaUpdateCounter, strconv.FormatInt(counter+1, 10))

	data := blob.Encode(col)

	f, err := kvfile.Open(m.path(name), kvfile.ReadWrite, m.log)
	if err != nil {
		logf.WithError(err).Error("failed to open collection for store")
		return fmt.Errorf("manager: store: %w", err)
	}
	defer f.Close()

	if err := f.Lock(kvfile.Exclusive); err != nil {
		logf.WithError(err).Error("failed to lock collection for store")
		return fmt.Errorf("manager: store: %w", err)
	}
	defer f.Unlock()

	if err := f.Store(withNUL(key), data, true); err != nil {
		logf.WithError(err).Error("failed to write collection")
		return fmt.Errorf("manager: store: %w", err)
	}

	logf.Debug("persisted collection")
	return nil
}

// Sweep reclaims every record in collection name whose __expire_KEY has
// elapsed as of now. A key snapshot is taken under a shared lock so it
// is internally consistent; the subsequent per-key fetch+delete is
// intentionally not atomic against a concurrent Store (spec §5, §9) —
// sweep is best-effort. A corrupt record aborts the sweep entirely,
// since it may indicate broader file damage (spec §7).
func (m *Manager) Sweep(name []byte) error {
	if m.cfg.DataDir == "" {
		return ErrNotConfigured
	}

	logf := m.log.WithField("collection", string(name))
	now := m.now().Unix()

	f, err := kvfile.Open(m.path(name), kvfile.ReadWrite, m.log)
	if err != nil {
		logf.WithError(err).Error("failed to open collection for sweep")
		return fmt.Errorf("manager: sweep: %w", err)
	}
	defer f.Close()

	if err := f.Lock(kvfile.Shared); err != nil {
		return fmt.Errorf("manager: sweep: %w", err)
	}
	var keys [][]byte
	for k, ok := f.FirstKey(); ok; k, ok = f.NextKey() {
		keys = append(keys, k)
	}
	f.Unlock()

	for _, key := range keys {
		if err := f.Lock(kvfile.Shared); err != nil {
			return fmt.Errorf("manager: sweep: %w", err)
		}
		data, err := f.Fetch(key)
		f.Unlock()
		if errors.Is(err, kvfile.ErrNotFound) {
			continue // raced with another worker
		}
		if err != nil {
			logf.WithError(err).Error("failed to read record during sweep")
			return fmt.Errorf("manager: sweep: %w", err)
		}

		col, err := blob.Decode(data, m.log)
		if err != nil {
			logf.WithError(err).Error("corrupt record during sweep, aborting")
			return fmt.Errorf("manager: sweep: %w", err)
		}

		expireStr, ok := col.GetString(expireKeyMetaVar)
		if !ok {
			logf.WithField("key", string(trimNUL(key))).Error("collection cleanup discovered entry with no __expire_KEY")
			continue
		}
		expiry := atoiC(expireStr)
		if expiry <= now {
			if err := f.Lock(kvfile.Exclusive); err != nil {
				return fmt.Errorf("manager: sweep: %w", err)
			}
			err := f.Delete(key)
			f.Unlock()
			if err != nil {
				logf.WithError(err).Error("failed to delete expired record during sweep")
				return fmt.Errorf("manager: sweep: %w", err)
			}
			logf.WithField("key", string(trimNUL(key))).Info("removed stale collection")
		}
	}

	return nil
}

// withNUL appends the trailing NUL terminator the adapter expects on
// keys (spec §6): the stored length is len(key)+1.
func withNUL(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

func trimNUL(key []byte) []byte {
	if len(key) > 0 && key[len(key)-1] == 0 {
		return key[:len(key)-1]
	}
	return key
}

// atoiC parses a leading decimal integer the way C's atoi does: optional
// sign, leading digits, zero on anything else (empty string, garbage,
// no leading digits at all). The original's expiry checks are all
// atoi(var->value) with no error path, so a malformed __expire_X or
// __expire_KEY value parses to 0 and is therefore always <= now — it
// expires rather than being preserved forever.
func atoiC(s string) int64 {
	i, n := 0, len(s)
	for i < n && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	neg := false
	if i < n && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	var v int64
	for i < n && s[i] >= '0' && s[i] <= '9' {
		v = v*10 + int64(s[i]-'0')
		i++
	}
	if neg {
		v = -v
	}
	return v
}
