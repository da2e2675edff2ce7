package manager

import (
	"testing"
	"time"

	"github.com/wesleyyan-sb/colstore/internal/blob"
	"github.com/wesleyyan-sb/colstore/internal/kvfile"
	"github.com/wesleyyan-sb/colstore/internal/variable"
)

func newTestManager(t *testing.T, clock time.Time) *Manager {
	t.Helper()
	m := New(Config{DataDir: t.TempDir()}, nil)
	m.now = func() time.Time { return clock }
	return m
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func newCollection(name, key string) *variable.Collection {
	col := variable.New()
	col.SetName([]byte(name))
	col.SetKey([]byte(key))
	return col
}

// Scenario 1: create -> retrieve, with UPDATE_RATE derived at retrieve time.
func TestCreateThenRetrieveDerivesUpdateRate(t *testing.T) {
	m := newTestManager(t, at(1000))

	col := newCollection("IP", "1.2.3.4")
	col.SetString(MetaKey, "1.2.3.4")
	col.SetString(MetaTimeout, "60")
	col.SetString(MetaCreateTime, "1000")
	col.SetString(expireKeyMetaVar, "1060")

	if err := m.Store(col); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if v, _ := col.GetString(MetaUpdateCounter); v != "1" {
		t.Fatalf("UPDATE_COUNTER after store = %q, want 1", v)
	}

	m.now = func() time.Time { return at(1030) }
	got := m.Retrieve([]byte("IP"), []byte("1.2.3.4"), at(1030))
	if got == nil {
		t.Fatalf("Retrieve returned nil")
	}
	if v, _ := got.GetString(MetaUpdateCounter); v != "1" {
		t.Errorf("UPDATE_COUNTER = %q, want 1", v)
	}
	if v, _ := got.GetString(MetaLastUpdateTime); v != "1000" {
		t.Errorf("LAST_UPDATE_TIME = %q, want 1000", v)
	}
	if v, _ := got.GetString(MetaUpdateRate); v != "2" {
		t.Errorf("UPDATE_RATE = %q, want 2", v)
	}
}

// Scenario 2: counter rollover across four stores.
func TestCounterRollover(t *testing.T) {
	m := newTestManager(t, at(1000))

	col := newCollection("IP", "1.2.3.4")
	col.SetString(MetaKey, "1.2.3.4")
	col.SetString(MetaTimeout, "60")
	col.SetString(MetaCreateTime, "1000")
	col.SetString(expireKeyMetaVar, "99999")

	times := []int64{1000, 1010, 1020, 1030}
	for _, ts := range times {
		m.now = func() time.Time { return at(ts) }
		if err := m.Store(col); err != nil {
			t.Fatalf("Store at %d: %v", ts, err)
		}
	}

	if v, _ := col.GetString(MetaUpdateCounter); v != "4" {
		t.Errorf("UPDATE_COUNTER = %q, want 4", v)
	}
	if v, _ := col.GetString(MetaLastUpdateTime); v != "1030" {
		t.Errorf("LAST_UPDATE_TIME = %q, want 1030", v)
	}
}

// Scenario 3: per-variable expiry leaves the collection in place.
func TestPerVariableExpiry(t *testing.T) {
	m := newTestManager(t, at(1000))

	col := newCollection("IP", "k")
	col.SetString(MetaKey, "k")
	col.SetString("FOO", "bar")
	col.SetString("__expire_FOO", "1050")
	col.SetString(expireKeyMetaVar, "2000")

	if err := m.Store(col); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got := m.Retrieve([]byte("IP"), []byte("k"), at(1100))
	if got == nil {
		t.Fatalf("Retrieve returned nil, want a collection")
	}
	if got.HasString("FOO") {
		t.Errorf("FOO should have expired")
	}
	if got.HasString("__expire_FOO") {
		t.Errorf("__expire_FOO should have expired")
	}
	if !got.HasString(MetaKey) {
		t.Errorf("KEY should still be present")
	}
}

// A malformed (non-numeric) expiry value parses to 0, same as the
// original's atoi(var->value), so it is always <= now and the entry
// expires immediately rather than being preserved forever.
func TestMalformedExpiryValueExpiresImmediately(t *testing.T) {
	m := newTestManager(t, at(1000))

	col := newCollection("IP", "k")
	col.SetString(MetaKey, "k")
	col.SetString("FOO", "bar")
	col.SetString("__expire_FOO", "not-a-number")
	col.SetString(expireKeyMetaVar, "2000")

	if err := m.Store(col); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got := m.Retrieve([]byte("IP"), []byte("k"), at(1000))
	if got == nil {
		t.Fatalf("Retrieve returned nil, want a collection")
	}
	if got.HasString("FOO") {
		t.Errorf("FOO with a malformed __expire_FOO should have expired immediately")
	}
	if got.HasString("__expire_FOO") {
		t.Errorf("__expire_FOO should have been removed along with FOO")
	}
}

// A malformed __expire_KEY behaves the same way at the collection
// level: it parses to 0 and the whole collection is deleted on the
// next retrieve.
func TestMalformedExpireKeyDeletesCollection(t *testing.T) {
	m := newTestManager(t, at(1000))

	col := newCollection("IP", "k")
	col.SetString(MetaKey, "k")
	col.SetString(expireKeyMetaVar, "garbage")

	if err := m.Store(col); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if got := m.Retrieve([]byte("IP"), []byte("k"), at(1000)); got != nil {
		t.Fatalf("Retrieve = %v, want nil", got)
	}
}

// Sweep treats a malformed __expire_KEY the same way: parses to 0, so
// the record is always stale and gets reclaimed rather than skipped.
func TestSweepReclaimsMalformedExpireKey(t *testing.T) {
	m := newTestManager(t, at(1000))

	col := newCollection("IP", "k")
	col.SetString(MetaKey, "k")
	col.SetString(expireKeyMetaVar, "not-a-number")
	if err := m.Store(col); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := m.Sweep([]byte("IP")); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := m.Retrieve([]byte("IP"), []byte("k"), at(1000)); got != nil {
		t.Errorf("record with a malformed __expire_KEY should have been swept")
	}
}

// A malformed TIMEOUT still refreshes __expire_KEY (to now+0), matching
// atoi's zero-on-garbage behavior rather than leaving the prior value
// in place.
func TestMalformedTimeoutRefreshesExpireKeyToNow(t *testing.T) {
	m := newTestManager(t, at(1000))

	col := newCollection("IP", "k")
	col.SetString(MetaKey, "k")
	col.SetString(MetaTimeout, "not-a-number")
	col.SetString(expireKeyMetaVar, "5000")

	if err := m.Store(col); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if v, _ := col.GetString(expireKeyMetaVar); v != "1000" {
		t.Errorf("__expire_KEY = %q, want 1000 (now + 0)", v)
	}
}

// Scenario 4: collection expiry via retrieve deletes the on-disk record.
func TestCollectionExpiryViaRetrieve(t *testing.T) {
	m := newTestManager(t, at(1000))

	col := newCollection("IP", "k")
	col.SetString(MetaKey, "k")
	col.SetString(expireKeyMetaVar, "1050")

	if err := m.Store(col); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got := m.Retrieve([]byte("IP"), []byte("k"), at(1100))
	if got != nil {
		t.Fatalf("Retrieve = %v, want nil", got)
	}

	// A second retrieve confirms the record is actually gone on disk,
	// not just filtered in memory.
	got2 := m.Retrieve([]byte("IP"), []byte("k"), at(1100))
	if got2 != nil {
		t.Fatalf("second Retrieve = %v, want nil", got2)
	}
}

// Scenario 5: sweep deletes only the expired record.
func TestSweep(t *testing.T) {
	m := newTestManager(t, at(1000))

	expiring := newCollection("IP", "expiring")
	expiring.SetString(MetaKey, "expiring")
	expiring.SetString(expireKeyMetaVar, "1050")
	if err := m.Store(expiring); err != nil {
		t.Fatalf("Store expiring: %v", err)
	}

	keeping := newCollection("IP", "keeping")
	keeping.SetString(MetaKey, "keeping")
	keeping.SetString(expireKeyMetaVar, "2000")
	if err := m.Store(keeping); err != nil {
		t.Fatalf("Store keeping: %v", err)
	}

	m.now = func() time.Time { return at(1100) }
	if err := m.Sweep([]byte("IP")); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got := m.Retrieve([]byte("IP"), []byte("expiring"), at(1100)); got != nil {
		t.Errorf("expiring record should have been swept")
	}
	if got := m.Retrieve([]byte("IP"), []byte("keeping"), at(1100)); got == nil {
		t.Errorf("keeping record should have survived the sweep")
	}
}

// Scenario 6: a corrupt blob on disk causes Retrieve to return nil. The
// corrupt bytes claim a 5-byte name field but supply only 2 bytes,
// mirroring spec §8 scenario 6.
func TestRetrieveCorruptBlobReturnsNil(t *testing.T) {
	m := newTestManager(t, at(1000))

	corrupt := append([]byte{}, blob.Header[:]...)
	corrupt = append(corrupt, 0x00, 0x05, 'a', 'b')

	f, err := kvfile.Open(m.path([]byte("IP")), kvfile.ReadWrite, nil)
	if err != nil {
		t.Fatalf("kvfile.Open: %v", err)
	}
	if err := f.Store([]byte("k\x00"), corrupt, true); err != nil {
		t.Fatalf("kvfile.Store: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("kvfile.Close: %v", err)
	}

	if got := m.Retrieve([]byte("IP"), []byte("k"), at(1000)); got != nil {
		t.Fatalf("Retrieve over corrupt data = %v, want nil", got)
	}
}

func TestStoreRequiresNameAndKey(t *testing.T) {
	m := newTestManager(t, at(1000))

	if err := m.Store(variable.New()); err != ErrMissingName {
		t.Errorf("Store with no name = %v, want ErrMissingName", err)
	}

	col := variable.New()
	col.SetName([]byte("IP"))
	if err := m.Store(col); err != ErrMissingKey {
		t.Errorf("Store with no key = %v, want ErrMissingKey", err)
	}
}

func TestRetrieveWithoutDataDirReturnsNil(t *testing.T) {
	m := New(Config{}, nil)
	if got := m.Retrieve([]byte("IP"), []byte("k"), at(1000)); got != nil {
		t.Fatalf("Retrieve without DataDir = %v, want nil", got)
	}
}
