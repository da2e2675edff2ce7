package variable

import "testing"

func TestAddPreservesOrderAndDuplicates(t *testing.T) {
	c := New()
	must(t, c.AddString("KEY", "1.2.3.4"))
	must(t, c.AddString("__expire_FOO", "100"))
	must(t, c.AddString("__expire_FOO", "200"))

	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	vars := c.Variables()
	if string(vars[0].Name) != "KEY" || string(vars[1].Value) != "100" || string(vars[2].Value) != "200" {
		t.Fatalf("unexpected order: %+v", vars)
	}
}

func TestGetReturnsFirstMatch(t *testing.T) {
	c := New()
	must(t, c.AddString("FOO", "first"))
	must(t, c.AddString("FOO", "second"))

	v, ok := c.GetString("FOO")
	if !ok || v != "first" {
		t.Fatalf("GetString(FOO) = %q, %v, want first, true", v, ok)
	}
}

func TestSetUpsertsFirstMatchOnly(t *testing.T) {
	c := New()
	must(t, c.AddString("FOO", "old"))
	must(t, c.AddString("FOO", "also-old"))
	must(t, c.SetString("FOO", "new"))

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (Set must not append)", c.Len())
	}
	v, _ := c.GetString("FOO")
	if v != "new" {
		t.Fatalf("GetString(FOO) = %q, want new", v)
	}

	must(t, c.SetString("BAR", "baz"))
	if v, ok := c.GetString("BAR"); !ok || v != "baz" {
		t.Fatalf("Set on a missing name should append, got %q, %v", v, ok)
	}
}

func TestAddRejectsEmptyName(t *testing.T) {
	c := New()
	if err := c.AddString("", "v"); err != ErrEmptyName {
		t.Fatalf("AddString(\"\", v) = %v, want ErrEmptyName", err)
	}
	if err := c.SetString("", "v"); err != ErrEmptyName {
		t.Fatalf("SetString(\"\", v) = %v, want ErrEmptyName", err)
	}
}

func TestRemoveAllRemovesEveryMatch(t *testing.T) {
	c := New()
	must(t, c.AddString("__expire_FOO", "100"))
	must(t, c.AddString("BAR", "x"))
	must(t, c.AddString("__expire_FOO", "200"))

	if !c.RemoveAllString("__expire_FOO") {
		t.Fatalf("RemoveAllString should report removal")
	}
	if c.HasString("__expire_FOO") {
		t.Fatalf("__expire_FOO should be fully removed")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}

	if c.RemoveAllString("NOPE") {
		t.Fatalf("RemoveAllString on a missing name should report false")
	}
}

func TestNameAndKeyAreHiddenFromVariables(t *testing.T) {
	c := New()
	c.SetName([]byte("IP"))
	c.SetKey([]byte("1.2.3.4"))

	if name, ok := c.Name(); !ok || string(name) != "IP" {
		t.Fatalf("Name() = %q, %v, want IP, true", name, ok)
	}
	if key, ok := c.Key(); !ok || string(key) != "1.2.3.4" {
		t.Fatalf("Key() = %q, %v, want 1.2.3.4, true", key, ok)
	}
	if c.Len() != 0 {
		t.Fatalf("SetName/SetKey must not appear as variables, Len() = %d", c.Len())
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
