package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndGet(t *testing.T) {
	db := openTestDB(t)

	r := &ServerRecord{
		ID:      "fs",
		Name:    "Filesystem",
		Runtime: "node",
		Enabled: true,
		Command: "node",
		Args:    []string{"fs.js"},
		Env: map[string]EnvVar{
			"API_KEY": {Value: "abc", Required: true},
		},
	}
	if err := db.Upsert(r); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get("fs")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Filesystem" || got.Runtime != "node" {
		t.Errorf("got %+v", got)
	}
	if len(got.Args) != 1 || got.Args[0] != "fs.js" {
		t.Errorf("Args = %v", got.Args)
	}
	if got.Env["API_KEY"].Value != "abc" || !got.Env["API_KEY"].Required {
		t.Errorf("Env[API_KEY] = %+v", got.Env["API_KEY"])
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Get("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEnvReplaceSemantics(t *testing.T) {
	db := openTestDB(t)

	r := &ServerRecord{ID: "fs", Runtime: "node", Command: "node",
		Env: map[string]EnvVar{"A": {Value: "1"}, "B": {Value: "2"}}}
	if err := db.Upsert(r); err != nil {
		t.Fatal(err)
	}

	r.Env = map[string]EnvVar{"C": {Value: "3"}}
	if err := db.Upsert(r); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get("fs")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Env) != 1 {
		t.Fatalf("Env = %v, want exactly {C: 3}", got.Env)
	}
	if got.Env["C"].Value != "3" {
		t.Errorf("Env[C] = %+v", got.Env["C"])
	}
	if _, ok := got.Env["A"]; ok {
		t.Errorf("stale env key A survived replace")
	}
}

func TestList(t *testing.T) {
	db := openTestDB(t)

	db.Upsert(&ServerRecord{ID: "a", Runtime: "node", Command: "node"})
	db.Upsert(&ServerRecord{ID: "b", Runtime: "python", Command: "python"})

	list, err := db.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list["a"].Runtime != "node" || list["b"].Runtime != "python" {
		t.Errorf("list = %+v", list)
	}
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)

	db.Upsert(&ServerRecord{ID: "a", Runtime: "node", Command: "node",
		Env: map[string]EnvVar{"K": {Value: "v"}}})

	if err := db.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_NotFound(t *testing.T) {
	db := openTestDB(t)

	if err := db.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClear(t *testing.T) {
	db := openTestDB(t)

	db.Upsert(&ServerRecord{ID: "a", Runtime: "node", Command: "node"})
	db.Upsert(&ServerRecord{ID: "b", Runtime: "node", Command: "node"})

	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}
	exists, err := db.Exists()
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("Exists() = true after Clear()")
	}
}

func TestExists(t *testing.T) {
	db := openTestDB(t)

	exists, err := db.Exists()
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("Exists() = true on empty store")
	}

	db.Upsert(&ServerRecord{ID: "a", Runtime: "node", Command: "node"})

	exists, err = db.Exists()
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("Exists() = false after upsert")
	}
}

func TestHiddenFlag(t *testing.T) {
	db := openTestDB(t)

	hidden, err := db.GetHidden()
	if err != nil {
		t.Fatal(err)
	}
	if hidden {
		t.Error("GetHidden() = true by default")
	}

	if err := db.SetHidden(true); err != nil {
		t.Fatal(err)
	}
	hidden, err = db.GetHidden()
	if err != nil {
		t.Fatal(err)
	}
	if !hidden {
		t.Error("GetHidden() = false after SetHidden(true)")
	}
}
