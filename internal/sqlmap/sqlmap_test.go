package sqlmap

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

type row struct {
	Name  string
	Count int
}

func tempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func rowCodec() Codec[int64, *row] {
	return FuncCodec[int64, *row]{
		MarshalFunc: func(_ int64, r *row) ([]byte, error) {
			return []byte(r.Name + "|" + strings.Repeat("x", r.Count)), nil
		},
		UnmarshalFunc: func(_ int64, data []byte) (*row, error) {
			name, tail, ok := strings.Cut(string(data), "|")
			if !ok {
				return nil, errors.New("bad row")
			}
			return &row{Name: name, Count: len(tail)}, nil
		},
	}
}

func tempTable(t *testing.T) *Table[int64, *row] {
	t.Helper()
	table, err := New(tempDB(t), "rows",
		Column{Name: "id", Type: "INTEGER"},
		[]Column{{Name: "name", Type: "TEXT"}},
		rowCodec())
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestPutGet(t *testing.T) {
	table := tempTable(t)

	if err := table.Put(1, &row{Name: "a", Count: 3}, "a"); err != nil {
		t.Fatal(err)
	}
	got, ok, err := table.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Name != "a" || got.Count != 3 {
		t.Fatalf("got %+v ok=%v", got, ok)
	}

	_, ok, err = table.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("key 2 should be absent")
	}
}

func TestPutUpserts(t *testing.T) {
	table := tempTable(t)

	if err := table.Put(1, &row{Name: "a"}, "a"); err != nil {
		t.Fatal(err)
	}
	if err := table.Put(1, &row{Name: "b"}, "b"); err != nil {
		t.Fatal(err)
	}
	got, _, err := table.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "b" {
		t.Fatalf("got %q, want b", got.Name)
	}
	n, err := table.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestPutIndexValueCount(t *testing.T) {
	table := tempTable(t)
	if err := table.Put(1, &row{Name: "a"}); err == nil {
		t.Fatal("missing index value should be rejected")
	}
}

func TestGetByIndex(t *testing.T) {
	table := tempTable(t)

	if err := table.Put(1, &row{Name: "a"}, "a"); err != nil {
		t.Fatal(err)
	}
	if err := table.Put(2, &row{Name: "b"}, "b"); err != nil {
		t.Fatal(err)
	}

	got, ok, err := table.GetByIndex("name", "b")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Name != "b" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}

	_, ok, err = table.GetByIndex("name", "zzz")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("no row should match")
	}
}

func TestKeysByIndexAndRemoveByIndex(t *testing.T) {
	table := tempTable(t)

	for i := int64(1); i <= 3; i++ {
		name := "a"
		if i == 3 {
			name = "b"
		}
		if err := table.Put(i, &row{Name: name}, name); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := table.KeysByIndex("name", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want 2 entries", keys)
	}

	if err := table.RemoveByIndex("name", "a"); err != nil {
		t.Fatal(err)
	}
	n, err := table.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestScan(t *testing.T) {
	table := tempTable(t)
	for i := int64(1); i <= 3; i++ {
		if err := table.Put(i, &row{Name: "r", Count: int(i)}, "r"); err != nil {
			t.Fatal(err)
		}
	}
	all, err := table.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("scan returned %d rows, want 3", len(all))
	}
}

func TestTransactRollsBack(t *testing.T) {
	table := tempTable(t)
	boom := errors.New("boom")

	err := Transact(table.db, func(tx *sql.Tx) error {
		if err := table.PutTx(tx, 1, &row{Name: "a"}, "a"); err != nil {
			t.Fatal(err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	ok, err := table.Contains(1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("rolled back write should not be visible")
	}
}

func TestRemove(t *testing.T) {
	table := tempTable(t)
	if err := table.Put(1, &row{Name: "a"}, "a"); err != nil {
		t.Fatal(err)
	}
	if err := table.Remove(1); err != nil {
		t.Fatal(err)
	}
	ok, err := table.Contains(1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("removed key should be gone")
	}
}
