// Package sqlmap provides a generic durable table keyed by a typed primary
// key, with optional secondary index columns and an opaque payload column.
// All multi-step work runs inside explicit transactions; a failed
// transaction never leaves partial writes visible.
package sqlmap

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Column describes one key column of a table.
type Column struct {
	Name string
	Type string // SQLite column type, e.g. INTEGER, TEXT
}

// Codec converts values to and from the payload column. Serialization is
// pluggable per table.
type Codec[K comparable, V any] interface {
	Marshal(key K, v V) ([]byte, error)
	Unmarshal(key K, data []byte) (V, error)
}

// FuncCodec adapts two functions to a Codec.
type FuncCodec[K comparable, V any] struct {
	MarshalFunc   func(K, V) ([]byte, error)
	UnmarshalFunc func(K, []byte) (V, error)
}

func (c FuncCodec[K, V]) Marshal(key K, v V) ([]byte, error)      { return c.MarshalFunc(key, v) }
func (c FuncCodec[K, V]) Unmarshal(key K, data []byte) (V, error) { return c.UnmarshalFunc(key, data) }

// BytesCodec stores []byte payloads as-is.
type BytesCodec[K comparable] struct{}

func (BytesCodec[K]) Marshal(_ K, v []byte) ([]byte, error)      { return v, nil }
func (BytesCodec[K]) Unmarshal(_ K, data []byte) ([]byte, error) { return data, nil }

// Table is a durable keyed table (primary key, index columns, content blob).
type Table[K comparable, V any] struct {
	db        *sql.DB
	name      string
	pk        Column
	index     []Column
	codec     Codec[K, V]
	sqlInsert string
}

// New creates the backing table and its secondary indexes if they do not
// exist yet, and returns the typed handle.
func New[K comparable, V any](db *sql.DB, name string, pk Column, index []Column, codec Codec[K, V]) (*Table[K, V], error) {
	t := &Table[K, V]{db: db, name: name, pk: pk, index: index, codec: codec}
	t.sqlInsert = t.buildInsert()
	if err := Transact(db, t.createTx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table[K, V]) createTx(tx *sql.Tx) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (%s %s PRIMARY KEY", t.name, t.pk.Name, t.pk.Type)
	for _, col := range t.index {
		fmt.Fprintf(&b, ", %s %s", col.Name, col.Type)
	}
	b.WriteString(", content BLOB)")
	if _, err := tx.Exec(b.String()); err != nil {
		return fmt.Errorf("sqlmap: create table %s: %w", t.name, err)
	}
	for _, col := range t.index {
		ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_%s_%s ON %s (%s)", t.name, col.Name, t.name, col.Name)
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("sqlmap: create index on %s.%s: %w", t.name, col.Name, err)
		}
	}
	return nil
}

func (t *Table[K, V]) buildInsert() string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT OR REPLACE INTO %s (%s", t.name, t.pk.Name)
	for _, col := range t.index {
		fmt.Fprintf(&b, ", %s", col.Name)
	}
	b.WriteString(", content) VALUES (?")
	for range t.index {
		b.WriteString(", ?")
	}
	b.WriteString(", ?)")
	return b.String()
}

// Name returns the backing table name.
func (t *Table[K, V]) Name() string { return t.name }

// Get loads the value stored under the primary key.
func (t *Table[K, V]) Get(key K) (V, bool, error) {
	var v V
	var ok bool
	err := Transact(t.db, func(tx *sql.Tx) error {
		var err error
		v, ok, err = t.GetTx(tx, key)
		return err
	})
	return v, ok, err
}

// GetTx is Get inside the caller's transaction.
func (t *Table[K, V]) GetTx(tx *sql.Tx, key K) (V, bool, error) {
	return t.getByColumnTx(tx, t.pk.Name, key)
}

// GetByIndex loads the (by convention at most one) value whose index
// column matches.
func (t *Table[K, V]) GetByIndex(column string, value any) (V, bool, error) {
	var v V
	var ok bool
	err := Transact(t.db, func(tx *sql.Tx) error {
		var err error
		v, ok, err = t.GetByIndexTx(tx, column, value)
		return err
	})
	return v, ok, err
}

// GetByIndexTx is GetByIndex inside the caller's transaction.
func (t *Table[K, V]) GetByIndexTx(tx *sql.Tx, column string, value any) (V, bool, error) {
	return t.getByColumnTx(tx, column, value)
}

func (t *Table[K, V]) getByColumnTx(tx *sql.Tx, column string, value any) (V, bool, error) {
	var zero V
	query := fmt.Sprintf("SELECT %s, content FROM %s WHERE %s = ?", t.pk.Name, t.name, column)
	var key K
	var data []byte
	err := tx.QueryRow(query, value).Scan(&key, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("sqlmap: get %s by %s: %w", t.name, column, err)
	}
	v, err := t.codec.Unmarshal(key, data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Put upserts a value. The number of index values must match the declared
// index columns.
func (t *Table[K, V]) Put(key K, v V, indexValues ...any) error {
	return Transact(t.db, func(tx *sql.Tx) error {
		return t.PutTx(tx, key, v, indexValues...)
	})
}

// PutTx is Put inside the caller's transaction.
func (t *Table[K, V]) PutTx(tx *sql.Tx, key K, v V, indexValues ...any) error {
	if len(indexValues) != len(t.index) {
		return fmt.Errorf("sqlmap: put %s: got %d index values, table has %d index columns",
			t.name, len(indexValues), len(t.index))
	}
	data, err := t.codec.Marshal(key, v)
	if err != nil {
		return err
	}
	args := make([]any, 0, len(indexValues)+2)
	args = append(args, key)
	args = append(args, indexValues...)
	args = append(args, data)
	if _, err := tx.Exec(t.sqlInsert, args...); err != nil {
		return fmt.Errorf("sqlmap: put %s: %w", t.name, err)
	}
	return nil
}

// Remove deletes the row stored under the primary key, if any.
func (t *Table[K, V]) Remove(key K) error {
	return Transact(t.db, func(tx *sql.Tx) error {
		return t.RemoveTx(tx, key)
	})
}

// RemoveTx is Remove inside the caller's transaction.
func (t *Table[K, V]) RemoveTx(tx *sql.Tx, key K) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.name, t.pk.Name)
	if _, err := tx.Exec(query, key); err != nil {
		return fmt.Errorf("sqlmap: remove from %s: %w", t.name, err)
	}
	return nil
}

// RemoveAll deletes every row.
func (t *Table[K, V]) RemoveAll() error {
	return Transact(t.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM " + t.name); err != nil {
			return fmt.Errorf("sqlmap: clear %s: %w", t.name, err)
		}
		return nil
	})
}

// Scan returns all stored values.
func (t *Table[K, V]) Scan() ([]V, error) {
	var out []V
	err := Transact(t.db, func(tx *sql.Tx) error {
		var err error
		out, err = t.ScanTx(tx)
		return err
	})
	return out, err
}

// ScanTx is Scan inside the caller's transaction.
func (t *Table[K, V]) ScanTx(tx *sql.Tx) ([]V, error) {
	query := fmt.Sprintf("SELECT %s, content FROM %s", t.pk.Name, t.name)
	rows, err := tx.Query(query)
	if err != nil {
		return nil, fmt.Errorf("sqlmap: scan %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []V
	for rows.Next() {
		var key K
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("sqlmap: scan %s row: %w", t.name, err)
		}
		v, err := t.codec.Unmarshal(key, data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlmap: scan %s: %w", t.name, err)
	}
	return out, nil
}

// Keys returns all primary keys.
func (t *Table[K, V]) Keys() ([]K, error) {
	var out []K
	err := Transact(t.db, func(tx *sql.Tx) error {
		var err error
		out, err = t.KeysTx(tx)
		return err
	})
	return out, err
}

// KeysTx is Keys inside the caller's transaction.
func (t *Table[K, V]) KeysTx(tx *sql.Tx) ([]K, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", t.pk.Name, t.name)
	return t.keyQueryTx(tx, query)
}

// KeysByIndex returns the primary keys of all rows whose index column
// matches.
func (t *Table[K, V]) KeysByIndex(column string, value any) ([]K, error) {
	var out []K
	err := Transact(t.db, func(tx *sql.Tx) error {
		var err error
		out, err = t.KeysByIndexTx(tx, column, value)
		return err
	})
	return out, err
}

// KeysByIndexTx is KeysByIndex inside the caller's transaction.
func (t *Table[K, V]) KeysByIndexTx(tx *sql.Tx, column string, value any) ([]K, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", t.pk.Name, t.name, column)
	return t.keyQueryTx(tx, query, value)
}

func (t *Table[K, V]) keyQueryTx(tx *sql.Tx, query string, args ...any) ([]K, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlmap: keys %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []K
	for rows.Next() {
		var key K
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlmap: keys %s row: %w", t.name, err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlmap: keys %s: %w", t.name, err)
	}
	return out, nil
}

// RemoveByIndex deletes all rows whose index column matches.
func (t *Table[K, V]) RemoveByIndex(column string, value any) error {
	return Transact(t.db, func(tx *sql.Tx) error {
		return t.RemoveByIndexTx(tx, column, value)
	})
}

// RemoveByIndexTx is RemoveByIndex inside the caller's transaction.
func (t *Table[K, V]) RemoveByIndexTx(tx *sql.Tx, column string, value any) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.name, column)
	if _, err := tx.Exec(query, value); err != nil {
		return fmt.Errorf("sqlmap: remove by %s.%s: %w", t.name, column, err)
	}
	return nil
}

// Count returns the number of stored rows.
func (t *Table[K, V]) Count() (int, error) {
	var n int
	err := Transact(t.db, func(tx *sql.Tx) error {
		return tx.QueryRow("SELECT COUNT(*) FROM " + t.name).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("sqlmap: count %s: %w", t.name, err)
	}
	return n, nil
}

// Contains reports whether a row exists for the primary key.
func (t *Table[K, V]) Contains(key K) (bool, error) {
	var n int
	err := Transact(t.db, func(tx *sql.Tx) error {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", t.name, t.pk.Name)
		return tx.QueryRow(query, key).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("sqlmap: contains %s: %w", t.name, err)
	}
	return n > 0, nil
}

// Transact runs fn inside one transaction, committing on success and
// rolling back wholesale on any error.
func Transact(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlmap: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlmap: commit: %w", err)
	}
	return nil
}
