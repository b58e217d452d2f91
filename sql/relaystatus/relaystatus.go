// Package relaystatus stores typed metadata about relays, one record per
// relay and namespace.
package relaystatus

import (
	"fmt"
	"time"

	"github.com/nostrsync/go-nostrsync/codec"
	"github.com/nostrsync/go-nostrsync/sql"
)

// Namespace separates the kinds of metadata kept for a relay.
type Namespace string

const (
	// NamespaceSync holds the negentropy capability of a relay.
	NamespaceSync Namespace = "sync"
	// NamespaceNIP11 holds the relay information document.
	NamespaceNIP11 Namespace = "nip11"
)

// Metadata is a record stored under its namespace.
type Metadata interface {
	codec.Encodable
	Namespace() Namespace
}

// MetadataPtr is the pointer constraint used by Get.
type MetadataPtr[T any] interface {
	*T
	codec.Decodable
	Namespace() Namespace
}

// Set stores value for url, replacing the previous record of the same
// namespace.
func Set(db sql.Executor, url string, value Metadata, now time.Time) error {
	buf, err := codec.Encode(value)
	if err != nil {
		return err
	}
	if _, err := db.Exec(`
		insert into relay_metadata (url, namespace, value, updated_at) values (?1, ?2, ?3, ?4)
		on conflict (url, namespace) do
		update set value = ?3, updated_at = ?4;`,
		func(stmt *sql.Statement) {
			stmt.BindText(1, url)
			stmt.BindText(2, string(value.Namespace()))
			stmt.BindBytes(3, buf)
			stmt.BindInt64(4, now.UnixMilli())
		}, nil); err != nil {
		return fmt.Errorf("set %s metadata for %s: %w", value.Namespace(), url, err)
	}
	return nil
}

// Get loads the record of type T for url. It returns sql.ErrNotFound if
// there is none.
func Get[T any, P MetadataPtr[T]](db sql.Executor, url string) (T, error) {
	var (
		value T
		ns    = P(&value).Namespace()
		buf   []byte
	)
	rows, err := db.Exec("select value from relay_metadata where url = ?1 and namespace = ?2;",
		func(stmt *sql.Statement) {
			stmt.BindText(1, url)
			stmt.BindText(2, string(ns))
		}, func(stmt *sql.Statement) bool {
			buf = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, buf)
			return true
		})
	if err != nil {
		return value, fmt.Errorf("get %s metadata for %s: %w", ns, url, err)
	}
	if rows == 0 {
		return value, fmt.Errorf("%s metadata for %s: %w", ns, url, sql.ErrNotFound)
	}
	if err := codec.Decode(buf, P(&value)); err != nil {
		return value, fmt.Errorf("%s metadata for %s: %w", ns, url, err)
	}
	return value, nil
}

// ClearNamespace deletes the record of one namespace for url.
func ClearNamespace(db sql.Executor, url string, ns Namespace) error {
	if _, err := db.Exec("delete from relay_metadata where url = ?1 and namespace = ?2;",
		func(stmt *sql.Statement) {
			stmt.BindText(1, url)
			stmt.BindText(2, string(ns))
		}, nil); err != nil {
		return fmt.Errorf("clear %s metadata for %s: %w", ns, url, err)
	}
	return nil
}

// Clear deletes every record for url.
func Clear(db sql.Executor, url string) error {
	if _, err := db.Exec("delete from relay_metadata where url = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindText(1, url)
		}, nil); err != nil {
		return fmt.Errorf("clear metadata for %s: %w", url, err)
	}
	return nil
}

// Namespaces lists the namespaces that have a record for url.
func Namespaces(db sql.Executor, url string) ([]Namespace, error) {
	var nss []Namespace
	if _, err := db.Exec("select namespace from relay_metadata where url = ?1 order by namespace;",
		func(stmt *sql.Statement) {
			stmt.BindText(1, url)
		}, func(stmt *sql.Statement) bool {
			nss = append(nss, Namespace(stmt.ColumnText(0)))
			return true
		}); err != nil {
		return nil, fmt.Errorf("list metadata of %s: %w", url, err)
	}
	return nss, nil
}
