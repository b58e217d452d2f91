package sql

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testTables(db Executor) error {
	if _, err := db.Exec(`create table testing1 (
		id varchar primary key,
		field int
	)`, nil, nil); err != nil {
		return err
	}
	return nil
}

func testURI(tb testing.TB) string {
	tb.Helper()
	return "file:" + filepath.Join(tb.TempDir(), "state.sql")
}

func TestTransactionIsolation(t *testing.T) {
	db := InMemory(WithMigrations(testTables))

	tx, err := db.Tx(context.TODO())
	require.NoError(t, err)

	key := "dsada"
	_, err = tx.Exec("insert into testing1(id, field) values (?1, ?2)", func(stmt *Statement) {
		stmt.BindText(1, key)
		stmt.BindInt64(2, 20)
	}, nil)
	require.NoError(t, err)

	rows, err := tx.Exec("select 1 from testing1 where id = ?1", func(stmt *Statement) {
		stmt.BindText(1, key)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rows)

	require.NoError(t, tx.Release())

	rows, err = db.Exec("select 1 from testing1 where id = ?1", func(stmt *Statement) {
		stmt.BindText(1, key)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, rows)
}

func TestWithTx(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	insert := func(tx *Tx, id string) error {
		_, err := tx.Exec("insert into testing1(id, field) values (?1, 1)", func(stmt *Statement) {
			stmt.BindText(1, id)
		}, nil)
		return err
	}
	require.NoError(t, db.WithTx(context.Background(), func(tx *Tx) error {
		return insert(tx, "a")
	}))
	errFail := errors.New("fail")
	require.ErrorIs(t, db.WithTx(context.Background(), func(tx *Tx) error {
		require.NoError(t, insert(tx, "b"))
		return errFail
	}), errFail)
	require.ErrorIs(t, db.WithTx(context.Background(), func(tx *Tx) error {
		return insert(tx, "a")
	}), ErrObjectExists)

	var ids []string
	_, err := db.Exec("select id from testing1 order by id", nil, func(stmt *Statement) bool {
		ids = append(ids, stmt.ColumnText(0))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)
}

func TestDecoderStops(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	for _, id := range []string{"a", "b", "c"} {
		_, err := db.Exec("insert into testing1(id, field) values (?1, 1)", func(stmt *Statement) {
			stmt.BindText(1, id)
		}, nil)
		require.NoError(t, err)
	}
	rows, err := db.Exec("select id from testing1", nil, func(*Statement) bool { return false })
	require.NoError(t, err)
	require.Equal(t, 1, rows)
	require.Equal(t, 4, db.QueryCount())
}

func TestEmbeddedSchema(t *testing.T) {
	uri := testURI(t)
	db, err := Open(uri, WithLogger(zaptest.NewLogger(t)), WithLatencyMetering(true))
	require.NoError(t, err)

	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	version, err := Version(db)
	require.NoError(t, err)
	require.Equal(t, migrations[len(migrations)-1].order, version)

	for _, table := range []string{"events", "event_relays", "relay_metadata"} {
		rows, err := db.Exec("select name from sqlite_master where type = 'table' and name = ?1",
			func(stmt *Statement) { stmt.BindText(1, table) }, nil)
		require.NoError(t, err)
		require.Equal(t, 1, rows, table)
	}
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	// reopening applies nothing
	db, err = Open(uri)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1000;", nil, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(uri)
	require.ErrorIs(t, err, ErrTooNew)
}

func TestAppendIn(t *testing.T) {
	require.Equal(t, "x in (?3,?4,?5)", string(AppendIn([]byte("x in "), 3, 3)))
	require.Equal(t, "(?1)", string(AppendIn(nil, 1, 1)))
}
