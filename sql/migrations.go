package sql

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var embedded embed.FS

type migration struct {
	order   int
	name    string
	content []byte
}

// Migrations brings the schema of a database up to date.
type Migrations func(Executor) error

func loadMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(embedded, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walkdir %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}
		prefix, _, _ := strings.Cut(d.Name(), "_")
		order, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("invalid migration %s: %w", d.Name(), err)
		}
		content, err := embedded.ReadFile(path)
		if err != nil {
			return fmt.Errorf("readfile %s: %w", path, err)
		}
		migrations = append(migrations, migration{order: order, name: d.Name(), content: content})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(migrations, func(a, b migration) int { return a.order - b.order })
	return migrations, nil
}

// Version returns the schema version recorded in the database.
func Version(db Executor) (int, error) {
	var current int
	if _, err := db.Exec("PRAGMA user_version;", nil, func(stmt *Statement) bool {
		current = stmt.ColumnInt(0)
		return true
	}); err != nil {
		return 0, fmt.Errorf("read user_version %w", err)
	}
	return current, nil
}

func embeddedMigrations(db Executor) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	current, err := Version(db)
	if err != nil {
		return err
	}
	if len(migrations) > 0 && current > migrations[len(migrations)-1].order {
		return fmt.Errorf("%w: %d", ErrTooNew, current)
	}
	for _, m := range migrations {
		if m.order <= current {
			continue
		}
		scanner := bufio.NewScanner(bytes.NewReader(m.content))
		scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
			if i := bytes.IndexByte(data, ';'); i >= 0 {
				return i + 1, data[:i+1], nil
			}
			if atEOF && len(data) > 0 {
				return len(data), nil, nil
			}
			return 0, nil, nil
		})
		for scanner.Scan() {
			if _, err := db.Exec(scanner.Text(), nil, nil); err != nil {
				return fmt.Errorf("%s: exec %s: %w", m.name, scanner.Text(), err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
		// binding values in pragma statement is not allowed
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", m.order), nil, nil); err != nil {
			return fmt.Errorf("update user_version to %d: %w", m.order, err)
		}
	}
	return nil
}
