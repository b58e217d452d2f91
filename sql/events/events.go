// Package events persists relay events and the relays they were seen on.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nostrsync/go-nostrsync/nostr"
	"github.com/nostrsync/go-nostrsync/sql"
)

// Add stores ev unless it is already known and records that it was seen on
// relay. An empty relay only stores the event. It reports whether the event
// was new.
func Add(db sql.Executor, ev *nostr.Event, relay string, seenAt time.Time) (bool, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	rows, err := db.Exec(`
		insert into events (id, pubkey, created_at, kind, raw) values (?1, ?2, ?3, ?4, ?5)
		on conflict (id) do nothing
		returning id;`,
		func(stmt *sql.Statement) {
			stmt.BindText(1, ev.ID)
			stmt.BindText(2, ev.PubKey)
			stmt.BindInt64(3, int64(ev.CreatedAt))
			stmt.BindInt64(4, int64(ev.Kind))
			stmt.BindBytes(5, raw)
		}, nil)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	added := rows > 0
	if relay == "" {
		return added, nil
	}
	if _, err := db.Exec(`
		insert into event_relays (event_id, relay, seen_at) values (?1, ?2, ?3)
		on conflict (event_id, relay) do nothing;`,
		func(stmt *sql.Statement) {
			stmt.BindText(1, ev.ID)
			stmt.BindText(2, relay)
			stmt.BindInt64(3, seenAt.UnixMilli())
		}, nil); err != nil {
		return added, fmt.Errorf("insert relay of %s: %w", ev.ID, err)
	}
	return added, nil
}

// Has reports whether the event with id is stored.
func Has(db sql.Executor, id string) (bool, error) {
	rows, err := db.Exec("select 1 from events where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindText(1, id)
		}, nil)
	if err != nil {
		return false, fmt.Errorf("has event %s: %w", id, err)
	}
	return rows > 0, nil
}

// Get loads the event with id.
func Get(db sql.Executor, id string) (*nostr.Event, error) {
	var (
		ev      *nostr.Event
		dataErr error
	)
	rows, err := db.Exec("select raw from events where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindText(1, id)
		}, func(stmt *sql.Statement) bool {
			ev, dataErr = decodeRaw(stmt)
			return false
		})
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("event %s: %w", id, sql.ErrNotFound)
	}
	return ev, dataErr
}

func decodeRaw(stmt *sql.Statement) (*nostr.Event, error) {
	raw := make([]byte, stmt.ColumnLen(0))
	stmt.ColumnBytes(0, raw)
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode stored event: %w", err)
	}
	return &ev, nil
}

// Query returns the stored events matching f, newest first. ids, authors,
// kinds and the time range are evaluated by sqlite; tags and limit are
// applied to the decoded events.
func Query(db sql.Executor, f nostr.Filter) ([]*nostr.Event, error) {
	if f.Limit != nil && *f.Limit <= 0 {
		return nil, nil
	}
	var (
		query = []byte("select raw from events where 1 = 1")
		args  []any
	)
	in := func(column string, n int) {
		query = fmt.Appendf(query, " and %s in ", column)
		query = sql.AppendIn(query, len(args)+1, n)
	}
	if len(f.IDs) > 0 {
		in("id", len(f.IDs))
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Authors) > 0 {
		in("pubkey", len(f.Authors))
		for _, a := range f.Authors {
			args = append(args, a)
		}
	}
	if len(f.Kinds) > 0 {
		in("kind", len(f.Kinds))
		for _, k := range f.Kinds {
			args = append(args, int64(k))
		}
	}
	if f.Since != nil {
		query = fmt.Appendf(query, " and created_at >= ?%d", len(args)+1)
		args = append(args, int64(*f.Since))
	}
	if f.Until != nil {
		query = fmt.Appendf(query, " and created_at <= ?%d", len(args)+1)
		args = append(args, int64(*f.Until))
	}
	query = append(query, " order by created_at desc, id;"...)

	var (
		evs     []*nostr.Event
		dataErr error
	)
	if _, err := db.Exec(string(query),
		func(stmt *sql.Statement) {
			for i, arg := range args {
				switch v := arg.(type) {
				case string:
					stmt.BindText(i+1, v)
				case int64:
					stmt.BindInt64(i+1, v)
				}
			}
		}, func(stmt *sql.Statement) bool {
			ev, err := decodeRaw(stmt)
			if err != nil {
				dataErr = err
				return false
			}
			if !f.Matches(ev) {
				return true
			}
			evs = append(evs, ev)
			return f.Limit == nil || len(evs) < *f.Limit
		}); err != nil {
		return nil, fmt.Errorf("query events %s: %w", f, err)
	}
	if dataErr != nil {
		return nil, dataErr
	}
	return evs, nil
}

// Relays lists the relays the event with id was seen on.
func Relays(db sql.Executor, id string) ([]string, error) {
	var relays []string
	if _, err := db.Exec("select relay from event_relays where event_id = ?1 order by relay;",
		func(stmt *sql.Statement) {
			stmt.BindText(1, id)
		}, func(stmt *sql.Statement) bool {
			relays = append(relays, stmt.ColumnText(0))
			return true
		}); err != nil {
		return nil, fmt.Errorf("relays of %s: %w", id, err)
	}
	return relays, nil
}

// Count returns the number of stored events.
func Count(db sql.Executor) (int, error) {
	var n int
	if _, err := db.Exec("select count(*) from events;", nil, func(stmt *sql.Statement) bool {
		n = stmt.ColumnInt(0)
		return true
	}); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
