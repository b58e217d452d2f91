package cache

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/nostr"
	"github.com/nostrsync/go-nostrsync/sql"
	"github.com/nostrsync/go-nostrsync/sql/events"
)

// SQLOpt is an option for NewSQL.
type SQLOpt func(*SQL)

func WithLogger(logger *zap.Logger) SQLOpt {
	return func(s *SQL) {
		s.logger = logger
	}
}

func WithClock(clock clockwork.Clock) SQLOpt {
	return func(s *SQL) {
		s.clock = clock
	}
}

// SQL is a Cache persisted in sqlite.
type SQL struct {
	db     *sql.Database
	logger *zap.Logger
	clock  clockwork.Clock
}

var _ Cache = (*SQL)(nil)

// NewSQL creates a cache over db.
func NewSQL(db *sql.Database, opts ...SQLOpt) *SQL {
	s := &SQL{
		db:     db,
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQL) Query(ctx context.Context, filters ...nostr.Filter) ([]*nostr.Event, error) {
	results := make([][]*nostr.Event, 0, len(filters))
	for _, f := range filters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evs, err := events.Query(s.db, f)
		if err != nil {
			return nil, err
		}
		results = append(results, evs)
	}
	return merge(results), nil
}

func (s *SQL) Save(ctx context.Context, ev *nostr.Event, relayURL string) error {
	if err := validate(ev); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		added, err := events.Add(tx, ev, relayURL, s.clock.Now())
		if err != nil {
			return err
		}
		if added {
			s.logger.Debug("stored event",
				zap.String("id", ev.ID),
				zap.Int("kind", ev.Kind),
				zap.String("relay", relayURL),
			)
		}
		return nil
	})
}

// Relays returns the relays an event was saved from, sorted.
func (s *SQL) Relays(id string) ([]string, error) {
	return events.Relays(s.db, id)
}

// Len returns the number of stored events.
func (s *SQL) Len() (int, error) {
	return events.Count(s.db)
}
