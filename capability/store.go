package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/nostrsync/go-nostrsync/sql"
	"github.com/nostrsync/go-nostrsync/sql/relaystatus"
)

// ErrNotFound is returned by a Store for relays it has no record of.
var ErrNotFound = errors.New("capability: no record")

// SQLStoreOpt is an option for NewSQLStore.
type SQLStoreOpt func(*SQLStore)

// WithStoreClock sets the clock used to stamp updated rows.
func WithStoreClock(clock clockwork.Clock) SQLStoreOpt {
	return func(s *SQLStore) {
		s.clock = clock
	}
}

// SQLStore keeps records in the sync namespace of the relay metadata table.
type SQLStore struct {
	db    sql.Executor
	clock clockwork.Clock
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db sql.Executor, opts ...SQLStoreOpt) *SQLStore {
	s := &SQLStore{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) Get(url string) (Record, error) {
	meta, err := relaystatus.Get[relaystatus.SyncMetadata](s.db, url)
	if errors.Is(err, sql.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if err != nil {
		return Record{}, err
	}
	return Record{
		SupportsNegentropy: meta.Supported,
		LastChecked:        meta.Checked(),
		LastError:          meta.LastError,
	}, nil
}

func (s *SQLStore) Put(url string, rec Record) error {
	return relaystatus.Set(s.db, url, &relaystatus.SyncMetadata{
		Supported: rec.SupportsNegentropy,
		CheckedAt: uint64(rec.LastChecked.UnixMilli()),
		LastError: truncate(rec.LastError, 512),
	}, s.clock.Now())
}

func (s *SQLStore) Delete(url string) error {
	return relaystatus.ClearNamespace(s.db, url, relaystatus.NamespaceSync)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// MemStore is a Store that lives in memory.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

func (s *MemStore) Get(url string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[url]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return rec, nil
}

func (s *MemStore) Put(url string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[url] = rec
	return nil
}

func (s *MemStore) Delete(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, url)
	return nil
}
