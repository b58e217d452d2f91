package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/nostrsync/go-nostrsync/relay"
	"github.com/nostrsync/go-nostrsync/relay/relaytest"
	"github.com/nostrsync/go-nostrsync/sql"
)

const testURL = "wss://relay.test"

type testCache struct {
	*Cache
	clock  clockwork.FakeClock
	prober *MockProber
	conn   *relaytest.Relay
}

func newTestCache(t *testing.T, store Store) *testCache {
	ctrl := gomock.NewController(t)
	tc := &testCache{
		clock:  clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000)),
		prober: NewMockProber(ctrl),
		conn:   relaytest.New(t, testURL),
	}
	c, err := New(store, tc.prober,
		WithClock(tc.clock),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	tc.Cache = c
	return tc
}

func TestCheckSupportTTL(t *testing.T) {
	for name, store := range map[string]Store{
		"memory": NewMemStore(),
		"sql":    NewSQLStore(sql.InMemory()),
	} {
		t.Run(name, func(t *testing.T) {
			tc := newTestCache(t, store)
			ctx := context.Background()

			tc.prober.EXPECT().Probe(gomock.Any(), tc.conn).Return(false, nil)
			require.False(t, tc.CheckSupport(ctx, tc.conn))

			// not probed again within the ttl
			tc.clock.Advance(DefaultConfig().TTL - time.Second)
			require.False(t, tc.CheckSupport(ctx, tc.conn))

			tc.clock.Advance(time.Second)
			tc.prober.EXPECT().Probe(gomock.Any(), tc.conn).Return(true, nil)
			require.True(t, tc.CheckSupport(ctx, tc.conn))
			require.True(t, tc.CheckSupport(ctx, tc.conn))

			rec, err := store.Get(testURL)
			require.NoError(t, err)
			require.True(t, rec.SupportsNegentropy)
			require.True(t, rec.LastChecked.Equal(tc.clock.Now()))
		})
	}
}

func TestCheckSupportProbeError(t *testing.T) {
	tc := newTestCache(t, NewMemStore())
	tc.prober.EXPECT().Probe(gomock.Any(), tc.conn).Return(true, errors.New("connection reset"))
	require.False(t, tc.CheckSupport(context.Background(), tc.conn))

	rec, ok := tc.Get(testURL)
	require.True(t, ok)
	require.False(t, rec.SupportsNegentropy)
	require.Equal(t, "connection reset", rec.LastError)

	require.False(t, tc.CheckSupport(context.Background(), tc.conn))
}

func TestCheckSupportCanceled(t *testing.T) {
	tc := newTestCache(t, NewMemStore())
	started, release := make(chan struct{}), make(chan struct{})
	tc.prober.EXPECT().Probe(gomock.Any(), tc.conn).DoAndReturn(
		func(ctx context.Context, _ relay.Conn) (bool, error) {
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return true, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan bool, 1)
	go func() { first <- tc.CheckSupport(ctx, tc.conn) }()
	<-started
	second := make(chan bool, 1)
	go func() { second <- tc.CheckSupport(context.Background(), tc.conn) }()

	// the first caller gives up while the check is still running
	cancel()
	require.False(t, <-first)
	close(release)
	require.True(t, <-second)

	rec, ok := tc.Get(testURL)
	require.True(t, ok)
	require.True(t, rec.SupportsNegentropy)
	require.Empty(t, rec.LastError)
}

func TestCheckSupportStoredRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	tc := newTestCache(t, store)

	stale := Record{SupportsNegentropy: true, LastChecked: tc.clock.Now().Add(-2 * time.Hour)}
	store.EXPECT().Get(testURL).Return(stale, nil)
	tc.prober.EXPECT().Probe(gomock.Any(), tc.conn).Return(true, nil)
	store.EXPECT().Put(testURL, Record{SupportsNegentropy: true, LastChecked: tc.clock.Now()}).Return(nil)
	require.True(t, tc.CheckSupport(context.Background(), tc.conn))

	// served from the in-memory front
	require.True(t, tc.CheckSupport(context.Background(), tc.conn))

	store.EXPECT().Delete(testURL).Return(nil)
	require.NoError(t, tc.Clear(testURL))

	fresh := Record{SupportsNegentropy: false, LastChecked: tc.clock.Now()}
	store.EXPECT().Get(testURL).Return(fresh, nil)
	require.False(t, tc.CheckSupport(context.Background(), tc.conn))

	store.EXPECT().Delete(testURL).Return(errors.New("disk full"))
	require.ErrorContains(t, tc.Clear(testURL), "disk full")
}

func TestMarkUnsupported(t *testing.T) {
	tc := newTestCache(t, NewMemStore())
	tc.MarkUnsupported(testURL, relay.ErrUnsupported)
	rec, ok := tc.Get(testURL)
	require.True(t, ok)
	require.False(t, rec.SupportsNegentropy)
	require.Equal(t, relay.ErrUnsupported.Error(), rec.LastError)

	// the negative record is trusted until the ttl elapses
	require.False(t, tc.CheckSupport(context.Background(), tc.conn))

	require.NoError(t, tc.Clear(testURL))
	_, ok = tc.Get(testURL)
	require.False(t, ok)
}

func TestSQLStoreClock(t *testing.T) {
	db := sql.InMemory()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_600_000_000_000))
	store := NewSQLStore(db, WithStoreClock(clock))
	checked := clock.Now().Add(-time.Minute)
	require.NoError(t, store.Put(testURL, Record{SupportsNegentropy: true, LastChecked: checked}))

	var updated int64
	_, err := db.Exec("select updated_at from relay_metadata where url = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindText(1, testURL)
		}, func(stmt *sql.Statement) bool {
			updated = stmt.ColumnInt64(0)
			return true
		})
	require.NoError(t, err)
	require.Equal(t, clock.Now().UnixMilli(), updated)

	rec, err := store.Get(testURL)
	require.NoError(t, err)
	require.True(t, rec.SupportsNegentropy)
	require.Equal(t, checked.UnixMilli(), rec.LastChecked.UnixMilli())
}
