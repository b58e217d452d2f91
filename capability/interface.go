package capability

import (
	"context"

	"github.com/nostrsync/go-nostrsync/relay"
)

//go:generate mockgen -typed -package=capability -destination=./mocks.go -source=./interface.go

// Store persists capability records. Get returns ErrNotFound for unknown
// relays.
type Store interface {
	Get(url string) (Record, error)
	Put(url string, rec Record) error
	Delete(url string) error
}

// Prober finds out whether a relay speaks negentropy.
type Prober interface {
	Probe(ctx context.Context, c relay.Conn) (bool, error)
}
