package capability

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/negentropy"
	"github.com/nostrsync/go-nostrsync/nostr"
	"github.com/nostrsync/go-nostrsync/relay"
)

// probeFilter matches no event so the relay answers with an empty set.
var probeFilter = nostr.Filter{IDs: []string{strings.Repeat("0", 64)}}

// HandshakeProber opens a negentropy session over an empty set. Any
// negentropy reply, including NEG-ERR, means the relay speaks the protocol;
// a NOTICE complaining about the message means it does not.
type HandshakeProber struct {
	logger *zap.Logger
}

var _ Prober = (*HandshakeProber)(nil)

func NewHandshakeProber(logger *zap.Logger) *HandshakeProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandshakeProber{logger: logger}
}

func (p *HandshakeProber) Probe(ctx context.Context, c relay.Conn) (bool, error) {
	storage := negentropy.NewVector(0)
	if err := storage.Seal(); err != nil {
		return false, err
	}
	ng, err := negentropy.New(storage, 0)
	if err != nil {
		return false, err
	}
	_, err = relay.RunNegentropy(ctx, c, probeFilter, ng, relay.WithNegLogger(p.logger))
	switch {
	case err == nil, errors.Is(err, relay.ErrNegentropyRejected):
		return true, nil
	case errors.Is(err, relay.ErrUnsupported):
		return false, nil
	}
	return false, err
}
