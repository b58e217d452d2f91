package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/negentropy"
	"github.com/nostrsync/go-nostrsync/nostr"
)

// DefaultSessionTimeout bounds a whole negentropy session.
const DefaultSessionTimeout = 30 * time.Second

var (
	// ErrSessionTimeout is returned when a negentropy session does not finish
	// in time.
	ErrSessionTimeout = errors.New("relay: negentropy session timed out")
	// ErrUnsupported is returned when the relay signals through a NOTICE that
	// it does not understand negentropy messages.
	ErrUnsupported = errors.New("relay: negentropy not supported")
	// ErrNegentropyRejected is wrapped by NegError.
	ErrNegentropyRejected = errors.New("relay: negentropy session rejected")
)

// NegError is a NEG-ERR reply, or a CLOSED reply to a negentropy session.
type NegError struct {
	Reason string
}

func (e *NegError) Error() string {
	return fmt.Sprintf("relay sync error: %s", e.Reason)
}

func (e *NegError) Unwrap() error {
	return ErrNegentropyRejected
}

// IsNegentropyNotice reports whether a NOTICE text looks like the relay's
// reaction to a negentropy message it does not support.
func IsNegentropyNotice(text string) bool {
	s := strings.ToLower(text)
	return strings.Contains(s, "negentropy") ||
		strings.Contains(s, "bad msg") ||
		strings.Contains(s, "bad message") ||
		(strings.Contains(s, "unknown") && strings.Contains(s, "msg")) ||
		(strings.Contains(s, "unsupported") && strings.Contains(s, "protocol"))
}

type negConf struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	timeout time.Duration
}

// NegOpt is an option for RunNegentropy.
type NegOpt func(*negConf)

// WithNegLogger sets the session logger.
func WithNegLogger(logger *zap.Logger) NegOpt {
	return func(c *negConf) {
		c.logger = logger
	}
}

// WithNegClock sets the clock used for the session timeout.
func WithNegClock(clock clockwork.Clock) NegOpt {
	return func(c *negConf) {
		c.clock = clock
	}
}

// WithSessionTimeout bounds the whole session.
func WithSessionTimeout(d time.Duration) NegOpt {
	return func(c *negConf) {
		c.timeout = d
	}
}

// NegResult is the outcome of a completed negentropy session.
type NegResult struct {
	Have, Need []negentropy.ID
	// Rounds is the number of messages received from the relay.
	Rounds int
}

// RunNegentropy reconciles the events matching filter with the relay, using
// ng as the initiator. ng must not have been used before.
func RunNegentropy(
	ctx context.Context,
	c Conn,
	filter nostr.Filter,
	ng *negentropy.Negentropy,
	opts ...NegOpt,
) (*NegResult, error) {
	conf := negConf{
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		timeout: DefaultSessionTimeout,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	subID := newSubID("neg")
	logger := conf.logger.With(zap.String("relay", c.URL()), zap.String("session", subID))

	ch, stop := c.Listen()
	defer stop()

	initial, err := ng.Initiate()
	if err != nil {
		return nil, err
	}
	open, err := NewEnvelope(LabelNegOpen, subID, filter, hex.EncodeToString(initial))
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, open); err != nil {
		return nil, fmt.Errorf("send %s: %w", LabelNegOpen, err)
	}
	logger.Debug("negentropy session opened", zap.Int("initial_size", len(initial)))

	var (
		res     NegResult
		timeout = conf.clock.After(conf.timeout)
	)
	fail := func(err error) (*NegResult, error) {
		sendBestEffort(ctx, c, LabelNegClose, subID)
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-timeout:
			return fail(fmt.Errorf("%w after %v", ErrSessionTimeout, conf.timeout))
		case env, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrDisconnected, c.URL())
			}
			switch env.Label() {
			case LabelNegMsg:
				if env.SubID() != subID {
					continue
				}
				payload, err := env.String(2)
				if err != nil {
					return fail(fmt.Errorf("%w: %w", negentropy.ErrProtocol, err))
				}
				msg, err := hex.DecodeString(payload)
				if err != nil {
					return fail(fmt.Errorf("%w: payload: %w", negentropy.ErrProtocol, err))
				}
				res.Rounds++
				r, err := ng.Reconcile(msg)
				if err != nil {
					return fail(err)
				}
				res.Have = append(res.Have, r.Have...)
				res.Need = append(res.Need, r.Need...)
				if r.Next == nil {
					sendBestEffort(ctx, c, LabelNegClose, subID)
					logger.Debug("negentropy session complete",
						zap.Int("rounds", res.Rounds),
						zap.Int("have", len(res.Have)),
						zap.Int("need", len(res.Need)),
					)
					return &res, nil
				}
				next, err := NewEnvelope(LabelNegMsg, subID, hex.EncodeToString(r.Next))
				if err != nil {
					return fail(err)
				}
				if err := c.Send(ctx, next); err != nil {
					return nil, fmt.Errorf("send %s: %w", LabelNegMsg, err)
				}
			case LabelNegErr, LabelClosed:
				if env.SubID() != subID {
					continue
				}
				reason, _ := env.String(2)
				return nil, &NegError{Reason: reason}
			case LabelNegClose:
				if env.SubID() != subID {
					continue
				}
				logger.Debug("relay closed negentropy session", zap.Int("rounds", res.Rounds))
				return &res, nil
			case LabelNotice:
				text, _ := env.String(1)
				if IsNegentropyNotice(text) {
					return fail(fmt.Errorf("%w: %s", ErrUnsupported, text))
				}
				logger.Debug("notice", zap.String("text", text))
			}
		}
	}
}
