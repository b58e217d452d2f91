package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nostrsync/go-nostrsync/nostr"
)

const closeTimeout = time.Second

// ClosedError is returned when the relay ends a subscription with CLOSED.
type ClosedError struct {
	SubID  string
	Reason string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("relay closed subscription %s: %s", e.SubID, e.Reason)
}

// Query sends a REQ and collects the stored events up to EOSE.
// Events are deduplicated by id.
func Query(ctx context.Context, c Conn, filters []nostr.Filter) ([]*nostr.Event, error) {
	ch, stop := c.Listen()
	defer stop()

	subID := newSubID("q")
	req, err := reqEnvelope(subID, filters)
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("send REQ to %s: %w", c.URL(), err)
	}
	defer sendBestEffort(ctx, c, LabelClose, subID)

	var (
		events []*nostr.Event
		seen   = make(map[string]struct{})
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrDisconnected, c.URL())
			}
			if env.SubID() != subID {
				continue
			}
			switch env.Label() {
			case LabelEvent:
				ev, err := env.Event()
				if err != nil {
					continue
				}
				if _, ok := seen[ev.ID]; ok {
					continue
				}
				seen[ev.ID] = struct{}{}
				events = append(events, ev)
			case LabelEOSE:
				return events, nil
			case LabelClosed:
				reason, _ := env.String(2)
				return events, &ClosedError{SubID: subID, Reason: reason}
			}
		}
	}
}

func sendBestEffort(ctx context.Context, c Conn, label string, args ...any) {
	env, err := NewEnvelope(label, args...)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	_ = c.Send(ctx, env)
}
