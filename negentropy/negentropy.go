// Package negentropy implements version 1 of the Negentropy set
// reconciliation protocol.
//
// One side (the initiator) calls Initiate and sends the result to the other
// side (the responder). Every message received is passed to Reconcile, and the
// returned Next message is sent back, until the initiator's Reconcile returns
// a nil Next. The initiator collects the ids it has that the responder lacks
// (Have) and the ids the responder has that it lacks (Need).
package negentropy

import (
	"errors"
	"fmt"
)

const (
	// ProtocolVersion is the version byte this implementation speaks.
	ProtocolVersion byte = 0x61
	// IDSize is the size of an item identifier.
	IDSize = 32
	// FingerprintSize is the size of a range fingerprint.
	FingerprintSize = 16
	// MinFrameSizeLimit is the smallest frame size limit accepted by New.
	MinFrameSizeLimit = 4096
	// DefaultBuckets is the default number of fingerprint ranges a window is
	// split into.
	DefaultBuckets = 16

	protocolVersionMin = 0x60
	protocolVersionMax = 0x6f
	frameSizeMargin    = 200
	minBuckets         = 2
	maxBuckets         = 32
	// bound, mode and id count of an IdList record
	idListOverhead = 2*maxVarintLen + 1 + IDSize + 1
)

var (
	// ErrProtocol is wrapped by every message parsing fault.
	ErrProtocol = errors.New("negentropy: protocol error")
	// ErrTruncated is returned when a message ends in the middle of a record.
	ErrTruncated = fmt.Errorf("%w: truncated message", ErrProtocol)
	// ErrInvalidVersion is returned when the version byte is outside of the
	// range reserved for the protocol.
	ErrInvalidVersion = fmt.Errorf("%w: invalid protocol version", ErrProtocol)
	// ErrUnsupportedVersion is returned to the initiator when the responder
	// speaks a different version.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported protocol version", ErrProtocol)
	// ErrBoundTooLong is returned for bounds with more than IDSize id bytes.
	ErrBoundTooLong = fmt.Errorf("%w: bound id prefix too long", ErrProtocol)
	// ErrUnknownMode is returned for an unrecognized record mode.
	ErrUnknownMode = fmt.Errorf("%w: unknown mode", ErrProtocol)

	// ErrAlreadyInitiated is returned when Initiate is called twice.
	ErrAlreadyInitiated = errors.New("negentropy: already initiated")
	// ErrRoleFixed is returned when Initiate is called on a responder.
	ErrRoleFixed = errors.New("negentropy: instance already acts as responder")
	// ErrFrameSizeLimit is returned by New for a limit below MinFrameSizeLimit.
	ErrFrameSizeLimit = fmt.Errorf("negentropy: frame size limit must be 0 or at least %d", MinFrameSizeLimit)
	// ErrBuckets is returned by New for an unsupported bucket count.
	ErrBuckets = fmt.Errorf("negentropy: bucket count must be within [%d, %d]", minBuckets, maxBuckets)
)

// Opt is an option for New.
type Opt func(*Negentropy)

// WithBuckets sets the number of ranges a mismatching window is split into.
func WithBuckets(n int) Opt {
	return func(ng *Negentropy) {
		ng.buckets = n
	}
}

// Result is the outcome of processing one message.
type Result struct {
	// Next is the message to send to the peer. It is nil when the initiator
	// has finished reconciliation.
	Next []byte
	// Have lists ids present locally and missing on the peer.
	Have []ID
	// Need lists ids present on the peer and missing locally.
	Need []ID
}

// Negentropy is a single reconciliation session over a Storage.
// It must not be used concurrently.
type Negentropy struct {
	storage        Storage
	frameSizeLimit int
	buckets        int

	started   bool
	initiator bool
}

// New creates a session over storage. A frameSizeLimit of 0 disables frame
// size limiting.
func New(storage Storage, frameSizeLimit int, opts ...Opt) (*Negentropy, error) {
	if frameSizeLimit != 0 && frameSizeLimit < MinFrameSizeLimit {
		return nil, fmt.Errorf("%w: got %d", ErrFrameSizeLimit, frameSizeLimit)
	}
	ng := &Negentropy{
		storage:        storage,
		frameSizeLimit: frameSizeLimit,
		buckets:        DefaultBuckets,
	}
	for _, opt := range opts {
		opt(ng)
	}
	if ng.buckets < minBuckets || ng.buckets > maxBuckets {
		return nil, fmt.Errorf("%w: got %d", ErrBuckets, ng.buckets)
	}
	return ng, nil
}

// IsInitiator reports whether Initiate was called on this session.
func (ng *Negentropy) IsInitiator() bool {
	return ng.initiator
}

// Initiate returns the first message of the session and makes this side the
// initiator. It can only be called once, before any Reconcile.
func (ng *Negentropy) Initiate() ([]byte, error) {
	if ng.initiator {
		return nil, ErrAlreadyInitiated
	}
	if ng.started {
		return nil, ErrRoleFixed
	}
	ng.started = true
	ng.initiator = true

	var w writer
	out := []byte{ProtocolVersion}
	return ng.appendSplit(out, &w, 0, ng.storage.Size(), Bound{Timestamp: Infinity})
}

func (ng *Negentropy) exceeded(n int) bool {
	return ng.frameSizeLimit != 0 && n > ng.frameSizeLimit-frameSizeMargin
}

// Reconcile processes a message received from the peer. A session that
// never called Initiate acts as the responder.
func (ng *Negentropy) Reconcile(msg []byte) (*Result, error) {
	ng.started = true
	r := reader{buf: msg}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version < protocolVersionMin || version > protocolVersionMax {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidVersion, version)
	}
	if version != ProtocolVersion {
		if ng.initiator {
			return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, version)
		}
		return &Result{Next: []byte{ProtocolVersion}}, nil
	}

	var (
		res  Result
		w    writer
		out  = []byte{ProtocolVersion}
		size = ng.storage.Size()

		prevBound Bound
		prevIndex int
		skip      bool
	)
	for !r.done() {
		pending, saved := skip, w
		curr, err := r.bound()
		if err != nil {
			return nil, err
		}
		mode, err := r.mode()
		if err != nil {
			return nil, err
		}
		lower := prevIndex
		upper := ng.storage.FindLowerBound(prevIndex, size, curr)
		endIndex := upper

		var (
			rec       []byte
			truncated bool
		)
		switch mode {
		case ModeSkip:
			skip = true
		case ModeFingerprint:
			theirs, err := r.fingerprint()
			if err != nil {
				return nil, err
			}
			ours, err := ng.storage.Fingerprint(lower, upper)
			if err != nil {
				return nil, err
			}
			if ours == theirs {
				skip = true
				break
			}
			if skip {
				rec = w.appendRecord(rec, prevBound, ModeSkip)
				skip = false
			}
			if rec, err = ng.appendSplit(rec, &w, lower, upper, curr); err != nil {
				return nil, err
			}
		case ModeIdList:
			theirs, err := r.ids()
			if err != nil {
				return nil, err
			}
			if ng.initiator {
				skip = true
				have, need, err := ng.diff(lower, upper, theirs)
				if err != nil {
					return nil, err
				}
				res.Have = append(res.Have, have...)
				res.Need = append(res.Need, need...)
				break
			}
			if skip {
				rec = w.appendRecord(rec, prevBound, ModeSkip)
				skip = false
			}
			endBound := curr
			var ids []byte
			if err := ng.storage.Iterate(lower, upper, func(it Item, i int) bool {
				if ng.exceeded(len(out) + len(rec) + len(ids) + IDSize + idListOverhead) {
					endBound = ItemBound(it)
					endIndex = i
					truncated = true
					return false
				}
				ids = append(ids, it.ID[:]...)
				return true
			}); err != nil {
				return nil, err
			}
			rec = w.appendRecord(rec, endBound, ModeIdList)
			rec = appendVarint(rec, uint64(len(ids)/IDSize))
			rec = append(rec, ids...)
		}

		if !truncated && ng.exceeded(len(out)+len(rec)) {
			// everything below prevBound is resolved, the dropped record
			// and the rest go into one fingerprint
			w = saved
			if pending {
				out = w.appendRecord(out, prevBound, ModeSkip)
			}
			out, err = ng.appendRemainder(out, &w, prevIndex, size)
			if err != nil {
				return nil, err
			}
			break
		}
		out = append(out, rec...)
		if truncated {
			out, err = ng.appendRemainder(out, &w, endIndex, size)
			if err != nil {
				return nil, err
			}
			break
		}
		prevIndex = upper
		prevBound = curr
	}

	if ng.initiator && len(out) == 1 {
		return &res, nil
	}
	res.Next = out
	return &res, nil
}

// appendRemainder closes a message cut short by the frame size limit with a
// fingerprint of everything after the last bound written.
func (ng *Negentropy) appendRemainder(out []byte, w *writer, lower, size int) ([]byte, error) {
	fp, err := ng.storage.Fingerprint(lower, size)
	if err != nil {
		return nil, err
	}
	out = w.appendRecord(out, Bound{Timestamp: Infinity}, ModeFingerprint)
	return append(out, fp[:]...), nil
}

func (ng *Negentropy) diff(lower, upper int, theirs []ID) (have, need []ID, err error) {
	remote := make(map[ID]bool, len(theirs))
	for _, id := range theirs {
		remote[id] = false
	}
	if err := ng.storage.Iterate(lower, upper, func(it Item, _ int) bool {
		if _, ok := remote[it.ID]; ok {
			remote[it.ID] = true
		} else {
			have = append(have, it.ID)
		}
		return true
	}); err != nil {
		return nil, nil, err
	}
	for _, id := range theirs {
		if seen := remote[id]; !seen {
			need = append(need, id)
			remote[id] = true
		}
	}
	return have, need, nil
}

// appendSplit describes [lower, upper) ending at upperBound: a single IdList
// record for small windows, fingerprints of evenly sized buckets otherwise.
func (ng *Negentropy) appendSplit(out []byte, w *writer, lower, upper int, upperBound Bound) ([]byte, error) {
	count := upper - lower
	if count < 2*ng.buckets {
		out = w.appendRecord(out, upperBound, ModeIdList)
		out = appendVarint(out, uint64(count))
		if err := ng.storage.Iterate(lower, upper, func(it Item, _ int) bool {
			out = append(out, it.ID[:]...)
			return true
		}); err != nil {
			return nil, err
		}
		return out, nil
	}

	per, extra := count/ng.buckets, count%ng.buckets
	curr := lower
	for i := 0; i < ng.buckets; i++ {
		n := per
		if i < extra {
			n++
		}
		fp, err := ng.storage.Fingerprint(curr, curr+n)
		if err != nil {
			return nil, err
		}
		curr += n
		next := upperBound
		if curr != upper {
			if next, err = ng.boundAt(curr); err != nil {
				return nil, err
			}
		}
		out = w.appendRecord(out, next, ModeFingerprint)
		out = append(out, fp[:]...)
	}
	return out, nil
}

// boundAt returns the minimal bound separating item i-1 from item i.
func (ng *Negentropy) boundAt(i int) (Bound, error) {
	var items [2]Item
	if err := ng.storage.Iterate(i-1, i+1, func(it Item, j int) bool {
		items[j-i+1] = it
		return true
	}); err != nil {
		return Bound{}, err
	}
	return minimalBound(items[0], items[1]), nil
}
