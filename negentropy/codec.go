package negentropy

import (
	"fmt"
)

// Mode selects the payload carried by a range record.
type Mode uint64

const (
	// ModeSkip marks a range that needs no further processing.
	ModeSkip Mode = iota
	// ModeFingerprint carries a fingerprint of all items in the range.
	ModeFingerprint
	// ModeIdList carries every id in the range.
	ModeIdList
)

func (m Mode) String() string {
	switch m {
	case ModeSkip:
		return "skip"
	case ModeFingerprint:
		return "fingerprint"
	case ModeIdList:
		return "idlist"
	}
	return fmt.Sprintf("mode(%d)", uint64(m))
}

const maxVarintLen = 10

// appendVarint appends n as a base-128 varint, most significant group first.
// Every byte except the last has the high bit set.
func appendVarint(b []byte, n uint64) []byte {
	var tmp [maxVarintLen]byte
	i := len(tmp) - 1
	tmp[i] = byte(n & 0x7f)
	n >>= 7
	for n > 0 {
		i--
		tmp[i] = byte(n&0x7f) | 0x80
		n >>= 7
	}
	return append(b, tmp[i:]...)
}

// reader decodes a single inbound message. The timestamp delta accumulator
// lives on the reader so it never outlives the message.
type reader struct {
	buf           []byte
	lastTimestamp uint64
}

func (r *reader) done() bool {
	return len(r.buf) == 0
}

func (r *reader) byte() (byte, error) {
	if len(r.buf) == 0 {
		return 0, ErrTruncated
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[:n:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *reader) varint() (uint64, error) {
	var n uint64
	for i := 0; i < maxVarintLen; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		n = n<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: varint longer than %d bytes", ErrProtocol, maxVarintLen)
}

func (r *reader) timestamp() (uint64, error) {
	v, err := r.varint()
	if err != nil {
		return 0, err
	}
	if v == 0 {
		r.lastTimestamp = Infinity
		return Infinity, nil
	}
	ts := r.lastTimestamp + (v - 1)
	if ts < r.lastTimestamp {
		ts = Infinity
	}
	r.lastTimestamp = ts
	return ts, nil
}

func (r *reader) bound() (Bound, error) {
	ts, err := r.timestamp()
	if err != nil {
		return Bound{}, err
	}
	l, err := r.varint()
	if err != nil {
		return Bound{}, err
	}
	if l > IDSize {
		return Bound{}, fmt.Errorf("%w: %d bytes", ErrBoundTooLong, l)
	}
	prefix, err := r.bytes(int(l))
	if err != nil {
		return Bound{}, err
	}
	return Bound{Timestamp: ts, Prefix: prefix}, nil
}

// mode decodes a record mode. End of buffer means Skip.
func (r *reader) mode() (Mode, error) {
	if r.done() {
		return ModeSkip, nil
	}
	v, err := r.varint()
	if err != nil {
		return 0, err
	}
	m := Mode(v)
	if m > ModeIdList {
		return 0, fmt.Errorf("%w: %d", ErrUnknownMode, v)
	}
	return m, nil
}

func (r *reader) fingerprint() (Fingerprint, error) {
	var fp Fingerprint
	b, err := r.bytes(FingerprintSize)
	if err != nil {
		return fp, err
	}
	copy(fp[:], b)
	return fp, nil
}

func (r *reader) ids() ([]ID, error) {
	count, err := r.varint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(r.buf)/IDSize) {
		return nil, fmt.Errorf("%w: id list of %d items", ErrTruncated, count)
	}
	ids := make([]ID, count)
	for i := range ids {
		b, _ := r.bytes(IDSize)
		copy(ids[i][:], b)
	}
	return ids, nil
}

// writer encodes a single outbound message. Like the reader it carries the
// timestamp delta accumulator for one message only.
type writer struct {
	lastTimestamp uint64
}

func (w *writer) appendTimestamp(b []byte, ts uint64) []byte {
	if ts == Infinity {
		w.lastTimestamp = Infinity
		return appendVarint(b, 0)
	}
	delta := ts - w.lastTimestamp
	w.lastTimestamp = ts
	return appendVarint(b, delta+1)
}

func (w *writer) appendBound(b []byte, bound Bound) []byte {
	b = w.appendTimestamp(b, bound.Timestamp)
	b = appendVarint(b, uint64(len(bound.Prefix)))
	return append(b, bound.Prefix...)
}

func (w *writer) appendRecord(b []byte, bound Bound, mode Mode) []byte {
	b = w.appendBound(b, bound)
	return appendVarint(b, uint64(mode))
}
