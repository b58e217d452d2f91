package relaystatus

import (
	"time"

	"github.com/spacemeshos/go-scale"

	"github.com/nostrsync/go-nostrsync/codec"
)

const (
	maxErrorLength    = 1024
	maxDocumentLength = 64 << 10
)

// SyncMetadata records whether a relay speaks negentropy.
type SyncMetadata struct {
	Supported bool
	// CheckedAt is a unix timestamp in milliseconds.
	CheckedAt uint64
	LastError string
}

func (SyncMetadata) Namespace() Namespace { return NamespaceSync }

// Checked returns CheckedAt as a time.
func (m SyncMetadata) Checked() time.Time {
	return time.UnixMilli(int64(m.CheckedAt))
}

func (m *SyncMetadata) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := codec.EncodeBool(enc, m.Supported)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, m.CheckedAt)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := codec.EncodeString(enc, m.LastError, maxErrorLength)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *SyncMetadata) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := codec.DecodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Supported = field
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.CheckedAt = field
	}
	{
		field, n, err := codec.DecodeString(dec, maxErrorLength)
		if err != nil {
			return total, err
		}
		total += n
		m.LastError = field
	}
	return total, nil
}

// NIP11Metadata keeps the raw relay information document.
type NIP11Metadata struct {
	Document []byte
	// FetchedAt is a unix timestamp in milliseconds.
	FetchedAt uint64
}

func (NIP11Metadata) Namespace() Namespace { return NamespaceNIP11 }

func (m *NIP11Metadata) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, m.Document, maxDocumentLength)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, m.FetchedAt)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *NIP11Metadata) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, maxDocumentLength)
		if err != nil {
			return total, err
		}
		total += n
		m.Document = field
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.FetchedAt = field
	}
	return total, nil
}
