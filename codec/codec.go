// Package codec encodes persisted records with go-scale.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/spacemeshos/go-scale"
)

// Encodable is a record that can be encoded.
type Encodable = scale.Encodable

// Decodable is a record that can be decoded.
type Decodable = scale.Decodable

var encoderPool = sync.Pool{
	New: func() any {
		b := new(bytes.Buffer)
		b.Grow(128)
		return b
	},
}

// EncodeTo writes the encoding of value to w.
func EncodeTo(w io.Writer, value Encodable) (int, error) {
	n, err := value.EncodeScale(scale.NewEncoder(w))
	if err != nil {
		return n, fmt.Errorf("encode %T: %w", value, err)
	}
	return n, nil
}

// DecodeFrom reads value from r.
func DecodeFrom(r io.Reader, value Decodable) (int, error) {
	n, err := value.DecodeScale(scale.NewDecoder(r))
	if err != nil {
		return n, fmt.Errorf("decode %T: %w", value, err)
	}
	return n, nil
}

// Encode returns the encoding of value.
func Encode(value Encodable) ([]byte, error) {
	b := encoderPool.Get().(*bytes.Buffer)
	defer func() {
		b.Reset()
		encoderPool.Put(b)
	}()
	if _, err := EncodeTo(b, value); err != nil {
		return nil, err
	}
	return bytes.Clone(b.Bytes()), nil
}

// MustEncode is Encode for values that can not fail to encode.
func MustEncode(value Encodable) []byte {
	buf, err := Encode(value)
	if err != nil {
		panic(err)
	}
	return buf
}

// Decode fills value from buf. Trailing bytes are an error.
func Decode(buf []byte, value Decodable) error {
	n, err := DecodeFrom(bytes.NewReader(buf), value)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("decode %T: %d trailing bytes", value, len(buf)-n)
	}
	return nil
}

// EncodeString writes s as a length prefixed byte string of at most limit
// bytes.
func EncodeString(enc *scale.Encoder, s string, limit uint32) (int, error) {
	return scale.EncodeByteSliceWithLimit(enc, []byte(s), limit)
}

// DecodeString reads a string written by EncodeString.
func DecodeString(dec *scale.Decoder, limit uint32) (string, int, error) {
	b, n, err := scale.DecodeByteSliceWithLimit(dec, limit)
	if err != nil {
		return "", n, err
	}
	return string(b), n, nil
}

// EncodeBool writes b as a single byte.
func EncodeBool(enc *scale.Encoder, b bool) (int, error) {
	var v byte
	if b {
		v = 1
	}
	return scale.EncodeByte(enc, v)
}

// DecodeBool reads a bool written by EncodeBool.
func DecodeBool(dec *scale.Decoder) (bool, int, error) {
	v, n, err := scale.DecodeByte(dec)
	if err != nil {
		return false, n, err
	}
	switch v {
	case 0:
		return false, n, nil
	case 1:
		return true, n, nil
	}
	return false, n, fmt.Errorf("invalid bool byte %d", v)
}
