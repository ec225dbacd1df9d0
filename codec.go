package fcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// Record layout: a fixed-size zero-padded decimal ASCII field with the byte
// length of the metadata block, the gob-encoded metadata, then the opaque
// payload. The header region is filled with sentinel bytes until the payload
// is fully written, so an interrupted write never parses as a valid record.
const (
	headerSize     = 6
	maxMetaSize    = 999999
	headerSentinel = byte(0)
)

// recordMeta is the metadata block persisted in front of every payload.
type recordMeta struct {
	// Time is the creation stamp (UnixNano). Dependent entries snapshot it to
	// detect overwrites.
	Time int64

	// Serialized is set when the payload is gob-encoded rather than raw bytes.
	Serialized bool

	// Expire is an absolute expiration stamp (UnixNano), 0 when unset.
	Expire int64

	// Delta is a sliding expiration window measured from the file's mtime,
	// 0 when unset.
	Delta time.Duration

	// Items maps a dependent item's root-relative file path to its creation
	// stamp at write time, 0 when the item was absent.
	Items map[string]int64

	// Callbacks are snapshotted external facts to re-check on read.
	Callbacks []Callback
}

func encodeMeta(m recordMeta) ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode cache metadata: %w", err)
	}

	if buf.Len() > maxMetaSize {
		return nil, fmt.Errorf("cache metadata of %d bytes exceeds %d", buf.Len(), maxMetaSize)
	}

	return buf.Bytes(), nil
}

func decodeMeta(b []byte) (recordMeta, error) {
	var m recordMeta

	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return recordMeta{}, fmt.Errorf("decode cache metadata: %w", err)
	}

	return m, nil
}

// encodeHeader renders the fixed-size decimal metadata length field.
func encodeHeader(metaLen int) []byte {
	return []byte(fmt.Sprintf("%0*d", headerSize, metaLen))
}

// decodeHeader parses the length field. Sentinel bytes left by an interrupted
// write do not parse as decimal digits and fail here.
func decodeHeader(b []byte) (int, error) {
	if len(b) != headerSize {
		return 0, errCorruptHeader
	}

	n := 0

	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, errCorruptHeader
		}

		n = n*10 + int(c-'0')
	}

	if n == 0 {
		return 0, errCorruptHeader
	}

	return n, nil
}

var errCorruptHeader = SentinelError("corrupt cache record header")

// serializeValue renders a payload. Raw byte strings are stored without a
// copy, anything else goes through gob.
func serializeValue(v interface{}) ([]byte, bool, error) {
	if b, ok := v.([]byte); ok {
		return b, false, nil
	}

	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, false, fmt.Errorf("serialize cache value: %w", err)
	}

	return buf.Bytes(), true, nil
}

func deserializeValue(b []byte, serialized bool) (interface{}, error) {
	if !serialized {
		return b, nil
	}

	var v interface{}

	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return nil, fmt.Errorf("deserialize cache value: %w", err)
	}

	return v, nil
}

// GobRegister enables transfer of custom payload types.
//
// Types cached through interface-typed payloads must be registered before the
// first read or write, typically from an init function.
func GobRegister(values ...interface{}) {
	for _, value := range values {
		gob.Register(value)
	}
}

// nolint:gochecknoinits // Registering types to a package level registry of "encoding/gob".
func init() {
	// Registering commonly used types.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(time.Time{})
}
