package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"pipeweaver/internal/fingerprint"
)

// Codec converts stage outputs to bytes for durable backends.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// GobCodec preserves the concrete Go type of a value across a round trip.
//
// Builtin scalars and slices of them work out of the box. Any other concrete
// type stored behind an interface must be registered with gob.Register.
type GobCodec struct{}

func init() {
	// Composite shapes stage outputs commonly take. gob pre-registers
	// scalars and flat slices only.
	gob.Register([][]float64{})
	gob.Register(map[string]float64{})
	gob.Register(map[string]string{})
}

// envelope carries the value behind an interface so gob records its type.
type envelope struct {
	Value any
}

// Marshal encodes v.
func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Value: v}); err != nil {
		return nil, fmt.Errorf("gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data produced by Marshal.
func (GobCodec) Unmarshal(data []byte) (any, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return env.Value, nil
}

// record is the blob layout shared by the file and object backends.
type record struct {
	Key   string
	Stage string
	Value []byte
}

func encodeRecord(codec Codec, entry *CacheEntry) ([]byte, error) {
	value, err := codec.Marshal(entry.Value)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	rec := record{Key: string(entry.Key), Stage: entry.Stage, Value: value}
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode cache record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(codec Codec, data []byte) (*CacheEntry, error) {
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode cache record: %w", err)
	}
	value, err := codec.Unmarshal(rec.Value)
	if err != nil {
		return nil, err
	}
	return &CacheEntry{Key: fingerprint.Fingerprint(rec.Key), Stage: rec.Stage, Value: value}, nil
}
