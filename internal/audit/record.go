// Package audit implements the append-only, hash-chained audit log that every
// phase transition and gate decision is written to.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"lukechampine.com/blake3"
)

// GenesisHash is the prev_hash of the first record in every chain
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is a single line in the audit log (JSONL format)
type Record struct {
	Seq       uint64           `json:"seq"`
	Timestamp time.Time        `json:"ts"`
	EventType domain.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload"`
	PrevHash  string           `json:"prev_hash"`
	Hash      string           `json:"record_hash"`
}

// Decode unmarshals the record payload into v
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Hasher digests the chained preimage of a record into a hex string
type Hasher func(data []byte) string

// Supported hash names
const (
	HashBLAKE3 = "blake3"
	HashSHA256 = "sha256"
)

// HasherFor returns the hasher registered under name. An empty name selects BLAKE3.
func HasherFor(name string) (Hasher, error) {
	switch name {
	case "", HashBLAKE3:
		return func(data []byte) string {
			sum := blake3.Sum256(data)
			return hex.EncodeToString(sum[:])
		}, nil
	case HashSHA256:
		return func(data []byte) string {
			sum := sha256.Sum256(data)
			return hex.EncodeToString(sum[:])
		}, nil
	}
	return nil, fmt.Errorf("unknown audit hash %q (want %s or %s)", name, HashBLAKE3, HashSHA256)
}

// Canonicalize serializes payload so that equal structured values always yield
// identical bytes: object keys sorted, no insignificant whitespace, numbers kept verbatim.
func Canonicalize(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return canonicalJSON(raw)
}

func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return out, nil
}

// computeHash chains prev_hash, sequence number, event type and canonical payload
func computeHash(h Hasher, prevHash string, seq uint64, eventType domain.EventType, payload []byte) string {
	var buf bytes.Buffer
	buf.Grow(len(prevHash) + len(eventType) + len(payload) + 24)
	buf.WriteString(prevHash)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatUint(seq, 10))
	buf.WriteByte('\n')
	buf.WriteString(string(eventType))
	buf.WriteByte('\n')
	buf.Write(payload)
	return h(buf.Bytes())
}

// Appender is the write side of the chain handed to components that record events
type Appender interface {
	Append(eventType domain.EventType, payload any) (Record, error)
}
