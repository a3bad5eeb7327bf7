// Package idempotency derives deterministic keys for job payloads and records
// which keys have been processed, so that a redelivered job can be recognised
// and answered from cache instead of repeating its side effects.
package idempotency

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// GenerateKey returns "{jobName}:{hex(blake2b-256(canonical payload))}".
// The payload is canonicalised by round-tripping it through a generic JSON
// value: object keys come out sorted at every depth and numbers keep their
// literal form, so a struct and an equivalent map produce the same key.
func GenerateKey(jobName string, payload any) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(canonical)
	return jobName + ":" + hex.EncodeToString(sum[:]), nil
}

// Canonicalize returns the canonical JSON encoding of v.
func Canonicalize(v any) ([]byte, error) {
	var raw []byte
	switch p := v.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return out, nil
}
