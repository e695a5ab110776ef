// Package audit keeps the immutable, hash-chained record of every ledger
// mutation. Records are written inside the mutating transaction and published
// to live subscribers only after it commits.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical encodes v as JSON with sorted object keys and no HTML escaping,
// so the same logical payload always hashes the same way.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}
