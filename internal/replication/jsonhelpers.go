package replication

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// splitJSONArray decodes a JSON array into its raw per-element byte slices,
// deferring decoding of each element's concrete shape to the caller.
func splitJSONArray(raw []byte) ([][]byte, error) {
	var elems []json.RawMessage
	if err := sonic.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("replication: decoding init payload: %w", err)
	}
	out := make([][]byte, len(elems))
	for i, e := range elems {
		out[i] = []byte(e)
	}
	return out, nil
}

// extractJSONID pulls the "id" field out of a raw JSON object, the one
// field every ObjectSnapshot is keyed by (SPEC_FULL.md §3).
func extractJSONID(raw []byte) (string, error) {
	var shape struct {
		ID string `json:"id"`
	}
	if err := sonic.Unmarshal(raw, &shape); err != nil {
		return "", fmt.Errorf("replication: decoding object id: %w", err)
	}
	return shape.ID, nil
}
