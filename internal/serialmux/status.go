package serialmux

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"sync"
)

// BridgeStatus accumulates the key/value status lines the bridge emits, for
// example {"fw":"1.2","lanes":4,"rate_ms":20}. Later lines overwrite
// earlier keys.
type BridgeStatus struct {
	mu     sync.Mutex
	fields map[string]any
}

func NewBridgeStatus() *BridgeStatus {
	return &BridgeStatus{fields: make(map[string]any)}
}

// Update merges one JSON status line.
func (b *BridgeStatus) Update(payload string) error {
	var values map[string]any
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	maps.Copy(b.fields, values)
	return nil
}

// Snapshot returns a copy of the accumulated fields.
func (b *BridgeStatus) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.fields)
}

func writeStatusJSON(w io.Writer, status map[string]any) {
	if status == nil {
		status = map[string]any{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(status)
}
