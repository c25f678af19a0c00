// Package collection implements the per-collection orchestrator of
// SPEC_FULL.md §4.6: owns one VectorStore, one WAL, one HnswIndex, one
// digest, a broadcast channel for replication, and a bounded background
// indexer queue.
package collection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Meta is the per-collection meta.json document, per SPEC_FULL.md §6.
type Meta struct {
	Dimension    uint32 `json:"dimension"`
	Metric       string `json:"metric"`
	Quantization string `json:"quantization"`
}

func metaPath(dir string) string { return filepath.Join(dir, "meta.json") }

// LoadMeta reads meta.json from dir.
func LoadMeta(dir string) (Meta, error) {
	raw, err := os.ReadFile(metaPath(dir))
	if err != nil {
		return Meta{}, fmt.Errorf("collection: read meta.json: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("collection: parse meta.json: %w", err)
	}
	return m, nil
}

// SaveMeta writes meta.json to dir.
func SaveMeta(dir string, m Meta) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("collection: marshal meta.json: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("collection: create collection dir: %w", err)
	}
	return os.WriteFile(metaPath(dir), raw, 0o644)
}
