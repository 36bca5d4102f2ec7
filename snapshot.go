package llmcache

import (
	"context"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmcache/pkg/cache"
)

// SnapshotVersion identifies the snapshot format.
const SnapshotVersion = "1.0.0"

// Snapshot is the portable on-disk representation of a cache: its
// configuration, entries, and statistics at export time.
type Snapshot struct {
	Version   string         `json:"version"`
	Timestamp int64          `json:"timestamp"` // Unix ms
	Config    cache.Config   `json:"config"`
	Entries   []*cache.Entry `json:"entries"`
	Stats     cache.Stats    `json:"stats"`
}

// Export writes a snapshot of the cache to path. Entries are enumerated
// without mutating their access metadata.
func (m *Manager) Export(ctx context.Context, path string) error {
	entries, err := m.dumpEntries(ctx)
	if err != nil {
		return err
	}

	snap := Snapshot{
		Version:   SnapshotVersion,
		Timestamp: time.Now().UnixMilli(),
		Config:    m.config,
		Entries:   entries,
		Stats:     m.Stats(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	m.logger.Info("cache exported", "path", path, "entries", len(entries))
	return nil
}

func (m *Manager) dumpEntries(ctx context.Context) ([]*cache.Entry, error) {
	if dumper, ok := m.backend.(cache.Dumper); ok {
		return dumper.Entries(ctx)
	}

	keys, err := m.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*cache.Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := m.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Import replays the entries of a snapshot into the backend. Entries that
// have expired since export are skipped. Statistics are not restored;
// importing produces an equivalent cache state, not an equivalent
// counting history.
func (m *Manager) Import(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	now := time.Now()
	imported := 0
	for _, entry := range snap.Entries {
		if entry == nil || entry.Key == "" || entry.Expired(now) {
			continue
		}
		if err := m.backend.Set(ctx, entry.Key, entry); err != nil {
			m.reportBackendError("import", err)
			continue
		}
		m.stats.recordSet(entry.SizeBytes)
		m.bus.Emit(Event{Type: EventSet, Key: entry.Key, SizeBytes: entry.SizeBytes})
		imported++
	}

	m.logger.Info("cache imported", "path", path, "entries", imported)
	return nil
}
