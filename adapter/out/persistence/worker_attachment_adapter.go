// Package persistence provides database/file adapters implementing outbound
// ports.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/pkg/logger"
)

// JSONMetadataManager implements out.MetadataManager as a single JSON file
// recording every ProcessedMessageMetadata ever written, guarded by one
// writer lock (§4.5.5). A parse failure on load resets the ledger to empty
// rather than failing startup — duplicate re-processing is preferable to
// refusing to start.
type JSONMetadataManager struct {
	path string
	mu   sync.Mutex
	seen map[string]domain.ProcessedMessageMetadata // message ID -> metadata
}

var _ out.MetadataManager = (*JSONMetadataManager)(nil)

// NewJSONMetadataManager loads path into memory. A missing or corrupt file
// starts empty; the parent directory is created on the first write, not here.
func NewJSONMetadataManager(path string) *JSONMetadataManager {
	m := &JSONMetadataManager{path: path, seen: make(map[string]domain.ProcessedMessageMetadata)}
	m.load()
	return m
}

func (m *JSONMetadataManager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var ledger domain.MetadataLedger
	if err := json.Unmarshal(data, &ledger); err != nil {
		logger.Warn("[metadata] %s is corrupt, starting from an empty ledger: %v", m.path, err)
		return
	}
	for _, entry := range ledger.Entries {
		m.seen[entry.MessageID] = entry
	}
}

func (m *JSONMetadataManager) persistLocked() error {
	ledger := domain.MetadataLedger{Entries: make([]domain.ProcessedMessageMetadata, 0, len(m.seen))}
	for _, entry := range m.seen {
		ledger.Entries = append(ledger.Entries, entry)
	}
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// IsDuplicate reports whether messageID has already been recorded.
func (m *JSONMetadataManager) IsDuplicate(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[messageID]
	return ok
}

// AddProcessedMail records meta and flushes the ledger to disk.
func (m *JSONMetadataManager) AddProcessedMail(meta domain.ProcessedMessageMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta.ProcessedAt.IsZero() {
		meta.ProcessedAt = time.Now().UTC()
	}
	m.seen[meta.MessageID] = meta
	return m.persistLocked()
}

// FilterNewMessages returns the subset of ids not already recorded,
// preserving input order (§4.5.2 duplicate-skip).
func (m *JSONMetadataManager) FilterNewMessages(ids []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := m.seen[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	return fresh
}
