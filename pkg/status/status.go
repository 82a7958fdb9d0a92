// Package status tracks per-document outcomes during a run and owns the file
// system writes the pipeline performs.
package status

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// 📊 DocStatus represents the outcome for a document in the current run.
type DocStatus int

const (
	StatusUnknown   DocStatus = iota
	StatusNew                 // No lock entry exists for this document
	StatusChanged             // Content differs from the lock entry
	StatusStale               // Content matches but the entry aged past the recheck window
	StatusUnchanged           // Content matches the lock entry, nothing to do
	StatusFormatted           // Service output differed and was written back
	StatusSkipped             // Empty document, never sent to the service
	StatusFailed              // I/O or transformation failure
)

// String returns a string representation of DocStatus.
func (s DocStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusChanged:
		return "changed"
	case StatusStale:
		return "stale"
	case StatusUnchanged:
		return "unchanged"
	case StatusFormatted:
		return "formatted"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// 📄 DocInfo contains the tracked outcome for a document.
type DocInfo struct {
	Identity string    // Normalized document identity
	Status   DocStatus // Outcome in this run
	Written  bool      // Whether the document was rewritten on disk
	Error    error     // Failure detail when Status is StatusFailed
}

// 📈 Summary aggregates outcomes at the end of a run.
type Summary struct {
	Formatted int // documents rewritten with service output
	Unchanged int // documents skipped as up to date
	Skipped   int // empty or otherwise ineligible documents
	Failed    int // documents that errored
	Total     int
}

// 🔧 Manager implements document writes and status tracking for a run.
type Manager struct {
	root string

	mu   sync.RWMutex
	docs map[string]DocInfo
}

// 🏭 NewManager creates a manager rooted at the scan directory.
func NewManager(root string) *Manager {
	return &Manager{
		root: filepath.Clean(root),
		docs: make(map[string]DocInfo),
	}
}

// absPath resolves a document identity to its on-disk path.
func (m *Manager) absPath(identity string) string {
	return filepath.Join(m.root, filepath.FromSlash(identity))
}

// ReadDocument returns the current content of a document.
func (m *Manager) ReadDocument(ctx context.Context, identity string) ([]byte, error) {
	content, err := os.ReadFile(m.absPath(identity))
	if err != nil {
		return nil, errors.Errorf("reading document: %w", err)
	}
	return content, nil
}

// WriteDocumentAtomic replaces a document's content via a temp file and
// rename, so a crash mid-write never leaves a half-written document.
func (m *Manager) WriteDocumentAtomic(ctx context.Context, identity string, content []byte) error {
	absPath := m.absPath(identity)
	tempPath := absPath + ".tmp"

	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return errors.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tempPath, absPath); err != nil {
		os.Remove(tempPath)
		return errors.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Track records the outcome for a document.
func (m *Manager) Track(ctx context.Context, info DocInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs[info.Identity] = info

	event := zerolog.Ctx(ctx).Debug().
		Str("identity", info.Identity).
		Str("status", info.Status.String()).
		Bool("written", info.Written)
	if info.Error != nil {
		event = event.Err(info.Error)
	}
	event.Msg("document tracked")
}

// Get returns the tracked outcome for a document.
func (m *Manager) Get(identity string) (DocInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.docs[identity]
	return info, ok
}

// List returns all tracked outcomes.
func (m *Manager) List() []DocInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]DocInfo, 0, len(m.docs))
	for _, info := range m.docs {
		docs = append(docs, info)
	}
	return docs
}

// Summarize aggregates the tracked outcomes.
func (m *Manager) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Summary
	for _, info := range m.docs {
		s.Total++
		switch info.Status {
		case StatusFormatted:
			s.Formatted++
		case StatusUnchanged:
			s.Unchanged++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
