// Package state manages the .tidymark.lock file that tracks which documents
// have been formatted and what their content looked like at the time.
//
// The lock file is the only state shared between runs. A run loads it once at
// start, mutates the in-memory copy as documents are processed, and saves it
// once at the end with an atomic write. Entries whose documents no longer
// exist are pruned so the file does not grow without bound.
package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	// LockFileName is the name of the state file, kept next to the config.
	LockFileName = ".tidymark.lock"

	schemaVersion = "1.0.0"
)

// DocumentStatus records how a document was last handled.
type DocumentStatus string

const (
	StatusFormatted DocumentStatus = "formatted"
	StatusUnchanged DocumentStatus = "unchanged"
	StatusFailed    DocumentStatus = "failed"
)

// DocumentEntry tracks a single document across runs.
type DocumentEntry struct {
	// Fingerprint is the digest of the document as it exists on disk after
	// the last run. A document whose current digest matches is skipped.
	Fingerprint string `json:"fingerprint"`

	// OriginalFingerprint is the digest of the source content that was sent
	// to the formatting service, before any rewrite.
	OriginalFingerprint string `json:"original_fingerprint,omitempty"`

	LastFormatted time.Time      `json:"last_formatted"`
	Status        DocumentStatus `json:"status"`
}

// RunInfo identifies the run that last wrote the lock file.
type RunInfo struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
}

// lockFile is the on-disk schema of .tidymark.lock.
type lockFile struct {
	SchemaVersion string                   `json:"schema_version"`
	ConfigHash    string                   `json:"config_hash,omitempty"`
	LastRun       *RunInfo                 `json:"last_run,omitempty"`
	Documents     map[string]DocumentEntry `json:"documents"`
}

// State manages loading, mutating and saving the lock file.
type State struct {
	path string
	file lockFile
}

// New creates a state manager bound to <dir>/.tidymark.lock.
func New(dir string) (*State, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	return &State{
		path: filepath.Join(dir, LockFileName),
		file: lockFile{
			SchemaVersion: schemaVersion,
			Documents:     make(map[string]DocumentEntry),
		},
	}, nil
}

// Path returns the location of the lock file.
func (s *State) Path() string {
	return s.path
}

// Load reads the lock file from disk. A missing file is a cold start and
// yields a clean state. A present but unparsable file is an error: silently
// discarding history would re-send every document to the formatting service.
func (s *State) Load(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("path", s.path).Msg("loading state")

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		logger.Debug().Msg("no lock file found, starting clean")
		s.file = lockFile{
			SchemaVersion: schemaVersion,
			Documents:     make(map[string]DocumentEntry),
		}
		return nil
	}
	if err != nil {
		return errors.Errorf("reading lock file: %w", err)
	}

	var file lockFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.Errorf("lock file %s is corrupt (fix or delete it): %w", s.path, err)
	}
	if file.Documents == nil {
		file.Documents = make(map[string]DocumentEntry)
	}
	s.file = file

	logger.Debug().Int("documents", len(s.file.Documents)).Msg("state loaded")
	return nil
}

// Save writes the lock file to disk, via a temp file and atomic rename so a
// crash mid-write never leaves a truncated file behind.
func (s *State) Save(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("path", s.path).Int("documents", len(s.file.Documents)).Msg("saving state")

	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return errors.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Errorf("writing temp lock file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return errors.Errorf("renaming temp lock file: %w", err)
	}
	return nil
}

// Delete removes the lock file from disk. Missing is not an error.
func (s *State) Delete(ctx context.Context) error {
	zerolog.Ctx(ctx).Debug().Str("path", s.path).Msg("deleting state")

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing lock file: %w", err)
	}
	s.file = lockFile{
		SchemaVersion: schemaVersion,
		Documents:     make(map[string]DocumentEntry),
	}
	return nil
}

// Get returns the entry for an identity. The second return is false when the
// identity has never been seen or was pruned.
func (s *State) Get(identity string) (DocumentEntry, bool) {
	entry, ok := s.file.Documents[identity]
	return entry, ok
}

// Put upserts the entry for an identity.
func (s *State) Put(identity string, entry DocumentEntry) {
	s.file.Documents[identity] = entry
}

// Prune drops entries whose identity is not in the current candidate set,
// returning the identities removed.
func (s *State) Prune(valid map[string]struct{}) []string {
	var removed []string
	for identity := range s.file.Documents {
		if _, ok := valid[identity]; !ok {
			delete(s.file.Documents, identity)
			removed = append(removed, identity)
		}
	}
	return removed
}

// Identities returns the identities of all tracked documents.
func (s *State) Identities() []string {
	identities := make([]string, 0, len(s.file.Documents))
	for identity := range s.file.Documents {
		identities = append(identities, identity)
	}
	return identities
}

// Len returns the number of tracked documents.
func (s *State) Len() int {
	return len(s.file.Documents)
}

// ConfigHash returns the hash of the config that produced this state.
func (s *State) ConfigHash() string {
	return s.file.ConfigHash
}

// SetConfigHash records the hash of the current config.
func (s *State) SetConfigHash(hash string) {
	s.file.ConfigHash = hash
}

// SetLastRun records the run that is about to save this state.
func (s *State) SetLastRun(id string, at time.Time) {
	s.file.LastRun = &RunInfo{ID: id, Time: at}
}

// LastRun returns metadata about the previous run, if any.
func (s *State) LastRun() *RunInfo {
	return s.file.LastRun
}

// NormalizeIdentity converts an absolute document path into its OS-independent
// identity: the slash-separated path relative to root. Distinct on-disk paths
// always map to distinct identities.
func NormalizeIdentity(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", errors.Errorf("relativizing %s against %s: %w", path, root, err)
	}
	return filepath.ToSlash(rel), nil
}
