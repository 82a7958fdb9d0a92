// Package scan enumerates the markdown documents eligible for formatting.
//
// The scanner owns the inclusion/exclusion policy (extensions, dot
// directories, README handling, ignore globs); the pipeline itself only
// consumes the resulting candidates and never matches paths on its own.
package scan

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/tidymark/tidymark/pkg/state"
)

// Candidate is a single document eligible for processing in this run.
type Candidate struct {
	// Identity is the normalized, slash-separated path relative to the scan
	// root. It is the key into the state store.
	Identity string

	// AbsPath is the document's location on disk.
	AbsPath string
}

// Read returns the candidate's current content.
func (c Candidate) Read() ([]byte, error) {
	content, err := os.ReadFile(c.AbsPath)
	if err != nil {
		return nil, errors.Errorf("reading %s: %w", c.Identity, err)
	}
	return content, nil
}

// Scanner walks a directory tree and yields formatting candidates.
type Scanner struct {
	root          string
	ignore        []string
	skipDirs      map[string]struct{}
	includeReadme bool
}

// Options configures a Scanner.
type Options struct {
	// Root is the directory to walk.
	Root string

	// Ignore holds doublestar globs matched against candidate identities.
	Ignore []string

	// SkipDirs lists directory names pruned from the walk. Dot directories
	// are always pruned.
	SkipDirs []string

	// IncludeReadme opts README.md files in; they are skipped by default.
	IncludeReadme bool
}

// New creates a Scanner. Ignore globs are validated up front.
func New(opts Options) (*Scanner, error) {
	if opts.Root == "" {
		return nil, errors.New("scan root is required")
	}
	for _, pattern := range opts.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.Errorf("invalid ignore pattern %q", pattern)
		}
	}

	skip := make(map[string]struct{}, len(opts.SkipDirs))
	for _, dir := range opts.SkipDirs {
		skip[dir] = struct{}{}
	}

	return &Scanner{
		root:          filepath.Clean(opts.Root),
		ignore:        opts.Ignore,
		skipDirs:      skip,
		includeReadme: opts.IncludeReadme,
	}, nil
}

// Scan walks the tree and returns all candidates, sorted by the walk order
// (lexical within each directory).
func (s *Scanner) Scan(ctx context.Context) ([]Candidate, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("root", s.root).Msg("scanning for markdown documents")

	var candidates []Candidate
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Errorf("walking %s: %w", path, err)
		}

		if d.IsDir() {
			if path == s.root {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if _, ok := s.skipDirs[name]; ok {
				logger.Debug().Str("dir", path).Msg("skipping directory")
				return filepath.SkipDir
			}
			return nil
		}

		if !isMarkdown(d.Name()) {
			return nil
		}
		if !s.includeReadme && strings.EqualFold(d.Name(), "readme.md") {
			return nil
		}

		identity, err := state.NormalizeIdentity(s.root, path)
		if err != nil {
			return err
		}
		if s.isIgnored(identity) {
			logger.Debug().Str("identity", identity).Msg("ignored by pattern")
			return nil
		}

		candidates = append(candidates, Candidate{
			Identity: identity,
			AbsPath:  path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug().Int("candidates", len(candidates)).Msg("scan complete")
	return candidates, nil
}

func (s *Scanner) isIgnored(identity string) bool {
	for _, pattern := range s.ignore {
		matched, err := doublestar.Match(pattern, identity)
		if err != nil {
			// Patterns are validated in New; Match only fails on bad patterns.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

func isMarkdown(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return true
	default:
		return false
	}
}
