// Package operation orchestrates tidymark runs: scanning for candidates,
// detecting changes against the lock file, invoking the formatting service,
// and converging written output back into tracked state.
package operation

import (
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/tidymark/tidymark/pkg/config"
	"github.com/tidymark/tidymark/pkg/log"
	"github.com/tidymark/tidymark/pkg/scan"
	"github.com/tidymark/tidymark/pkg/state"
	"github.com/tidymark/tidymark/pkg/status"
	"github.com/tidymark/tidymark/pkg/transform"
)

// categoryMarkdown is the classification hint passed to the service.
const categoryMarkdown = "markdown"

// Options contains the collaborators for an Operator.
type Options struct {
	// Config is the validated run configuration.
	Config *config.Config

	// State manages the lock file. The operator is its only writer.
	State *state.State

	// Scanner enumerates formatting candidates.
	Scanner *scan.Scanner

	// Transformer calls the formatting service, already wrapped with the
	// retry policy.
	Transformer transform.Transformer

	// Files performs document reads/writes and tracks per-document outcomes.
	Files *status.Manager

	// Console renders user-facing output.
	Console *log.Logger

	// Force re-formats documents even when their fingerprint is unchanged.
	Force bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Operator runs the pipeline.
type Operator struct {
	config      *config.Config
	state       *state.State
	scanner     *scan.Scanner
	transformer transform.Transformer
	files       *status.Manager
	console     *log.Logger
	force       bool
	now         func() time.Time
}

// New creates an operator, validating that all collaborators are present.
func New(opts Options) (*Operator, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.State == nil {
		return nil, errors.New("state manager is required")
	}
	if opts.Scanner == nil {
		return nil, errors.New("scanner is required")
	}
	if opts.Transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file manager is required")
	}
	if opts.Console == nil {
		return nil, errors.New("console logger is required")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Operator{
		config:      opts.Config,
		state:       opts.State,
		scanner:     opts.Scanner,
		transformer: opts.Transformer,
		files:       opts.Files,
		console:     opts.Console,
		force:       opts.Force,
		now:         now,
	}, nil
}

// classify compares a candidate's current fingerprint against its lock entry.
func (o *Operator) classify(identity, fingerprint string) status.DocStatus {
	entry, ok := o.state.Get(identity)
	if !ok {
		return status.StatusNew
	}
	if entry.Fingerprint != fingerprint {
		return status.StatusChanged
	}
	if window := o.config.RecheckWindow(); window > 0 {
		if o.now().Sub(entry.LastFormatted) > window {
			return status.StatusStale
		}
	}
	return status.StatusUnchanged
}

// isEmptyDocument reports whether content should never be sent to the
// service: zero-length or whitespace-only documents have nothing to format.
func isEmptyDocument(content []byte) bool {
	return len(strings.TrimSpace(string(content))) == 0
}
