package operation

import (
	"context"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/tidymark/tidymark/pkg/digest"
	"github.com/tidymark/tidymark/pkg/status"
)

// Status is a read-only pass reporting what a format run would do. It
// returns true when at least one document needs formatting or the config has
// changed since the state was written. Nothing is written anywhere.
func (o *Operator) Status(ctx context.Context) (bool, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Msg("checking status")

	if err := o.state.Load(ctx); err != nil {
		return false, errors.Errorf("loading state: %w", err)
	}

	candidates, err := o.scanner.Scan(ctx)
	if err != nil {
		return false, errors.Errorf("scanning candidates: %w", err)
	}

	needsWork := false

	if prev := o.state.ConfigHash(); prev != "" && prev != o.config.Hash() {
		logger.Info().
			Str("state_hash", prev).
			Str("config_hash", o.config.Hash()).
			Msg("config has changed")
		needsWork = true
	}

	for _, candidate := range candidates {
		content, err := candidate.Read()
		if err != nil {
			logger.Warn().Err(err).Str("identity", candidate.Identity).Msg("unreadable candidate")
			continue
		}
		if isEmptyDocument(content) {
			o.console.LogDocument(status.DocInfo{
				Identity: candidate.Identity,
				Status:   status.StatusSkipped,
			})
			continue
		}

		class := o.classify(candidate.Identity, digest.Bytes(content))
		o.console.LogDocument(status.DocInfo{
			Identity: candidate.Identity,
			Status:   class,
		})
		if class != status.StatusUnchanged {
			needsWork = true
		}
	}

	// Stale lock entries also mean a run would change the lock file.
	valid := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		valid[c.Identity] = struct{}{}
	}
	for _, info := range o.staleEntries(valid) {
		logger.Debug().Str("identity", info).Msg("lock entry has no matching document")
		needsWork = true
	}

	return needsWork, nil
}

// staleEntries returns tracked identities absent from the candidate set,
// without mutating the state.
func (o *Operator) staleEntries(valid map[string]struct{}) []string {
	var stale []string
	for _, identity := range o.state.Identities() {
		if _, ok := valid[identity]; !ok {
			stale = append(stale, identity)
		}
	}
	return stale
}
