package operation

import (
	"context"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Clean removes the lock file. The next format run starts cold and
// re-formats every document, so this is the escape hatch for a state file
// that no longer matches reality.
func (o *Operator) Clean(ctx context.Context) error {
	zerolog.Ctx(ctx).Debug().Str("path", o.state.Path()).Msg("cleaning state")

	if err := o.state.Delete(ctx); err != nil {
		return errors.Errorf("deleting state: %w", err)
	}
	return nil
}
