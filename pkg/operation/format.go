package operation

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tidymark/tidymark/pkg/digest"
	"github.com/tidymark/tidymark/pkg/scan"
	"github.com/tidymark/tidymark/pkg/state"
	"github.com/tidymark/tidymark/pkg/status"
	"github.com/tidymark/tidymark/pkg/transform"
)

// job is a candidate that needs the formatting service.
type job struct {
	candidate   scan.Candidate
	content     string
	fingerprint string
}

// result is a worker's outcome for one job. Workers never touch the lock
// state; the Format loop is the single writer that applies results.
type result struct {
	job    job
	output string
	err    error
}

// Format runs the pipeline: scan, classify, transform, converge, save.
//
// Per-document failures are logged and skipped; only a fatal service error
// (bad credentials) aborts the run, and even then the lock entries applied
// for earlier documents are saved.
func (o *Operator) Format(ctx context.Context) (status.Summary, error) {
	logger := zerolog.Ctx(ctx)

	if err := o.state.Load(ctx); err != nil {
		return status.Summary{}, errors.Errorf("loading state: %w", err)
	}

	o.console.Header(o.config.Root)

	if prev := o.state.ConfigHash(); prev != "" && prev != o.config.Hash() {
		logger.Info().
			Str("state_hash", prev).
			Str("config_hash", o.config.Hash()).
			Msg("config has changed since last run")
	}

	candidates, err := o.scanner.Scan(ctx)
	if err != nil {
		return status.Summary{}, errors.Errorf("scanning candidates: %w", err)
	}

	valid := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		valid[c.Identity] = struct{}{}
	}

	// Classification happens up front, before any state mutation, so the
	// lock mapping has a single writer for the rest of the run.
	jobs := o.classifyCandidates(ctx, candidates)

	fatalErr := o.transformAll(ctx, jobs)

	if removed := o.state.Prune(valid); len(removed) > 0 {
		logger.Debug().Strs("identities", removed).Msg("pruned stale lock entries")
	}

	o.state.SetConfigHash(o.config.Hash())
	o.state.SetLastRun(uuid.NewString(), o.now())

	if err := o.state.Save(ctx); err != nil {
		return status.Summary{}, errors.Errorf("saving state: %w", err)
	}

	summary := o.files.Summarize()
	o.console.Summary(summary)

	if fatalErr != nil {
		return summary, errors.Errorf("run aborted: %w", fatalErr)
	}
	return summary, nil
}

// classifyCandidates reads and fingerprints every candidate, resolving the
// ones that need no service call and returning jobs for the rest.
func (o *Operator) classifyCandidates(ctx context.Context, candidates []scan.Candidate) []job {
	logger := zerolog.Ctx(ctx)

	var jobs []job
	for _, candidate := range candidates {
		content, err := candidate.Read()
		if err != nil {
			// Unreadable candidate: log, skip, leave its lock entry alone.
			logger.Warn().Err(err).Str("identity", candidate.Identity).Msg("unreadable candidate")
			o.track(ctx, status.DocInfo{
				Identity: candidate.Identity,
				Status:   status.StatusFailed,
				Error:    err,
			})
			continue
		}

		if isEmptyDocument(content) {
			logger.Debug().Str("identity", candidate.Identity).Msg("empty document, skipping")
			o.track(ctx, status.DocInfo{
				Identity: candidate.Identity,
				Status:   status.StatusSkipped,
			})
			continue
		}

		fingerprint := digest.Bytes(content)
		class := o.classify(candidate.Identity, fingerprint)
		if class == status.StatusUnchanged && !o.force {
			o.track(ctx, status.DocInfo{
				Identity: candidate.Identity,
				Status:   status.StatusUnchanged,
			})
			continue
		}

		logger.Debug().
			Str("identity", candidate.Identity).
			Str("classification", class.String()).
			Msg("document needs formatting")

		jobs = append(jobs, job{
			candidate:   candidate,
			content:     string(content),
			fingerprint: fingerprint,
		})
	}

	return jobs
}

// transformAll runs the formatting jobs through the worker pool and applies
// results serially. The returned error, when non-nil, is the fatal failure
// that aborted the run.
func (o *Operator) transformAll(ctx context.Context, jobs []job) error {
	if len(jobs) == 0 {
		return nil
	}

	workers := o.config.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	// A fatal failure cancels gctx, which stops the feeder and the other
	// workers: no candidate after the fatal one is sent to the service.
	g, gctx := errgroup.WithContext(ctx)

	jobCh := make(chan job)
	results := make(chan result)

	g.Go(func() error {
		defer close(jobCh)
		for _, j := range jobs {
			select {
			case jobCh <- j:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := range jobCh {
				output, err := o.transformer.Transform(gctx, transform.Request{
					Identity: j.candidate.Identity,
					Category: categoryMarkdown,
					Content:  j.content,
				})
				if transform.IsFatal(err) {
					// This will not self-resolve; retrying it per document
					// would waste the whole retry budget.
					return err
				}
				select {
				case results <- result{job: j, output: output, err: err}:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait() // the error is collected below
		close(results)
	}()

	// Single writer: every lock-state mutation happens here, in order of
	// completion.
	for res := range results {
		o.applyResult(ctx, res)
	}

	return g.Wait()
}

// applyResult is the convergence writer: it decides whether the transformed
// output warrants a write, performs it, and settles the lock entry to the
// fingerprint of whatever is on disk afterwards.
func (o *Operator) applyResult(ctx context.Context, res result) {
	logger := zerolog.Ctx(ctx)
	identity := res.job.candidate.Identity

	if res.err != nil {
		// Keep the original content and pin the lock entry to the original
		// fingerprint: the document is retried only when its source changes,
		// not on every run against the same failing content.
		logger.Warn().Err(res.err).Str("identity", identity).Msg("transformation failed")
		o.state.Put(identity, state.DocumentEntry{
			Fingerprint:         res.job.fingerprint,
			OriginalFingerprint: res.job.fingerprint,
			LastFormatted:       o.now(),
			Status:              state.StatusFailed,
		})
		o.track(ctx, status.DocInfo{
			Identity: identity,
			Status:   status.StatusFailed,
			Error:    res.err,
		})
		return
	}

	outputFingerprint := digest.Bytes([]byte(res.output))
	if outputFingerprint == res.job.fingerprint {
		// Byte-identical output: nothing to write, just refresh the entry so
		// the document is not reconsidered until it changes or goes stale.
		o.state.Put(identity, state.DocumentEntry{
			Fingerprint:         res.job.fingerprint,
			OriginalFingerprint: res.job.fingerprint,
			LastFormatted:       o.now(),
			Status:              state.StatusUnchanged,
		})
		o.track(ctx, status.DocInfo{
			Identity: identity,
			Status:   status.StatusUnchanged,
		})
		return
	}

	if err := o.files.WriteDocumentAtomic(ctx, identity, []byte(res.output)); err != nil {
		// Failed write: disk still holds the original, so the lock entry
		// must not advance to the output fingerprint.
		logger.Warn().Err(err).Str("identity", identity).Msg("writing formatted document")
		o.track(ctx, status.DocInfo{
			Identity: identity,
			Status:   status.StatusFailed,
			Error:    err,
		})
		return
	}

	// The written output is the new baseline: an unattended re-run sees its
	// fingerprint in the lock file and does not re-format it.
	o.state.Put(identity, state.DocumentEntry{
		Fingerprint:         outputFingerprint,
		OriginalFingerprint: res.job.fingerprint,
		LastFormatted:       o.now(),
		Status:              state.StatusFormatted,
	})
	o.track(ctx, status.DocInfo{
		Identity: identity,
		Status:   status.StatusFormatted,
		Written:  true,
	})
}

func (o *Operator) track(ctx context.Context, info status.DocInfo) {
	o.files.Track(ctx, info)
	o.console.LogDocument(info)
}
