package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/tidymark/tidymark/pkg/config"
	"github.com/tidymark/tidymark/pkg/gemini"
	tidylog "github.com/tidymark/tidymark/pkg/log"
	"github.com/tidymark/tidymark/pkg/operation"
	"github.com/tidymark/tidymark/pkg/retry"
	"github.com/tidymark/tidymark/pkg/scan"
	"github.com/tidymark/tidymark/pkg/state"
	"github.com/tidymark/tidymark/pkg/status"
	"github.com/tidymark/tidymark/pkg/transform"
)

var (
	// Flags
	configFile string
	debug      bool
	force      bool
	dryRun     bool
	workers    int
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tidymark",
		Short:         "Incrementally format markdown documents with an LLM",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultConfigFile, "config file path")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	format := &cobra.Command{
		Use:   "format",
		Short: "Format changed documents and update the lock file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				return runStatus(cmd.Context())
			}
			return runFormat(cmd.Context())
		},
	}
	format.Flags().BoolVar(&force, "force", false, "re-format documents even when unchanged")
	format.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be formatted without calling the service")
	format.Flags().IntVar(&workers, "workers", 0, "override the number of concurrent workers")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report what a format run would do, without writing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove the lock file, forgetting all tracked state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.Context())
		},
	}

	root.AddCommand(format, statusCmd, clean)
	return root
}

// setupLogging configures zerolog and returns a context carrying the logger.
func setupLogging(ctx context.Context) context.Context {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).Level(level).With().Timestamp().Logger()
	return logger.WithContext(ctx)
}

// newOperator wires the pipeline from the config file. The service client is
// only constructed (and its API key required) when the command will actually
// transform documents.
func newOperator(ctx context.Context, needsService bool) (*operation.Operator, *tidylog.UserLogger, error) {
	logger := zerolog.Ctx(ctx)
	userLogger := tidylog.NewUserLogger(*logger)

	cfg, err := config.Load(ctx, configFile)
	if err != nil {
		return nil, nil, errors.Errorf("loading config: %w", err)
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	var transformer transform.Transformer = transform.Func(
		func(ctx context.Context, req transform.Request) (string, error) {
			return "", errors.New("formatting service not configured for this command")
		})

	if needsService {
		apiKey := os.Getenv(cfg.Service.APIKeyEnv)
		if apiKey == "" {
			return nil, nil, errors.Errorf("environment variable %s is not set", cfg.Service.APIKeyEnv)
		}

		client, err := gemini.New(gemini.Options{
			BaseURL:           cfg.Service.BaseURL,
			Model:             cfg.Service.Model,
			APIKey:            apiKey,
			Timeout:           time.Duration(cfg.Service.TimeoutSeconds) * time.Second,
			RequestsPerMinute: cfg.Service.RequestsPerMinute,
		})
		if err != nil {
			return nil, nil, errors.Errorf("creating service client: %w", err)
		}

		transformer, err = retry.New(client, retry.Policy{
			MaxAttempts:        cfg.Retry.MaxAttempts,
			InitialBackoff:     cfg.Retry.Backoff(),
			RateLimitDelay:     cfg.Retry.RateLimitBackoff(),
			MaxRateLimitEvents: cfg.Retry.MaxRateLimitEvents,
		})
		if err != nil {
			return nil, nil, errors.Errorf("creating invoker: %w", err)
		}
	}

	scanner, err := scan.New(scan.Options{
		Root:          cfg.Root,
		Ignore:        cfg.Ignore,
		SkipDirs:      cfg.SkipDirs,
		IncludeReadme: cfg.IncludeReadme,
	})
	if err != nil {
		return nil, nil, errors.Errorf("creating scanner: %w", err)
	}

	stateManager, err := state.New(filepath.Dir(configFile))
	if err != nil {
		return nil, nil, errors.Errorf("creating state manager: %w", err)
	}

	op, err := operation.New(operation.Options{
		Config:      cfg,
		State:       stateManager,
		Scanner:     scanner,
		Transformer: transformer,
		Files:       status.NewManager(cfg.Root),
		Console:     tidylog.New(os.Stdout, *logger),
		Force:       force,
	})
	if err != nil {
		return nil, nil, errors.Errorf("creating operator: %w", err)
	}

	return op, userLogger, nil
}

func runFormat(ctx context.Context) error {
	ctx = setupLogging(ctx)

	op, userLogger, err := newOperator(ctx, true)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("setting up pipeline")
		return err
	}

	summary, err := op.Format(ctx)
	if err != nil {
		userLogger.Error("format run failed", err)
		return err
	}
	if summary.Failed > 0 {
		userLogger.Warning(fmt.Sprintf("%d documents failed to format", summary.Failed))
		return errors.Errorf("%d documents failed", summary.Failed)
	}

	userLogger.Success("all documents up to date")
	return nil
}

func runStatus(ctx context.Context) error {
	ctx = setupLogging(ctx)

	op, userLogger, err := newOperator(ctx, false)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("setting up pipeline")
		return err
	}

	needsWork, err := op.Status(ctx)
	if err != nil {
		userLogger.Error("status check failed", err)
		return err
	}

	if needsWork {
		userLogger.Info("documents need formatting; run `tidymark format`")
	} else {
		userLogger.Success("everything up to date")
	}
	return nil
}

func runClean(ctx context.Context) error {
	ctx = setupLogging(ctx)

	op, userLogger, err := newOperator(ctx, false)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("setting up pipeline")
		return err
	}

	if err := op.Clean(ctx); err != nil {
		userLogger.Error("clean failed", err)
		return err
	}

	userLogger.Success("lock file removed")
	return nil
}
