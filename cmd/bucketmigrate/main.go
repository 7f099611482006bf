package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bucketmigrate/internal/app"
	"bucketmigrate/internal/config"
	"bucketmigrate/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "bucketmigrate <source-account> <dest-account> <source-bucket> <dest-bucket>",
	Short: "Migrate every object from one bucket to another",
	Long: `A concurrent, resumable bucket-to-bucket migration tool for S3, MinIO and
Google Cloud Storage. Objects are streamed without local staging and every
transfer is recorded in a SQLite ledger, so an interrupted run can be resumed
and a finished run can be repeated without copying anything twice.

Accounts are interpreted per backend: an AWS shared-config profile for s3, a
service account key file for gcs, and ACCESS_KEY:SECRET_KEY for minio. An
empty account uses the SDK default credential chain.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 4 {
			return fmt.Errorf("expected 4 arguments, got %d", len(args))
		}
		if len(args) == 0 && configFile == "" {
			return fmt.Errorf("expected 4 arguments or --config")
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMigration,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	config.RegisterFlags(rootCmd.Flags())
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags(), args)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("failed to load config: %w", err)}
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("failed to initialize logger: %w", err)}
	}
	defer log.Sync()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	migrator, err := app.New(ctx, cfg, log)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("failed to create migrator: %w", err)}
	}

	result, err := migrator.Run(ctx)

	// Close migrator resources after migration completes or is cancelled
	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}

	if code := result.ExitCode(); code != 0 {
		return &exitError{code: code, err: err}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := 2
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
			if exitErr.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}
