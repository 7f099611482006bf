package config

import (
	"time"

	"bucketmigrate/internal/storage"

	"github.com/spf13/pflag"
)

// RegisterFlags declares every command line flag understood by Load.
func RegisterFlags(flags *pflag.FlagSet) {
	// Source flags
	flags.String("src-type", storage.TypeS3, "Source backend (s3/minio/gcs)")
	flags.String("src-endpoint", "", "Source endpoint for S3-compatible or emulated services")
	flags.String("src-region", "", "Source region")
	flags.Bool("src-secure", true, "Use HTTPS for source")

	// Destination flags
	flags.String("dst-type", storage.TypeGCS, "Destination backend (s3/minio/gcs)")
	flags.String("dst-endpoint", "", "Destination endpoint for S3-compatible or emulated services")
	flags.String("dst-region", "", "Destination region")
	flags.Bool("dst-secure", true, "Use HTTPS for destination")
	flags.Bool("path-style", false, "Use path-style addressing for S3 endpoints")

	// Migration flags
	flags.String("prefix", "", "Object prefix filter")
	flags.Int("concurrency", 8, "Number of concurrent transfers")
	flags.Int("max-attempts", 3, "Maximum attempts per object")
	flags.Int("retry-backoff-ms", 500, "Initial backoff between retry passes in milliseconds")
	flags.Duration("timeout", 30*time.Minute, "Timeout for a single object transfer")
	flags.Int("page-size", storage.DefaultPageSize, "Objects per listing page")
	flags.Float64("list-rate-limit", 0, "Maximum listing pages per second (0 = unlimited)")
	flags.String("ledger", "./migrate-ledger.db", "Progress ledger database file")
	flags.Bool("resume", false, "Carry attempt counts over from the previous run")
	flags.Bool("skip-existing", true, "Skip objects that already exist at the destination with same size/md5")
	flags.Bool("dry-run", false, "List objects without migrating")
	flags.Bool("show-progress", true, "Show progress display (auto-disabled for dry-run)")
	flags.String("metrics-addr", ":8080", "Prometheus metrics listen address (empty disables)")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
}
