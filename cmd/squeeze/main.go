package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sternrassler/squeeze/pkg/cache"
	"github.com/Sternrassler/squeeze/pkg/client"
	"github.com/Sternrassler/squeeze/pkg/config"
	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/logging"
	"github.com/Sternrassler/squeeze/pkg/quota"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
	quiet      bool
}

// app bundles the collaborators built from the configuration.
type app struct {
	fs         afero.Fs
	cfg        *config.Config
	configPath string

	client     *client.Client
	compressor client.Compressor
	pool       *credentials.Pool
	tracker    *quota.Tracker
	redis      *redis.Client
}

func main() {
	if err := newRootCmd(afero.NewOsFs()).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. All file access goes through fs.
func newRootCmd(fs afero.Fs) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "squeeze",
		Short: "Batch-compress images through a TinyPNG-compatible backend",
		Long: `squeeze compresses PNG, JPEG, WebP and AVIF images in bulk using a
TinyPNG-compatible API. It can resize, convert and preserve metadata in the
same request, rotates between several API keys when one runs out of quota,
and optionally caches results and tracks key usage in Redis.`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default is ~/.squeeze/config.yaml)")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "enable verbose logging")
	root.PersistentFlags().BoolVar(&flags.quiet, "quiet", false, "suppress non-error output")

	root.AddCommand(newCompressCmd(fs, flags))
	root.AddCommand(newKeysCmd(fs, flags))
	root.AddCommand(newServeCmd(fs, flags))
	return root
}

// setup loads the configuration and wires the client stack.
func setup(ctx context.Context, fs afero.Fs, flags *globalFlags, stderr io.Writer) (*app, error) {
	path := flags.configPath
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.LoadFs(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := cfg.Logging
	logCfg.Pretty = true
	logCfg.Output = stderr
	switch {
	case flags.verbose:
		logCfg.Level = logging.LevelDebug
	case flags.quiet:
		logCfg.Level = logging.LevelError
	}
	if _, err := logging.Setup(logCfg); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	a := &app{fs: fs, cfg: cfg, configPath: path}

	clientCfg := cfg.ClientConfig()
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, continuing without cache and usage tracking")
			rdb.Close()
		} else {
			a.redis = rdb
			a.tracker = quota.NewTracker(rdb, logging.NewLogger("quota"))
			clientCfg.Usage = a.tracker
		}
	}

	a.client, err = client.New(clientCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	a.compressor = client.RetryTransient(a.client, cfg.RetryPolicy())
	if a.redis != nil {
		a.compressor = cache.NewCompressor(a.compressor, cache.NewManager(a.redis), cfg.Redis.CacheTTL)
	}

	a.pool = cfg.Pool(a.client)
	return a, nil
}

// saveCredentials persists the pool back into the config file.
func (a *app) saveCredentials() error {
	return config.SaveCredentials(a.fs, a.configPath, a.pool.Snapshot())
}

// Close releases the Redis connection, if any.
func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
}
