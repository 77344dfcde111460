package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/squeeze/pkg/batch"
	"github.com/Sternrassler/squeeze/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newServeCmd(fs afero.Fs, global *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP API that accepts image uploads, compresses them in the
background and streams progress over a websocket.

  POST /api/batches                   multipart upload (files, options, concurrency)
  GET  /api/batches/{id}              batch state and stats
  GET  /api/batches/{id}/items/{n}    compressed image
  POST /api/batches/{id}/cancel       stop a batch
  GET  /api/batches/{id}/events       websocket progress stream
  GET  /api/keys                      key fingerprints and usage
  GET  /health, /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, fs, global, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			defaults, err := a.cfg.Options()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.Server.Addr
			}

			manager := server.NewManager(batch.New(a.compressor, a.pool), a.pool)
			srvCfg := server.Config{
				Manager:     manager,
				Pool:        a.pool,
				Defaults:    defaults,
				Concurrency: a.cfg.Batch.Concurrency,
			}
			if a.tracker != nil {
				srvCfg.Usage = a.tracker
			}
			srv := server.NewServer(srvCfg)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(addr)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			// Rotations during the session are kept for the next run.
			return a.saveCredentials()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
