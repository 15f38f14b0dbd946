package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adrielmoraes/consult"
	"github.com/adrielmoraes/consult/config"
	"github.com/adrielmoraes/consult/server"
	"github.com/adrielmoraes/consult/store/postgres"
	"github.com/spf13/cobra"
)

func serveCmd(configPath *string) *cobra.Command {
	var requestTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the consultation HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			handler := server.New(a.pipeline,
				server.WithLogger(a.logger),
				server.WithUsageReader(a.usage),
				server.WithRequestTimeout(requestTimeout),
			).Routes()

			srv := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info().Str("addr", srv.Addr).Msg("starting server")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info().Msg("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			a.logger.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 0, "Bound on each consultation request (0 = client cancellation only)")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply usage ledger database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database url not configured (database.url or CONSULT_DATABASE_URL)")
			}

			store, err := postgres.Open(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully.")
			return nil
		},
	}
}

func runCmd(configPath *string) *cobra.Command {
	var (
		input string
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one consultation from a JSON file and print the result",
		Example: `  consultd run --input patient.json
  cat patient.json | consultd run --input - --debug`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := readContext(input, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var debugOut io.Writer
			if debug {
				debugOut = cmd.ErrOrStderr()
			}
			a, err := newApp(ctx, *configPath, debugOut)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.pipeline.Run(ctx, cc)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "Consultation context JSON file, - for stdin")
	cmd.Flags().BoolVar(&debug, "debug", false, "Write prompts and raw model responses to stderr")
	return cmd
}

func readContext(path string, stdin io.Reader) (consult.ConsultationContext, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return consult.ConsultationContext{}, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var cc consult.ConsultationContext
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cc); err != nil {
		return consult.ConsultationContext{}, fmt.Errorf("decode input: %w", err)
	}
	return cc, nil
}
