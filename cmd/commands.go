package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"adaptimg/internal/app"
	"adaptimg/internal/queue"
	"adaptimg/internal/rewriter"
	"adaptimg/internal/server"
	"adaptimg/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the conversion workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := app.New(ctx, *cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to init app: %w", err)
			}
			defer a.Close()

			srv := server.NewServer(a)
			grp, gctx := errgroup.WithContext(ctx)

			grp.Go(func() error {
				logger.Info("http server listening", "addr", cfg.ServerAddr)
				return srv.Start()
			})

			if cfg.KafkaBroker != "" {
				consumer := queue.NewConsumer(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroupID, logger.WithPrefix("consumer"))
				grp.Go(func() error {
					defer consumer.Close()
					logger.Info("consuming upload events", "broker", cfg.KafkaBroker, "topic", cfg.KafkaTopic)
					return consumer.Run(gctx, a.Processor.Handle)
				})
			}

			grp.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Stop(sctx)
			})

			if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newConvertCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <source-id>...",
		Short: "Regenerate the variants of registered sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), *cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to init app: %w", err)
			}
			defer a.Close()

			var failed int
			for _, id := range args {
				res, err := a.Convert(cmd.Context(), id)
				if err != nil {
					logger.Error("conversion failed", "source", id, "err", err)
					failed++
					continue
				}
				for _, f := range res.Failures {
					logger.Warn("variant failed", "source", id, "size", f.Size, "format", f.Format, "err", f.Err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d written\t%d failed\n", id, res.Written, len(res.Failures))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed", failed, len(args))
			}
			return nil
		},
	}
}

func newRewriteCmd(g *globals) *cobra.Command {
	var noAVIF, noWebP bool

	cmd := &cobra.Command{
		Use:   "rewrite [file]",
		Short: "Rewrite the <img> elements of an HTML fragment (stdin by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			html, err := io.ReadAll(in)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), *cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to init app: %w", err)
			}
			defer a.Close()

			out := a.Render(cmd.Context(), string(html), rewriter.Support{AVIF: !noAVIF, WebP: !noWebP})
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().BoolVar(&noAVIF, "no-avif", false, "client does not accept AVIF")
	cmd.Flags().BoolVar(&noWebP, "no-webp", false, "client does not accept WebP")
	return cmd
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status|reset]",
		Short:     "Manage the PostgreSQL catalog schema",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "reset"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database_url is not set")
			}
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			if err := storage.Migrate(cfg.DatabaseURL, command); err != nil {
				return err
			}
			logger.Info("migrations applied", "command", command)
			return nil
		},
	}
}
