// Command pairlog consumes room lifecycle events from NATS and records them
// in PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/nearchat/internal/config"
	"github.com/whisper/nearchat/internal/messaging"
	"github.com/whisper/nearchat/internal/metrics"
	"github.com/whisper/nearchat/internal/pairlog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Printf("pairlog: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:          "pairlog",
		Short:        "Record room lifecycle events in PostgreSQL",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, cfgFile)
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return errors.New("nats_url is required")
			}
			return run(cmd.Context(), cfg, metricsAddr)
		},
	}

	migrateCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply pending schema migrations and exit",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, cfgFile)
			if err != nil {
				return err
			}
			db, err := pairlog.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return pairlog.Migrate(db)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	pf.String("database-url", "", "PostgreSQL connection URL")
	pf.String("nats-url", messaging.DefaultNATSConfig().URL, "NATS URL")
	pf.String("server-name", "", "name used for the NATS client (default hostname)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "address for /metrics, /health and /rooms/{id}; empty disables")

	cmd.AddCommand(migrateCmd)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfgFile string) (config.Config, error) {
	cfg, err := config.Load(viper.New(), cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	if cfg.DatabaseURL == "" {
		return config.Config{}, errors.New("database_url is required")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, metricsAddr string) error {
	log.Println("Starting nearchat pairing log service...")

	// PostgreSQL setup.
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := pairlog.Open(openCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer db.Close()

	if err := pairlog.Migrate(db); err != nil {
		return err
	}

	// NATS setup.
	natsClient, err := messaging.NewNATSClient(cfg.NATSConfig("pairlog"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsClient.Close()

	store := pairlog.NewStore(db)
	recorder := pairlog.NewRecorder(store)
	if err := recorder.Subscribe(natsClient); err != nil {
		return fmt.Errorf("failed to subscribe to room events: %w", err)
	}

	log.Printf("nearchat pairing log service running")
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  queue_group:  %s", pairlog.QueueGroup)
	log.Printf("  metrics_addr: %s", metricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/", pairlog.NewHandler(store, time.Hour))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down...")
		return nil
	})

	return g.Wait()
}
