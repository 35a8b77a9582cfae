// Command wsserver runs the WebSocket pairing server: it accepts client
// connections, resolves their location, pairs them into rooms and relays
// chat messages.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/nearchat/internal/config"
	"github.com/whisper/nearchat/internal/location"
	"github.com/whisper/nearchat/internal/matching"
	"github.com/whisper/nearchat/internal/messaging"
	"github.com/whisper/nearchat/internal/metrics"
	"github.com/whisper/nearchat/internal/pairlog"
	"github.com/whisper/nearchat/internal/ratelimit"
	"github.com/whisper/nearchat/internal/relay"
	"github.com/whisper/nearchat/internal/session"
	"github.com/whisper/nearchat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Printf("wsserver: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "wsserver",
		Short:        "Proximity-biased anonymous chat pairing server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	defaults := ws.DefaultServerConfig()
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	f.String("listen-addr", defaults.ListenAddr, "address to listen on")
	f.Int("worker-pool-size", defaults.WorkerPoolSize, "max concurrent read workers")
	f.Int("max-connections", defaults.MaxConnections, "hard cap on connections")
	f.String("server-name", "", "name reported in presence and events (default hostname)")
	f.String("redis-addr", "localhost:6379", "Redis address; empty disables rate limits, geo cache and presence")
	f.String("nats-url", messaging.DefaultNATSConfig().URL, "NATS URL; empty disables event publishing")
	f.Float64("match-threshold", matching.DefaultThreshold, "score at which the candidate scan stops")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	// --- Redis ---
	var (
		rdb      *redis.Client
		presence *session.Store
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rdb.Close()
		presence = session.NewStore(rdb, cfg.ServerName)
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		var err error
		natsClient, err = messaging.NewNATSClient(cfg.NATSConfig("wsserver"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()
	}

	// --- Event sinks ---
	// Metrics are in-process and observed inline; Redis and NATS sinks are
	// buffered so the orchestrator never waits on the network.
	observers := matching.Observers{metrics.Observer{}}
	var async []*matching.AsyncObserver
	if presence != nil {
		async = append(async, matching.NewAsyncObserver(session.NewPresence(presence), cfg.EventBuffer))
	}
	if natsClient != nil {
		async = append(async, matching.NewAsyncObserver(pairlog.NewPublisher(natsClient, cfg.ServerName), cfg.EventBuffer))
	}
	for _, a := range async {
		observers = append(observers, a)
	}
	metrics.RegisterEventsDropped(func() uint64 {
		var n uint64
		for _, a := range async {
			n += a.Dropped()
		}
		return n
	})

	orch := matching.NewOrchestrator(matching.Config{
		Threshold: cfg.MatchThreshold,
		Observer:  observers,
	})

	// --- Location ---
	resolver := newResolver(cfg, rdb)

	// --- WebSocket server ---
	handlers := relay.New(orch, resolver, ratelimit.NewLimiter(rdb), cfg.LookupTimeout)
	dispatcher := ws.NewMessageDispatcher()
	handlers.Register(dispatcher)

	server := ws.NewServer(cfg.ServerConfig(), dispatcher.Dispatch)
	server.SetOnDisconnect(handlers.OnDisconnect)
	server.SetStats(orch.Stats)
	server.Handle("/metrics", metrics.Handler())
	if presence != nil {
		presenceHandler := session.NewHandler(presence)
		server.Handle("/presence", presenceHandler)
		server.Handle("/presence/", presenceHandler)
	}

	log.Printf("nearchat WebSocket server starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  worker_pool:      %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections:  %d", cfg.MaxConnections)
	log.Printf("  read_timeout:     %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:    %s", cfg.WriteTimeout)
	log.Printf("  heartbeat:        %s (+%s)", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  match_threshold:  %v", cfg.MatchThreshold)
	log.Printf("  lookup_timeout:   %s", cfg.LookupTimeout)
	log.Printf("  redis_addr:       %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats_url:         %s", orDisabled(cfg.NATSURL))
	log.Printf("  server_name:      %s", cfg.ServerName)

	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range async {
		g.Go(func() error { return a.Run(eventsCtx) })
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// Let in-flight lookups finish before the sinks drain.
		handlers.Wait()
		stopEvents()

		if presence != nil {
			if perr := presence.Purge(shutdownCtx); perr != nil {
				log.Printf("[session] purge on shutdown: %v", perr)
			}
		}
		return err
	})

	return g.Wait()
}

// newResolver builds the location fallback chain. Each network tier is
// cached in Redis when it is available.
func newResolver(cfg config.Config, rdb *redis.Client) *location.Resolver {
	var cache *location.Cache
	if rdb != nil {
		cache = location.NewCache(rdb, cfg.GeoCacheTTL)
	}

	var precise, coarse location.Lookup
	if cfg.ReverseGeocodeURL != "" {
		precise = location.NewReverseGeocoder(cfg.ReverseGeocodeURL, nil)
		if cache != nil {
			precise = location.NewCachedLookup(precise, cache, location.CoordinateKey)
		}
	}
	if cfg.IPLookupURL != "" {
		coarse = location.NewIPLocator(cfg.IPLookupURL, nil)
		if cache != nil {
			coarse = location.NewCachedLookup(coarse, cache, location.IPKey)
		}
	}
	return location.NewResolver(precise, coarse)
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
