package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/bank"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/adapters/mongodb"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/metrics"
	"github.com/glimte/mmate-rpc/openbanking"
)

const shutdownTimeout = 10 * time.Second

func newClientCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Run the open banking HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup(flags)
			if err != nil {
				return err
			}
			defer flush()

			client, err := mmate.NewClient(cmd.Context(), cfg, mmate.WithLogger(logger))
			if err != nil {
				return err
			}
			defer closeClient(client, logger)

			return serveHTTP(cmd.Context(), cfg.HTTP.Addr, gateway(cfg, client, logger), logger)
		},
	}
}

func newBankCmd(flags *globalFlags) *cobra.Command {
	var metricsAddr string

	bankCmd := &cobra.Command{
		Use:   "bank",
		Short: "Run the bank responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup(flags)
			if err != nil {
				return err
			}
			defer flush()

			ctx := cmd.Context()
			transport, err := mmate.NewTransport(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			if err := mmate.ProvisionTopics(ctx, transport, cfg); err != nil {
				return err
			}

			collector := metrics.NewCollector(cfg.Service)
			checks := health.NewRegistry()
			checks.Register(health.NewTransportChecker(cfg.Transport.Kind, transport))

			stop, err := startBank(ctx, cfg, transport, collector, checks, logger)
			if err != nil {
				return err
			}
			defer stop()

			mux := http.NewServeMux()
			mux.Handle("GET /healthz", health.NewHandler(checks, 5*time.Second))
			mux.Handle("GET /metrics", collector.Handler())
			return serveHTTP(ctx, metricsAddr, mux, logger)
		},
	}
	bankCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address serving /metrics and /healthz")
	return bankCmd
}

func newDemoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the gateway and the bank in one process on a shared transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup(flags)
			if err != nil {
				return err
			}
			defer flush()

			ctx := cmd.Context()
			transport, err := mmate.NewTransport(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			collector := metrics.NewCollector(cfg.Service)
			client, err := mmate.NewClient(ctx, cfg,
				mmate.WithLogger(logger),
				mmate.WithTransport(transport),
				mmate.WithMetrics(collector))
			if err != nil {
				return err
			}
			defer closeClient(client, logger)

			stop, err := startBank(ctx, cfg, transport, collector, client.Health(), logger)
			if err != nil {
				return err
			}
			defer stop()

			return serveHTTP(ctx, cfg.HTTP.Addr, gateway(cfg, client, logger), logger)
		},
	}
}

// startBank opens the ledger and starts a responder running the bank service
func startBank(ctx context.Context, cfg config.Config, transport messaging.Transport, collector *metrics.Collector, checks *health.Registry, logger *slog.Logger) (func(), error) {
	ledger, closeLedger, err := openLedger(ctx, cfg, checks)
	if err != nil {
		return nil, err
	}

	svc := bank.NewService(ledger, bank.WithLogger(logger))
	server, err := mmate.NewServer(cfg, transport,
		mmate.WithLogger(logger),
		mmate.WithMetrics(collector),
		mmate.WithServerOptions(messaging.WithFallbackHandler(svc.Fallback())))
	if err != nil {
		closeLedger()
		return nil, err
	}
	if err := svc.Register(server); err != nil {
		closeLedger()
		return nil, err
	}
	if err := server.Start(ctx); err != nil {
		closeLedger()
		return nil, err
	}

	return func() {
		if err := server.Stop(); err != nil {
			logger.Warn("failed to stop server", "error", err)
		}
		closeLedger()
	}, nil
}

func openLedger(ctx context.Context, cfg config.Config, checks *health.Registry) (bank.Ledger, func(), error) {
	if cfg.Ledger.Kind != config.LedgerMongoDB {
		return bank.NewMemoryLedger(), func() {}, nil
	}

	client, err := mongodb.Connect(ctx, cfg.Ledger.MongoURI)
	if err != nil {
		return nil, nil, err
	}
	ledger := mongodb.NewLedger(client, cfg.Ledger.Database, mongodb.DefaultCollection)
	checks.Register(health.NewPingChecker("ledger_mongodb", ledger))

	return ledger, func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}, nil
}

func gateway(cfg config.Config, client *mmate.Client, logger *slog.Logger) http.Handler {
	svc := openbanking.NewService(client.Requests(), client.Messages(),
		openbanking.WithTransferTimeout(cfg.Client.DefaultTimeout),
		openbanking.WithLogger(logger))

	return openbanking.NewHandler(svc,
		openbanking.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		openbanking.WithHealthHandler(health.NewHandler(client.Health(), 5*time.Second)),
		openbanking.WithMetricsHandler(client.Metrics().Handler()),
		openbanking.WithHandlerLogger(logger))
}

func closeClient(client *mmate.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		logger.Warn("failed to close client", "error", err)
	}
}

// serveHTTP serves handler on addr until ctx is cancelled
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
