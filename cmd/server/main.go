package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/coriolisfi/matchcore/internal/engine"
	"github.com/coriolisfi/matchcore/internal/gateway"
	"github.com/coriolisfi/matchcore/internal/manager"
	"github.com/coriolisfi/matchcore/internal/metrics"
	"github.com/coriolisfi/matchcore/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("server: exiting")
	}
}

func newRootCmd() *cobra.Command {
	var (
		address    string
		port       int
		metricsPort int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "matchcore-server",
		Short: "Runs the matching engine's TCP gateway and metrics endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

			return run(address, port, metricsPort)
		},
	}

	cmd.Flags().StringVar(&address, "address", "0.0.0.0", "address to bind the TCP gateway")
	cmd.Flags().IntVar(&port, "port", 9001, "port to bind the TCP gateway")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "port to serve /metrics on")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func run(address string, port, metricsPort int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	registry := prometheus.NewRegistry()
	rec := metrics.NewCollector(registry)

	books := manager.New()
	orders := store.NewMemoryOrderStore()
	trades := store.NewMemoryTradeStore()
	balances := store.NewMemoryBalancePort()

	eng := engine.New(books, orders, trades, balances, nil, rec)
	srv := gateway.New(address, port, eng, books)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: address + ":" + strconv.Itoa(metricsPort), Handler: mux}

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server: metrics listener failed")
		}
	}()
	go srv.Run(ctx)

	<-ctx.Done()
	log.Info().Msg("server: shutting down")
	srv.Shutdown()
	return metricsSrv.Close()
}
