package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/gateway"
	"tradegate/internal/models"
	"tradegate/internal/store"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway with the paper venue",
		Long: `Starts the gateway wired to the in-process paper venue, with the
reconciliation loop and the Prometheus endpoint. Intended for paper
trading and integration smoke runs; a live venue adapter replaces the
paper venue in production wiring.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), app)
		},
	}
	return cmd
}

func runGateway(ctx context.Context, app *App) error {
	cfg := app.Config.Current()

	var persist audit.PersistFunc
	var eventStore *store.SQLiteStore
	if cfg.Audit.Persist {
		var err error
		eventStore, err = store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer eventStore.Close()
		persist = func(ev models.AuditEvent) error {
			return eventStore.SaveEvent(context.Background(), ev)
		}
	}

	venue := broker.NewResilientVenue(broker.NewPaperVenue(), broker.ResilientVenueConfig{}, app.Logger)
	registry := prometheus.NewRegistry()

	gw := gateway.New(gateway.Options{
		Config:     app.Config,
		Venue:      venue,
		Logger:     app.Logger,
		Registerer: registry,
		Persist:    persist,
	})
	app.Gateway = gw
	if eventStore != nil {
		gw.OnTransition(func(order *models.Order, from, to models.OrderState) {
			if err := eventStore.SaveOrderSnapshot(context.Background(), order); err != nil {
				app.Logger.Error().Err(err).Str("order_id", order.ID).Msg("order snapshot failed")
			}
		})
	}
	app.Config.Watch()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go gw.RunReconcileLoop(ctx)

	if cfg.Gateway.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Gateway.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.Logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	app.Logger.Info().
		Str("mode", cfg.Gateway.Mode).
		Str("account", cfg.Gateway.AccountID).
		Msg("gateway running")

	<-ctx.Done()
	app.Logger.Info().Msg("shutting down")
	return nil
}
