package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"tradegate/internal/models"
	"tradegate/internal/store"
)

func newAuditCmd(app *App) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and export the audit trail",
	}
	auditCmd.AddCommand(newAuditExportCmd(app))
	auditCmd.AddCommand(newAuditOrderCmd(app))
	return auditCmd
}

func newAuditOrderCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "order <order-id>",
		Short: "Show the persisted snapshot of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config.Current()
			eventStore, err := store.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer eventStore.Close()

			order, err := eventStore.GetOrderSnapshot(context.Background(), args[0])
			if err != nil {
				return err
			}
			if order == nil {
				return fmt.Errorf("no snapshot for order %s", args[0])
			}

			cmd.Printf("%s  %s %d %s (%s)\n", order.ID, order.Side, order.Qty, order.Symbol, order.Status)
			cmd.Printf("  client id: %s  broker id: %s\n", order.ClientOrderID, order.BrokerOrderID)
			cmd.Printf("  filled %d @ %s\n", order.FilledQty, FormatUSD(order.AvgFillPrice))
			for _, h := range order.History {
				cmd.Printf("  %s  %s -> %s  %s\n", h.Timestamp.Format(time.RFC3339), h.From, h.To, h.Reason)
			}
			return nil
		},
	}
}

func newAuditExportCmd(app *App) *cobra.Command {
	var (
		output    string
		eventType string
		symbol    string
		since     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted audit events to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config.Current()
			eventStore, err := store.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer eventStore.Close()

			filter := store.EventFilter{
				Type:   models.AuditEventType(eventType),
				Symbol: symbol,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date %q: %w", since, err)
				}
				filter.StartTime = t
			}

			events, err := eventStore.GetEvents(context.Background(), filter)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				cmd.Println("no events matched")
				return nil
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := gocsv.MarshalFile(&events, f); err != nil {
				return err
			}
			cmd.Printf("exported %d events to %s\n", len(events), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "audit_export.csv", "output CSV file")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	cmd.Flags().StringVar(&since, "since", "", "only events on or after this date (YYYY-MM-DD)")
	return cmd
}
