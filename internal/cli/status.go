package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"tradegate/internal/models"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show kill-switch, exposure and order status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Gateway == nil {
				return fmt.Errorf("gateway not running; use this command from the run process or an admin surface")
			}
			printStatus(app)
			return nil
		},
	}
}

func printStatus(app *App) {
	state := app.Gateway.GetState()
	stats := app.Gateway.GetStats()

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	bold.Println("System")
	switch state.SystemMode {
	case models.SystemNormal:
		green.Printf("  mode: %s\n", state.SystemMode)
	case models.SystemHalted:
		red.Printf("  mode: %s\n", state.SystemMode)
	default:
		yellow.Printf("  mode: %s\n", state.SystemMode)
	}

	if state.KillSwitch.Armed {
		red.Printf("  kill switch: ARMED (%s, %s)\n", state.KillSwitch.Mode, state.KillSwitch.Reason)
	} else {
		green.Println("  kill switch: disarmed")
	}

	bold.Println("Exposure")
	fmt.Printf("  gross: %s\n", FormatUSD(state.GrossExposure))
	fmt.Printf("  net:   %s\n", FormatUSD(state.NetExposure))
	if state.DailyPnL < 0 {
		red.Printf("  daily P&L: %s\n", FormatUSD(state.DailyPnL))
	} else {
		green.Printf("  daily P&L: %s\n", FormatUSD(state.DailyPnL))
	}

	bold.Println("Orders")
	fmt.Printf("  open: %d  total: %d  fills: %d  trades today: %d\n",
		state.OpenOrders, stats.OrdersTotal, stats.FillsTotal, stats.DailyTrades)

	bold.Println("Positions")
	for _, pos := range app.Gateway.GetAllPositions() {
		if pos.Qty == 0 {
			continue
		}
		fmt.Printf("  %-8s %6s @ %s  realized %s\n",
			pos.Symbol, FormatQty(pos.Qty), FormatUSD(pos.AvgEntryPrice), FormatUSD(pos.RealizedPnL))
	}

	fmt.Printf("\naudit events: %d (seq %d), config version %d\n",
		stats.AuditEvents, stats.AuditSeq, state.ConfigVersion)
}
