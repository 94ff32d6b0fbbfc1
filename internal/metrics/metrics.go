// Package metrics exposes Prometheus instruments for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments. Construct one per
// gateway instance with its own registerer.
type Metrics struct {
	Transitions           *prometheus.CounterVec
	InvalidTransitions    prometheus.Counter
	FillsRecorded         prometheus.Counter
	IntentsSubmitted      prometheus.Counter
	RiskRejections        *prometheus.CounterVec
	KillSwitchActivations prometheus.Counter
	ReconDiscrepancies    *prometheus.CounterVec
	OpenOrders            prometheus.Gauge
	GrossExposure         prometheus.Gauge
	NetExposure           prometheus.Gauge
	DailyPnL              prometheus.Gauge
}

// New registers the gateway instruments with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "order_transitions_total",
			Help:      "Committed order state transitions by edge.",
		}, []string{"from", "to"}),
		InvalidTransitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "invalid_transitions_total",
			Help:      "Transition requests absorbed as invalid or terminal.",
		}),
		FillsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "fills_recorded_total",
			Help:      "Fills booked against orders.",
		}),
		IntentsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "intents_submitted_total",
			Help:      "Trade intents submitted to the gateway.",
		}),
		RiskRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "risk_rejections_total",
			Help:      "Pre-trade rejections by failing check.",
		}, []string{"check"}),
		KillSwitchActivations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "kill_switch_activations_total",
			Help:      "Kill switch activations, manual and automatic.",
		}),
		ReconDiscrepancies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Name:      "reconciliation_discrepancies_total",
			Help:      "Reconciliation discrepancies by kind.",
		}, []string{"kind"}),
		OpenOrders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradegate",
			Name:      "open_orders",
			Help:      "Orders currently in non-terminal states.",
		}),
		GrossExposure: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradegate",
			Name:      "gross_exposure",
			Help:      "Sum of absolute position notional.",
		}),
		NetExposure: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradegate",
			Name:      "net_exposure",
			Help:      "Signed sum of position notional.",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradegate",
			Name:      "daily_pnl",
			Help:      "Running realized P&L for the trading day.",
		}),
	}
}
