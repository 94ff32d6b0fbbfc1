package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/models"
)

// Default anomaly thresholds. Each trigger independently arms the switch
// with mode BLOCK_NEW.
const (
	DefaultRejectionThreshold = 5  // risk rejections per 60s
	DefaultRateLimitThreshold = 3  // venue rate-limit errors per 60s
	DefaultReconnectThreshold = 10 // feed reconnects per 1h
)

// KillSwitchConfig tunes the automatic anomaly triggers. Zero values take
// the defaults.
type KillSwitchConfig struct {
	RejectionThreshold int
	RateLimitThreshold int
	ReconnectThreshold int
}

// KillSwitch is the global circuit breaker over trading activity. It can be
// armed manually by an operator or automatically by anomaly detection over
// sliding windows of rejections, venue rate-limit errors and feed reconnects.
// While armed, the risk evaluator's first check rejects every intent.
type KillSwitch struct {
	mu sync.Mutex

	armed       bool
	mode        models.KillSwitchMode
	reason      string
	activatedAt time.Time
	systemMode  models.SystemMode

	rejections *window
	rateLimits *window
	reconnects *window

	rejectionThreshold int
	rateLimitThreshold int
	reconnectThreshold int

	dailyPnL float64

	audit  *audit.Log
	logger zerolog.Logger
	now    func() time.Time
}

// NewKillSwitch creates a disarmed kill switch in NORMAL mode.
func NewKillSwitch(cfg KillSwitchConfig, auditLog *audit.Log, logger zerolog.Logger) *KillSwitch {
	if cfg.RejectionThreshold <= 0 {
		cfg.RejectionThreshold = DefaultRejectionThreshold
	}
	if cfg.RateLimitThreshold <= 0 {
		cfg.RateLimitThreshold = DefaultRateLimitThreshold
	}
	if cfg.ReconnectThreshold <= 0 {
		cfg.ReconnectThreshold = DefaultReconnectThreshold
	}
	return &KillSwitch{
		systemMode:         models.SystemNormal,
		rejections:         newWindow(time.Minute),
		rateLimits:         newWindow(time.Minute),
		reconnects:         newWindow(time.Hour),
		rejectionThreshold: cfg.RejectionThreshold,
		rateLimitThreshold: cfg.RateLimitThreshold,
		reconnectThreshold: cfg.ReconnectThreshold,
		audit:              auditLog,
		logger:             logger.With().Str("component", "killswitch").Logger(),
		now:                time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (k *KillSwitch) SetClock(now func() time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
}

// Activate arms the switch and forces HALTED. Re-activation while armed
// overwrites reason and mode.
func (k *KillSwitch) Activate(reason string, mode models.KillSwitchMode) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activateLocked(reason, mode, "operator")
}

func (k *KillSwitch) activateLocked(reason string, mode models.KillSwitchMode, actor string) {
	k.armed = true
	k.mode = mode
	k.reason = reason
	k.activatedAt = k.now()
	k.systemMode = models.SystemHalted

	k.audit.Record(audit.Event{
		Type:  models.AuditKillSwitchActivated,
		Actor: actor,
		Payload: map[string]interface{}{
			"reason": reason,
			"mode":   mode,
		},
	})
	k.logger.Error().
		Str("reason", reason).
		Str("mode", string(mode)).
		Msg("kill switch activated")
}

// Deactivate disarms the switch and restores NORMAL. The audit event is
// emitted only when the switch was actually armed.
func (k *KillSwitch) Deactivate(confirmedBy string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	wasArmed := k.armed
	k.armed = false
	k.mode = ""
	k.reason = ""
	k.activatedAt = time.Time{}
	k.systemMode = models.SystemNormal

	if wasArmed {
		k.audit.Record(audit.Event{
			Type:  models.AuditKillSwitchDeactivated,
			Actor: confirmedBy,
			Payload: map[string]interface{}{
				"confirmed_by": confirmedBy,
			},
		})
		k.logger.Warn().
			Str("confirmed_by", confirmedBy).
			Msg("kill switch deactivated")
	}
}

// Armed reports whether the switch is currently armed.
func (k *KillSwitch) Armed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.armed
}

// State returns a snapshot of the switch.
func (k *KillSwitch) State() models.KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return models.KillSwitchState{
		Armed:       k.armed,
		Mode:        k.mode,
		Reason:      k.reason,
		ActivatedAt: k.activatedAt,
		SystemMode:  k.systemMode,
	}
}

// Reason returns the activation reason, empty when disarmed.
func (k *KillSwitch) Reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

// RecordRejection notes one risk rejection. A burst past the threshold
// inside the 60s window arms the switch.
func (k *KillSwitch) RecordRejection() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.rejections.add(now)
	if !k.armed && k.rejections.count(now) >= k.rejectionThreshold {
		k.activateLocked("rejection_burst", models.KillModeBlockNew, "anomaly_detector")
	}
}

// RecordVenueRateLimit notes one venue rate-limit error.
func (k *KillSwitch) RecordVenueRateLimit() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.rateLimits.add(now)
	if !k.armed && k.rateLimits.count(now) >= k.rateLimitThreshold {
		k.activateLocked("venue_rate_limit_burst", models.KillModeBlockNew, "anomaly_detector")
	}
}

// RecordFeedReconnect notes one market-data feed reconnect.
func (k *KillSwitch) RecordFeedReconnect() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.reconnects.add(now)
	if !k.armed && k.reconnects.count(now) >= k.reconnectThreshold {
		k.activateLocked("feed_instability", models.KillModeBlockNew, "anomaly_detector")
	}
}

// UpdateDailyPnL feeds the running daily P&L. Breaching the loss cap arms
// the switch. A cap of zero disables the trigger.
func (k *KillSwitch) UpdateDailyPnL(pnl, maxDailyLoss float64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.dailyPnL = pnl
	if !k.armed && maxDailyLoss > 0 && pnl < -maxDailyLoss {
		k.activateLocked("daily_loss_breach", models.KillModeBlockNew, "anomaly_detector")
	}
}

// ResetDaily clears the anomaly windows and daily P&L at trading-day roll.
// An armed switch stays armed; only an operator disarms it.
func (k *KillSwitch) ResetDaily() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.rejections.reset()
	k.rateLimits.reset()
	k.reconnects.reset()
	k.dailyPnL = 0
}
