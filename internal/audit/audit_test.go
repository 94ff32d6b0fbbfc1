package audit

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/models"
)

func TestRecordStampsSequenceAndTimestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewLog(100, zerolog.Nop(), WithClock(func() time.Time { return fixed }))

	ev := log.Record(Event{Type: models.AuditIntentCreated, Symbol: "AAPL"})

	if ev.Seq != 1 {
		t.Fatalf("seq: %d", ev.Seq)
	}
	if ev.ID == "" {
		t.Fatal("event id not assigned")
	}
	if !ev.Timestamp.Equal(fixed) {
		t.Fatalf("timestamp: %s", ev.Timestamp)
	}
	if log.Seq() != 1 || log.Len() != 1 {
		t.Fatalf("seq=%d len=%d", log.Seq(), log.Len())
	}
}

func TestSequenceSurvivesEviction(t *testing.T) {
	log := NewLog(10, zerolog.Nop())

	for i := 0; i < 25; i++ {
		log.Record(Event{Type: models.AuditOrderStateChanged})
	}

	// Capacity 10 trims to 5 on each overflow; the counter never resets.
	if log.Seq() != 25 {
		t.Fatalf("seq: %d", log.Seq())
	}
	if log.Len() > 10 {
		t.Fatalf("len exceeds capacity: %d", log.Len())
	}
	recent := log.Recent(0)
	for i := 1; i < len(recent); i++ {
		if recent[i].Seq <= recent[i-1].Seq {
			t.Fatalf("sequence not monotonic at %d: %d then %d", i, recent[i-1].Seq, recent[i].Seq)
		}
	}
	if last := recent[len(recent)-1].Seq; last != 25 {
		t.Fatalf("newest surviving seq: %d", last)
	}
}

func TestEvictionTrimsToHalfCapacity(t *testing.T) {
	log := NewLog(10, zerolog.Nop())

	for i := 0; i < 11; i++ {
		log.Record(Event{Type: models.AuditFillRecorded})
	}

	if log.Len() != 5 {
		t.Fatalf("expected trim to half capacity, len=%d", log.Len())
	}
	oldest := log.Recent(0)[0]
	if oldest.Seq != 7 {
		t.Fatalf("oldest surviving seq: %d", oldest.Seq)
	}
}

func TestQueryFilters(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	tick := 0
	log := NewLog(100, zerolog.Nop(), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))

	log.Record(Event{Type: models.AuditIntentCreated, Symbol: "AAPL", CorrelationID: "c-1"})
	log.Record(Event{Type: models.AuditOrderCreated, Symbol: "AAPL", CorrelationID: "c-1"})
	log.Record(Event{Type: models.AuditIntentCreated, Symbol: "MSFT", CorrelationID: "c-2"})
	log.Record(Event{Type: models.AuditFillRecorded, Symbol: "MSFT", CorrelationID: "c-2"})

	if got := log.Query(Filter{Type: models.AuditIntentCreated}); len(got) != 2 {
		t.Fatalf("type filter: %d", len(got))
	}
	if got := log.Query(Filter{Symbol: "MSFT"}); len(got) != 2 {
		t.Fatalf("symbol filter: %d", len(got))
	}
	if got := log.Query(Filter{CorrelationID: "c-1"}); len(got) != 2 {
		t.Fatalf("correlation filter: %d", len(got))
	}
	if got := log.Query(Filter{From: base.Add(3 * time.Minute)}); len(got) != 2 {
		t.Fatalf("from filter: %d", len(got))
	}
	if got := log.Query(Filter{To: base.Add(2 * time.Minute)}); len(got) != 2 {
		t.Fatalf("to filter: %d", len(got))
	}
	if got := log.Query(Filter{Limit: 3}); len(got) != 3 {
		t.Fatalf("limit: %d", len(got))
	}
	if got := log.Query(Filter{Type: models.AuditIntentCreated, Symbol: "MSFT"}); len(got) != 1 {
		t.Fatalf("combined filter: %d", len(got))
	}
}

func TestPersistReceivesEveryEvent(t *testing.T) {
	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{}, 10)

	log := NewLog(100, zerolog.Nop(), WithPersist(func(ev models.AuditEvent) error {
		mu.Lock()
		got = append(got, ev.Seq)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}))

	for i := 0; i < 10; i++ {
		log.Record(Event{Type: models.AuditRiskEvaluated})
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("persistence callback did not run")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("persisted seqs: %v", got)
		}
	}
}

func TestPersistFailureDoesNotBlockRecording(t *testing.T) {
	done := make(chan struct{}, 1)
	log := NewLog(100, zerolog.Nop(), WithPersist(func(models.AuditEvent) error {
		done <- struct{}{}
		return fmt.Errorf("disk full")
	}))

	ev := log.Record(Event{Type: models.AuditKillSwitchActivated})
	if ev.Seq != 1 {
		t.Fatalf("record failed alongside persistence: %+v", ev)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("persistence callback did not run")
	}
	if log.Len() != 1 {
		t.Fatalf("len: %d", log.Len())
	}
}

func TestConfigHistoryVersionsAndDiff(t *testing.T) {
	h := NewConfigHistory()

	v1 := h.Append(map[string]interface{}{"max_order_notional": 10000.0, "max_daily_trades": 50})
	v2 := h.Append(map[string]interface{}{"max_order_notional": 5000.0, "max_daily_trades": 50, "max_spread_bps": 25.0})

	if v1.Version != 1 || v2.Version != 2 || h.Len() != 2 {
		t.Fatalf("versions: %d %d len=%d", v1.Version, v2.Version, h.Len())
	}
	if h.Current().Version != 2 {
		t.Fatalf("current: %d", h.Current().Version)
	}
	if _, ok := h.Get(3); ok {
		t.Fatal("nonexistent version resolved")
	}

	changes := h.Diff(1, 2)
	if len(changes) != 2 {
		t.Fatalf("changes: %+v", changes)
	}
	byKey := make(map[string]Change, len(changes))
	for _, c := range changes {
		byKey[c.Key] = c
	}
	if c := byKey["max_order_notional"]; c.Old != 10000.0 || c.New != 5000.0 {
		t.Fatalf("notional change: %+v", c)
	}
	if c := byKey["max_spread_bps"]; c.Old != nil || c.New != 25.0 {
		t.Fatalf("added key change: %+v", c)
	}
}
