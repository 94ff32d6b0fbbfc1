package audit

import (
	"reflect"
	"sync"
	"time"

	"tradegate/internal/models"
)

// ConfigHistory keeps full, diffable configuration snapshots with
// monotonically increasing versions, for compliance and rollback.
type ConfigHistory struct {
	mu       sync.RWMutex
	versions []models.ConfigVersion
	now      func() time.Time
}

// NewConfigHistory creates an empty configuration history.
func NewConfigHistory() *ConfigHistory {
	return &ConfigHistory{now: time.Now}
}

// Append records a new snapshot and returns its version number.
func (h *ConfigHistory) Append(snapshot map[string]interface{}) models.ConfigVersion {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := models.ConfigVersion{
		Version:   len(h.versions) + 1,
		Snapshot:  snapshot,
		CreatedAt: h.now().UTC(),
	}
	h.versions = append(h.versions, v)
	return v
}

// Current returns the latest snapshot, or a zero version if none exists.
func (h *ConfigHistory) Current() models.ConfigVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.versions) == 0 {
		return models.ConfigVersion{}
	}
	return h.versions[len(h.versions)-1]
}

// Get returns a specific version.
func (h *ConfigHistory) Get(version int) (models.ConfigVersion, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if version < 1 || version > len(h.versions) {
		return models.ConfigVersion{}, false
	}
	return h.versions[version-1], true
}

// Len returns the number of recorded versions.
func (h *ConfigHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.versions)
}

// Change is one differing key between two config versions.
type Change struct {
	Key string
	Old interface{}
	New interface{}
}

// Diff returns the keys whose values differ between versions a and b.
// Keys absent in one version appear with a nil side.
func (h *ConfigHistory) Diff(a, b int) []Change {
	va, okA := h.Get(a)
	vb, okB := h.Get(b)
	if !okA || !okB {
		return nil
	}

	var changes []Change
	for k, oldVal := range va.Snapshot {
		newVal, ok := vb.Snapshot[k]
		if !ok {
			changes = append(changes, Change{Key: k, Old: oldVal, New: nil})
			continue
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			changes = append(changes, Change{Key: k, Old: oldVal, New: newVal})
		}
	}
	for k, newVal := range vb.Snapshot {
		if _, ok := va.Snapshot[k]; !ok {
			changes = append(changes, Change{Key: k, Old: nil, New: newVal})
		}
	}
	return changes
}
