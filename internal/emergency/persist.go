package emergency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mazakov-d/Mammo-sub000/internal/model"
	"github.com/Mazakov-d/Mammo-sub000/internal/store"
)

// persistedFlags is the slice of the aggregate stored under the
// emergency_state key; buffers live under their own keys so a large sample
// buffer does not rewrite the flag row.
type persistedFlags struct {
	IsInEmergency      bool       `json:"is_in_emergency"`
	EmergencyStartedAt *time.Time `json:"emergency_started_at,omitempty"`
	LastOnlineAt       time.Time  `json:"last_online_at"`
}

// persist writes the whole aggregate through to the durable store. Failures
// are logged only: the in-memory state stays authoritative for the running
// session, durability is best effort for restart recovery.
func (m *Manager) persist(ctx context.Context) {
	m.mu.Lock()
	flags := persistedFlags{
		IsInEmergency:      m.st.IsInEmergency,
		EmergencyStartedAt: m.st.EmergencyStartedAt,
		LastOnlineAt:       m.st.LastOnlineAt,
	}
	samples := append([]model.LocationSample(nil), m.st.Samples...)
	notes := append([]model.PendingNotification(nil), m.st.Notifications...)
	lastSync := m.st.LastSyncAt
	m.mu.Unlock()

	pairs := make([]store.Pair, 0, 4)
	if data, err := json.Marshal(flags); err == nil {
		pairs = append(pairs, store.Pair{Key: store.KeyEmergencyState, Value: string(data)})
	}
	if data, err := json.Marshal(samples); err == nil {
		pairs = append(pairs, store.Pair{Key: store.KeySampleBuffer, Value: string(data)})
	}
	if data, err := json.Marshal(notes); err == nil {
		pairs = append(pairs, store.Pair{Key: store.KeyNotificationQueue, Value: string(data)})
	}
	pairs = append(pairs, store.Pair{Key: store.KeyLastSyncAt, Value: lastSync.UTC().Format(time.RFC3339Nano)})

	storeCtx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
	defer cancel()

	if err := m.store.SetMany(storeCtx, pairs); err != nil {
		m.logger.Error("state persist failed", "error", err)
	}
}

// Hydrate restores the aggregate from the durable store and re-derives the
// tracker mode from the persisted emergency flag, correcting any divergence
// left by a crash. Connectivity always starts offline until the monitor
// reports otherwise. The returned error comes from tracking start only;
// unreadable persisted state falls back to a fresh aggregate.
func (m *Manager) Hydrate(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
	defer cancel()

	m.mu.Lock()
	m.st = model.OfflineState{}

	if raw, ok, err := m.store.Get(loadCtx, store.KeyEmergencyState); err != nil {
		m.logger.Warn("load emergency state failed", "error", err)
	} else if ok {
		var flags persistedFlags
		if err := json.Unmarshal([]byte(raw), &flags); err != nil {
			m.logger.Warn("decode emergency state failed", "error", err)
		} else {
			m.st.IsInEmergency = flags.IsInEmergency
			m.st.EmergencyStartedAt = flags.EmergencyStartedAt
			m.st.LastOnlineAt = flags.LastOnlineAt
		}
	}

	if raw, ok, err := m.store.Get(loadCtx, store.KeySampleBuffer); err != nil {
		m.logger.Warn("load sample buffer failed", "error", err)
	} else if ok {
		var samples []model.LocationSample
		if err := json.Unmarshal([]byte(raw), &samples); err != nil {
			m.logger.Warn("decode sample buffer failed", "error", err)
		} else {
			m.st.Samples = samples
		}
	}

	if raw, ok, err := m.store.Get(loadCtx, store.KeyNotificationQueue); err != nil {
		m.logger.Warn("load notification queue failed", "error", err)
	} else if ok {
		var notes []model.PendingNotification
		if err := json.Unmarshal([]byte(raw), &notes); err != nil {
			m.logger.Warn("decode notification queue failed", "error", err)
		} else {
			m.st.Notifications = notes
		}
	}

	if raw, ok, err := m.store.Get(loadCtx, store.KeyLastSyncAt); err != nil {
		m.logger.Warn("load last sync failed", "error", err)
	} else if ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			m.st.LastSyncAt = ts
		}
	}

	inEmergency := m.st.IsInEmergency
	sampleCount := len(m.st.Samples)
	noteCount := len(m.st.Notifications)
	m.mu.Unlock()

	m.logger.Info("state hydrated",
		"in_emergency", inEmergency,
		"buffered_samples", sampleCount,
		"queued_notifications", noteCount)

	if inEmergency {
		return m.ensureEmergencyTracking(ctx)
	}
	return m.ensureBackgroundTracking(ctx)
}
