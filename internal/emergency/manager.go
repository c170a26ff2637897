package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mazakov-d/Mammo-sub000/internal/backend"
	"github.com/Mazakov-d/Mammo-sub000/internal/location"
	"github.com/Mazakov-d/Mammo-sub000/internal/model"
	"github.com/Mazakov-d/Mammo-sub000/internal/notify"
	"github.com/Mazakov-d/Mammo-sub000/internal/store"
)

// Tracker is the coordinator's view of the location sampling engine.
type Tracker interface {
	Start(ctx context.Context, mode location.Mode) error
	SwitchToEmergency(ctx context.Context) error
	SwitchToBackground(ctx context.Context) error
	Stop()
	Mode() location.Mode
}

// Config lists the coordinator's tunable parameters.
type Config struct {
	UserID             string
	UserName           string
	SampleBufferCap    int
	NotifyRetryCeiling int
	SyncInterval       time.Duration
	RetentionWindow    time.Duration
	AttemptTimeout     time.Duration
	PersistTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleBufferCap <= 0 {
		c.SampleBufferCap = 500
	}
	if c.NotifyRetryCeiling <= 0 {
		c.NotifyRetryCeiling = 10
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 15 * time.Second
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 24 * time.Hour
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 2 * time.Second
	}
	return c
}

// Status is a point-in-time view of the coordinator for callers.
type Status struct {
	State                model.OfflineState `json:"state"`
	TrackerMode          location.Mode      `json:"tracker_mode"`
	DroppedNotifications int                `json:"dropped_notifications"`
}

// Manager is the top-level state machine for the emergency lifecycle: it
// consumes samples from the tracker and connectivity edges from the monitor,
// maintains the offline buffers, and drives synchronization to the backend.
// Exactly one instance exists per process, owned by the application's
// composition root.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.Store
	backend  backend.Client
	tracker  Tracker
	notifier notify.Notifier

	mu           sync.Mutex
	st           model.OfflineState
	contacts     []model.Contact
	syncInFlight bool
	dropped      int
}

// NewManager wires a coordinator over its collaborators. Call Hydrate before
// feeding it events.
func NewManager(cfg Config, logger *slog.Logger, st *store.Store, be backend.Client, tracker Tracker, notifier notify.Notifier) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		store:    st,
		backend:  be,
		tracker:  tracker,
		notifier: notifier,
	}
}

// StartAlert raises the SOS alert: emergency tracking takes over, an
// alert_started notification is queued for the emergency contacts and the
// device owner gets a local notification. Calling it while an alert is
// already active is a no-op.
func (m *Manager) StartAlert(ctx context.Context) error {
	m.mu.Lock()
	if m.st.IsInEmergency {
		m.mu.Unlock()
		m.logger.Info("alert already active")
		return nil
	}
	now := time.Now().UTC()
	m.st.IsInEmergency = true
	m.st.EmergencyStartedAt = &now
	m.mu.Unlock()

	if err := m.ensureEmergencyTracking(ctx); err != nil {
		// The alert did not take effect; roll the flags back so the
		// aggregate and the tracker keep agreeing.
		m.mu.Lock()
		m.st.IsInEmergency = false
		m.st.EmergencyStartedAt = nil
		m.mu.Unlock()
		return fmt.Errorf("start alert: %w", err)
	}

	m.enqueueNotification(model.KindAlertStarted)

	if err := m.notifier.Schedule(ctx, notify.LocalNotification{
		Title:    "SOS alert active",
		Body:     "Your location is being shared with your emergency contacts.",
		Sound:    "default",
		Priority: "high",
	}); err != nil {
		m.logger.Warn("local notification failed", "error", err)
	}

	m.persist(ctx)
	m.logger.Info("alert started", "user", m.cfg.UserID)
	return nil
}

// StopAlert lowers the alert and returns tracking to background cadence.
// Calling it with no active alert is a no-op.
func (m *Manager) StopAlert(ctx context.Context) error {
	m.mu.Lock()
	if !m.st.IsInEmergency {
		m.mu.Unlock()
		m.logger.Info("no active alert to stop")
		return nil
	}
	m.st.IsInEmergency = false
	m.st.EmergencyStartedAt = nil
	m.mu.Unlock()

	if err := m.ensureBackgroundTracking(ctx); err != nil {
		// The alert is over regardless; tracking degradation is logged, not fatal.
		m.logger.Error("failed to return to background tracking", "error", err)
	}

	m.enqueueNotification(model.KindAlertStopped)
	m.persist(ctx)
	m.logger.Info("alert stopped", "user", m.cfg.UserID)
	return nil
}

// SetConnectivity feeds an online/offline observation into the state
// machine. Only edges act: the online edge runs a full sync and defensively
// restarts emergency tracking if the OS killed it; the offline edge tells
// the owner that tracking continues locally. Connectivity loss alone never
// stops tracking.
func (m *Manager) SetConnectivity(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.st.IsOnline == online {
		m.mu.Unlock()
		return
	}
	m.st.IsOnline = online
	if online {
		m.st.LastOnlineAt = time.Now().UTC()
	}
	inEmergency := m.st.IsInEmergency
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored, syncing buffers")
		m.runSync(ctx)
	} else {
		m.logger.Warn("connectivity lost, buffering locally")
		if err := m.notifier.Schedule(ctx, notify.LocalNotification{
			Title:    "Offline",
			Body:     "Still tracking your location. Data will sync when you are back online.",
			Priority: "high",
		}); err != nil {
			m.logger.Warn("local notification failed", "error", err)
		}
	}

	if inEmergency && m.tracker.Mode() != location.ModeEmergency {
		if err := m.ensureEmergencyTracking(ctx); err != nil {
			m.logger.Error("failed to restore emergency tracking", "error", err)
		}
	}

	m.persist(ctx)
}

// OnSample buffers a captured sample, queues a location_update notification
// seeded with it, and, when online, attempts an immediate sync of just this
// sample.
func (m *Manager) OnSample(s model.LocationSample) {
	ctx := context.Background()

	m.mu.Lock()
	m.appendSampleLocked(s)
	m.st.Notifications = append(m.st.Notifications, model.PendingNotification{
		ID:        uuid.NewString(),
		UserID:    m.cfg.UserID,
		UserName:  m.cfg.UserName,
		Kind:      model.KindLocationUpdate,
		Sample:    s,
		CreatedAt: time.Now().UTC(),
	})
	online := m.st.IsOnline
	m.mu.Unlock()

	m.logger.Debug("sample buffered", "sample", s.ID, "alert", s.IsAlert, "source", s.Source)

	if online {
		m.syncSample(ctx, s)
	}

	m.persist(ctx)
}

// ForceSync runs the sync routine on demand, reporting whether a sync was
// actually attempted. It is a no-op while offline.
func (m *Manager) ForceSync(ctx context.Context) bool {
	m.mu.Lock()
	online := m.st.IsOnline
	m.mu.Unlock()

	if !online {
		m.logger.Info("force sync skipped while offline")
		return false
	}
	m.runSync(ctx)
	return true
}

// ClearData empties both offline buffers without touching the emergency flag.
func (m *Manager) ClearData(ctx context.Context) {
	m.mu.Lock()
	m.st.Samples = nil
	m.st.Notifications = nil
	m.contacts = nil
	m.mu.Unlock()

	if err := m.store.Delete(ctx, store.KeyContactsCache); err != nil {
		m.logger.Warn("drop contacts cache", "error", err)
	}
	m.persist(ctx)
	m.logger.Info("emergency data cleared")
}

// Snapshot returns a copy of the coordinator's current state.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.st
	st.Samples = append([]model.LocationSample(nil), m.st.Samples...)
	st.Notifications = append([]model.PendingNotification(nil), m.st.Notifications...)

	return Status{
		State:                st,
		TrackerMode:          m.tracker.Mode(),
		DroppedNotifications: m.dropped,
	}
}

// Run drives the periodic sync timer until the context is cancelled. While
// online the routine runs on a fixed interval regardless of new samples, to
// drain any backlog left by a prior failed attempt.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			online := m.st.IsOnline
			m.mu.Unlock()
			if online {
				m.runSync(ctx)
			}
		}
	}
}

// ensureEmergencyTracking puts the tracker into emergency mode from whatever
// state it is in.
func (m *Manager) ensureEmergencyTracking(ctx context.Context) error {
	if m.tracker.Mode() == location.ModeStopped {
		return m.tracker.Start(ctx, location.ModeEmergency)
	}
	return m.tracker.SwitchToEmergency(ctx)
}

func (m *Manager) ensureBackgroundTracking(ctx context.Context) error {
	if m.tracker.Mode() == location.ModeStopped {
		return m.tracker.Start(ctx, location.ModeBackground)
	}
	return m.tracker.SwitchToBackground(ctx)
}

// appendSampleLocked appends under the capacity bound: synced samples past
// the retention window age out first, then the oldest synced sample is
// evicted, then the oldest sample overall. Callers hold m.mu.
func (m *Manager) appendSampleLocked(s model.LocationSample) {
	cutoff := time.Now().UTC().Add(-m.cfg.RetentionWindow)
	kept := m.st.Samples[:0]
	for _, old := range m.st.Samples {
		if old.Synced && old.CapturedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, old)
	}
	m.st.Samples = kept

	for len(m.st.Samples) >= m.cfg.SampleBufferCap {
		evict := 0
		for i, old := range m.st.Samples {
			if old.Synced {
				evict = i
				break
			}
		}
		m.st.Samples = append(m.st.Samples[:evict], m.st.Samples[evict+1:]...)
	}

	m.st.Samples = append(m.st.Samples, s)
}

// enqueueNotification queues a state-transition notification seeded with the
// latest known sample.
func (m *Manager) enqueueNotification(kind model.NotificationKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest model.LocationSample
	if n := len(m.st.Samples); n > 0 {
		latest = m.st.Samples[n-1]
	}

	m.st.Notifications = append(m.st.Notifications, model.PendingNotification{
		ID:        uuid.NewString(),
		UserID:    m.cfg.UserID,
		UserName:  m.cfg.UserName,
		Kind:      kind,
		Sample:    latest,
		CreatedAt: time.Now().UTC(),
	})
}
