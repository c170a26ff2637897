package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mazakov-d/Mammo-sub000/internal/backend"
	"github.com/Mazakov-d/Mammo-sub000/internal/model"
	"github.com/Mazakov-d/Mammo-sub000/internal/store"
)

// runSync is the synchronization routine: unsynced samples first, oldest
// first, then unsent notifications in enqueue order. Per-item failures are
// logged and left for the next pass; lastSyncAt advances only when both
// passes completed without a routine-level error. The in-flight flag keeps a
// connectivity flap from starting a second routine over the first.
func (m *Manager) runSync(ctx context.Context) {
	m.mu.Lock()
	if !m.st.IsOnline || m.syncInFlight {
		m.mu.Unlock()
		return
	}
	m.syncInFlight = true
	var pendingSamples []model.LocationSample
	for _, s := range m.st.Samples {
		if !s.Synced {
			pendingSamples = append(pendingSamples, s)
		}
	}
	var pendingNotes []model.PendingNotification
	for _, n := range m.st.Notifications {
		if !n.Sent {
			pendingNotes = append(pendingNotes, n)
		}
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncInFlight = false
		m.mu.Unlock()
	}()

	clean := true

	for _, s := range pendingSamples {
		m.syncSample(ctx, s)
	}

	if len(pendingNotes) > 0 {
		contacts, err := m.contactList(ctx)
		if err != nil {
			// Without a contact list no delivery can be attempted at all;
			// the queue is untouched and retryCount does not move.
			m.logger.Warn("contact resolution failed", "error", err)
			clean = false
		} else {
			for _, note := range pendingNotes {
				if m.deliver(ctx, note, contacts) {
					m.markNotificationSent(note.ID)
				} else {
					m.recordDeliveryFailure(note.ID)
				}
			}
		}
	}

	if clean {
		m.mu.Lock()
		m.st.LastSyncAt = time.Now().UTC()
		m.mu.Unlock()
	}

	m.persist(ctx)
}

// syncSample pushes one sample to the backend and marks it synced on ack.
// Failure leaves it unsynced for the next pass; samples carry no retry
// counter and are retried until synced or evicted.
func (m *Manager) syncSample(ctx context.Context, s model.LocationSample) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()

	if err := m.backend.UpsertLocation(attemptCtx, m.cfg.UserID, s); err != nil {
		m.logger.Warn("sample sync failed", "sample", s.ID, "error", err)
		return
	}
	m.markSampleSynced(s.ID)
}

func (m *Manager) markSampleSynced(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.st.Samples {
		if m.st.Samples[i].ID == id {
			m.st.Samples[i].Synced = true
			return
		}
	}
}

func (m *Manager) markNotificationSent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.st.Notifications {
		if m.st.Notifications[i].ID == id {
			m.st.Notifications[i].Sent = true
			return
		}
	}
}

// recordDeliveryFailure bumps the retry counter and, at the ceiling, forces
// Sent so the notification leaves retry consideration. This is the bounded
// give-up policy: the drop is counted, not silent.
func (m *Manager) recordDeliveryFailure(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.st.Notifications {
		if m.st.Notifications[i].ID != id {
			continue
		}
		m.st.Notifications[i].RetryCount++
		if m.st.Notifications[i].RetryCount >= m.cfg.NotifyRetryCeiling {
			m.st.Notifications[i].Sent = true
			m.dropped++
			m.logger.Warn("notification dropped after retry ceiling",
				"id", id, "kind", m.st.Notifications[i].Kind, "retries", m.st.Notifications[i].RetryCount)
		}
		return
	}
}

// deliver pushes one notification to every emergency contact. All sends must
// succeed for the delivery to count; a partial failure retries the whole
// notification on the next pass (contacts may see it twice, an accepted
// at-least-once tradeoff).
func (m *Manager) deliver(ctx context.Context, note model.PendingNotification, contacts []model.Contact) bool {
	title, body := renderPush(note)

	ok := true
	for _, contact := range contacts {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		err := m.backend.SendPush(attemptCtx, contact.PushToken, backend.Push{
			Title:    title,
			Body:     body,
			Priority: "high",
			Data: map[string]any{
				"kind":      string(note.Kind),
				"user_id":   note.UserID,
				"latitude":  note.Sample.Latitude,
				"longitude": note.Sample.Longitude,
			},
		})
		cancel()
		if err != nil {
			m.logger.Warn("push delivery failed", "notification", note.ID, "contact", contact.ContactID, "error", err)
			ok = false
		}
	}
	return ok
}

func renderPush(note model.PendingNotification) (title, body string) {
	name := note.UserName
	if name == "" {
		name = "A contact"
	}
	switch note.Kind {
	case model.KindAlertStarted:
		return "SOS alert", fmt.Sprintf("%s needs help and is sharing their live location.", name)
	case model.KindAlertStopped:
		return "Alert ended", fmt.Sprintf("%s marked themselves safe.", name)
	default:
		return "Location update", fmt.Sprintf("%s shared a new location.", name)
	}
}

// contactList resolves emergency contacts through a read-through cache:
// memory, then the durable store, then the backend (cached for offline use
// afterwards). The cache is allowed to be stale.
func (m *Manager) contactList(ctx context.Context) ([]model.Contact, error) {
	m.mu.Lock()
	cached := m.contacts
	online := m.st.IsOnline
	m.mu.Unlock()

	if len(cached) > 0 {
		return cached, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
	raw, ok, err := m.store.Get(storeCtx, store.KeyContactsCache)
	cancel()
	if err != nil {
		m.logger.Warn("contact cache read failed", "error", err)
	}
	if ok {
		var contacts []model.Contact
		if err := json.Unmarshal([]byte(raw), &contacts); err != nil {
			m.logger.Warn("contact cache decode failed", "error", err)
		} else if len(contacts) > 0 {
			m.mu.Lock()
			m.contacts = contacts
			m.mu.Unlock()
			return contacts, nil
		}
	}

	if !online {
		return nil, fmt.Errorf("no cached contacts while offline")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	contacts, err := m.backend.FetchAcceptedContacts(attemptCtx, m.cfg.UserID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch contacts: %w", err)
	}

	m.mu.Lock()
	m.contacts = contacts
	m.mu.Unlock()

	if data, err := json.Marshal(contacts); err == nil {
		storeCtx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
		if err := m.store.SetMany(storeCtx, []store.Pair{{Key: store.KeyContactsCache, Value: string(data)}}); err != nil {
			m.logger.Warn("contact cache write failed", "error", err)
		}
		cancel()
	}

	return contacts, nil
}
