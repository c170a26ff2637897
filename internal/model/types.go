package model

import "time"

// SampleSource classifies a position fix by the accuracy it was captured at.
type SampleSource string

const (
	SourceGPS     SampleSource = "gps"
	SourceNetwork SampleSource = "network"
	SourcePassive SampleSource = "passive"
)

// ClassifySource derives the sample source from the reported accuracy in meters.
func ClassifySource(accuracyM float64) SampleSource {
	switch {
	case accuracyM > 0 && accuracyM <= 20:
		return SourceGPS
	case accuracyM > 0 && accuracyM <= 100:
		return SourceNetwork
	default:
		return SourcePassive
	}
}

// LocationSample is one device position reading, tagged with the tracking
// mode that produced it. Synced transitions false->true exactly once, after a
// confirmed backend acknowledgment, and never reverts.
type LocationSample struct {
	ID         string       `json:"id"`
	Latitude   float64      `json:"latitude"`
	Longitude  float64      `json:"longitude"`
	AccuracyM  float64      `json:"accuracy_m"`
	CapturedAt time.Time    `json:"captured_at"`
	IsAlert    bool         `json:"is_alert"`
	Source     SampleSource `json:"source"`
	Synced     bool         `json:"synced"`
}

// NotificationKind names the event a pending notification carries.
type NotificationKind string

const (
	KindAlertStarted   NotificationKind = "alert_started"
	KindAlertStopped   NotificationKind = "alert_stopped"
	KindLocationUpdate NotificationKind = "location_update"
)

// PendingNotification is a queued alert message awaiting delivery to the
// user's emergency contacts. RetryCount increments only on a failed send;
// once it reaches the configured ceiling, Sent is forced true to stop
// further attempts (a bounded-effort drop, not a delivery).
type PendingNotification struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	UserName   string           `json:"user_name"`
	Kind       NotificationKind `json:"kind"`
	Sample     LocationSample   `json:"sample"`
	CreatedAt  time.Time        `json:"created_at"`
	Sent       bool             `json:"sent"`
	RetryCount int              `json:"retry_count"`
}

// Contact is an accepted emergency contact as returned by the backend.
type Contact struct {
	ContactID string `json:"contact_id"`
	FullName  string `json:"full_name"`
	PushToken string `json:"push_token"`
}

// OfflineState is the coordinator's aggregate, persisted as a whole.
// IsInEmergency must always agree with the sampling engine's active mode;
// any divergence after a restart is corrected by re-deriving the mode from
// this flag during hydration.
type OfflineState struct {
	IsOnline           bool                  `json:"is_online"`
	IsInEmergency      bool                  `json:"is_in_emergency"`
	EmergencyStartedAt *time.Time            `json:"emergency_started_at,omitempty"`
	LastOnlineAt       time.Time             `json:"last_online_at"`
	LastSyncAt         time.Time             `json:"last_sync_at"`
	Samples            []LocationSample      `json:"samples"`
	Notifications      []PendingNotification `json:"notifications"`
}

// UnsyncedCount reports how many buffered samples still await a backend ack.
func (s OfflineState) UnsyncedCount() int {
	n := 0
	for _, sample := range s.Samples {
		if !sample.Synced {
			n++
		}
	}
	return n
}

// UnsentCount reports how many queued notifications still await delivery.
func (s OfflineState) UnsentCount() int {
	n := 0
	for _, note := range s.Notifications {
		if !note.Sent {
			n++
		}
	}
	return n
}
