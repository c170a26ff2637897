package location

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned when the device location permission has not
// been granted. It is fatal to a tracking-start call and must be surfaced so
// the host UI can prompt a re-request.
var ErrPermissionDenied = errors.New("location permission denied")

// ErrTrackingUnavailable is returned when a continuous watch cannot be
// established even after one degraded-accuracy retry.
var ErrTrackingUnavailable = errors.New("location tracking unavailable")

// Accuracy is the requested accuracy class for a capture.
type Accuracy string

const (
	AccuracyHighest  Accuracy = "highest"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

// Profile describes how a provider should sample: the accuracy class, the
// polling interval, and the minimum movement (meters) between delivered
// fixes. A zero DistanceM means every poll delivers a fix.
type Profile struct {
	Accuracy  Accuracy
	Interval  time.Duration
	DistanceM float64
}

// Degraded returns a cheaper variant of the profile, used for the single
// retry after a failed watch establishment.
func (p Profile) Degraded() Profile {
	out := p
	switch p.Accuracy {
	case AccuracyHighest:
		out.Accuracy = AccuracyBalanced
	default:
		out.Accuracy = AccuracyLow
	}
	out.Interval = p.Interval * 2
	return out
}

// Fix is a raw position reading from the device location provider.
type Fix struct {
	Latitude  float64
	Longitude float64
	AccuracyM float64
	At        time.Time
}

// Subscription is a handle to an active continuous watch.
type Subscription interface {
	Cancel()
}

// Provider abstracts the device location services. Implementations may be
// real platform bindings or simulations; the engine does not care which.
type Provider interface {
	// RequestPermission ensures the foreground location permission is
	// granted, returning ErrPermissionDenied otherwise.
	RequestPermission(ctx context.Context) error

	// Current performs a one-shot position capture at the given profile.
	Current(ctx context.Context, p Profile) (Fix, error)

	// Watch starts a continuous watch and invokes onFix for each delivered
	// position until the returned subscription is cancelled.
	Watch(p Profile, onFix func(Fix)) (Subscription, error)
}
