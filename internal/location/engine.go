package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mazakov-d/Mammo-sub000/internal/model"
)

// Mode is the engine's tracking state.
type Mode string

const (
	ModeStopped    Mode = "STOPPED"
	ModeBackground Mode = "BACKGROUND_ACTIVE"
	ModeEmergency  Mode = "EMERGENCY_ACTIVE"
)

// Profiles lists the sampling cadence per mode. Background preserves battery
// with a long fixed interval; emergency maximizes positional fidelity with a
// short poll gated on movement.
type Profiles struct {
	Background Profile
	Emergency  Profile
}

// DefaultProfiles returns the stock cadence parameters.
func DefaultProfiles() Profiles {
	return Profiles{
		Background: Profile{Accuracy: AccuracyBalanced, Interval: 15 * time.Minute},
		Emergency:  Profile{Accuracy: AccuracyHighest, Interval: 2 * time.Second, DistanceM: 5},
	}
}

// Engine owns the two tracking modes and drives the device location provider
// accordingly. It emits every accepted fix upward as a model.LocationSample
// through the callback supplied at construction; it never touches the
// coordinator's state directly.
type Engine struct {
	provider Provider
	logger   *slog.Logger
	profiles Profiles
	onSample func(model.LocationSample)

	mu   sync.Mutex
	mode Mode
	sub  Subscription
	gen  uint64
}

// NewEngine constructs a stopped engine.
func NewEngine(provider Provider, logger *slog.Logger, profiles Profiles, onSample func(model.LocationSample)) *Engine {
	if onSample == nil {
		onSample = func(model.LocationSample) {}
	}
	return &Engine{
		provider: provider,
		logger:   logger,
		profiles: profiles,
		onSample: onSample,
		mode:     ModeStopped,
	}
}

// Mode reports the current tracking state.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Start transitions STOPPED -> mode. It fails with ErrPermissionDenied when
// the location permission is missing, performs one synchronous capture so a
// sample exists before the first watch callback, then establishes the
// continuous watch.
func (e *Engine) Start(ctx context.Context, mode Mode) error {
	if mode != ModeBackground && mode != ModeEmergency {
		return fmt.Errorf("cannot start tracker in mode %s", mode)
	}

	if err := e.provider.RequestPermission(ctx); err != nil {
		return fmt.Errorf("request location permission: %w", err)
	}

	e.mu.Lock()
	if e.mode != ModeStopped {
		current := e.mode
		e.mu.Unlock()
		return fmt.Errorf("tracker already active in mode %s", current)
	}
	e.gen++
	gen := e.gen
	e.mode = mode
	e.mu.Unlock()

	e.captureOnce(ctx, gen)

	if err := e.establishWatch(gen, e.profileFor(mode)); err != nil {
		e.mu.Lock()
		if e.gen == gen {
			e.mode = ModeStopped
		}
		e.mu.Unlock()
		return err
	}

	e.logger.Info("tracking started", "mode", mode)
	return nil
}

// SwitchToEmergency moves BACKGROUND_ACTIVE -> EMERGENCY_ACTIVE: the
// time-based watch is cancelled, a fresh capture is emitted immediately and
// the distance-based watch takes over. Calling it while already in emergency
// mode is a logged no-op.
func (e *Engine) SwitchToEmergency(ctx context.Context) error {
	return e.switchTo(ctx, ModeEmergency)
}

// SwitchToBackground is the symmetric reverse of SwitchToEmergency.
func (e *Engine) SwitchToBackground(ctx context.Context) error {
	return e.switchTo(ctx, ModeBackground)
}

func (e *Engine) switchTo(ctx context.Context, target Mode) error {
	e.mu.Lock()
	if e.mode == target {
		e.mu.Unlock()
		e.logger.Info("tracking mode unchanged", "mode", target)
		return nil
	}
	if e.mode == ModeStopped {
		e.mu.Unlock()
		return fmt.Errorf("cannot switch to %s: tracker is stopped", target)
	}
	old := e.sub
	e.sub = nil
	e.gen++
	gen := e.gen
	e.mode = target
	e.mu.Unlock()

	if old != nil {
		old.Cancel()
	}

	e.captureOnce(ctx, gen)

	if err := e.establishWatch(gen, e.profileFor(target)); err != nil {
		e.mu.Lock()
		if e.gen == gen {
			e.mode = ModeStopped
		}
		e.mu.Unlock()
		return err
	}

	e.logger.Info("tracking mode switched", "mode", target)
	return nil
}

// Stop cancels the active watch from any state.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.mode == ModeStopped {
		e.mu.Unlock()
		return
	}
	sub := e.sub
	e.sub = nil
	e.gen++
	e.mode = ModeStopped
	e.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	e.logger.Info("tracking stopped")
}

func (e *Engine) profileFor(mode Mode) Profile {
	if mode == ModeEmergency {
		return e.profiles.Emergency
	}
	return e.profiles.Background
}

// captureOnce performs the synchronous one-shot capture issued on every start
// and mode switch. Failure is logged and does not stop the watch.
func (e *Engine) captureOnce(ctx context.Context, gen uint64) {
	e.mu.Lock()
	profile := e.profileFor(e.mode)
	e.mu.Unlock()

	fix, err := e.provider.Current(ctx, profile)
	if err != nil {
		e.logger.Warn("one-shot capture failed", "error", err)
		return
	}
	e.emit(gen, fix)
}

// establishWatch starts the continuous watch, retrying once at a degraded
// profile before giving up with ErrTrackingUnavailable.
func (e *Engine) establishWatch(gen uint64, profile Profile) error {
	sub, err := e.provider.Watch(profile, func(fix Fix) { e.emit(gen, fix) })
	if err != nil {
		degraded := profile.Degraded()
		e.logger.Warn("watch failed, retrying degraded", "accuracy", degraded.Accuracy, "error", err)
		sub, err = e.provider.Watch(degraded, func(fix Fix) { e.emit(gen, fix) })
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTrackingUnavailable, err)
		}
	}

	e.mu.Lock()
	if e.gen != gen {
		// A switch or stop happened while the watch was being set up.
		e.mu.Unlock()
		sub.Cancel()
		return nil
	}
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// emit converts a fix into a sample and hands it upward, unless the fix
// belongs to a superseded mode, in which case it is discarded rather than
// misattributed.
func (e *Engine) emit(gen uint64, fix Fix) {
	e.mu.Lock()
	if e.gen != gen || e.mode == ModeStopped {
		e.mu.Unlock()
		e.logger.Debug("discarding stale fix", "gen", gen)
		return
	}
	isAlert := e.mode == ModeEmergency
	e.mu.Unlock()

	at := fix.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	e.onSample(model.LocationSample{
		ID:         uuid.NewString(),
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		AccuracyM:  fix.AccuracyM,
		CapturedAt: at,
		IsAlert:    isAlert,
		Source:     model.ClassifySource(fix.AccuracyM),
	})
}
