package location

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Mazakov-d/Mammo-sub000/internal/model"
)

type fakeSubscription struct {
	cancelled bool
	mu        sync.Mutex
}

func (f *fakeSubscription) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

func (f *fakeSubscription) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// fakeProvider scripts permission and watch behavior and lets tests drive
// fixes by hand.
type fakeProvider struct {
	mu             sync.Mutex
	denyPermission bool
	currentErr     error
	currentFix     Fix
	watchFailures  int
	watchProfiles  []Profile
	subs           []*fakeSubscription
	onFix          func(Fix)
}

func (f *fakeProvider) RequestPermission(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyPermission {
		return ErrPermissionDenied
	}
	return nil
}

func (f *fakeProvider) Current(ctx context.Context, p Profile) (Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return Fix{}, f.currentErr
	}
	return f.currentFix, nil
}

func (f *fakeProvider) Watch(p Profile, onFix func(Fix)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchProfiles = append(f.watchProfiles, p)
	if f.watchFailures > 0 {
		f.watchFailures--
		return nil, errors.New("watch unavailable")
	}
	sub := &fakeSubscription{}
	f.subs = append(f.subs, sub)
	f.onFix = onFix
	return sub, nil
}

func (f *fakeProvider) pushFix(fix Fix) {
	f.mu.Lock()
	onFix := f.onFix
	f.mu.Unlock()
	if onFix != nil {
		onFix(fix)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collector() (func(model.LocationSample), func() []model.LocationSample) {
	var mu sync.Mutex
	var samples []model.LocationSample
	appendFn := func(s model.LocationSample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	}
	snapshot := func() []model.LocationSample {
		mu.Lock()
		defer mu.Unlock()
		return append([]model.LocationSample(nil), samples...)
	}
	return appendFn, snapshot
}

func TestEngine_StartEmitsImmediateCapture(t *testing.T) {
	provider := &fakeProvider{currentFix: Fix{Latitude: 1, Longitude: 2, AccuracyM: 5}}
	onSample, samples := collector()
	e := NewEngine(provider, testLogger(), DefaultProfiles(), onSample)

	if err := e.Start(context.Background(), ModeEmergency); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := samples()
	if len(got) != 1 {
		t.Fatalf("expected 1 immediate sample, got %d", len(got))
	}
	if !got[0].IsAlert {
		t.Error("emergency-mode sample should be tagged as alert")
	}
	if got[0].Source != model.SourceGPS {
		t.Errorf("5m accuracy should classify as gps, got %s", got[0].Source)
	}
	if got[0].ID == "" {
		t.Error("sample should carry a generated id")
	}
	if e.Mode() != ModeEmergency {
		t.Errorf("mode = %s, want %s", e.Mode(), ModeEmergency)
	}
}

func TestEngine_StartPermissionDenied(t *testing.T) {
	provider := &fakeProvider{denyPermission: true}
	e := NewEngine(provider, testLogger(), DefaultProfiles(), nil)

	err := e.Start(context.Background(), ModeBackground)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if e.Mode() != ModeStopped {
		t.Errorf("denied start must leave the engine stopped, mode = %s", e.Mode())
	}
}

func TestEngine_OneShotFailureDoesNotStopWatch(t *testing.T) {
	provider := &fakeProvider{currentErr: errors.New("gps cold")}
	onSample, samples := collector()
	e := NewEngine(provider, testLogger(), DefaultProfiles(), onSample)

	if err := e.Start(context.Background(), ModeBackground); err != nil {
		t.Fatalf("start should tolerate one-shot failure: %v", err)
	}

	provider.pushFix(Fix{Latitude: 3, Longitude: 4, AccuracyM: 60})
	got := samples()
	if len(got) != 1 {
		t.Fatalf("expected watch sample despite capture failure, got %d", len(got))
	}
	if got[0].IsAlert {
		t.Error("background-mode sample must not be tagged as alert")
	}
}

func TestEngine_WatchRetriesDegradedThenFails(t *testing.T) {
	provider := &fakeProvider{watchFailures: 2}
	e := NewEngine(provider, testLogger(), DefaultProfiles(), nil)

	err := e.Start(context.Background(), ModeEmergency)
	if !errors.Is(err, ErrTrackingUnavailable) {
		t.Fatalf("expected ErrTrackingUnavailable, got %v", err)
	}
	if e.Mode() != ModeStopped {
		t.Errorf("failed start must leave the engine stopped, mode = %s", e.Mode())
	}

	if len(provider.watchProfiles) != 2 {
		t.Fatalf("expected exactly 2 watch attempts, got %d", len(provider.watchProfiles))
	}
	first, second := provider.watchProfiles[0], provider.watchProfiles[1]
	if second.Accuracy == first.Accuracy {
		t.Error("retry should request a degraded accuracy")
	}
	if second.Interval <= first.Interval {
		t.Error("retry should relax the polling interval")
	}
}

func TestEngine_WatchSucceedsOnDegradedRetry(t *testing.T) {
	provider := &fakeProvider{watchFailures: 1}
	e := NewEngine(provider, testLogger(), DefaultProfiles(), nil)

	if err := e.Start(context.Background(), ModeEmergency); err != nil {
		t.Fatalf("degraded retry should succeed: %v", err)
	}
	if e.Mode() != ModeEmergency {
		t.Errorf("mode = %s, want %s", e.Mode(), ModeEmergency)
	}
}

func TestEngine_SwitchCancelsOldWatchAndDiscardsStaleFixes(t *testing.T) {
	provider := &fakeProvider{currentFix: Fix{Latitude: 1, Longitude: 1, AccuracyM: 10}}
	onSample, samples := collector()
	e := NewEngine(provider, testLogger(), DefaultProfiles(), onSample)

	if err := e.Start(context.Background(), ModeBackground); err != nil {
		t.Fatalf("start: %v", err)
	}

	provider.mu.Lock()
	oldCallback := provider.onFix
	oldSub := provider.subs[0]
	provider.mu.Unlock()

	before := len(samples())

	if err := e.SwitchToEmergency(context.Background()); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if !oldSub.isCancelled() {
		t.Error("previous watch must be cancelled on switch")
	}

	// A fix from the superseded background watch resolves late; it must be
	// discarded, not attributed to emergency mode.
	stale := len(samples())
	oldCallback(Fix{Latitude: 9, Longitude: 9, AccuracyM: 10})
	if len(samples()) != stale {
		t.Error("stale fix from old mode was not discarded")
	}

	// The switch itself emitted exactly one immediate capture.
	if len(samples()) != before+1 {
		t.Errorf("expected exactly one immediate capture on switch, got %d new", len(samples())-before)
	}
	if e.Mode() != ModeEmergency {
		t.Errorf("mode = %s, want %s", e.Mode(), ModeEmergency)
	}
}

func TestEngine_SwitchToSameModeIsNoOp(t *testing.T) {
	provider := &fakeProvider{}
	e := NewEngine(provider, testLogger(), DefaultProfiles(), nil)

	if err := e.Start(context.Background(), ModeEmergency); err != nil {
		t.Fatalf("start: %v", err)
	}
	watchCount := len(provider.watchProfiles)

	if err := e.SwitchToEmergency(context.Background()); err != nil {
		t.Fatalf("repeat switch should be a no-op, got %v", err)
	}
	if len(provider.watchProfiles) != watchCount {
		t.Error("no-op switch must not re-establish the watch")
	}
}

func TestEngine_SwitchWhileStoppedFails(t *testing.T) {
	e := NewEngine(&fakeProvider{}, testLogger(), DefaultProfiles(), nil)

	if err := e.SwitchToEmergency(context.Background()); err == nil {
		t.Fatal("switch from stopped must fail")
	}
	if err := e.SwitchToBackground(context.Background()); err == nil {
		t.Fatal("switch from stopped must fail")
	}
}

func TestEngine_StopCancelsWatch(t *testing.T) {
	provider := &fakeProvider{}
	onSample, samples := collector()
	e := NewEngine(provider, testLogger(), DefaultProfiles(), onSample)

	if err := e.Start(context.Background(), ModeBackground); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Stop()

	if e.Mode() != ModeStopped {
		t.Errorf("mode = %s, want %s", e.Mode(), ModeStopped)
	}
	if !provider.subs[0].isCancelled() {
		t.Error("stop must cancel the active watch")
	}

	before := len(samples())
	provider.pushFix(Fix{Latitude: 5, Longitude: 5, AccuracyM: 10})
	if len(samples()) != before {
		t.Error("fix after stop must be discarded")
	}
}

func TestDefaultProfiles_Shape(t *testing.T) {
	p := DefaultProfiles()

	if p.Background.Interval < time.Minute {
		t.Error("background cadence should be a long fixed interval")
	}
	if p.Background.DistanceM != 0 {
		t.Error("background mode is time-triggered, not movement-triggered")
	}
	if p.Emergency.DistanceM <= 0 {
		t.Error("emergency mode must be movement-triggered")
	}
	if p.Emergency.Interval >= p.Background.Interval {
		t.Error("emergency polling must be far shorter than background")
	}
	if p.Emergency.Accuracy != AccuracyHighest {
		t.Error("emergency mode should request the highest accuracy")
	}
}

func TestClassifySource(t *testing.T) {
	cases := []struct {
		accuracy float64
		want     model.SampleSource
	}{
		{5, model.SourceGPS},
		{20, model.SourceGPS},
		{50, model.SourceNetwork},
		{250, model.SourcePassive},
		{0, model.SourcePassive},
	}
	for _, tc := range cases {
		if got := model.ClassifySource(tc.accuracy); got != tc.want {
			t.Errorf("ClassifySource(%v) = %s, want %s", tc.accuracy, got, tc.want)
		}
	}
}
