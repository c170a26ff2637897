package location

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimProvider simulates a device location provider with a random walk around
// a starting coordinate. It honors the profile's interval and distance
// filter, which makes it a drop-in stand-in for platform bindings when the
// daemon runs outside a device.
type SimProvider struct {
	mu       sync.Mutex
	lat      float64
	lon      float64
	stepM    float64
	denyPerm bool
	rng      *rand.Rand
}

// NewSimProvider seeds a simulator at the given coordinate moving roughly
// stepM meters per poll.
func NewSimProvider(lat, lon, stepM float64) *SimProvider {
	return &SimProvider{
		lat:   lat,
		lon:   lon,
		stepM: stepM,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DenyPermission makes subsequent permission requests fail, for exercising
// the denied path end to end.
func (s *SimProvider) DenyPermission(deny bool) {
	s.mu.Lock()
	s.denyPerm = deny
	s.mu.Unlock()
}

func (s *SimProvider) RequestPermission(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denyPerm {
		return ErrPermissionDenied
	}
	return nil
}

func (s *SimProvider) Current(ctx context.Context, p Profile) (Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Fix{
		Latitude:  s.lat,
		Longitude: s.lon,
		AccuracyM: accuracyFor(p.Accuracy, s.rng),
		At:        time.Now().UTC(),
	}, nil
}

type simSubscription struct {
	cancel chan struct{}
	once   sync.Once
}

func (ss *simSubscription) Cancel() {
	ss.once.Do(func() { close(ss.cancel) })
}

func (s *SimProvider) Watch(p Profile, onFix func(Fix)) (Subscription, error) {
	sub := &simSubscription{cancel: make(chan struct{})}

	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastLat, lastLon float64
		first := true

		for {
			select {
			case <-sub.cancel:
				return
			case <-ticker.C:
				s.step()
				s.mu.Lock()
				lat, lon := s.lat, s.lon
				acc := accuracyFor(p.Accuracy, s.rng)
				s.mu.Unlock()

				if !first && p.DistanceM > 0 && DistanceM(lastLat, lastLon, lat, lon) < p.DistanceM {
					continue
				}
				first = false
				lastLat, lastLon = lat, lon
				onFix(Fix{Latitude: lat, Longitude: lon, AccuracyM: acc, At: time.Now().UTC()})
			}
		}
	}()

	return sub, nil
}

// step moves the simulated position by roughly stepM meters in a random
// direction.
func (s *SimProvider) step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	heading := s.rng.Float64() * 2 * math.Pi
	dLat := (s.stepM * math.Cos(heading)) / metersPerDegreeLat
	dLon := (s.stepM * math.Sin(heading)) / (metersPerDegreeLat * math.Cos(s.lat*math.Pi/180))
	s.lat += dLat
	s.lon += dLon
}

func accuracyFor(a Accuracy, rng *rand.Rand) float64 {
	switch a {
	case AccuracyHighest:
		return 3 + rng.Float64()*7
	case AccuracyBalanced:
		return 20 + rng.Float64()*40
	default:
		return 100 + rng.Float64()*200
	}
}

const metersPerDegreeLat = 111_320.0

// DistanceM returns the great-circle distance in meters between two
// coordinates (haversine).
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6_371_000.0

	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
