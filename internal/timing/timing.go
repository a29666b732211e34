// Package timing keeps a bounded history of phase and operation durations
// and derives ETAs from it. Timings are for display only; nothing in the
// pipeline branches on them.
package timing

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultRetention is the number of samples kept per key.
const DefaultRetention = 30

// Key identifies a timed phase or an operation inside a phase.
type Key struct {
	Phase string
	Op    string
}

// PhaseKey returns the key for a whole phase.
func PhaseKey(phase string) Key { return Key{Phase: phase} }

// OpKey returns the key for one operation inside a phase.
func OpKey(phase, op string) Key { return Key{Phase: phase, Op: op} }

// String renders the key as "phase" or "phase:op".
func (k Key) String() string {
	if k.Op == "" {
		return k.Phase
	}
	return k.Phase + ":" + k.Op
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) Key {
	phase, op, _ := strings.Cut(s, ":")
	return Key{Phase: phase, Op: op}
}

// Sample is one recorded duration.
type Sample struct {
	Key        Key
	Duration   time.Duration
	RecordedAt time.Time
}

// Persister stores samples across runs.
type Persister interface {
	LoadSamples(perKey int) ([]Sample, error)
	AppendSample(s Sample, retain int) error
}

// Store holds the last Retention samples per key in ring buffers.
// It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	retention int
	rings     map[Key]*ring
	persister Persister
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides the per-key sample limit.
func WithRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithPersister mirrors every recorded sample to p.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		retention: DefaultRetention,
		rings:     make(map[Key]*ring),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces in-memory history with what the persister holds.
// It is a no-op without a persister.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}
	samples, err := s.persister.LoadSamples(s.retention)
	if err != nil {
		return fmt.Errorf("load timing history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rings = make(map[Key]*ring)
	for _, sample := range samples {
		s.ringFor(sample.Key).push(sample)
	}
	return nil
}

// Record appends a sample for key, evicting the oldest once the key holds
// more than the retention limit. The persister error, if any, is returned
// after the in-memory insert has happened.
func (s *Store) Record(key Key, d time.Duration) error {
	sample := Sample{Key: key, Duration: d.Truncate(time.Millisecond), RecordedAt: s.now()}

	s.mu.Lock()
	s.ringFor(key).push(sample)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.AppendSample(sample, s.retention); err != nil {
			return fmt.Errorf("persist timing sample %s: %w", key, err)
		}
	}
	return nil
}

// Average returns the mean of the retained samples for key, floored to a
// whole millisecond. ok is false when there are no samples.
func (s *Store) Average(key Key) (avg time.Duration, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.rings[key]
	if !exists || r.len() == 0 {
		return 0, false
	}
	var totalMs int64
	for _, sample := range r.items() {
		totalMs += sample.Duration.Milliseconds()
	}
	return time.Duration(totalMs/int64(r.len())) * time.Millisecond, true
}

// Estimate renders the average for key, or "no estimate".
func (s *Store) Estimate(key Key) string {
	avg, ok := s.Average(key)
	if !ok {
		return "no estimate"
	}
	return FormatDuration(avg)
}

// Samples returns the retained samples for key, oldest first.
func (s *Store) Samples(key Key) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.rings[key]
	if !exists {
		return nil
	}
	return r.items()
}

// Keys returns every key with at least one sample, sorted by rendered name.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.rings))
	for k, r := range s.rings {
		if r.len() > 0 {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b Key) int { return strings.Compare(a.String(), b.String()) })
	return keys
}

// Retention returns the per-key sample limit.
func (s *Store) Retention() int {
	return s.retention
}

// ringFor returns the ring for key, creating it. The caller must hold the write lock.
func (s *Store) ringFor(key Key) *ring {
	r, ok := s.rings[key]
	if !ok {
		r = newRing(s.retention)
		s.rings[key] = r
	}
	return r
}

// FormatDuration renders d the way ETAs are shown: "850ms", "42s", "3m05s".
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	default:
		m := int(d.Minutes())
		return fmt.Sprintf("%dm%02ds", m, int(d.Seconds())-m*60)
	}
}
