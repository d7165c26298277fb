// Package transition keeps the last smoothed count per device for a short
// time so that consecutive estimates can be compared.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL is how long a device's last count stays live without a new
// observation
const DefaultTTL = 300 * time.Second

// Kind distinguishes the outcome of an observation
type Kind int

const (
	// Baseline means no live state existed; the count was stored and
	// there is nothing to compare it against.
	Baseline Kind = iota
	// Delta means a live previous count existed.
	Delta
)

func (k Kind) String() string {
	switch k {
	case Baseline:
		return "baseline"
	case Delta:
		return "delta"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result is the outcome of Tracker.Observe
type Result struct {
	Kind     Kind
	Previous int
	Current  int
}

// Changed reports whether the observation moved the count
func (r Result) Changed() bool {
	return r.Kind == Delta && r.Previous != r.Current
}

// State is the stored per-device entry
type State struct {
	Previous  int       `json:"previous"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the entry is still valid at now
func (s State) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// ErrConflict is returned by Store.Save when the entry changed after it
// was loaded
var ErrConflict = errors.New("transition state was modified concurrently")

// maxObserveAttempts bounds the load/save retries of one observation
const maxObserveAttempts = 64

// Store persists per-device state. Implementations may drop entries after
// their ExpiresAt; the tracker never relies on a store to expire them.
//
// Every entry carries a revision. Load returns revision 0 for a missing
// entry. Save only succeeds while the entry is still at the given revision
// (0 requires it to be absent) and returns ErrConflict otherwise, so
// observers in different processes never overwrite each other.
type Store interface {
	Load(ctx context.Context, deviceID string) (State, uint64, error)
	Save(ctx context.Context, deviceID string, state State, revision uint64) error
}

// Tracker detects count transitions per device. Observations for the same
// device are serialized in process by a keyed lock and across processes by
// the store's revision check; different devices never share a lock.
type Tracker struct {
	store  Store
	ttl    time.Duration
	locks  *keyedMutex
	logger *slog.Logger
}

// NewTracker creates a tracker over store. A non-positive ttl selects
// DefaultTTL.
func NewTracker(store Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		store:  store,
		ttl:    ttl,
		locks:  newKeyedMutex(),
		logger: slog.Default().With("component", "transition"),
	}
}

// TTL returns the sliding expiry applied to every observation
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Observe records count for deviceID at now. It returns Baseline when no
// live entry existed and Delta with the previous value otherwise. Either
// way the stored entry becomes count with a fresh TTL.
func (t *Tracker) Observe(ctx context.Context, deviceID string, count int, now time.Time) (Result, error) {
	unlock := t.locks.Lock(deviceID)
	defer unlock()

	next := State{Previous: count, ExpiresAt: now.Add(t.ttl)}

	for attempt := 1; ; attempt++ {
		st, rev, err := t.store.Load(ctx, deviceID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to load transition state: %w", err)
		}

		res := Result{Kind: Baseline, Current: count}
		if rev != 0 && st.Live(now) {
			res.Kind = Delta
			res.Previous = st.Previous
		}

		err = t.store.Save(ctx, deviceID, next, rev)
		if errors.Is(err, ErrConflict) && attempt < maxObserveAttempts && ctx.Err() == nil {
			t.logger.Debug("Transition state changed concurrently, retrying", "device_id", deviceID, "attempt", attempt)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("failed to save transition state: %w", err)
		}

		if res.Kind == Baseline {
			t.logger.Debug("Baseline stored", "device_id", deviceID, "count", count)
		}
		return res, nil
	}
}

// Last returns the live count of deviceID at now without modifying it
func (t *Tracker) Last(ctx context.Context, deviceID string, now time.Time) (int, bool, error) {
	unlock := t.locks.Lock(deviceID)
	defer unlock()

	st, rev, err := t.store.Load(ctx, deviceID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load transition state: %w", err)
	}
	if rev == 0 || !st.Live(now) {
		return 0, false, nil
	}
	return st.Previous, true, nil
}
