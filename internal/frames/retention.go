package frames

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Retention periodically deletes frames older than a fixed age
type Retention struct {
	mu      sync.Mutex
	service *Service
	maxAge  time.Duration
	now     func() time.Time
	running bool
	stopCh  chan struct{}
	logger  *slog.Logger
}

// NewRetention creates a retention job keeping maxAge worth of frames
func NewRetention(service *Service, maxAge time.Duration) *Retention {
	return &Retention{
		service: service,
		maxAge:  maxAge,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		logger:  slog.Default().With("component", "retention"),
	}
}

// Start runs cleanups every interval until Stop or ctx is done
func (r *Retention) Start(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	go r.runCleanupLoop(ctx, interval)
}

// Stop stops the cleanup loop
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}

func (r *Retention) runCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := r.RunCleanup(ctx); err != nil {
		r.logger.Error("Initial retention cleanup failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunCleanup(ctx); err != nil {
				r.logger.Error("Retention cleanup failed", "error", err)
			}
		}
	}
}

// RunCleanup executes one cleanup cycle and returns the number of frames
// removed
func (r *Retention) RunCleanup(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)

	removed, err := r.service.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	r.logger.Info("Retention cleanup completed", "frames_deleted", removed, "cutoff", cutoff.UTC())
	return removed, nil
}
