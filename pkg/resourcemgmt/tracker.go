package resourcemgmt

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var trackedTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tracked_background_tasks",
	Help: "Number of in-flight tracked background tasks by type",
}, []string{"type"})

// Tracker supervises fire-and-forget background tasks (activation charges,
// webhook emission) so shutdown can drain them instead of abandoning work
// mid-flight.
type Tracker struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewTracker creates a background task tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Go runs fn on a supervised goroutine. Returns false if the tracker is
// already draining; callers should then run the work inline or persist a
// resumable marker.
func (t *Tracker) Go(taskType string, fn func()) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	trackedTasks.WithLabelValues(taskType).Inc()
	go func() {
		defer func() {
			trackedTasks.WithLabelValues(taskType).Dec()
			t.wg.Done()
			if p := recover(); p != nil {
				t.logger.Error("background task panicked",
					zap.String("type", taskType),
					zap.Any("panic", p),
				)
			}
		}()
		fn()
	}()
	return true
}

// Drain stops accepting new tasks and waits for in-flight ones, bounded by
// the context deadline.
func (t *Tracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	start := time.Now()
	select {
	case <-done:
		t.logger.Info("background tasks drained", zap.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		t.logger.Warn("background task drain timed out", zap.Duration("waited", time.Since(start)))
		return ctx.Err()
	}
}
