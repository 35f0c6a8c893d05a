package stdcam

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// DefaultPollInterval is the delay between two polls of a CAM
const DefaultPollInterval = 10 * time.Millisecond

// StatusFunc receives CAM status changes
type StatusFunc func(old, new Status)

// Runner polls one StdCAM until its context ends
type Runner struct {
	cam      StdCAM
	interval time.Duration
	logger   logger.Logger
	onStatus StatusFunc
}

// NewRunner creates a runner polling cam every interval
func NewRunner(cam StdCAM, interval time.Duration, log logger.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Runner{cam: cam, interval: interval, logger: logger.OrNoOp(log)}
}

// OnStatus registers a status change callback. Set it before Run.
func (r *Runner) OnStatus(fn StatusFunc) {
	r.onStatus = fn
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	last := StatusNone
	for {
		if s := r.cam.Poll(ctx); s != last {
			r.logger.Info("CAM status %v -> %v", last, s)
			if r.onStatus != nil {
				r.onStatus(last, s)
			}
			last = s
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunAll polls every cam in its own goroutine until ctx is cancelled
func RunAll(ctx context.Context, interval time.Duration, log logger.Logger, cams ...StdCAM) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cam := range cams {
		r := NewRunner(cam, interval, log)
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}
