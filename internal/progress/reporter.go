// Package progress wraps a long-running artifact transfer in a cancellable handle
// that streams percentage updates and settles on a single terminal outcome.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/pkg/logger"
)

// Transport moves an artifact to its destination. report receives transfer progress in 0..100;
// reporting 100 means the payload is fully sent and the backend is processing it.
// Implementations must abort when ctx is cancelled.
type Transport interface {
	Transfer(ctx context.Context, artifact *models.Artifact, dest models.Destination, report func(percent int)) (*models.TransferResult, error)
}

// Status of a finished transfer.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the terminal value of a handle.
type Outcome struct {
	Status Status
	Result *models.TransferResult
	Err    error
}

// Message is the human-readable failure text, empty unless failed.
func (o Outcome) Message() string {
	if o.Status != StatusFailed || o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Reporter starts transfers.
type Reporter struct {
	transport       Transport
	logger          logger.Logger
	transferCeiling int
	processingTick  time.Duration
}

type Option func(*Reporter)

// WithTransferCeiling sets the percentage reached when the payload is fully sent.
// The remainder up to 99 is covered by the processing phase.
func WithTransferCeiling(percent int) Option {
	return func(r *Reporter) {
		if percent > 0 && percent <= 100 {
			r.transferCeiling = percent
		}
	}
}

// WithProcessingTick sets how often processing progress advances by one point.
func WithProcessingTick(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.processingTick = d
		}
	}
}

func NewReporter(transport Transport, log logger.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		transport:       transport,
		logger:          log.Named("progress"),
		transferCeiling: 90,
		processingTick:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the transfer. The returned handle is live until its Done channel closes.
func (r *Reporter) Start(ctx context.Context, artifact *models.Artifact, dest models.Destination) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel:   cancel,
		progress: make(chan int, 1),
		done:     make(chan struct{}),
	}
	go r.run(ctx, h, artifact, dest)
	return h
}

func (r *Reporter) run(ctx context.Context, h *Handle, artifact *models.Artifact, dest models.Destination) {
	defer h.cancel()

	sent := make(chan struct{})
	var sentOnce sync.Once
	stop := make(chan struct{})
	defer close(stop)

	report := func(percent int) {
		if percent >= 100 {
			percent = 100
			sentOnce.Do(func() { close(sent) })
		}
		h.emit(percent * r.transferCeiling / 100)
	}
	go r.simulateProcessing(h, sent, stop)

	log := r.logger.With(
		logger.String("artifact", artifact.Name),
		logger.String("kind", string(dest.Kind)),
		logger.String("buildingId", dest.BuildingID),
	)
	log.Debug("Transfer started", logger.Int64("size", artifact.Size))

	result, err := r.transport.Transfer(ctx, artifact, dest, report)
	switch {
	case err == nil:
		h.emit(100)
		h.finish(Outcome{Status: StatusCompleted, Result: result})
		log.Info("Transfer completed")
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		h.finish(Outcome{Status: StatusCancelled})
		log.Info("Transfer cancelled")
	default:
		h.finish(Outcome{Status: StatusFailed, Err: err})
		log.Warn("Transfer failed", logger.Error(err))
	}
}

// simulateProcessing advances progress one point per tick once the payload is sent,
// stopping short of 100 which only completion may report.
func (r *Reporter) simulateProcessing(h *Handle, sent <-chan struct{}, stop <-chan struct{}) {
	select {
	case <-sent:
	case <-stop:
		return
	}
	ticker := time.NewTicker(r.processingTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if next := h.Current() + 1; next < 100 {
				h.emit(next)
			}
		}
	}
}

// Handle is one in-flight transfer.
type Handle struct {
	cancel   context.CancelFunc
	progress chan int
	done     chan struct{}
	doneOnce sync.Once

	mu        sync.Mutex
	last      int
	closed    bool
	cancelled bool
	outcome   Outcome
}

// Progress streams non-decreasing percentages. Only the latest undelivered value is kept,
// so slow readers skip values but never see them out of order. The channel closes when the
// transfer settles or is cancelled.
func (h *Handle) Progress() <-chan int {
	return h.progress
}

// Done closes once the outcome is final.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Current returns the last emitted percentage.
func (h *Handle) Current() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Outcome returns the terminal outcome. Once Cancel has been called it is always
// StatusCancelled, even if the transfer had already completed.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return Outcome{Status: StatusCancelled}
	}
	return h.outcome
}

// Wait blocks until the handle settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel stops progress delivery, aborts the transport and settles the handle as cancelled.
// Safe to call more than once and after completion.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.closeProgressLocked(true)
	h.mu.Unlock()

	h.cancel()
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Handle) emit(percent int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || percent <= h.last {
		return
	}
	if percent > 100 {
		percent = 100
	}
	h.last = percent
	select {
	case h.progress <- percent:
	default:
		// replace the stale buffered value; we are the only sender
		select {
		case <-h.progress:
		default:
		}
		h.progress <- percent
	}
}

func (h *Handle) finish(out Outcome) {
	h.mu.Lock()
	if !h.cancelled {
		h.outcome = out
	}
	h.closeProgressLocked(false)
	h.mu.Unlock()

	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Handle) closeProgressLocked(drain bool) {
	if h.closed {
		return
	}
	if drain {
		select {
		case <-h.progress:
		default:
		}
	}
	h.closed = true
	close(h.progress)
}
