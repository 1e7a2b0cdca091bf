// Package reconcile routes change notifications from the realtime channel to the stores that
// must refetch and raises a transient notice for each one.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/realtime"
	"github.com/feichai0017/building-console/pkg/logger"
)

const DefaultNoticeTTL = 5 * time.Second

// Refresher refetches a cached collection or record. *store.Store and *store.Record implement it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Source yields the latest delivery and signals when it changes. *realtime.Channel implements it.
type Source interface {
	Latest() (realtime.Delivery, bool)
	Updates() <-chan struct{}
}

// Tab is a sub-view of the building detail screen.
type Tab string

const (
	TabOverview    Tab = "overview"
	TabFloorPlans  Tab = "floor_plans"
	TabDocuments   Tab = "documents"
	TabPhotos      Tab = "photos"
	TabInspections Tab = "inspections"
	TabDevices     Tab = "devices"
)

// ParseTab maps a tab name to a Tab. Unknown names yield TabOverview.
func ParseTab(name string) Tab {
	switch t := Tab(name); t {
	case TabFloorPlans, TabDocuments, TabPhotos, TabInspections, TabDevices:
		return t
	default:
		return TabOverview
	}
}

type rule struct {
	refetch bool
	// tab gates the refetch; empty means always
	tab Tab
}

var rules = map[models.EntityKind]rule{
	models.KindBuilding:   {refetch: true},
	models.KindFloorPlan:  {refetch: true},
	models.KindMarkers:    {},
	models.KindDocument:   {refetch: true, tab: TabDocuments},
	models.KindPhoto:      {refetch: true, tab: TabPhotos},
	models.KindInspection: {refetch: true, tab: TabInspections},
	models.KindDevice:     {refetch: true, tab: TabDevices},
}

type Option func(*Dispatcher)

// WithNoticeTTL sets how long a notice stays visible.
func WithNoticeTTL(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.ttl = d
		}
	}
}

// WithActiveTab sets the tab visible at start.
func WithActiveTab(tab Tab) Option {
	return func(dp *Dispatcher) {
		dp.activeTab = tab
	}
}

// Dispatcher applies the reconciliation rules. Notifications are deduplicated by delivery
// token, never by payload.
type Dispatcher struct {
	logger logger.Logger
	ttl    time.Duration

	mu         sync.Mutex
	refreshers map[models.EntityKind]Refresher
	activeTab  Tab
	lastToken  uint64
	stale      map[models.EntityKind]bool
	notice     string
	noticeGen  uint64
	timer      *time.Timer
	onNotice   func(text string)
	closed     bool
}

func NewDispatcher(log logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:     log.Named("reconcile"),
		ttl:        DefaultNoticeTTL,
		refreshers: make(map[models.EntityKind]Refresher),
		activeTab:  TabOverview,
		stale:      make(map[models.EntityKind]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register sets the refresher for kind.
func (d *Dispatcher) Register(kind models.EntityKind, r Refresher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshers[kind] = r
}

// OnNotice registers an observer called with the notice text on every change, and with an
// empty string when the notice goes away. It must not call back into the dispatcher.
func (d *Dispatcher) OnNotice(fn func(text string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNotice = fn
}

// Run handles deliveries from src until ctx ends or src is closed.
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
	if delivery, ok := src.Latest(); ok {
		d.Handle(ctx, delivery)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-src.Updates():
			if !ok {
				return nil
			}
			if delivery, ok := src.Latest(); ok {
				d.Handle(ctx, delivery)
			}
		}
	}
}

// Handle applies one delivery and reports whether it was new and recognised.
// Refetches run on the calling goroutine.
func (d *Dispatcher) Handle(ctx context.Context, delivery realtime.Delivery) bool {
	n := delivery.Notification

	d.mu.Lock()
	if d.closed || delivery.Token <= d.lastToken {
		d.mu.Unlock()
		return false
	}
	d.lastToken = delivery.Token

	r, ok := rules[n.Kind]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("Ignoring notification", logger.String("event", n.Event()))
		return false
	}

	var target Refresher
	if r.refetch {
		if r.tab == "" || r.tab == d.activeTab {
			target = d.refreshers[n.Kind]
		} else {
			d.stale[n.Kind] = true
		}
	}
	d.showNoticeLocked(noticeText(n))
	d.mu.Unlock()

	d.logger.Debug("Notification handled",
		logger.String("event", n.Event()),
		logger.Uint64("token", delivery.Token),
		logger.Bool("refetch", target != nil),
	)
	d.refresh(ctx, n.Kind, target)
	return true
}

// SetActiveTab switches the visible tab. A kind that changed while its tab was hidden is
// refetched once on the calling goroutine.
func (d *Dispatcher) SetActiveTab(ctx context.Context, tab Tab) {
	d.mu.Lock()
	d.activeTab = tab
	var kind models.EntityKind
	var target Refresher
	for k, r := range rules {
		if r.tab == tab && d.stale[k] {
			delete(d.stale, k)
			kind, target = k, d.refreshers[k]
			break
		}
	}
	d.mu.Unlock()

	d.refresh(ctx, kind, target)
}

// ActiveTab returns the visible tab.
func (d *Dispatcher) ActiveTab() Tab {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeTab
}

// Notice returns the visible notice text.
func (d *Dispatcher) Notice() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notice, d.notice != ""
}

// DismissNotice hides the visible notice before it expires.
func (d *Dispatcher) DismissNotice() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearNoticeLocked()
}

// Close hides the notice and ignores further deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.clearNoticeLocked()
}

func (d *Dispatcher) refresh(ctx context.Context, kind models.EntityKind, target Refresher) {
	if target == nil {
		return
	}
	if err := target.Refresh(ctx); err != nil {
		// the store keeps the message for the view
		d.logger.Warn("Refetch failed", logger.String("kind", string(kind)), logger.Error(err))
	}
}

// showNoticeLocked replaces the visible notice. Each notice carries a generation so an
// expired timer never clears a newer one.
func (d *Dispatcher) showNoticeLocked(text string) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.noticeGen++
	gen := d.noticeGen
	d.notice = text
	d.timer = time.AfterFunc(d.ttl, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.noticeGen == gen {
			d.clearNoticeLocked()
		}
	})
	if d.onNotice != nil {
		d.onNotice(text)
	}
}

func (d *Dispatcher) clearNoticeLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.noticeGen++
	if d.notice == "" {
		return
	}
	d.notice = ""
	if d.onNotice != nil {
		d.onNotice("")
	}
}
