// Package realtime binds the client to the change stream of exactly one building at a time.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/pkg/logger"
)

var ErrClosed = errors.New("realtime channel closed")

// Transport opens a push subscription for one building. deliver may be called from any
// goroutine until the returned closer is closed.
type Transport interface {
	Join(ctx context.Context, buildingID string, deliver func(models.ChangeNotification)) (io.Closer, error)
}

// Delivery is one received notification. Token is strictly increasing per channel, so two
// deliveries with identical payloads are still distinct occurrences.
type Delivery struct {
	Token        uint64
	Notification models.ChangeNotification
	ReceivedAt   time.Time
}

// Channel holds the latest delivery for the current scope. It is not a queue: a delivery
// that arrives before the previous one was read replaces it.
type Channel struct {
	transport Transport
	logger    logger.Logger

	// opMu sequences join and leave so rapid navigation never binds two scopes.
	opMu sync.Mutex

	mu      sync.Mutex
	scope   string
	sub     io.Closer
	gen     uint64
	token   uint64
	latest  Delivery
	has     bool
	updates chan struct{}
	closed  bool
}

func NewChannel(transport Transport, log logger.Logger) *Channel {
	return &Channel{
		transport: transport,
		logger:    log.Named("realtime"),
		updates:   make(chan struct{}, 1),
	}
}

// Join binds the channel to buildingID, releasing any previous scope first.
// Joining the current scope is a no-op. ctx bounds the lifetime of the subscription.
func (c *Channel) Join(ctx context.Context, buildingID string) error {
	if buildingID == "" {
		return errors.New("building id is required")
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.scope == buildingID {
		c.mu.Unlock()
		return nil
	}
	prev := c.detachLocked()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.release(prev)

	sub, err := c.transport.Join(ctx, buildingID, func(n models.ChangeNotification) {
		c.deliver(gen, n)
	})
	if err != nil {
		c.logger.Warn("Join failed", logger.String("buildingId", buildingID), logger.Error(err))
		return fmt.Errorf("failed to join building %s: %w", buildingID, err)
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	c.scope = buildingID
	c.sub = sub
	c.mu.Unlock()

	c.logger.Info("Joined building scope", logger.String("buildingId", buildingID))
	return nil
}

// Leave releases buildingID. Leaving a scope that is not joined is a no-op.
func (c *Channel) Leave(buildingID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.scope == "" || c.scope != buildingID {
		c.mu.Unlock()
		return nil
	}
	sub := c.detachLocked()
	c.gen++
	c.mu.Unlock()

	c.logger.Info("Left building scope", logger.String("buildingId", buildingID))
	return c.release(sub)
}

// Scope returns the joined building, empty when none.
func (c *Channel) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// Latest returns the most recent delivery of the current scope.
func (c *Channel) Latest() (Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.has
}

// Updates signals that Latest may have changed. It is closed by Close.
func (c *Channel) Updates() <-chan struct{} {
	return c.updates
}

// Close leaves the current scope and stops all deliveries.
func (c *Channel) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.detachLocked()
	c.gen++
	close(c.updates)
	c.mu.Unlock()

	return c.release(sub)
}

func (c *Channel) deliver(gen uint64, n models.ChangeNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	if n.BuildingID != "" && c.scope != "" && n.BuildingID != c.scope {
		c.logger.Debug("Dropping notification for another building",
			logger.String("buildingId", n.BuildingID),
			logger.String("scope", c.scope),
		)
		return
	}
	c.token++
	c.latest = Delivery{Token: c.token, Notification: n, ReceivedAt: time.Now()}
	c.has = true
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// detachLocked clears the scope and returns the subscription to release outside the lock.
func (c *Channel) detachLocked() io.Closer {
	sub := c.sub
	c.sub = nil
	c.scope = ""
	c.latest = Delivery{}
	c.has = false
	return sub
}

func (c *Channel) release(sub io.Closer) error {
	if sub == nil {
		return nil
	}
	if err := sub.Close(); err != nil {
		c.logger.Warn("Failed to release subscription", logger.Error(err))
		return err
	}
	return nil
}
