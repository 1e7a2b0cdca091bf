// Package bus publishes and consumes JSON change events over NATS subjects.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/feichai0017/building-console/pkg/logger"
)

var ErrNilBus = errors.New("nil bus")

// Bus wraps a core NATS connection. Change events are fire-and-forget: a client that is not
// subscribed when an event is published simply refetches on its next join.
type Bus struct {
	conn   *nats.Conn
	logger logger.Logger
}

// New connects to the NATS endpoint at url.
func New(url string, log logger.Logger, opts ...nats.Option) (*Bus, error) {
	opts = append([]nats.Option{
		nats.Name("building-console"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Bus{conn: nc, logger: log.Named("bus")}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it on subj.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return ErrNilBus
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.conn.Publish(subj, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	sub    *nats.Subscription
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// Close unsubscribes. Only the first call has an effect.
func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.sub.Unsubscribe()
}

// Subscribe invokes fn with the raw payload of every message on subj until the returned
// closer is closed or ctx ends. Handler errors are logged and the message is dropped.
func (b *Bus) Subscribe(ctx context.Context, subj string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, ErrNilBus
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		if err := fn(ctx, msg.Data); err != nil {
			b.logger.Warn("Dropping message", logger.String("subject", msg.Subject), logger.Error(err))
		}
	}

	sub, err := b.conn.Subscribe(subj, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subj, err)
	}
	// make sure the server knows about the interest before returning
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	s := &subscription{sub: sub, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}
