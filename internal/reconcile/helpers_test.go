package reconcile

import (
	"context"
	"io"
	"sync"

	"github.com/feichai0017/building-console/internal/models"
)

type pushTransport struct {
	mu sync.Mutex
	fn func(models.ChangeNotification)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (p *pushTransport) Join(_ context.Context, _ string, deliver func(models.ChangeNotification)) (io.Closer, error) {
	p.mu.Lock()
	p.fn = deliver
	p.mu.Unlock()
	return closerFunc(func() error { return nil }), nil
}

func (p *pushTransport) deliver(n models.ChangeNotification) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	fn(n)
}
