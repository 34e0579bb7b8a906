package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/exchange"
)

// fakeBackend is an in-memory backend recording the configuration calls it
// receives.
type fakeBackend struct {
	mu         sync.Mutex
	records    []exchange.Record
	configured []Settings
	opened     bool
	openErr    error
	closed     bool
}

func (b *fakeBackend) Configure(s Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configured = append(b.configured, s)
	return nil
}

func (b *fakeBackend) last() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.configured) == 0 {
		return nil
	}
	return b.configured[len(b.configured)-1]
}

func (b *fakeBackend) Open(context.Context) error {
	if b.openErr != nil {
		return b.openErr
	}
	b.opened = true
	return nil
}

func (b *fakeBackend) Enqueue(_ context.Context, r exchange.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, r)
	return nil
}

func (b *fakeBackend) Peek(_ context.Context, n int) ([]exchange.Record, error) {
	if n <= 0 {
		return nil, ErrInvalidCount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n = min(n, len(b.records))
	return append([]exchange.Record(nil), b.records[:n]...), nil
}

func (b *fakeBackend) Dequeue(context.Context) (exchange.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return exchange.Record{}, ErrQueueEmpty
	}
	r := b.records[0]
	b.records = b.records[1:]
	return r, nil
}

func (b *fakeBackend) UnsafeDequeue(_ context.Context, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = b.records[min(n, len(b.records)):]
	return nil
}

func (b *fakeBackend) Count(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records), nil
}

func (b *fakeBackend) VacuumIfNeeded(context.Context) (bool, error) { return false, nil }

func (b *fakeBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	return nil
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func (b *fakeBackend) Delete() error { return b.Close() }

// fakeComposite builds one child per configured sub-queue.
type fakeComposite struct {
	fakeBackend
	children []Backend
}

func (c *fakeComposite) ConfigureNode(ctx context.Context, node *Node, builder SubQueueBuilder) error {
	nodes, err := node.Group(GroupQueues)
	if err != nil {
		return err
	}
	for i, n := range nodes {
		child, err := builder.BuildSubQueue(ctx, i, n)
		if err != nil {
			return err
		}
		c.children = append(c.children, child)
	}
	return nil
}

type otherBackend struct{ fakeBackend }

func testRegistry() (*Registry, map[string][]Backend) {
	built := make(map[string][]Backend)
	var mu sync.Mutex
	track := func(name string, b Backend) Backend {
		mu.Lock()
		defer mu.Unlock()
		built[name] = append(built[name], b)
		return b
	}

	r := NewRegistry()
	r.Register("fake", func(context.Context, watermill.LoggerAdapter) (Backend, error) {
		return track("fake", &fakeBackend{}), nil
	})
	r.Register("other", func(context.Context, watermill.LoggerAdapter) (Backend, error) {
		return track("other", &otherBackend{}), nil
	})
	r.RegisterWithCapabilities("composite", func(context.Context, watermill.LoggerAdapter) (Backend, error) {
		return track("composite", &fakeComposite{}), nil
	}, Capabilities{Composite: true})
	r.Register("broken", func(context.Context, watermill.LoggerAdapter) (Backend, error) {
		return nil, errors.New("driver missing")
	})
	r.Register("unopenable", func(context.Context, watermill.LoggerAdapter) (Backend, error) {
		return track("unopenable", &fakeBackend{openErr: errors.New("disk full")}), nil
	})
	return r, built
}
