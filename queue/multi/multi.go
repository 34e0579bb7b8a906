// Package multi provides a composite queue backend built from the
// sub-queues of its configuration node.
//
// Enqueue writes to the first child that accepts the record, so later
// children act as fallbacks. Consumer operations drain the children in
// configuration order.
package multi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/queue"
)

// BackendName is the name used to register this backend.
const BackendName = "multi"

// Capabilities describes this backend.
var Capabilities = queue.Capabilities{Name: BackendName, Composite: true}

func init() {
	Register()
}

// Register adds the backend to queue.DefaultRegistry.
func Register() {
	queue.RegisterWithCapabilities(BackendName, Build, Capabilities)
}

// Build implements queue.Builder.
func Build(_ context.Context, logger watermill.LoggerAdapter) (queue.Backend, error) {
	return New(logger), nil
}

// Backend fans records out to child backends.
type Backend struct {
	logger watermill.LoggerAdapter

	mu       sync.RWMutex
	children []queue.Backend
	closed   bool
}

// New creates a composite without children.
func New(logger watermill.LoggerAdapter, children ...queue.Backend) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{logger: logger, children: children}
}

// ConfigureNode builds one child per sub-queue of node.
func (b *Backend) ConfigureNode(ctx context.Context, node *queue.Node, builder queue.SubQueueBuilder) error {
	nodes, err := node.Group(queue.GroupQueues)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: composite queue has no sub-queues", queue.ErrInvalidConfiguration)
	}

	children := make([]queue.Backend, 0, len(nodes))
	for i, n := range nodes {
		child, err := builder.BuildSubQueue(ctx, i, n)
		if err != nil {
			closeAll(children)
			return fmt.Errorf("sub-queue %d: %w", i, err)
		}
		children = append(children, child)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.children = children
	return nil
}

func closeAll(children []queue.Backend) {
	for _, c := range children {
		_ = c.Close()
	}
}

// Children returns the child backends in configuration order.
func (b *Backend) Children() []queue.Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]queue.Backend(nil), b.children...)
}

func (b *Backend) snapshot() ([]queue.Backend, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, queue.ErrQueueClosed
	}
	return b.children, nil
}

// Enqueue writes r to the first child that accepts it.
func (b *Backend) Enqueue(ctx context.Context, r exchange.Record) error {
	children, err := b.snapshot()
	if err != nil {
		return err
	}
	var errs []error
	for i, c := range children {
		err := c.Enqueue(ctx, r)
		if err == nil {
			return nil
		}
		b.logger.Error("Sub-queue refused record", err, watermill.LogFields{"sub_queue": i})
		errs = append(errs, fmt.Errorf("sub-queue %d: %w", i, err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: composite queue has no sub-queues", queue.ErrBackendUnavailable)
	}
	return errors.Join(errs...)
}

// Peek returns the oldest records across children, in configuration order.
func (b *Backend) Peek(ctx context.Context, n int) ([]exchange.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", queue.ErrInvalidCount, n)
	}
	children, err := b.snapshot()
	if err != nil {
		return nil, err
	}
	var out []exchange.Record
	for _, c := range children {
		if len(out) == n {
			break
		}
		records, err := c.Peek(ctx, n-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// Dequeue removes the oldest record of the first non-empty child.
func (b *Backend) Dequeue(ctx context.Context) (exchange.Record, error) {
	children, err := b.snapshot()
	if err != nil {
		return exchange.Record{}, err
	}
	for _, c := range children {
		r, err := c.Dequeue(ctx)
		if errors.Is(err, queue.ErrQueueEmpty) {
			continue
		}
		return r, err
	}
	return exchange.Record{}, queue.ErrQueueEmpty
}

// UnsafeDequeue acknowledges n records in the order Peek returned them.
func (b *Backend) UnsafeDequeue(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", queue.ErrInvalidCount, n)
	}
	children, err := b.snapshot()
	if err != nil {
		return err
	}
	remaining := n
	for _, c := range children {
		if remaining == 0 {
			break
		}
		count, err := c.Count(ctx)
		if err != nil {
			return err
		}
		take := min(count, remaining)
		if take == 0 {
			continue
		}
		if err := c.UnsafeDequeue(ctx, take); err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}

// Count sums the children counts.
func (b *Backend) Count(ctx context.Context) (int, error) {
	children, err := b.snapshot()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range children {
		n, err := c.Count(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// VacuumIfNeeded runs housekeeping on every child and reports whether any
// ran.
func (b *Backend) VacuumIfNeeded(ctx context.Context) (bool, error) {
	children, err := b.snapshot()
	if err != nil {
		return false, err
	}
	ran := false
	var errs []error
	for _, c := range children {
		did, err := c.VacuumIfNeeded(ctx)
		ran = ran || did
		if err != nil {
			errs = append(errs, err)
		}
	}
	return ran, errors.Join(errs...)
}

// Clear clears every child.
func (b *Backend) Clear(ctx context.Context) error {
	children, err := b.snapshot()
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range children {
		errs = append(errs, c.Clear(ctx))
	}
	return errors.Join(errs...)
}

// Close closes every child.
func (b *Backend) Close() error {
	return b.release(queue.Backend.Close)
}

// Delete deletes every child.
func (b *Backend) Delete() error {
	return b.release(queue.Backend.Delete)
}

func (b *Backend) release(op func(queue.Backend) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	children := b.children
	b.mu.Unlock()

	var errs []error
	for _, c := range children {
		errs = append(errs, op(c))
	}
	return errors.Join(errs...)
}
