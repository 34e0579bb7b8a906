package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/exchange"
)

// Adapter binds a backend to a machine identity and exposes the full
// Backend operation set. Data operations are forwarded unchanged.
type Adapter[B Backend] struct {
	backend B
	base    Settings

	mu         sync.Mutex
	identity   Identity
	machineSet bool
	moduleSet  bool
	published  MapSettings
	opened     bool
}

// NewAdapter wraps backend. base is the configuration view the identity
// settings are layered over.
func NewAdapter[B Backend](backend B, base Settings) *Adapter[B] {
	return &Adapter[B]{
		backend:   backend,
		base:      base,
		published: MapSettings{KeyQueueName: Identity{}.QueueName()},
	}
}

// NewAdapterFor builds the backend registered under backendType and wraps
// it, failing when the built backend is not a B.
func NewAdapterFor[B Backend](ctx context.Context, registry *Registry, backendType string, base Settings, logger watermill.LoggerAdapter) (*Adapter[B], error) {
	if registry == nil {
		registry = DefaultRegistry
	}
	built, err := registry.Build(ctx, backendType, logger)
	if err != nil {
		return nil, err
	}
	typed, ok := built.(B)
	if !ok {
		var want B
		_ = built.Close()
		return nil, fmt.Errorf("%w: backend %q built %T, want %T", ErrBackendUnavailable, backendType, built, want)
	}
	return NewAdapter(typed, base), nil
}

// Backend returns the wrapped backend.
func (a *Adapter[B]) Backend() B { return a.backend }

// Identity returns the bound identity.
func (a *Adapter[B]) Identity() Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// Settings returns a snapshot of identity settings layered over the base.
func (a *Adapter[B]) Settings() Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Layer(a.published.Clone(), a.base)
}

// SetMachineID binds the machine id. Rebinding to another value, or binding
// after Open, returns ErrIdentityBound.
func (a *Adapter[B]) SetMachineID(id int) error {
	return a.bind(id, &a.machineSet, func(i *Identity) *int { return &i.MachineID }, "machine id")
}

// SetMachineModuleID binds the machine module id. Zero means the machine has
// no module.
func (a *Adapter[B]) SetMachineModuleID(id int) error {
	return a.bind(id, &a.moduleSet, func(i *Identity) *int { return &i.MachineModuleID }, "machine module id")
}

func (a *Adapter[B]) bind(id int, set *bool, field func(*Identity) *int, what string) error {
	a.mu.Lock()
	target := field(&a.identity)
	switch {
	case a.opened:
		a.mu.Unlock()
		return fmt.Errorf("%w: %s set after open", ErrIdentityBound, what)
	case *set && *target != id:
		current := *target
		a.mu.Unlock()
		return fmt.Errorf("%w: %s already %d, cannot rebind to %d", ErrIdentityBound, what, current, id)
	}
	*target = id
	*set = true
	a.published = MapSettings{
		KeyMachineID:       strconv.Itoa(a.identity.MachineID),
		KeyMachineModuleID: strconv.Itoa(a.identity.MachineModuleID),
		KeyQueueName:       a.identity.QueueName(),
	}
	view := Layer(a.published.Clone(), a.base)
	a.mu.Unlock()

	return a.publish(view)
}

func (a *Adapter[B]) publish(view Settings) error {
	c, ok := any(a.backend).(Configurable)
	if !ok {
		return nil
	}
	return c.Configure(view)
}

// Open publishes the final settings and opens the backend when it is an
// Opener. The identity is frozen afterwards.
func (a *Adapter[B]) Open(ctx context.Context) error {
	a.mu.Lock()
	if a.opened {
		a.mu.Unlock()
		return nil
	}
	view := Layer(a.published.Clone(), a.base)
	a.mu.Unlock()

	if err := a.publish(view); err != nil {
		return err
	}
	if o, ok := any(a.backend).(Opener); ok {
		if err := o.Open(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.opened = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter[B]) Enqueue(ctx context.Context, r exchange.Record) error {
	return a.backend.Enqueue(ctx, r)
}

func (a *Adapter[B]) Peek(ctx context.Context, n int) ([]exchange.Record, error) {
	return a.backend.Peek(ctx, n)
}

// PeekOne returns the oldest record or ErrQueueEmpty.
func (a *Adapter[B]) PeekOne(ctx context.Context) (exchange.Record, error) {
	return PeekOne(ctx, a.backend)
}

func (a *Adapter[B]) Dequeue(ctx context.Context) (exchange.Record, error) {
	return a.backend.Dequeue(ctx)
}

func (a *Adapter[B]) UnsafeDequeue(ctx context.Context, n int) error {
	return a.backend.UnsafeDequeue(ctx, n)
}

// UnsafeDequeueOne acknowledges the oldest record.
func (a *Adapter[B]) UnsafeDequeueOne(ctx context.Context) error {
	return UnsafeDequeueOne(ctx, a.backend)
}

func (a *Adapter[B]) Count(ctx context.Context) (int, error) {
	return a.backend.Count(ctx)
}

func (a *Adapter[B]) VacuumIfNeeded(ctx context.Context) (bool, error) {
	return a.backend.VacuumIfNeeded(ctx)
}

func (a *Adapter[B]) Clear(ctx context.Context) error {
	return a.backend.Clear(ctx)
}

func (a *Adapter[B]) Close() error {
	return a.backend.Close()
}

func (a *Adapter[B]) Delete() error {
	return a.backend.Delete()
}
