package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/otel/trace"

	"github.com/atsora/cncqueue/internal/runtime/valuecodec"
)

// Factory turns configuration nodes into opened, identity-bound backends.
type Factory struct {
	registry     *Registry
	logger       watermill.LoggerAdapter
	fallbackType string
	codec        *valuecodec.Codec
	metrics      *Metrics
	tracer       trace.Tracer
	instrument   bool
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithRegistry selects the registry backends are built from.
func WithRegistry(r *Registry) FactoryOption {
	return func(f *Factory) { f.registry = r }
}

// WithFallbackType overrides DefaultBackendType for nodes and defaults that
// name no backend.
func WithFallbackType(backendType string) FactoryOption {
	return func(f *Factory) { f.fallbackType = backendType }
}

// WithCodec shares codec with every backend that serializes values.
func WithCodec(codec *valuecodec.Codec) FactoryOption {
	return func(f *Factory) { f.codec = codec }
}

// WithInstrumentation wraps every created queue with Instrument.
func WithInstrumentation(metrics *Metrics, tracer trace.Tracer) FactoryOption {
	return func(f *Factory) {
		f.metrics = metrics
		f.tracer = tracer
		f.instrument = true
	}
}

// NewFactory creates a factory using DefaultRegistry unless overridden.
func NewFactory(logger watermill.LoggerAdapter, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	f := &Factory{
		registry:     DefaultRegistry,
		logger:       logger,
		fallbackType: DefaultBackendType,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ResolveBackendType returns the backend type the factory would use for node.
func (f *Factory) ResolveBackendType(node *Node, defaults Settings) string {
	return ResolveBackendType(node, defaults, f.fallbackType)
}

// Open loads the configuration of the identity with loader and creates the
// queue it describes.
func (f *Factory) Open(ctx context.Context, loader *Loader, machineID, machineModuleID int, defaults Settings) (Backend, error) {
	var l Loader
	if loader != nil {
		l = *loader
	}
	if l.Logger == nil {
		l.Logger = f.logger
	}
	node, source := l.Resolve(ctx, machineID, machineModuleID)
	if source == SourceFallback {
		f.logger.Info("Using default queue type", watermill.LogFields{
			"queue_type": f.ResolveBackendType(node, defaults),
			"queue_name": Identity{MachineID: machineID, MachineModuleID: machineModuleID}.QueueName(),
		})
	}
	return f.CreateQueue(ctx, machineID, machineModuleID, node, defaults)
}

// CreateQueue builds the backend node describes, binds it to the identity,
// configures it with node settings over defaults and opens it. A nil node
// builds the default backend. Every failure is fatal and wraps
// ErrBackendUnavailable.
func (f *Factory) CreateQueue(ctx context.Context, machineID, machineModuleID int, node *Node, defaults Settings) (Backend, error) {
	if node == nil {
		node = &Node{}
	}
	backendType := f.ResolveBackendType(node, defaults)
	identity := Identity{MachineID: machineID, MachineModuleID: machineModuleID}
	logger := f.logger.With(watermill.LogFields{
		"queue_type": backendType,
		"queue_name": identity.QueueName(),
	})

	backend, err := f.registry.Build(ctx, backendType, logger)
	if err != nil {
		logger.Error("Queue backend unavailable", err, nil)
		return nil, err
	}

	fail := func(step string, err error) (Backend, error) {
		err = fmt.Errorf("%w: %s %q: %w", ErrBackendUnavailable, step, backendType, err)
		logger.Error("Queue construction failed", err, nil)
		if closeErr := backend.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, err
	}

	if cu, ok := backend.(CodecUser); ok && f.codec != nil {
		cu.UseCodec(f.codec)
	}

	adapter := NewAdapter(backend, Layer(node.SettingsView(), defaults))
	if err := adapter.SetMachineID(machineID); err != nil {
		return fail("configure", err)
	}
	if err := adapter.SetMachineModuleID(machineModuleID); err != nil {
		return fail("configure", err)
	}

	if nc, ok := backend.(NodeConfigurable); ok {
		builder := &subQueueBuilder{factory: f, identity: identity, defaults: defaults}
		if err := nc.ConfigureNode(ctx, node, builder); err != nil {
			return fail("configure node", err)
		}
	}

	if err := adapter.Open(ctx); err != nil {
		return fail("open", err)
	}
	logger.Debug("Queue opened", nil)

	if f.instrument {
		if f.metrics != nil {
			if err := f.metrics.Register(); err != nil {
				return fail("register metrics", err)
			}
		}
		return Instrument(adapter, identity.QueueName(), backendType, f.metrics, f.tracer), nil
	}
	return adapter, nil
}

type subQueueBuilder struct {
	factory  *Factory
	identity Identity
	defaults Settings
}

func (b *subQueueBuilder) BuildSubQueue(ctx context.Context, index int, node *Node) (Backend, error) {
	position := strconv.Itoa(index)
	if parent := String(b.defaults, KeySubQueue, ""); parent != "" {
		position = parent + "." + position
	}
	defaults := Layer(MapSettings{KeySubQueue: position}, b.defaults)
	return b.factory.CreateQueue(ctx, b.identity.MachineID, b.identity.MachineModuleID, node, defaults)
}
