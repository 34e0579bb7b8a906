package queue

import (
	"context"
	"strconv"

	"github.com/atsora/cncqueue/exchange"
	errspkg "github.com/atsora/cncqueue/internal/runtime/errors"
	"github.com/atsora/cncqueue/internal/runtime/valuecodec"
)

var (
	// ErrQueueEmpty is returned by Dequeue when no record is queued.
	ErrQueueEmpty = errspkg.ErrQueueEmpty
	// ErrQueueClosed is returned by operations on a closed backend.
	ErrQueueClosed = errspkg.ErrQueueClosed
	// ErrBackendUnavailable wraps every failure to build a backend.
	ErrBackendUnavailable = errspkg.ErrBackendUnavailable
	// ErrIdentityBound is returned when an adapter identity is rebound.
	ErrIdentityBound = errspkg.ErrIdentityBound
	// ErrUnknownConfigGroup is returned by Node.Group for unknown groups.
	ErrUnknownConfigGroup = errspkg.ErrUnknownConfigGroup
	// ErrInvalidConfiguration wraps configuration document errors.
	ErrInvalidConfiguration = errspkg.ErrInvalidConfiguration
	// ErrInvalidCount is returned for non-positive Peek/UnsafeDequeue counts.
	ErrInvalidCount = errspkg.ErrInvalidCount
)

// Backend is the operation set every queue implementation exposes.
//
// Enqueue must not wait for the consumer. Peek, Dequeue and UnsafeDequeue
// must serialize with Enqueue and VacuumIfNeeded on the same identity so that
// records are delivered in FIFO order exactly once.
type Backend interface {
	// Enqueue appends r. Once it returns nil the record survives a crash of
	// either process.
	Enqueue(ctx context.Context, r exchange.Record) error
	// Peek returns up to n of the oldest records without removing them.
	Peek(ctx context.Context, n int) ([]exchange.Record, error)
	// Dequeue removes and returns the oldest record, or ErrQueueEmpty.
	Dequeue(ctx context.Context) (exchange.Record, error)
	// UnsafeDequeue removes the n oldest records without returning them.
	// It acknowledges records already read with Peek.
	UnsafeDequeue(ctx context.Context, n int) error
	// Count returns an advisory number of queued records.
	Count(ctx context.Context) (int, error)
	// VacuumIfNeeded runs housekeeping when the backend threshold is met and
	// reports whether it ran.
	VacuumIfNeeded(ctx context.Context) (bool, error)
	// Clear removes every record.
	Clear(ctx context.Context) error
	// Close releases handles and locks so the identity can be reopened.
	Close() error
	// Delete closes the backend and durably erases its persisted state.
	Delete() error
}

// Opener is implemented by backends that acquire resources once their
// identity and configuration are known. Open errors are fatal.
type Opener interface {
	Open(ctx context.Context) error
}

// Configurable is implemented by backends that accept a merged settings
// view. Configure may be called several times before Open and must keep
// only the latest view.
type Configurable interface {
	Configure(settings Settings) error
}

// NodeConfigurable is implemented by composite backends that build their
// own sub-queues from the configuration node they were created from.
type NodeConfigurable interface {
	ConfigureNode(ctx context.Context, node *Node, builder SubQueueBuilder) error
}

// CodecUser is implemented by backends that serialize record values. The
// factory hands them its shared codec before configuration, so value types
// registered once are resolvable by every queue.
type CodecUser interface {
	UseCodec(codec *valuecodec.Codec)
}

// SubQueueBuilder builds the children of a composite backend with the same
// identity and caller defaults as their parent.
type SubQueueBuilder interface {
	BuildSubQueue(ctx context.Context, index int, node *Node) (Backend, error)
}

// Identity is the machine module a backend is bound to.
type Identity struct {
	MachineID       int
	MachineModuleID int
}

// QueueName derives the name backends use for their storage unit: the
// machine id alone when no module is set, "machine-module" otherwise.
func (i Identity) QueueName() string {
	if i.MachineModuleID == 0 {
		return strconv.Itoa(i.MachineID)
	}
	return strconv.Itoa(i.MachineID) + "-" + strconv.Itoa(i.MachineModuleID)
}

// PeekOne returns the oldest record of b, or ErrQueueEmpty.
func PeekOne(ctx context.Context, b Backend) (exchange.Record, error) {
	records, err := b.Peek(ctx, 1)
	if err != nil {
		return exchange.Record{}, err
	}
	if len(records) == 0 {
		return exchange.Record{}, ErrQueueEmpty
	}
	return records[0], nil
}

// UnsafeDequeueOne acknowledges the oldest record of b.
func UnsafeDequeueOne(ctx context.Context, b Backend) error {
	return b.UnsafeDequeue(ctx, 1)
}
