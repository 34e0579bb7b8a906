// Package memory provides an in-process queue backend. Records survive
// Close and reopen within the same process but are lost when it exits.
//
// It is intended for tests and development only. Use a durable backend
// such as sqlite or postgres for production queues.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/queue"
)

// BackendName is the name used to register this backend.
const BackendName = "memory"

// DefaultVacuumRecords is the consumed-head length that triggers compaction.
const DefaultVacuumRecords = 1000

// Capabilities describes this backend.
var Capabilities = queue.Capabilities{Name: BackendName}

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

// Config holds the memory backend settings.
type Config struct {
	// VacuumRecords is the number of consumed records kept before the
	// underlying slice is compacted.
	VacuumRecords int
}

func (c Config) withDefaults() Config {
	if c.VacuumRecords <= 0 {
		c.VacuumRecords = DefaultVacuumRecords
	}
	return c
}

// ConfigFromSettings reads Config from queue settings.
func ConfigFromSettings(s queue.Settings) (Config, error) {
	n, err := queue.Int(s, "VacuumRecords", 0)
	if err != nil {
		return Config{}, err
	}
	return Config{VacuumRecords: n}.withDefaults(), nil
}

type store struct {
	mu      sync.Mutex
	records []exchange.Record
	head    int
}

var (
	storesMu sync.Mutex
	stores   = make(map[string]*store)
)

func attach(name string) *store {
	storesMu.Lock()
	defer storesMu.Unlock()
	s, ok := stores[name]
	if !ok {
		s = &store{}
		stores[name] = s
	}
	return s
}

func drop(name string) {
	storesMu.Lock()
	defer storesMu.Unlock()
	delete(stores, name)
}

// Backend is a queue held in process memory, shared by every backend of the
// same storage name.
type Backend struct {
	logger watermill.LoggerAdapter
	config Config
	name   string

	mu     sync.RWMutex
	store  *store
	closed bool
}

// New creates an unopened memory backend.
func New(logger watermill.LoggerAdapter) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{logger: logger, config: Config{}.withDefaults(), name: "0"}
}

// Configure implements queue.Configurable.
func (b *Backend) Configure(s queue.Settings) error {
	cfg, err := ConfigFromSettings(s)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = cfg
	b.name = queue.StorageName(s)
	return nil
}

// Open implements queue.Opener.
func (b *Backend) Open(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = attach(b.name)
	b.closed = false
	b.logger.Debug("Memory queue opened", watermill.LogFields{"queue_name": b.name})
	return nil
}

func (b *Backend) acquire() (*store, error) {
	b.mu.RLock()
	closed, s := b.closed, b.store
	b.mu.RUnlock()
	if closed {
		return nil, queue.ErrQueueClosed
	}
	if s == nil {
		// Used without Open: attach lazily.
		b.mu.Lock()
		if b.store == nil {
			b.store = attach(b.name)
		}
		s = b.store
		b.mu.Unlock()
	}
	s.mu.Lock()
	return s, nil
}

// Enqueue implements queue.Backend.
func (b *Backend) Enqueue(ctx context.Context, r exchange.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := b.acquire()
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Peek implements queue.Backend.
func (b *Backend) Peek(ctx context.Context, n int) ([]exchange.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", queue.ErrInvalidCount, n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := b.acquire()
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	pending := s.records[s.head:]
	n = min(n, len(pending))
	out := make([]exchange.Record, n)
	copy(out, pending[:n])
	return out, nil
}

// Dequeue implements queue.Backend.
func (b *Backend) Dequeue(ctx context.Context) (exchange.Record, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Record{}, err
	}
	s, err := b.acquire()
	if err != nil {
		return exchange.Record{}, err
	}
	defer s.mu.Unlock()
	if s.head >= len(s.records) {
		return exchange.Record{}, queue.ErrQueueEmpty
	}
	r := s.records[s.head]
	s.records[s.head] = exchange.Record{}
	s.head++
	return r, nil
}

// UnsafeDequeue implements queue.Backend.
func (b *Backend) UnsafeDequeue(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", queue.ErrInvalidCount, n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := b.acquire()
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	end := min(s.head+n, len(s.records))
	clear(s.records[s.head:end])
	s.head = end
	return nil
}

// Count implements queue.Backend.
func (b *Backend) Count(context.Context) (int, error) {
	s, err := b.acquire()
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.records) - s.head, nil
}

// VacuumIfNeeded compacts the consumed head once it reaches VacuumRecords.
func (b *Backend) VacuumIfNeeded(context.Context) (bool, error) {
	b.mu.RLock()
	threshold := b.config.VacuumRecords
	b.mu.RUnlock()

	s, err := b.acquire()
	if err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if s.head < threshold {
		return false, nil
	}
	s.records = append([]exchange.Record(nil), s.records[s.head:]...)
	s.head = 0
	return true, nil
}

// Clear implements queue.Backend.
func (b *Backend) Clear(context.Context) error {
	s, err := b.acquire()
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.records = nil
	s.head = 0
	return nil
}

// Close detaches from the store; records stay available to a reopened
// backend of the same name.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.store = nil
	return nil
}

// Delete closes the backend and discards its records.
func (b *Backend) Delete() error {
	if err := b.Close(); err != nil {
		return err
	}
	b.mu.RLock()
	name := b.name
	b.mu.RUnlock()
	drop(name)
	return nil
}
