// Package file provides a queue backend made of plain files: an append-only
// JSON-lines data file and a small state file holding the read position.
// It is meant for a single process; use sqlite to share a queue between a
// producer and a consumer process.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/queue"
)

// BackendName is the name used to register this backend.
const BackendName = "file"

// DefaultVacuumBytes is the consumed byte count that triggers compaction.
const DefaultVacuumBytes = 1 << 20

// Capabilities describes this backend.
var Capabilities = queue.Capabilities{Name: BackendName, Durable: true}

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

// Config holds file backend settings.
type Config struct {
	// Directory receives the files of every queue.
	Directory string
	// QueueName prefixes the file names.
	QueueName string
	// VacuumBytes is the consumed byte count that triggers compaction.
	VacuumBytes int64
	// NoSync skips fsync after each write. Records may then be lost on a
	// power failure.
	NoSync bool
}

func (c Config) withDefaults() Config {
	if c.QueueName == "" {
		c.QueueName = "0"
	}
	if c.VacuumBytes <= 0 {
		c.VacuumBytes = DefaultVacuumBytes
	}
	return c
}

// ConfigFromSettings reads Config from queue settings.
func ConfigFromSettings(s queue.Settings) (Config, error) {
	vacuum, err := queue.Int64(s, "VacuumBytes", 0)
	if err != nil {
		return Config{}, err
	}
	noSync, err := queue.Bool(s, "NoSync", false)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Directory:   queue.String(s, "Directory", ""),
		QueueName:   queue.StorageName(s),
		VacuumBytes: vacuum,
		NoSync:      noSync,
	}.withDefaults(), nil
}

func (c Config) statePath() string {
	return filepath.Join(c.Directory, c.QueueName+".state")
}

func (c Config) dataPath(generation int64) string {
	return filepath.Join(c.Directory, c.QueueName+"."+strconv.FormatInt(generation, 10)+".jsonl")
}

// state is the persisted read position. Compaction moves to a new
// generation so that the data file and the offset always change together.
type state struct {
	generation int64
	offset     int64
}

func (s state) String() string {
	return strconv.FormatInt(s.generation, 10) + " " + strconv.FormatInt(s.offset, 10) + "\n"
}

func parseState(data []byte) (state, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return state{}, fmt.Errorf("malformed queue state %q", data)
	}
	gen, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return state{}, fmt.Errorf("malformed queue generation: %w", err)
	}
	off, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return state{}, fmt.Errorf("malformed queue offset: %w", err)
	}
	return state{generation: gen, offset: off}, nil
}

// Backend is a queue stored in files.
type Backend struct {
	*queue.RecordCodec

	logger watermill.LoggerAdapter

	mu     sync.Mutex
	config Config
	state  state
	opened bool
	closed bool
}

// New creates an unopened backend.
func New(logger watermill.LoggerAdapter) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{
		RecordCodec: queue.NewRecordCodec(logger),
		logger:      logger,
		config:      Config{}.withDefaults(),
	}
}

// Configure implements queue.Configurable.
func (b *Backend) Configure(s queue.Settings) error {
	cfg, err := ConfigFromSettings(s)
	if err != nil {
		return err
	}
	if err := b.ApplySettings(s); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = cfg
	return nil
}

// Open creates the directory and loads the read position.
func (b *Backend) Open(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked()
}

func (b *Backend) openLocked() error {
	if b.opened {
		return nil
	}
	if b.config.Directory != "" {
		if err := os.MkdirAll(b.config.Directory, 0o755); err != nil {
			return fmt.Errorf("failed to create queue directory: %w", err)
		}
	}
	data, err := os.ReadFile(b.config.statePath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		b.state = state{}
	case err != nil:
		return fmt.Errorf("failed to read queue state: %w", err)
	default:
		if b.state, err = parseState(data); err != nil {
			return err
		}
	}
	b.opened = true
	b.closed = false
	return nil
}

func (b *Backend) ready() error {
	if b.closed {
		return queue.ErrQueueClosed
	}
	return b.openLocked()
}

// writeFileAtomic replaces path with data through a synced temporary file.
func writeFileAtomic(path string, data []byte, sync bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *Backend) saveState(s state) error {
	if err := writeFileAtomic(b.config.statePath(), []byte(s.String()), !b.config.NoSync); err != nil {
		return fmt.Errorf("failed to save queue state: %w", err)
	}
	b.state = s
	return nil
}

// Enqueue appends r to the data file.
func (b *Backend) Enqueue(ctx context.Context, r exchange.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := b.Marshal(r)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}

	f, err := os.OpenFile(b.config.dataPath(b.state.generation), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open queue data: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if !b.config.NoSync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync record: %w", err)
		}
	}
	return nil
}

// entry is one complete line after the read position.
type entry struct {
	end    int64
	record exchange.Record
	skip   bool
}

// scan reads up to n decodable records after the read position. Complete
// lines that cannot be decoded are logged and returned as skipped entries so
// that consuming past them discards them; an unterminated trailing line is
// ignored. n < 0 reads everything.
func (b *Backend) scan(n int) ([]entry, error) {
	f, err := os.Open(b.config.dataPath(b.state.generation))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open queue data: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(b.state.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek queue data: %w", err)
	}

	var out []entry
	found := 0
	pos := b.state.offset
	reader := bufio.NewReader(f)
	for n < 0 || found < n {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read queue data: %w", err)
		}
		start := pos
		pos += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			out = append(out, entry{end: pos, skip: true})
			continue
		}
		r, err := b.Unmarshal(line)
		if err != nil {
			b.logger.Error("Discarding unreadable queue line", err, watermill.LogFields{"offset": start})
			out = append(out, entry{end: pos, skip: true})
			continue
		}
		out = append(out, entry{end: pos, record: r})
		found++
	}
	return out, nil
}

func records(entries []entry) []exchange.Record {
	out := make([]exchange.Record, 0, len(entries))
	for _, e := range entries {
		if !e.skip {
			out = append(out, e.record)
		}
	}
	return out
}

func (b *Backend) checkCount(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", queue.ErrInvalidCount, n)
	}
	return nil
}

// Peek implements queue.Backend.
func (b *Backend) Peek(ctx context.Context, n int) ([]exchange.Record, error) {
	if err := b.checkCount(n); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	entries, err := b.scan(n)
	if err != nil {
		return nil, err
	}
	return records(entries), nil
}

// advance consumes n records and any unreadable lines among them.
func (b *Backend) advance(n int) ([]exchange.Record, error) {
	entries, err := b.scan(n)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	next := b.state
	next.offset = entries[len(entries)-1].end
	if err := b.saveState(next); err != nil {
		return nil, err
	}
	return records(entries), nil
}

// Dequeue implements queue.Backend.
func (b *Backend) Dequeue(ctx context.Context) (exchange.Record, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Record{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return exchange.Record{}, err
	}
	out, err := b.advance(1)
	if err != nil {
		return exchange.Record{}, err
	}
	if len(out) == 0 {
		return exchange.Record{}, queue.ErrQueueEmpty
	}
	return out[0], nil
}

// UnsafeDequeue implements queue.Backend.
func (b *Backend) UnsafeDequeue(ctx context.Context, n int) error {
	if err := b.checkCount(n); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}
	_, err := b.advance(n)
	return err
}

// Count implements queue.Backend.
func (b *Backend) Count(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return 0, err
	}
	entries, err := b.scan(-1)
	if err != nil {
		return 0, err
	}
	return len(records(entries)), nil
}

// VacuumIfNeeded moves the unread records to a new data file once
// VacuumBytes have been consumed.
func (b *Backend) VacuumIfNeeded(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return false, err
	}
	if b.state.offset < b.config.VacuumBytes {
		return false, nil
	}

	oldPath := b.config.dataPath(b.state.generation)
	data, err := os.ReadFile(oldPath)
	if err != nil {
		return false, fmt.Errorf("failed to read queue data: %w", err)
	}
	next := state{generation: b.state.generation + 1}
	if err := writeFileAtomic(b.config.dataPath(next.generation), data[min(b.state.offset, int64(len(data))):], !b.config.NoSync); err != nil {
		return false, fmt.Errorf("failed to compact queue data: %w", err)
	}
	if err := b.saveState(next); err != nil {
		return false, err
	}
	if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Error("Failed to remove compacted queue data", err, watermill.LogFields{"path": oldPath})
	}
	b.logger.Info("File queue compacted", watermill.LogFields{"queue_name": b.config.QueueName, "generation": next.generation})
	return true, nil
}

// Clear implements queue.Backend.
func (b *Backend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}
	oldPath := b.config.dataPath(b.state.generation)
	if err := b.saveState(state{generation: b.state.generation + 1}); err != nil {
		return err
	}
	if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove queue data: %w", err)
	}
	return nil
}

// Close implements queue.Backend. No handle is kept between operations.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.opened = false
	return nil
}

// Delete removes the data and state files.
func (b *Backend) Delete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.opened = false

	matches, err := filepath.Glob(filepath.Join(b.config.Directory, b.config.QueueName+".*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, path := range matches {
		if !b.owns(filepath.Base(path)) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// owns reports whether name is the state file or a data generation of this
// queue, and not the file of another queue sharing the prefix.
func (b *Backend) owns(name string) bool {
	rest, ok := strings.CutPrefix(name, b.config.QueueName+".")
	if !ok {
		return false
	}
	if rest == "state" || strings.HasPrefix(rest, "state.tmp") {
		return true
	}
	gen, ok := strings.CutSuffix(rest, ".jsonl")
	if !ok {
		return false
	}
	_, err := strconv.ParseInt(gen, 10, 64)
	return err == nil
}
