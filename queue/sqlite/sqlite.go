// Package sqlite provides the default queue backend: one SQLite database
// file per queue, shared safely by a producer and a consumer process.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/internal/runtime/ids"
	"github.com/atsora/cncqueue/internal/runtime/valuecodec"
	"github.com/atsora/cncqueue/queue"
)

// BackendName is the name used to register this backend.
const BackendName = "sqlite"

const (
	// DefaultVacuumFreePages is the free page count that triggers VACUUM.
	DefaultVacuumFreePages = 1000
	// DefaultBusyTimeout is how long a connection waits for the other
	// process to release the database.
	DefaultBusyTimeout = 5 * time.Second
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"
)

// Capabilities describes this backend.
var Capabilities = queue.Capabilities{Name: BackendName, Durable: true, CrossProcess: true}

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

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the database file. Use ":memory:" for an in-memory
	// database (useful for testing). Takes precedence over Directory.
	FilePath string
	// Directory receives one "<queue name>.db" file per queue.
	Directory string
	// QueueName names the database file under Directory.
	QueueName       string
	VacuumFreePages int
	BusyTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueName == "" {
		c.QueueName = "0"
	}
	if c.FilePath == "" {
		c.FilePath = filepath.Join(c.Directory, c.QueueName+".db")
	}
	if c.VacuumFreePages <= 0 {
		c.VacuumFreePages = DefaultVacuumFreePages
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	return c
}

// ConfigFromSettings reads Config from queue settings.
func ConfigFromSettings(s queue.Settings) (Config, error) {
	pages, err := queue.Int(s, "VacuumFreePages", 0)
	if err != nil {
		return Config{}, err
	}
	busy, err := queue.Duration(s, "BusyTimeout", 0)
	if err != nil {
		return Config{}, err
	}
	return Config{
		FilePath:        queue.String(s, "FilePath", ""),
		Directory:       queue.String(s, "Directory", ""),
		QueueName:       queue.StorageName(s),
		VacuumFreePages: pages,
		BusyTimeout:     busy,
	}.withDefaults(), nil
}

func (c Config) dsn() string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", c.FilePath, c.BusyTimeout.Milliseconds())
}

func (c Config) inMemory() bool {
	return c.FilePath == MemoryPath || strings.Contains(c.FilePath, "mode=memory")
}

// Backend is a queue stored in a SQLite database.
type Backend struct {
	*queue.RecordCodec

	logger watermill.LoggerAdapter
	config Config

	// mu serializes operations of this process; SQLite locking serializes
	// them with the other process.
	mu     sync.Mutex
	db     *sql.DB
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

// Config returns the effective configuration.
func (b *Backend) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// Open creates the database file and schema.
func (b *Backend) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	if !b.config.inMemory() {
		if dir := filepath.Dir(b.config.FilePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create queue directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", b.config.dsn())
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	b.db = db
	b.closed = false
	b.logger.Debug("SQLite queue opened", watermill.LogFields{"path": b.config.FilePath})
	return nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchange_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		machine_id INTEGER NOT NULL,
		machine_module_id INTEGER NOT NULL DEFAULT 0,
		command TEXT NOT NULL,
		record_key TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		value_type TEXT,
		value_format TEXT,
		value_data TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// handle returns the open database while holding b.mu.
func (b *Backend) handle(ctx context.Context) (*sql.DB, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, queue.ErrQueueClosed
	}
	if b.db == nil {
		b.mu.Unlock()
		// Used without Open.
		if err := b.Open(ctx); err != nil {
			return nil, nil, err
		}
		b.mu.Lock()
	}
	return b.db, b.mu.Unlock, nil
}

func (b *Backend) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		b.logger.Error("failed to rollback transaction", err, nil)
	}
}

// Enqueue implements queue.Backend.
func (b *Backend) Enqueue(ctx context.Context, r exchange.Record) error {
	e, err := exchange.EncodeRecord(b.Codec(), r)
	if err != nil {
		return err
	}
	db, release, err := b.handle(ctx)
	if err != nil {
		return err
	}
	defer release()

	valueType, valueFormat, valueData := valueColumns(e.Value)
	_, err = db.ExecContext(ctx, `
		INSERT INTO exchange_records
			(record_id, machine_id, machine_module_id, command, record_key, timestamp, value_type, value_format, value_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ids.NewRecordID(), e.MachineID, e.MachineModuleID, e.Command.String(), e.Key, e.Timestamp, valueType, valueFormat, valueData)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func valueColumns(v *valuecodec.Encoded) (sql.NullString, sql.NullString, sql.NullString) {
	if v == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: v.Type, Valid: true},
		sql.NullString{String: string(v.Format), Valid: true},
		sql.NullString{String: v.Data, Valid: true}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type storedRecord struct {
	id     int64
	record exchange.Record
}

func (b *Backend) selectOldest(ctx context.Context, q queryer, n int) ([]storedRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, machine_id, machine_module_id, command, record_key, timestamp, value_type, value_format, value_data
		FROM exchange_records
		ORDER BY id
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []storedRecord
	for rows.Next() {
		var (
			id                                int64
			e                                 exchange.Envelope
			command                           string
			valueType, valueFormat, valueData sql.NullString
		)
		if err := rows.Scan(&id, &e.MachineID, &e.MachineModuleID, &command, &e.Key, &e.Timestamp, &valueType, &valueFormat, &valueData); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if e.Command, err = exchange.ParseCommand(command); err != nil {
			b.logger.Error("Stored record has an unknown command", err, watermill.LogFields{"row_id": id})
		}
		if valueType.Valid {
			e.Value = &valuecodec.Encoded{Type: valueType.String, Format: valuecodec.Format(valueFormat.String), Data: valueData.String}
		}
		out = append(out, storedRecord{id: id, record: exchange.DecodeRecord(b.Codec(), e)})
	}
	return out, rows.Err()
}

func records(stored []storedRecord) []exchange.Record {
	out := make([]exchange.Record, len(stored))
	for i, s := range stored {
		out[i] = s.record
	}
	return out
}

// Peek implements queue.Backend.
func (b *Backend) Peek(ctx context.Context, n int) ([]exchange.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", queue.ErrInvalidCount, n)
	}
	db, release, err := b.handle(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	stored, err := b.selectOldest(ctx, db, n)
	if err != nil {
		return nil, err
	}
	return records(stored), nil
}

// Dequeue implements queue.Backend.
func (b *Backend) Dequeue(ctx context.Context) (exchange.Record, error) {
	db, release, err := b.handle(ctx)
	if err != nil {
		return exchange.Record{}, err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return exchange.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer b.rollback(tx)

	stored, err := b.selectOldest(ctx, tx, 1)
	if err != nil {
		return exchange.Record{}, err
	}
	if len(stored) == 0 {
		return exchange.Record{}, queue.ErrQueueEmpty
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exchange_records WHERE id = ?`, stored[0].id); err != nil {
		return exchange.Record{}, fmt.Errorf("failed to delete record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return exchange.Record{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored[0].record, nil
}

// UnsafeDequeue implements queue.Backend.
func (b *Backend) UnsafeDequeue(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", queue.ErrInvalidCount, n)
	}
	db, release, err := b.handle(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = db.ExecContext(ctx, `
		DELETE FROM exchange_records
		WHERE id IN (SELECT id FROM exchange_records ORDER BY id LIMIT ?)
	`, n)
	if err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

// Count implements queue.Backend.
func (b *Backend) Count(ctx context.Context) (int, error) {
	db, release, err := b.handle(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchange_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// FreePages returns the number of unused database pages.
func (b *Backend) FreePages(ctx context.Context) (int, error) {
	db, release, err := b.handle(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return freePages(ctx, db)
}

func freePages(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read free pages: %w", err)
	}
	return n, nil
}

// VacuumIfNeeded runs VACUUM once the free page count reaches
// VacuumFreePages.
func (b *Backend) VacuumIfNeeded(ctx context.Context) (bool, error) {
	db, release, err := b.handle(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	free, err := freePages(ctx, db)
	if err != nil {
		return false, err
	}
	if free < b.config.VacuumFreePages {
		return false, nil
	}
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return false, fmt.Errorf("failed to vacuum: %w", err)
	}
	b.logger.Info("SQLite queue vacuumed", watermill.LogFields{"path": b.config.FilePath, "free_pages": free})
	return true, nil
}

// Clear implements queue.Backend.
func (b *Backend) Clear(ctx context.Context) error {
	db, release, err := b.handle(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := db.ExecContext(ctx, `DELETE FROM exchange_records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

// Close closes the database so the queue can be reopened.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Backend) closeLocked() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Delete closes the database and removes its files.
func (b *Backend) Delete() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.closeLocked()
	if b.config.inMemory() {
		return err
	}
	for _, path := range []string{b.config.FilePath, b.config.FilePath + "-wal", b.config.FilePath + "-shm"} {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}
