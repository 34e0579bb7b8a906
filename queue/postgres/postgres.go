// Package postgres provides a PostgreSQL queue backend. Every identity
// shares one table and is isolated by its queue name.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/internal/runtime/ids"
	"github.com/atsora/cncqueue/internal/runtime/valuecodec"
	"github.com/atsora/cncqueue/queue"
)

// BackendName is the name used to register this backend.
const BackendName = "postgres"

const (
	// DefaultSchemaName holds the records table.
	DefaultSchemaName = "cncqueue"
	// DefaultVacuumDeadTuples is the dead tuple count that triggers VACUUM.
	DefaultVacuumDeadTuples = 1000
)

// Capabilities describes this backend.
var Capabilities = queue.Capabilities{Name: BackendName, Durable: true, CrossProcess: true}

func init() {
	Register()
}

// Register adds the backend to queue.DefaultRegistry under its name and the
// "postgresql" alias.
func Register() {
	queue.RegisterWithCapabilities(BackendName, Build, Capabilities)
	queue.RegisterWithCapabilities("postgresql", Build, Capabilities) // Alias
}

// Build implements queue.Builder.
func Build(_ context.Context, logger watermill.LoggerAdapter) (queue.Backend, error) {
	return New(logger), nil
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema of the records table. Defaults to "cncqueue".
	SchemaName string
	// QueueName isolates the records of one identity.
	QueueName string
	// VacuumDeadTuples is the dead tuple count that triggers VACUUM.
	VacuumDeadTuples int64
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.QueueName == "" {
		c.QueueName = "0"
	}
	if c.VacuumDeadTuples <= 0 {
		c.VacuumDeadTuples = DefaultVacuumDeadTuples
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	return c
}

// ConfigFromSettings reads Config from queue settings.
func ConfigFromSettings(s queue.Settings) (Config, error) {
	dead, err := queue.Int64(s, "VacuumDeadTuples", 0)
	if err != nil {
		return Config{}, err
	}
	maxOpen, err := queue.Int(s, "MaxOpenConns", 0)
	if err != nil {
		return Config{}, err
	}
	maxIdle, err := queue.Int(s, "MaxIdleConns", 0)
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConnectionString: queue.String(s, "ConnectionString", ""),
		SchemaName:       queue.String(s, "SchemaName", ""),
		QueueName:        queue.StorageName(s),
		VacuumDeadTuples: dead,
		MaxOpenConns:     maxOpen,
		MaxIdleConns:     maxIdle,
	}.withDefaults(), nil
}

func (c Config) table() string {
	return pq.QuoteIdentifier(c.SchemaName) + ".exchange_records"
}

// Backend is a queue stored in a PostgreSQL table.
type Backend struct {
	*queue.RecordCodec

	logger watermill.LoggerAdapter

	mu     sync.Mutex
	config Config
	db     *sql.DB
	ready  bool
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

// NewWithDB creates a backend over an existing database handle. The schema
// is created on Open.
func NewWithDB(db *sql.DB, cfg Config, logger watermill.LoggerAdapter) *Backend {
	b := New(logger)
	b.db = db
	b.config = cfg.withDefaults()
	return b
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
	if b.db != nil && cfg.ConnectionString == "" {
		cfg.ConnectionString = b.config.ConnectionString
	}
	b.config = cfg
	return nil
}

// Open connects and creates the schema.
func (b *Backend) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}

	if b.db == nil {
		if b.config.ConnectionString == "" {
			return fmt.Errorf("%w: PostgreSQL connection string is required", queue.ErrInvalidConfiguration)
		}
		db, err := sql.Open("postgres", b.config.ConnectionString)
		if err != nil {
			return fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		db.SetMaxOpenConns(b.config.MaxOpenConns)
		db.SetMaxIdleConns(b.config.MaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		b.db = db
	}

	if err := b.initSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	b.ready = true
	b.closed = false
	return nil
}

func (b *Backend) initSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pq.QuoteIdentifier(b.config.SchemaName)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	table := b.config.table()
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL PRIMARY KEY,
		record_id TEXT NOT NULL,
		queue_name TEXT NOT NULL,
		machine_id INTEGER NOT NULL,
		machine_module_id INTEGER NOT NULL DEFAULT 0,
		command TEXT NOT NULL,
		record_key TEXT NOT NULL DEFAULT '',
		timestamp BIGINT NOT NULL,
		value_type TEXT,
		value_format TEXT,
		value_data TEXT,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS exchange_records_queue_id ON %[1]s(queue_name, id);
	`, table)
	_, err := b.db.ExecContext(ctx, schema)
	return err
}

func (b *Backend) handle() (*sql.DB, Config, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.db == nil {
		return nil, Config{}, queue.ErrQueueClosed
	}
	return b.db, b.config, nil
}

func (b *Backend) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		b.logger.Error("failed to rollback transaction", err, nil)
	}
}

// lockQueue serializes producers and consumers of one queue name until tx
// ends. Inserts under the lock commit in id order.
func lockQueue(ctx context.Context, tx *sql.Tx, queueName string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, queueName); err != nil {
		return fmt.Errorf("failed to lock queue: %w", err)
	}
	return nil
}

// Enqueue implements queue.Backend.
func (b *Backend) Enqueue(ctx context.Context, r exchange.Record) error {
	e, err := exchange.EncodeRecord(b.Codec(), r)
	if err != nil {
		return err
	}
	db, cfg, err := b.handle()
	if err != nil {
		return err
	}

	var valueType, valueFormat, valueData sql.NullString
	if e.Value != nil {
		valueType = sql.NullString{String: e.Value.Type, Valid: true}
		valueFormat = sql.NullString{String: string(e.Value.Format), Valid: true}
		valueData = sql.NullString{String: e.Value.Data, Valid: true}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer b.rollback(tx)

	if err := lockQueue(ctx, tx, cfg.QueueName); err != nil {
		return err
	}
	// #nosec G201 - table name is quoted with pq.QuoteIdentifier
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(record_id, queue_name, machine_id, machine_module_id, command, record_key, timestamp, value_type, value_format, value_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, cfg.table()), ids.NewRecordID(), cfg.QueueName, e.MachineID, e.MachineModuleID, e.Command.String(), e.Key, e.Timestamp, valueType, valueFormat, valueData)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type storedRecord struct {
	id     int64
	record exchange.Record
}

func (b *Backend) selectOldest(ctx context.Context, q queryer, cfg Config, n int) ([]storedRecord, error) {
	// #nosec G201 - table name is quoted with pq.QuoteIdentifier
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, machine_id, machine_module_id, command, record_key, timestamp, value_type, value_format, value_data
		FROM %s
		WHERE queue_name = $1
		ORDER BY id
		LIMIT $2
	`, cfg.table()), cfg.QueueName, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []storedRecord
	for rows.Next() {
		var (
			id      int64
			e       exchange.Envelope
			command string
			vType   sql.NullString
			vFormat sql.NullString
			vData   sql.NullString
		)
		if err := rows.Scan(&id, &e.MachineID, &e.MachineModuleID, &command, &e.Key, &e.Timestamp, &vType, &vFormat, &vData); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if e.Command, err = exchange.ParseCommand(command); err != nil {
			b.logger.Error("Stored record has an unknown command", err, watermill.LogFields{"row_id": id})
		}
		if vType.Valid {
			e.Value = &valuecodec.Encoded{Type: vType.String, Format: valuecodec.Format(vFormat.String), Data: vData.String}
		}
		out = append(out, storedRecord{id: id, record: exchange.DecodeRecord(b.Codec(), e)})
	}
	return out, rows.Err()
}

// Peek implements queue.Backend.
func (b *Backend) Peek(ctx context.Context, n int) ([]exchange.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", queue.ErrInvalidCount, n)
	}
	db, cfg, err := b.handle()
	if err != nil {
		return nil, err
	}
	stored, err := b.selectOldest(ctx, db, cfg, n)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Record, len(stored))
	for i, s := range stored {
		out[i] = s.record
	}
	return out, nil
}

// Dequeue implements queue.Backend.
func (b *Backend) Dequeue(ctx context.Context) (exchange.Record, error) {
	db, cfg, err := b.handle()
	if err != nil {
		return exchange.Record{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return exchange.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer b.rollback(tx)

	if err := lockQueue(ctx, tx, cfg.QueueName); err != nil {
		return exchange.Record{}, err
	}
	stored, err := b.selectOldest(ctx, tx, cfg, 1)
	if err != nil {
		return exchange.Record{}, err
	}
	if len(stored) == 0 {
		return exchange.Record{}, queue.ErrQueueEmpty
	}
	// #nosec G201 - table name is quoted with pq.QuoteIdentifier
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, cfg.table()), stored[0].id); err != nil {
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
	db, cfg, err := b.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer b.rollback(tx)

	if err := lockQueue(ctx, tx, cfg.QueueName); err != nil {
		return err
	}
	// #nosec G201 - table name is quoted with pq.QuoteIdentifier
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE id IN (SELECT id FROM %[1]s WHERE queue_name = $1 ORDER BY id LIMIT $2)
	`, cfg.table()), cfg.QueueName, n)
	if err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Count implements queue.Backend.
func (b *Backend) Count(ctx context.Context) (int, error) {
	db, cfg, err := b.handle()
	if err != nil {
		return 0, err
	}
	var n int
	// #nosec G201 - table name is quoted with pq.QuoteIdentifier
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue_name = $1`, cfg.table()), cfg.QueueName).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// VacuumIfNeeded runs VACUUM on the records table once its dead tuple
// count reaches VacuumDeadTuples.
func (b *Backend) VacuumIfNeeded(ctx context.Context) (bool, error) {
	db, cfg, err := b.handle()
	if err != nil {
		return false, err
	}

	var dead int64
	err = db.QueryRowContext(ctx, `
		SELECT n_dead_tup FROM pg_stat_user_tables
		WHERE schemaname = $1 AND relname = 'exchange_records'
	`, cfg.SchemaName).Scan(&dead)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read dead tuples: %w", err)
	}
	if dead < cfg.VacuumDeadTuples {
		return false, nil
	}
	if _, err := db.ExecContext(ctx, `VACUUM `+cfg.table()); err != nil {
		return false, fmt.Errorf("failed to vacuum: %w", err)
	}
	b.logger.Info("PostgreSQL queue vacuumed", watermill.LogFields{"table": cfg.table(), "dead_tuples": dead})
	return true, nil
}

// Clear implements queue.Backend.
func (b *Backend) Clear(ctx context.Context) error {
	db, cfg, err := b.handle()
	if err != nil {
		return err
	}
	// #nosec G201 - table name is quoted with pq.QuoteIdentifier
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE queue_name = $1`, cfg.table()), cfg.QueueName); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.ready = false
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Delete removes every record of the queue name, then closes.
func (b *Backend) Delete() error {
	err := b.Clear(context.Background())
	if errors.Is(err, queue.ErrQueueClosed) {
		err = nil
	}
	return errors.Join(err, b.Close())
}
