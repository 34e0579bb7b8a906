package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/queue"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var recordColumns = []string{
	"id", "machine_id", "machine_module_id", "command", "record_key", "timestamp",
	"value_type", "value_format", "value_data",
}

const selectOldest = `SELECT id, machine_id, .+ FROM "cncqueue"\.exchange_records\s+WHERE queue_name = \$1\s+ORDER BY id\s+LIMIT \$2`

func openMock(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	b := NewWithDB(db, Config{}, nil)
	require.NoError(t, b.Configure(queue.MapSettings{queue.KeyQueueName: "4-2"}))

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "cncqueue"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "cncqueue"\.exchange_records`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, b.Open(context.Background()))
	return b, mock
}

var at = time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)

func TestRegister(t *testing.T) {
	queue.DefaultRegistry = queue.NewRegistry()
	Register()

	caps := queue.DefaultRegistry.GetCapabilities(BackendName)
	assert.Equal(t, "postgres", caps.Name)
	assert.True(t, caps.Durable)
	assert.Equal(t, "postgres", queue.DefaultRegistry.GetCapabilities("postgresql").Name)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()
		assert.Equal(t, DefaultSchemaName, result.SchemaName)
		assert.Equal(t, "0", result.QueueName)
		assert.Equal(t, int64(DefaultVacuumDeadTuples), result.VacuumDeadTuples)
		assert.Equal(t, 4, result.MaxOpenConns)
		assert.Equal(t, 2, result.MaxIdleConns)
	})

	t.Run("table name is quoted", func(t *testing.T) {
		assert.Equal(t, `"cnc ""q""".exchange_records`, Config{SchemaName: `cnc "q"`}.table())
	})
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings(queue.MapSettings{
		queue.KeyQueueName: "9",
		"ConnectionString": "postgres://localhost/cnc",
		"SchemaName":       "plant1",
		"VacuumDeadTuples": "50",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/cnc", cfg.ConnectionString)
	assert.Equal(t, "plant1", cfg.SchemaName)
	assert.Equal(t, "9", cfg.QueueName)
	assert.Equal(t, int64(50), cfg.VacuumDeadTuples)

	_, err = ConfigFromSettings(queue.MapSettings{"MaxOpenConns": "x"})
	assert.True(t, errors.Is(err, queue.ErrInvalidConfiguration))
}

func TestOpenRequiresConnectionString(t *testing.T) {
	err := New(nil).Open(context.Background())
	assert.True(t, errors.Is(err, queue.ErrInvalidConfiguration))
}

const advisoryLock = `SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`

func TestEnqueue(t *testing.T) {
	b, mock := openMock(t)
	r := exchange.NewBuilder(4, 2, nil).CncValue(at, "Feed", 1200.5)

	mock.ExpectBegin()
	mock.ExpectExec(advisoryLock).WithArgs("4-2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "cncqueue"\.exchange_records`).
		WithArgs(sqlmock.AnyArg(), "4-2", 4, 2, "CncValue", "Feed", at.Unix(), "float64", "native", "1200.5").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, b.Enqueue(context.Background(), r))

	mock.ExpectBegin()
	mock.ExpectExec(advisoryLock).WithArgs("4-2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "cncqueue"\.exchange_records`).
		WithArgs(sqlmock.AnyArg(), "4-2", 4, 2, "Action", "StopCycle", at.Unix(), nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()
	require.NoError(t, b.Enqueue(context.Background(), exchange.NewBuilder(4, 2, nil).StopCycle(at, nil)))
}

func TestEnqueueLockFailureRollsBack(t *testing.T) {
	b, mock := openMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(advisoryLock).WithArgs("4-2").WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	err := b.Enqueue(context.Background(), exchange.NewBuilder(4, 2, nil).Quantity(at, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to lock queue")
}

func TestPeek(t *testing.T) {
	b, mock := openMock(t)

	mock.ExpectQuery(selectOldest).WithArgs("4-2", 2).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(1, 4, 2, "CncValue", "Feed", at.Unix(), "float64", "native", "1200.5").
			AddRow(2, 4, 2, "Action", "StopCycle", at.Unix(), nil, nil, nil))

	got, err := b.Peek(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, exchange.CncValue, got[0].Command)
	assert.Equal(t, 1200.5, got[0].Value)
	assert.Equal(t, exchange.KeyStopCycle, got[1].Key)
	assert.Nil(t, got[1].Value)
	assert.True(t, at.Equal(got[1].Timestamp()))

	_, err = b.Peek(context.Background(), 0)
	assert.True(t, errors.Is(err, queue.ErrInvalidCount))
}

func TestDequeue(t *testing.T) {
	b, mock := openMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).WithArgs("4-2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectOldest).WithArgs("4-2", 1).
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(7, 4, 2, "Stamp", "Stamp", at.Unix(), "int64", "native", "42"))
	mock.ExpectExec(`DELETE FROM "cncqueue"\.exchange_records WHERE id = \$1`).WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, err := b.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exchange.Stamp, r.Command)
	assert.Equal(t, int64(42), r.Value)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs("4-2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectOldest).WithArgs("4-2", 1).WillReturnRows(sqlmock.NewRows(recordColumns))
	mock.ExpectRollback()

	_, err = b.Dequeue(context.Background())
	assert.True(t, errors.Is(err, queue.ErrQueueEmpty))
}

func TestUnsafeDequeue(t *testing.T) {
	b, mock := openMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs("4-2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM "cncqueue"\.exchange_records\s+WHERE id IN \(SELECT id FROM "cncqueue"\.exchange_records WHERE queue_name = \$1 ORDER BY id LIMIT \$2\)`).
		WithArgs("4-2", 3).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, b.UnsafeDequeue(context.Background(), 3))
	assert.True(t, errors.Is(b.UnsafeDequeue(context.Background(), 0), queue.ErrInvalidCount))
}

func TestCount(t *testing.T) {
	b, mock := openMock(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "cncqueue"\.exchange_records WHERE queue_name = \$1`).WithArgs("4-2").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	n, err := b.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestVacuumIfNeeded(t *testing.T) {
	b, mock := openMock(t)
	const deadTuples = `SELECT n_dead_tup FROM pg_stat_user_tables`

	mock.ExpectQuery(deadTuples).WithArgs("cncqueue").WillReturnRows(sqlmock.NewRows([]string{"n_dead_tup"}).AddRow(10))
	ran, err := b.VacuumIfNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	mock.ExpectQuery(deadTuples).WithArgs("cncqueue").WillReturnRows(sqlmock.NewRows([]string{"n_dead_tup"}).AddRow(5000))
	mock.ExpectExec(`VACUUM "cncqueue"\.exchange_records`).WillReturnResult(sqlmock.NewResult(0, 0))
	ran, err = b.VacuumIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	mock.ExpectQuery(deadTuples).WithArgs("cncqueue").WillReturnRows(sqlmock.NewRows([]string{"n_dead_tup"}))
	ran, err = b.VacuumIfNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "no statistics yet")
}

func TestDeleteClearsAndCloses(t *testing.T) {
	b, mock := openMock(t)
	mock.ExpectExec(`DELETE FROM "cncqueue"\.exchange_records WHERE queue_name = \$1`).WithArgs("4-2").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	require.NoError(t, b.Delete())
	err := b.Enqueue(context.Background(), exchange.NewBuilder(4, 2, nil).Quantity(at, 1))
	assert.True(t, errors.Is(err, queue.ErrQueueClosed))
	assert.NoError(t, b.Close(), "closing twice is harmless")
}
