package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/queue"
	"github.com/atsora/cncqueue/queue/queuetest"
)

func openAt(t *testing.T, extra map[string]string) *Backend {
	t.Helper()
	b := New(nil)
	b.UseCodec(queuetest.Codec())
	require.NoError(t, b.Configure(queuetest.Settings(t, extra)))
	require.NoError(t, b.Open(context.Background()))
	return b
}

func TestBackendContract(t *testing.T) {
	dir := t.TempDir()
	open := func(t *testing.T) queue.Backend {
		return openAt(t, map[string]string{"Directory": dir})
	}
	queuetest.Run(t, queuetest.Opener{Open: open, Reopen: open})
}

func TestInMemoryContract(t *testing.T) {
	queuetest.Run(t, queuetest.Opener{Open: func(t *testing.T) queue.Backend {
		return openAt(t, map[string]string{"FilePath": MemoryPath})
	}})
}

func TestRegister(t *testing.T) {
	queue.DefaultRegistry = queue.NewRegistry()
	Register()

	caps := queue.DefaultRegistry.GetCapabilities(BackendName)
	assert.Equal(t, "sqlite", caps.Name)
	assert.True(t, caps.Durable)
	assert.True(t, caps.CrossProcess)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()
		assert.Equal(t, "0.db", result.FilePath)
		assert.Equal(t, DefaultVacuumFreePages, result.VacuumFreePages)
		assert.Equal(t, DefaultBusyTimeout, result.BusyTimeout)
	})

	t.Run("directory and queue name build the path", func(t *testing.T) {
		result := Config{Directory: "/var/lib/cnc", QueueName: "4-2"}.withDefaults()
		assert.Equal(t, filepath.Join("/var/lib/cnc", "4-2.db"), result.FilePath)
	})

	t.Run("file path wins", func(t *testing.T) {
		result := Config{Directory: "/var/lib/cnc", FilePath: "custom.db"}.withDefaults()
		assert.Equal(t, "custom.db", result.FilePath)
	})

	t.Run("dsn enables shared access", func(t *testing.T) {
		dsn := Config{FilePath: "q.db"}.withDefaults().dsn()
		assert.True(t, strings.HasPrefix(dsn, "q.db?"))
		assert.Contains(t, dsn, "_journal_mode=WAL")
		assert.Contains(t, dsn, "_busy_timeout=5000")
		assert.Contains(t, dsn, "_txlock=immediate")
	})
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings(queue.MapSettings{
		queue.KeyQueueName: "3-1",
		queue.KeySubQueue:  "0",
		"Directory":        "/data",
		"VacuumFreePages":  "10",
		"BusyTimeout":      "2s",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "3-1.sub0.db"), cfg.FilePath)
	assert.Equal(t, 10, cfg.VacuumFreePages)
	assert.Equal(t, 2*time.Second, cfg.BusyTimeout)

	_, err = ConfigFromSettings(queue.MapSettings{"VacuumFreePages": "lots"})
	assert.True(t, errors.Is(err, queue.ErrInvalidConfiguration))

	b := New(nil)
	assert.Error(t, b.Configure(queue.MapSettings{queue.KeyValueBinaryCodec: "soap"}))
}

func TestVacuumIfNeeded(t *testing.T) {
	ctx := context.Background()
	b := openAt(t, map[string]string{"Directory": t.TempDir(), "VacuumFreePages": "2"})
	defer b.Close()

	ran, err := b.VacuumIfNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "fresh database has no free pages")

	builder := exchange.NewBuilder(1, 0, nil)
	payload := strings.Repeat("x", 2048)
	for i := 0; i < 200; i++ {
		require.NoError(t, b.Enqueue(ctx, builder.CncValue(time.Now(), "Program", payload)))
	}
	require.NoError(t, b.UnsafeDequeue(ctx, 195))

	free, err := b.FreePages(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, free, 2)

	ran, err = b.VacuumIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	free, err = b.FreePages(ctx)
	require.NoError(t, err)
	assert.Zero(t, free)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestDeleteRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	b := openAt(t, map[string]string{"Directory": dir})
	require.NoError(t, b.Enqueue(context.Background(), queuetest.Records(1)[0]))
	path := b.Config().FilePath
	assert.FileExists(t, path)

	require.NoError(t, b.Delete())
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+"-wal")
	assert.NoFileExists(t, path+"-shm")
}

func TestProducerAndConsumerShareFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	producer := openAt(t, map[string]string{"Directory": dir})
	consumer := openAt(t, map[string]string{"Directory": dir})
	defer producer.Close()
	defer consumer.Close()

	records := queuetest.Records(100)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, r := range records {
			if err := producer.Enqueue(ctx, r); err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
		}
	}()

	var got []exchange.Record
	deadline := time.Now().Add(30 * time.Second)
	for len(got) < len(records) && time.Now().Before(deadline) {
		r, err := consumer.Dequeue(ctx)
		if errors.Is(err, queue.ErrQueueEmpty) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		got = append(got, r)
	}
	wg.Wait()

	require.Len(t, got, len(records))
	for i := range records {
		assert.True(t, records[i].Equal(got[i]), "record %d out of order", i)
	}
}

func TestUnknownValueTypeDecodesToNil(t *testing.T) {
	ctx := context.Background()
	b := openAt(t, map[string]string{"FilePath": MemoryPath})
	defer b.Close()

	db, release, err := b.handle(ctx)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO exchange_records (record_id, machine_id, command, timestamp, value_type, value_format, value_data)
		VALUES ('x', 1, 'CncAlarm', 1700000000, 'com.example.Gone', 'json', '{}')
	`)
	release()
	require.NoError(t, err)

	r, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, exchange.CncAlarm, r.Command)
	assert.Nil(t, r.Value)
}
