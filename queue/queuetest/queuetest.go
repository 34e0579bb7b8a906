// Package queuetest holds the behaviour every queue backend must share.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/internal/runtime/valuecodec"
	"github.com/atsora/cncqueue/queue"
)

// Opener returns a fresh, opened, empty backend. Reopen returns a new
// backend over the storage last opened by the same test, after the previous
// backend was closed; it may be nil for backends that do not persist. Both
// should derive their storage name from t.Name().
type Opener struct {
	Open   func(t *testing.T) queue.Backend
	Reopen func(t *testing.T) queue.Backend
}

// Alarm is a structured value exercised by Run. Register it with the codec
// of the backend under test.
type Alarm struct {
	Number  int    `json:"number"`
	Message string `json:"message"`
}

// Codec returns a record codec resolving Alarm.
func Codec() *valuecodec.Codec {
	codec := exchange.NewCodec(nil)
	valuecodec.RegisterType[Alarm](codec.Types())
	return codec
}

// Settings returns backend settings naming storage after the running test.
func Settings(t *testing.T, extra map[string]string) queue.MapSettings {
	s := queue.MapSettings{queue.KeyQueueName: strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())}
	for k, v := range extra {
		s[k] = v
	}
	return s
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// Records returns n distinct records in enqueue order.
func Records(n int) []exchange.Record {
	b := exchange.NewBuilder(7, 1, nil)
	out := make([]exchange.Record, n)
	for i := range out {
		out[i] = b.CncValue(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("Key%d", i), i)
	}
	return out
}

func enqueueAll(t *testing.T, q queue.Backend, records []exchange.Record) {
	t.Helper()
	for _, r := range records {
		require.NoError(t, q.Enqueue(context.Background(), r))
	}
}

func assertRecords(t *testing.T, want, got []exchange.Record) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "record %d: want %v, got %v", i, want[i], got[i])
	}
}

// Run exercises the shared backend contract.
func Run(t *testing.T, o Opener) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		q := o.Open(t)
		n, err := q.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = q.Dequeue(ctx)
		assert.True(t, errors.Is(err, queue.ErrQueueEmpty))

		got, err := q.Peek(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = queue.PeekOne(ctx, q)
		assert.True(t, errors.Is(err, queue.ErrQueueEmpty))
		assert.NoError(t, q.UnsafeDequeue(ctx, 2), "acknowledging past the end is harmless")
	})

	t.Run("fifo", func(t *testing.T) {
		q := o.Open(t)
		records := Records(5)
		enqueueAll(t, q, records)

		for i := range records {
			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.True(t, records[i].Equal(got), "record %d", i)
		}
		_, err := q.Dequeue(ctx)
		assert.True(t, errors.Is(err, queue.ErrQueueEmpty))
	})

	t.Run("peek then unsafe dequeue", func(t *testing.T) {
		q := o.Open(t)
		records := Records(6)
		enqueueAll(t, q, records)

		got, err := q.Peek(ctx, 4)
		require.NoError(t, err)
		assertRecords(t, records[:4], got)

		again, err := q.Peek(ctx, 4)
		require.NoError(t, err)
		assertRecords(t, got, again)

		n, err := q.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, n, "peek does not remove")

		require.NoError(t, q.UnsafeDequeue(ctx, 4))
		got, err = q.Peek(ctx, 10)
		require.NoError(t, err)
		assertRecords(t, records[4:], got)

		one, err := queue.PeekOne(ctx, q)
		require.NoError(t, err)
		assert.True(t, records[4].Equal(one))
		require.NoError(t, queue.UnsafeDequeueOne(ctx, q))

		n, err = q.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("interleaved", func(t *testing.T) {
		q := o.Open(t)
		records := Records(4)
		enqueueAll(t, q, records[:2])
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.True(t, records[0].Equal(got))

		enqueueAll(t, q, records[2:])
		rest, err := q.Peek(ctx, 5)
		require.NoError(t, err)
		assertRecords(t, records[1:], rest)
	})

	t.Run("invalid counts", func(t *testing.T) {
		q := o.Open(t)
		_, err := q.Peek(ctx, 0)
		assert.True(t, errors.Is(err, queue.ErrInvalidCount))
		assert.True(t, errors.Is(q.UnsafeDequeue(ctx, -1), queue.ErrInvalidCount))
	})

	t.Run("values", func(t *testing.T) {
		q := o.Open(t)
		b := exchange.NewBuilder(7, 1, nil)
		records := []exchange.Record{
			b.MachineModeID(base, 3),
			b.MachineModeTranslationKeyOrName(base, "Active"),
			b.StopCncValue(base, "Feed"),
			b.OperationCodeQuantity(base, "OP10", 2),
			b.Stamp(base, "Stamp", 99),
			b.Stamp(base, "Stamp", 0),
			b.SequenceMilestone(base, 2*time.Second),
			b.CncAlarm(base, Alarm{Number: 1012, Message: "overload"}),
			b.CncVariableSet(base, map[string]string{"#100": "4"}),
			b.DetectionTimeStamp(base, nil),
			b.CncValue(base, "Bool", true),
			b.CncValue(base, "Float", 12.25),
			b.CncValue(base, "String", "O1000"),
		}
		enqueueAll(t, q, records)
		got, err := q.Peek(ctx, len(records))
		require.NoError(t, err)
		assertRecords(t, records, got)
	})

	t.Run("vacuum keeps records", func(t *testing.T) {
		q := o.Open(t)
		records := Records(3)
		enqueueAll(t, q, records)
		require.NoError(t, q.UnsafeDequeue(ctx, 1))

		_, err := q.VacuumIfNeeded(ctx)
		require.NoError(t, err)
		got, err := q.Peek(ctx, 5)
		require.NoError(t, err)
		assertRecords(t, records[1:], got)
	})

	t.Run("clear", func(t *testing.T) {
		q := o.Open(t)
		enqueueAll(t, q, Records(3))
		require.NoError(t, q.Clear(ctx))
		n, err := q.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		enqueueAll(t, q, Records(1))
		n, err = q.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("closed", func(t *testing.T) {
		q := o.Open(t)
		require.NoError(t, q.Close())
		err := q.Enqueue(ctx, Records(1)[0])
		assert.True(t, errors.Is(err, queue.ErrQueueClosed), "got %v", err)
	})

	if o.Reopen == nil {
		return
	}

	t.Run("survives reopen", func(t *testing.T) {
		q := o.Open(t)
		records := Records(3)
		enqueueAll(t, q, records)
		require.NoError(t, q.UnsafeDequeue(ctx, 1))
		require.NoError(t, q.Close())

		reopened := o.Reopen(t)
		got, err := reopened.Peek(ctx, 5)
		require.NoError(t, err)
		assertRecords(t, records[1:], got)
		require.NoError(t, reopened.Close())
	})

	t.Run("delete erases", func(t *testing.T) {
		q := o.Open(t)
		enqueueAll(t, q, Records(2))
		require.NoError(t, q.Delete())

		reopened := o.Reopen(t)
		n, err := reopened.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, reopened.Close())
	})
}
