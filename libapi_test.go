package cncqueue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/queue"
	"github.com/atsora/cncqueue/remotefile"
)

type spindleAlarm struct {
	Number int `json:"number"`
}

var at = time.Date(2026, 4, 2, 6, 0, 0, 0, time.UTC)

func TestOpenQueueFromPayload(t *testing.T) {
	ctx := context.Background()
	codec := NewValueCodec(nil)
	RegisterValueType[spindleAlarm](codec)

	cfg := &Config{ConfigPayload: `<queue type="memory"><configuration /></queue>`}
	q, err := OpenQueue(ctx, cfg, watermill.NopLogger{}, 5, 2, WithCodec(codec))
	if err != nil {
		t.Fatalf("OpenQueue() = %v", err)
	}
	defer q.Delete()

	want := NewRecordBuilder(5, 2, nil).CncAlarm(at, spindleAlarm{Number: 1012})
	if err := q.Enqueue(ctx, want); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() = %v", err)
	}
	if !want.Equal(got) {
		t.Errorf("Dequeue() = %v, want %v", got, want)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Dequeue() on empty queue = %v, want ErrQueueEmpty", err)
	}
}

func TestOpenQueueFallsBackToSQLite(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	q, err := OpenQueue(ctx, &Config{DataDirectory: dataDir}, watermill.NopLogger{}, 8, 0)
	if err != nil {
		t.Fatalf("OpenQueue() = %v", err)
	}
	defer q.Delete()

	if err := q.Enqueue(ctx, NewRecordBuilder(8, 0, nil).Quantity(at, 2)); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "8.db")); err != nil {
		t.Errorf("expected sqlite database in data directory: %v", err)
	}
}

func TestOpenQueueUsesLocalFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	doc := `<queue type="file"><configuration VacuumBytes="4096" /></queue>`
	if err := os.WriteFile(filepath.Join(dir, "cncqueue.default.xml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{ConfigDirectory: dir, DataDirectory: t.TempDir()}
	q, err := OpenQueue(ctx, cfg, watermill.NopLogger{}, 4, 1)
	if err != nil {
		t.Fatalf("OpenQueue() = %v", err)
	}
	defer q.Delete()

	if err := q.Enqueue(ctx, NewRecordBuilder(4, 1, nil).StartCycle(at, "OP10")); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDirectory, "4-1.0.jsonl")); err != nil {
		t.Errorf("expected file backend data: %v", err)
	}
}

func TestNewQueueFactoryRequirements(t *testing.T) {
	if _, err := NewQueueFactory(nil, watermill.NopLogger{}); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("NewQueueFactory(nil) = %v, want ErrConfigRequired", err)
	}
	if _, err := NewQueueFactory(&Config{}, nil); !errors.Is(err, ErrLoggerRequired) {
		t.Errorf("NewQueueFactory(nil logger) = %v, want ErrLoggerRequired", err)
	}
	var cve ConfigValidationError
	if _, err := NewQueueFactory(&Config{ValueBinaryCodec: "soap"}, watermill.NopLogger{}); !errors.As(err, &cve) {
		t.Errorf("NewQueueFactory(bad codec) = %v, want ConfigValidationError", err)
	}
}

func TestNewLoaderRemoteShare(t *testing.T) {
	share := t.TempDir()
	cfg := &Config{RemoteDirectory: share, ForceSync: true, CacheDirectory: t.TempDir()}

	l, err := NewLoader(context.Background(), cfg, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("NewLoader() = %v", err)
	}
	if _, ok := l.Remote.(remotefile.Directory); !ok {
		t.Errorf("Remote = %T, want remotefile.Directory", l.Remote)
	}
	dir, file, ok := l.RemotePath(3, 1)
	if !ok || dir != share || file != "3-1.xml" {
		t.Errorf("RemotePath(3, 1) = %q, %q, %v", dir, file, ok)
	}

	doc := `<queue type="memory"><configuration /></queue>`
	if err := os.WriteFile(filepath.Join(share, "3-1.xml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	node, source := l.Resolve(context.Background(), 3, 1)
	if source.String() != "remote" || node.BackendType != "memory" {
		t.Errorf("Resolve() = %+v from %v, want memory from remote", node, source)
	}
}

func TestBackendsAreRegistered(t *testing.T) {
	f, err := NewQueueFactory(&Config{}, watermill.NopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.ResolveBackendType(nil, nil); got != DefaultBackendType {
		t.Errorf("ResolveBackendType() = %q, want %q", got, DefaultBackendType)
	}
	for _, name := range []string{"sqlite", "postgres", "postgresql", "file", "memory", "multi"} {
		if !queue.DefaultRegistry.Has(name) {
			t.Errorf("backend %q is not registered", name)
		}
	}
}
