package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Local configuration file names looked up in Loader.Directory.
const (
	OverrideFileName = "cncqueue.override.xml"
	DefaultFileName  = "cncqueue.default.xml"
)

// DefaultSyncTimeout bounds a remote configuration synchronization.
const DefaultSyncTimeout = 30 * time.Second

// Source identifies where a configuration node came from.
type Source int

const (
	SourceFallback Source = iota
	SourcePayload
	SourceRemote
	SourceOverride
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourcePayload:
		return "payload"
	case SourceRemote:
		return "remote"
	case SourceOverride:
		return "override"
	case SourceDefault:
		return "default"
	default:
		return "fallback"
	}
}

// RemotePathFunc returns the remote directory and file name holding the
// configuration of an identity, or ok=false when there is none.
type RemotePathFunc func(machineID, machineModuleID int) (remoteDirectory, remoteFileName string, ok bool)

// FileGetter copies a remote file to a local path.
type FileGetter interface {
	GetFile(ctx context.Context, remoteDirectory, remoteFileName, localPath string) error
}

// Loader resolves the configuration node of an identity. The zero value
// always resolves to the fallback node, an empty node whose backend type is
// left to the caller defaults.
type Loader struct {
	// Payload, when set, is parsed instead of any file.
	Payload []byte

	// RemotePath and Remote enable the remote source.
	RemotePath RemotePathFunc
	Remote     FileGetter
	// CacheDirectory receives synchronized remote files under one
	// sub-directory per queue name. Defaults to os.TempDir()/cncqueue.
	CacheDirectory string
	// ForceSync synchronizes even when a cached copy exists.
	ForceSync bool
	// CreateIfMissing synchronizes when no cached copy exists.
	CreateIfMissing bool
	SyncTimeout     time.Duration

	// Directory holds the local override and default files.
	Directory string

	Logger watermill.LoggerAdapter
}

// Load returns the configuration node of the identity. It never fails:
// every unavailable or invalid source is logged and skipped.
func (l *Loader) Load(ctx context.Context, machineID, machineModuleID int) *Node {
	node, _ := l.Resolve(ctx, machineID, machineModuleID)
	return node
}

// Resolve is Load that also reports the source that won.
func (l *Loader) Resolve(ctx context.Context, machineID, machineModuleID int) (*Node, Source) {
	logger := l.logger().With(watermill.LogFields{
		"machine_id":        machineID,
		"machine_module_id": machineModuleID,
	})

	if len(l.Payload) > 0 {
		node, err := ParseNode(l.Payload)
		if err == nil {
			logger.Debug("Queue configuration loaded from payload", nil)
			return node, SourcePayload
		}
		logger.Error("Invalid queue configuration payload", err, nil)
	}

	if node, ok := l.fromRemote(ctx, machineID, machineModuleID, logger); ok {
		return node, SourceRemote
	}

	if l.Directory == "" {
		logger.Info("No installation directory configured, using default queue", nil)
		return l.fallback(), SourceFallback
	}

	for _, candidate := range []struct {
		name   string
		source Source
	}{
		{OverrideFileName, SourceOverride},
		{DefaultFileName, SourceDefault},
	} {
		path := filepath.Join(l.Directory, candidate.name)
		node, err := ParseNodeFile(path)
		if err == nil {
			logger.Debug("Queue configuration loaded", watermill.LogFields{"path": path})
			return node, candidate.source
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		logger.Error("Invalid queue configuration file", err, watermill.LogFields{"path": path})
	}

	logger.Info("No queue configuration file found, using default queue", watermill.LogFields{"directory": l.Directory})
	return l.fallback(), SourceFallback
}

func (l *Loader) fromRemote(ctx context.Context, machineID, machineModuleID int, logger watermill.LoggerAdapter) (*Node, bool) {
	if l.RemotePath == nil {
		return nil, false
	}
	remoteDir, remoteFile, ok := l.RemotePath(machineID, machineModuleID)
	if !ok {
		return nil, false
	}

	queueName := Identity{MachineID: machineID, MachineModuleID: machineModuleID}.QueueName()
	cachePath := filepath.Join(l.cacheDirectory(), queueName, remoteFile)
	fields := watermill.LogFields{
		"remote_directory": remoteDir,
		"remote_file":      remoteFile,
		"cache_path":       cachePath,
	}

	_, statErr := os.Stat(cachePath)
	cached := statErr == nil
	if l.ForceSync || (!cached && l.CreateIfMissing) {
		if err := l.sync(ctx, remoteDir, remoteFile, cachePath); err != nil {
			logger.Error("Remote queue configuration synchronization failed", err, fields)
			return nil, false
		}
	} else if !cached {
		logger.Debug("No cached remote queue configuration", fields)
		return nil, false
	}

	node, err := ParseNodeFile(cachePath)
	if err != nil {
		logger.Error("Invalid remote queue configuration", err, fields)
		return nil, false
	}
	logger.Debug("Queue configuration loaded from remote", fields)
	return node, true
}

func (l *Loader) sync(ctx context.Context, remoteDir, remoteFile, cachePath string) error {
	if l.Remote == nil {
		return errors.New("no remote file getter configured")
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	timeout := l.SyncTimeout
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return l.Remote.GetFile(ctx, remoteDir, remoteFile, cachePath)
}

func (l *Loader) cacheDirectory() string {
	if l.CacheDirectory != "" {
		return l.CacheDirectory
	}
	return filepath.Join(os.TempDir(), "cncqueue")
}

// fallback names no backend type, so the caller defaults and the factory
// fallback still apply.
func (l *Loader) fallback() *Node {
	return &Node{}
}

func (l *Loader) logger() watermill.LoggerAdapter {
	if l.Logger == nil {
		return watermill.NopLogger{}
	}
	return l.Logger
}
