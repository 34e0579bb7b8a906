package remotefile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	errspkg "github.com/atsora/cncqueue/internal/runtime/errors"
)

// Directory copies files from a mounted share. The remote directory is a
// path, resolved against Root when relative.
type Directory struct {
	Root string
}

// GetFile implements queue.FileGetter.
func (d Directory) GetFile(ctx context.Context, remoteDirectory, remoteFileName, localPath string) error {
	source := filepath.Join(remoteDirectory, remoteFileName)
	if d.Root != "" && !filepath.IsAbs(remoteDirectory) {
		source = filepath.Join(d.Root, source)
	}

	f, err := os.Open(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", errspkg.ErrRemoteFileNotFound, source)
		}
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer f.Close()

	return writeAtomic(localPath, &contextReader{ctx: ctx, r: f})
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
