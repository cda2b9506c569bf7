package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/conductor/pkg/statusstore"
)

// Uploader stores one object.
type Uploader interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// ErrInvalidPattern is returned for a glob doublestar cannot compile.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// Selector picks the files of a job directory to export.
type Selector struct {
	includes []string
	excludes []string
}

// defaultExcludes keeps lock files out of every export.
var defaultExcludes = []string{"**/*" + statusstore.LockSuffix}

// NewSelector compiles include and exclude globs. No includes means "**".
func NewSelector(includes, excludes []string) (*Selector, error) {
	if len(includes) == 0 {
		includes = []string{"**"}
	}
	excludes = append(append([]string(nil), excludes...), defaultExcludes...)
	for _, p := range append(append([]string(nil), includes...), excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, p)
		}
	}
	return &Selector{includes: includes, excludes: excludes}, nil
}

// Match reports whether rel (slash separated, relative to the job
// directory) is exported.
func (s *Selector) Match(rel string) bool {
	included := false
	for _, p := range s.includes {
		if ok, _ := doublestar.Match(p, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range s.excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

// Exporter copies selected files of a job directory to object storage.
type Exporter struct {
	uploader Uploader
	selector *Selector
	prefix   string
	logger   *zap.Logger
}

// New returns an Exporter writing through u.
func New(u Uploader, cfg Config, logger *zap.Logger) (*Exporter, error) {
	sel, err := NewSelector(cfg.Includes, cfg.Excludes)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		uploader: u,
		selector: sel,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		logger:   logger,
	}, nil
}

// Report lists what one Export call uploaded.
type Report struct {
	Keys  []string
	Bytes int64
}

// Export uploads the selected files of dir under <prefix>/<base(dir)>/.
// It stops at the first failed upload.
func (e *Exporter) Export(ctx context.Context, dir string) (Report, error) {
	var rep Report
	root := filepath.Clean(dir)
	jobID := filepath.Base(root)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !e.selector.Match(rel) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		key := path.Join(e.prefix, jobID, rel)
		n, err := e.put(ctx, key, p)
		if err != nil {
			return err
		}
		rep.Keys = append(rep.Keys, key)
		rep.Bytes += n
		e.logger.Debug("exported file", zap.String("key", key), zap.Int64("bytes", n))
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("export %s: %w", jobID, err)
	}
	return rep, nil
}

func (e *Exporter) put(ctx context.Context, key, p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := e.uploader.Put(ctx, key, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
