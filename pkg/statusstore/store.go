// Package statusstore reads and merge-updates job.yml metadata files.
//
// Every operation holds a flock(2) on a sibling lock file (<meta>.lock):
// shared for reads, exclusive for read-modify-write. Writes go to a temp
// file in the same directory and are renamed into place, so a reader never
// observes a partially written record even without taking the lock.
package statusstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/conductor/pkg/job"
)

// LockSuffix is appended to a metadata path to name its lock file.
const LockSuffix = ".lock"

// ErrEmptyRecord is returned when the metadata file exists but has no content.
var ErrEmptyRecord = errors.New("job record is empty")

// Store is the locked accessor for job metadata files. The zero value is
// ready to use; Store holds no per-file state, so one Store may be shared
// by any number of goroutines.
type Store struct{}

// New returns a Store.
func New() *Store {
	return &Store{}
}

// Read returns the record stored at metaPath.
func (s *Store) Read(metaPath string) (*job.Job, error) {
	unlock, err := lock(metaPath, unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return readFile(metaPath)
}

// Write replaces the record at metaPath with j.
func (s *Store) Write(metaPath string, j *job.Job) error {
	if j == nil {
		return errors.New("job record is nil")
	}
	unlock, err := lock(metaPath, unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	return writeFile(metaPath, j)
}

// Update merges upd into the record at metaPath and returns the result.
//
// The merge follows job.StatusUpdate.Apply: only the named fields change,
// and a transition the state machine rejects leaves the file untouched.
func (s *Store) Update(metaPath string, upd job.StatusUpdate) (*job.Job, error) {
	return s.Modify(metaPath, upd.Apply)
}

// Modify runs fn against the current record under the exclusive lock and
// persists the result if fn returns nil.
func (s *Store) Modify(metaPath string, fn func(*job.Job) error) (*job.Job, error) {
	unlock, err := lock(metaPath, unix.LOCK_EX)
	if err != nil {
		return nil, err
	}
	defer unlock()

	j, err := readFile(metaPath)
	if err != nil {
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	if err := writeFile(metaPath, j); err != nil {
		return nil, err
	}
	return j, nil
}

func lock(metaPath string, how int) (func(), error) {
	if strings.TrimSpace(metaPath) == "" {
		return nil, errors.New("metadata path is required")
	}
	f, err := os.OpenFile(metaPath+LockSuffix, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", filepath.Base(metaPath), err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func readFile(metaPath string) (*job.Job, error) {
	b, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, fmt.Errorf("%s: %w", metaPath, ErrEmptyRecord)
	}

	var j job.Job
	if err := yaml.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(metaPath), err)
	}
	return &j, nil
}

func writeFile(metaPath string, j *job.Job) error {
	b, err := yaml.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	dir := filepath.Dir(metaPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(metaPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp job file: %w", err)
	}

	if err := os.Rename(tmpName, metaPath); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}
