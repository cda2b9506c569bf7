package jobdir

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/statusstore"
)

var (
	// ErrNotFound indicates a directory that must exist does not.
	ErrNotFound = errors.New("directory not found")

	// ErrNotDirectory indicates a path that exists but is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// backupErrorHeader starts every backup error artifact.
const backupErrorHeader = "Received incorrectly set up job."

// ValidDirPath checks that path is a usable directory path. With mustExist
// a missing directory is an ErrNotFound.
func ValidDirPath(path string, mustExist bool) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("directory path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("directory path %q contains a NUL byte", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	return nil
}

// EnsureArea validates a queue or output area root and creates it if absent.
// The directory must be listable.
func EnsureArea(path string) error {
	if err := ValidDirPath(path, false); err != nil {
		return err
	}
	// #nosec G301 -- areas are shared between conductor processes and users
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create area %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("area %s is not readable: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("area %s is not readable: %w", path, err)
	}
	return nil
}

// WriteBackupError writes ERROR.log into dir describing why the job could
// not be run. It never touches the status record.
func WriteBackupError(dir string, cause error) (string, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	p := filepath.Join(dir, BackupErrorFile)
	content := fmt.Sprintf("%s\n\n%s\n", backupErrorHeader, msg)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write backup error file: %w", err)
	}
	return p, nil
}

// List returns the job directories currently in area, sorted by name.
// Entries whose names start with "." are skipped (temporary staging dirs).
func List(area string) ([]string, error) {
	entries, err := os.ReadDir(area)
	if err != nil {
		return nil, fmt.Errorf("read area %s: %w", area, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(area, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Create stages a new job directory in queueArea holding the record and its
// script, then renames it into place so schedulers never see it half-built.
func Create(queueArea string, j *job.Job, script []byte) (string, error) {
	if err := job.Validate(j); err != nil {
		return "", err
	}
	if err := EnsureArea(queueArea); err != nil {
		return "", err
	}
	final := filepath.Join(queueArea, j.ID)
	if _, err := os.Stat(final); err == nil {
		return "", fmt.Errorf("job directory already exists: %s", final)
	}

	staging, err := os.MkdirTemp(queueArea, "."+j.ID+".staging-*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(staging) }

	// #nosec G302 -- job scripts must be executable by the conductor user
	if err := os.Chmod(staging, 0755); err != nil {
		cleanup()
		return "", fmt.Errorf("chmod staging dir: %w", err)
	}
	if name := ScriptFile(j.Type); name != "" && script != nil {
		// #nosec G306 -- job scripts are executed directly
		if err := os.WriteFile(filepath.Join(staging, name), script, 0755); err != nil {
			cleanup()
			return "", fmt.Errorf("write job script: %w", err)
		}
	}
	if err := statusstore.New().Write(MetaPath(staging), j); err != nil {
		cleanup()
		return "", err
	}
	_ = os.Remove(MetaPath(staging) + statusstore.LockSuffix)

	if err := os.Rename(staging, final); err != nil {
		cleanup()
		return "", fmt.Errorf("publish job directory: %w", err)
	}
	return final, nil
}
