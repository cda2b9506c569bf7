package jobdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrRelocation indicates the job directory could not be moved to the
// output area. It is never retried.
var ErrRelocation = errors.New("job directory relocation failed")

// RelocationError describes a failed move.
type RelocationError struct {
	From string
	To   string
	Err  error
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("move %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *RelocationError) Unwrap() []error {
	return []error{ErrRelocation, e.Err}
}

// Relocate moves dir into outputArea under the same base name and returns
// the new path.
//
// The move is a single rename(2): ownership transfers atomically, so two
// conductors racing on one job cannot both succeed. An existing destination
// is an error rather than a merge.
func Relocate(dir, outputArea string) (string, error) {
	dest := filepath.Join(outputArea, filepath.Base(filepath.Clean(dir)))
	if _, err := os.Lstat(dest); err == nil {
		return "", &RelocationError{From: dir, To: dest, Err: os.ErrExist}
	}
	if err := os.Rename(dir, dest); err != nil {
		return "", &RelocationError{From: dir, To: dest, Err: err}
	}
	return dest, nil
}
