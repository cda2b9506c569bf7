package dispatch

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/statusstore"
)

// Area names where a job directory currently lives.
type Area string

const (
	AreaQueue  Area = "queue"
	AreaOutput Area = "output"
)

// ErrJobNotFound is returned by Find when no area holds the job.
var ErrJobNotFound = errors.New("job not found")

// Snapshot is the current view of one job directory.
type Snapshot struct {
	Area Area     `json:"area"`
	Dir  string   `json:"dir"`
	Job  *job.Job `json:"job,omitempty"`

	// ReadError is set when the record could not be read.
	ReadError string `json:"read_error,omitempty"`

	// BackupError is set when the directory holds ERROR.log.
	BackupError bool `json:"backup_error,omitempty"`
}

// Inventory reads the job directories of both areas.
type Inventory struct {
	QueueDir  string
	OutputDir string
	Store     *statusstore.Store
}

func (inv Inventory) store() *statusstore.Store {
	if inv.Store == nil {
		return statusstore.New()
	}
	return inv.Store
}

// List returns snapshots of the queue area followed by the output area.
func (inv Inventory) List() ([]Snapshot, error) {
	var out []Snapshot
	for _, a := range []struct {
		area Area
		root string
	}{{AreaQueue, inv.QueueDir}, {AreaOutput, inv.OutputDir}} {
		if a.root == "" {
			continue
		}
		dirs, err := jobdir.List(a.root)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, dir := range dirs {
			out = append(out, inv.snapshot(a.area, dir))
		}
	}
	return out, nil
}

// Find returns the snapshot of the job directory named id, looking in the
// queue area first.
func (inv Inventory) Find(id string) (Snapshot, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return Snapshot{}, ErrJobNotFound
	}
	for _, a := range []struct {
		area Area
		root string
	}{{AreaQueue, inv.QueueDir}, {AreaOutput, inv.OutputDir}} {
		if a.root == "" {
			continue
		}
		dir := filepath.Join(a.root, id)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return inv.snapshot(a.area, dir), nil
		}
	}
	return Snapshot{}, ErrJobNotFound
}

func (inv Inventory) snapshot(area Area, dir string) Snapshot {
	s := Snapshot{Area: area, Dir: dir}
	j, err := inv.store().Read(jobdir.MetaPath(dir))
	if err != nil {
		s.ReadError = err.Error()
	} else {
		s.Job = j
	}
	if _, err := os.Stat(filepath.Join(dir, jobdir.BackupErrorFile)); err == nil {
		s.BackupError = true
	}
	return s
}
