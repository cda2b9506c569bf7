// Package jobdir owns the on-disk layout of a job directory and its single
// move from the queue area to the output area.
//
// Directory layout:
//
//	<area>/<job_id>/job.yml            status record
//	<area>/<job_id>/job.sh|job.py|job.ipynb
//	<area>/<job_id>/stdout.log, stderr.log
//	<area>/<job_id>/startcontainer.sh  remote only
//	<area>/<job_id>/connect.sh         remote only
//	<area>/<job_id>/done               remote completion marker
//	<area>/<job_id>/ERROR.log          written when the job was malformed
package jobdir

import (
	"path/filepath"

	"github.com/3leaps/conductor/pkg/job"
)

const (
	MetaFile           = "job.yml"
	BackupErrorFile    = "ERROR.log"
	StdoutFile         = "stdout.log"
	StderrFile         = "stderr.log"
	StartContainerFile = "startcontainer.sh"
	ConnectFile        = "connect.sh"
	DoneFile           = "done"
	NotebookResultFile = "result.ipynb"
)

// ScriptFile returns the canonical job-script file name for t, or "" when
// the type has no local script.
func ScriptFile(t job.Type) string {
	switch t {
	case job.TypeBash:
		return "job.sh"
	case job.TypePython:
		return "job.py"
	case job.TypePapermill:
		return "job.ipynb"
	}
	return ""
}

// MetaPath returns the path of the status record inside dir.
func MetaPath(dir string) string {
	return filepath.Join(dir, MetaFile)
}

// ScriptPath returns the canonical script path for t inside dir.
func ScriptPath(dir string, t job.Type) string {
	name := ScriptFile(t)
	if name == "" {
		return ""
	}
	return filepath.Join(dir, name)
}
