package pathsync

import (
	"fmt"

	"github.com/dverbeek/dirsync/pkg/plog"
)

// FailureKind tags what went wrong for one file or directory. Failures are
// accumulated on the mapping and reported at the end of a run; they never
// abort the run.
type FailureKind string

const (
	FailureMoveFile                      FailureKind = "move_file"
	FailureRemoveSourceFile              FailureKind = "remove_source_file"
	FailureRemoveSourceFileTargetMissing FailureKind = "remove_source_file_target_missing"
	FailureRemoveStaleFile               FailureKind = "remove_stale_file"
	FailureRemoveStaleDirectory          FailureKind = "remove_stale_directory"
	FailureBackupOperation               FailureKind = "backup_operation"
	FailureHashVerification              FailureKind = "hash_verification"
	FailureDirectoryOperation            FailureKind = "directory_operation"
)

// Failure records one tagged, per-path error.
type Failure struct {
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	TargetPath string      `json:"targetPath,omitempty"`
	SourcePath string      `json:"sourcePath,omitempty"`
}

func (f Failure) String() string {
	switch f.Kind {
	case FailureMoveFile:
		return fmt.Sprintf("failed to move %s to %s: %s", f.SourcePath, f.TargetPath, f.Message)
	case FailureRemoveSourceFile:
		return fmt.Sprintf("failed to remove source file %s: %s", f.SourcePath, f.Message)
	case FailureRemoveSourceFileTargetMissing:
		return fmt.Sprintf("could not remove source file %s: expected target %s missing: %s", f.SourcePath, f.TargetPath, f.Message)
	case FailureRemoveStaleFile:
		return fmt.Sprintf("failed to remove stale file %s: %s", f.TargetPath, f.Message)
	case FailureRemoveStaleDirectory:
		return fmt.Sprintf("failed to remove stale directory %s: %s", f.TargetPath, f.Message)
	case FailureHashVerification:
		return fmt.Sprintf("verification failed for %s against %s: %s", f.TargetPath, f.SourcePath, f.Message)
	case FailureDirectoryOperation:
		return fmt.Sprintf("directory operation failed for %s: %s", f.TargetPath, f.Message)
	default:
		return fmt.Sprintf("%s: %s (target %s, source %s)", f.Kind, f.Message, f.TargetPath, f.SourcePath)
	}
}

// ReportFailures logs a summary of accumulated failures for the mapping.
func (m *Mapping) ReportFailures() {
	if len(m.failures) == 0 {
		plog.Info("No failures encountered", "mapping", m.Name, "source", m.SourceDir, "target", m.TargetDir)
		return
	}
	plog.Warn("Failures encountered", "mapping", m.Name, "count", len(m.failures))
	for _, f := range m.failures {
		plog.Warn(f.String(), "kind", string(f.Kind))
	}
}
