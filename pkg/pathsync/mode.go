package pathsync

import "fmt"

// Mode selects the sync policy for a mapping.
type Mode int

const (
	// Push copies source files to the target and leaves the source alone.
	Push Mode = iota
	// PushRemove moves files: after a verified transfer the source copy is
	// removed.
	PushRemove
	// PushDuplicates copies like Push but collapses multiple source files
	// with identical content into a single target file.
	PushDuplicates
	// Mirror copies like Push and then removes target content absent from the
	// source, after explicit confirmation.
	Mirror
	// MirrorDuplicates mirrors while tolerating duplicate content on either
	// side.
	MirrorDuplicates
)

// IsPush reports whether the mode only adds to the target.
func (m Mode) IsPush() bool {
	return m == Push || m == PushRemove || m == PushDuplicates
}

// IsMirror reports whether the mode removes stale target content.
func (m Mode) IsMirror() bool {
	return m == Mirror || m == MirrorDuplicates
}

// TolerateDuplicates is true for the modes that collapse identical content.
func (m Mode) TolerateDuplicates() bool {
	return m == PushDuplicates || m == MirrorDuplicates
}

func (m Mode) String() string {
	switch m {
	case Push:
		return "push"
	case PushRemove:
		return "push_and_remove"
	case PushDuplicates:
		return "push_duplicates"
	case Mirror:
		return "mirror"
	case MirrorDuplicates:
		return "mirror_duplicates"
	default:
		return fmt.Sprintf("pathsync.Mode(%d)", int(m))
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "push":
		return Push, nil
	case "push_and_remove", "push_remove":
		return PushRemove, nil
	case "push_duplicates":
		return PushDuplicates, nil
	case "mirror":
		return Mirror, nil
	case "mirror_duplicates":
		return MirrorDuplicates, nil
	default:
		return 0, fmt.Errorf("unknown sync mode %q", s)
	}
}

// FileMode selects what a mapping operates on.
type FileMode int

const (
	// FilesAndDirs syncs both files and the directory structure.
	FilesAndDirs FileMode = iota
	// DirsOnly replicates the directory structure without transferring files.
	DirsOnly
)

func (f FileMode) String() string {
	switch f {
	case FilesAndDirs:
		return "files_and_dirs"
	case DirsOnly:
		return "dirs_only"
	default:
		return fmt.Sprintf("pathsync.FileMode(%d)", int(f))
	}
}

// ParseFileMode converts a configuration string into a FileMode.
func ParseFileMode(s string) (FileMode, error) {
	switch s {
	case "", "files_and_dirs":
		return FilesAndDirs, nil
	case "dirs_only":
		return DirsOnly, nil
	default:
		return 0, fmt.Errorf("unknown file mode %q", s)
	}
}
