//go:build !windows

package fileops

import "os"

// platformTimesSetter preserves the modification time. Creation time is not
// settable through the filesystem API on unix-like systems, so this is the
// whole of what can be preserved here.
type platformTimesSetter struct{}

func (platformTimesSetter) SetTimes(path string, src os.FileInfo) error {
	return os.Chtimes(path, src.ModTime(), src.ModTime())
}
