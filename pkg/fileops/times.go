package fileops

import "os"

// TimesSetter is the capability interface for preserving file timestamps on a
// freshly written copy. Platforms without a settable creation time fall back
// to modification-time-only.
type TimesSetter interface {
	SetTimes(path string, src os.FileInfo) error
}
