//go:build windows

package fileops

import (
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// platformTimesSetter preserves both the modification time and the creation
// time; the latter is only reachable through the Windows file API.
type platformTimesSetter struct{}

func (platformTimesSetter) SetTimes(path string, src os.FileInfo) error {
	if err := os.Chtimes(path, src.ModTime(), src.ModTime()); err != nil {
		return err
	}

	attrs, ok := src.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return nil // No creation time available from the source stat.
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	handle, err := windows.CreateFile(pathPtr, windows.FILE_WRITE_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	creation := windows.Filetime{
		LowDateTime:  attrs.CreationTime.LowDateTime,
		HighDateTime: attrs.CreationTime.HighDateTime,
	}
	return windows.SetFileTime(handle, &creation, nil, nil)
}
