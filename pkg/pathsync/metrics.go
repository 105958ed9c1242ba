package pathsync

import (
	"sync/atomic"

	"github.com/dverbeek/dirsync/pkg/plog"
)

// Metrics holds the atomic counters for one mapping run. The counters are
// updated from transaction steps and read after the run; atomics keep them
// safe when mappings run in parallel under one process.
type Metrics struct {
	FilesCopied    atomic.Int64
	FilesMoved     atomic.Int64
	FilesRelocated atomic.Int64
	FilesRemoved   atomic.Int64
	FilesSkipped   atomic.Int64
	DirsCreated    atomic.Int64
	DirsRemoved    atomic.Int64
}

// Log prints a summary of the run.
func (m *Metrics) Log(name string) {
	plog.Info("SUM",
		"mapping", name,
		"filesCopied", m.FilesCopied.Load(),
		"filesMoved", m.FilesMoved.Load(),
		"filesRelocated", m.FilesRelocated.Load(),
		"filesRemoved", m.FilesRemoved.Load(),
		"filesSkipped", m.FilesSkipped.Load(),
		"dirsCreated", m.DirsCreated.Load(),
		"dirsRemoved", m.DirsRemoved.Load(),
	)
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.FilesCopied.Store(0)
	m.FilesMoved.Store(0)
	m.FilesRelocated.Store(0)
	m.FilesRemoved.Store(0)
	m.FilesSkipped.Store(0)
	m.DirsCreated.Store(0)
	m.DirsRemoved.Store(0)
}
