// Package manager orchestrates a set of sync mappings as one run: it prints
// the plan, gates execution on confirmation, runs the mappings sequentially or
// in parallel and aggregates their failures.
package manager

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dverbeek/dirsync/pkg/pathsync"
	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/util"
)

// Confirmer answers yes/no prompts. The zero prompt path set means a plain
// question; otherwise paths lists what the answer applies to.
type Confirmer interface {
	Confirm(prompt string, paths []string) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(prompt string, paths []string) bool

func (f ConfirmerFunc) Confirm(prompt string, paths []string) bool { return f(prompt, paths) }

// Options configures one manager run.
type Options struct {
	// Test computes and logs every decision without touching any file.
	Test bool
	// Overwrite ignores stored identities and rehashes every source file.
	Overwrite bool
	// WarnDuplicates logs source files sharing the same identity.
	WarnDuplicates bool
	// SkipConfirm answers every prompt with yes, including removal gates.
	// Meant for unattended runs.
	SkipConfirm bool
	// Parallel is the number of mappings synced concurrently; values below 1
	// run sequentially.
	Parallel int
}

// Manager runs a configured set of mappings.
type Manager struct {
	mappings  []*pathsync.Mapping
	opts      Options
	confirmer Confirmer
	failures  map[string][]pathsync.Failure
}

// New creates a manager. The confirmer may be nil when opts.SkipConfirm is
// set; otherwise prompts without one are answered no.
func New(mappings []*pathsync.Mapping, opts Options, confirmer Confirmer) *Manager {
	return &Manager{mappings: mappings, opts: opts, confirmer: confirmer}
}

func (m *Manager) confirm(prompt string, paths []string) bool {
	if m.opts.SkipConfirm {
		return true
	}
	if m.confirmer == nil {
		return false
	}
	return m.confirmer.Confirm(prompt, paths)
}

// Run executes all runnable mappings. Per-file failures are aggregated and
// reported at the end; a fatal error in any mapping cancels the remaining
// parallel ones. Run returns an error if anything failed.
func (m *Manager) Run(ctx context.Context) error {
	runnable := make([]*pathsync.Mapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		if mp.WillRun {
			runnable = append(runnable, mp)
		} else {
			plog.Info("Skipping disabled mapping", "mapping", mp.Name)
		}
	}
	if len(runnable) == 0 {
		plog.Info("No mappings to run")
		return nil
	}

	if m.opts.Parallel > 1 {
		if err := checkSourceConflicts(runnable); err != nil {
			return err
		}
	}

	m.printPlan(runnable)
	if !m.opts.Test {
		// Deliberately asked twice; runs can delete files.
		if !m.confirm(fmt.Sprintf("Run %d mappings?", len(runnable)), nil) {
			plog.Info("Run cancelled")
			return nil
		}
		if !m.confirm("Are you sure? Mirror and remove modes delete files.", nil) {
			plog.Info("Run cancelled")
			return nil
		}
	}

	for _, mp := range runnable {
		mp.SetConfirmFunc(m.confirm)
	}

	g, gctx := errgroup.WithContext(ctx)
	if m.opts.Parallel > 1 {
		g.SetLimit(m.opts.Parallel)
	} else {
		g.SetLimit(1)
	}
	for _, mp := range runnable {
		mp := mp
		g.Go(func() error {
			return m.runOne(gctx, mp)
		})
	}
	runErr := g.Wait()

	// Every mapping reports, then drops its run state so the manager can be
	// run again without stale failures bleeding into the next report.
	failed := 0
	m.failures = make(map[string][]pathsync.Failure)
	for _, mp := range runnable {
		if f := mp.Failures(); len(f) > 0 {
			failed++
			m.failures[mp.Name] = append([]pathsync.Failure(nil), f...)
		}
		mp.ReportFailures()
		mp.Clean()
	}

	if runErr != nil {
		return fmt.Errorf("sync run aborted: %w", runErr)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d mappings finished with failures", failed, len(runnable))
	}
	plog.Info("All mappings completed", "count", len(runnable))
	return nil
}

func (m *Manager) runOne(ctx context.Context, mp *pathsync.Mapping) error {
	plog.Info("Starting mapping", "mapping", mp.Name, "mode", mp.Mode.String())
	if err := mp.Setup(ctx, m.opts.Overwrite, m.opts.WarnDuplicates); err != nil {
		return fmt.Errorf("mapping %s: %w", mp.Name, err)
	}
	if err := mp.Backup(ctx, m.opts.Test); err != nil {
		// Failures recorded by the mapping are reported after the run; an
		// error without any recorded failure is fatal and aborts the group.
		if ctx.Err() != nil || len(mp.Failures()) == 0 {
			return fmt.Errorf("mapping %s: %w", mp.Name, err)
		}
		plog.Error("Mapping finished with errors", "mapping", mp.Name, "error", err)
		return nil
	}
	plog.Info("Finished mapping", "mapping", mp.Name)
	return nil
}

func (m *Manager) printPlan(runnable []*pathsync.Mapping) {
	header := "Sync plan"
	if m.opts.Test {
		header = "Sync plan (test run, no changes will be made)"
	}
	plog.Info(header, "mappings", len(runnable))
	for _, mp := range runnable {
		plog.Info("Planned mapping",
			"name", mp.Name,
			"mode", mp.Mode.String(),
			"source", mp.SourceDir,
			"target", mp.TargetDir)
	}
}

// checkSourceConflicts rejects parallel runs where two mappings would contend
// for the same source tree; the per-source lock would make one of them time
// out instead of queueing cleanly.
func checkSourceConflicts(mappings []*pathsync.Mapping) error {
	for i, a := range mappings {
		for _, b := range mappings[i+1:] {
			if a.SourceDir == b.SourceDir ||
				util.IsSubpath(a.SourceDir, b.SourceDir) ||
				util.IsSubpath(b.SourceDir, a.SourceDir) {
				return fmt.Errorf("mappings %s and %s share source directory %s; run them sequentially",
					a.Name, b.Name, commonRoot(a.SourceDir, b.SourceDir))
			}
		}
	}
	return nil
}

func commonRoot(a, b string) string {
	if len(a) <= len(b) {
		return a
	}
	return b
}

// Failures returns the per-mapping failures of the last Run, keyed by
// mapping name. Mappings without failures are absent.
func (m *Manager) Failures() map[string][]pathsync.Failure {
	return m.failures
}

// Summary returns a one-line description of the run configuration.
func (m *Manager) Summary() string {
	var flags []string
	if m.opts.Test {
		flags = append(flags, "test")
	}
	if m.opts.Overwrite {
		flags = append(flags, "overwrite")
	}
	if m.opts.SkipConfirm {
		flags = append(flags, "no-confirm")
	}
	if m.opts.Parallel > 1 {
		flags = append(flags, fmt.Sprintf("parallel=%d", m.opts.Parallel))
	}
	if len(flags) == 0 {
		return fmt.Sprintf("%d mappings", len(m.mappings))
	}
	return fmt.Sprintf("%d mappings (%s)", len(m.mappings), strings.Join(flags, ", "))
}
