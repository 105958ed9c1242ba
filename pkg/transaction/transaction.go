// Package transaction provides an ordered list of filesystem steps with
// best-effort reverse-order rollback. A failed step never leaves the run in a
// half-applied state without at least attempting to undo what already ran.
package transaction

import (
	"context"
	"fmt"

	"github.com/dverbeek/dirsync/pkg/plog"
)

// Op performs one step of a transaction.
type Op func(ctx context.Context) error

// RollbackOp undoes a previously completed step.
type RollbackOp func() error

// Step is one (operation, rollback) pair. Rollback may be nil for steps that
// need no undo (e.g. removing a file that a later step would remove anyway).
type Step struct {
	Desc     string
	Op       Op
	Rollback RollbackOp
}

// Transaction executes steps in order and rolls completed steps back in
// strict reverse completion order on the first failure. It is single-use:
// after Execute returns, add no further steps.
type Transaction struct {
	steps     []Step
	completed []Step
}

// New creates an empty transaction.
func New() *Transaction {
	return &Transaction{}
}

// Add appends a step to the pending list.
func (t *Transaction) Add(desc string, op Op, rollback RollbackOp) {
	t.steps = append(t.steps, Step{Desc: desc, Op: op, Rollback: rollback})
}

// Len returns the number of pending steps.
func (t *Transaction) Len() int { return len(t.steps) }

// Completed returns the number of steps that have run successfully.
func (t *Transaction) Completed() int { return len(t.completed) }

// Execute runs all steps in order. On the first failing step it rolls back
// every previously completed step in reverse order and returns the triggering
// error. The context is checked between steps; cancellation is a clean abort
// that also rolls back completed steps.
func (t *Transaction) Execute(ctx context.Context) error {
	for _, step := range t.steps {
		if err := ctx.Err(); err != nil {
			plog.Warn("Transaction cancelled, rolling back", "completed", len(t.completed))
			t.Rollback()
			return err
		}

		if err := step.Op(ctx); err != nil {
			plog.Warn("Transaction step failed, rolling back", "step", step.Desc, "completed", len(t.completed), "error", err)
			t.Rollback()
			return fmt.Errorf("transaction step %q failed: %w", step.Desc, err)
		}
		t.completed = append(t.completed, step)
	}
	return nil
}

// Rollback undoes all completed steps in reverse completion order. A rollback
// failure is logged and does not stop rollback of the remaining entries; the
// call never returns an error so callers can always reach a terminal state.
func (t *Transaction) Rollback() {
	for i := len(t.completed) - 1; i >= 0; i-- {
		step := t.completed[i]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(); err != nil {
			plog.Warn("Rollback step failed, continuing", "step", step.Desc, "error", err)
		}
	}
	t.completed = nil
}
