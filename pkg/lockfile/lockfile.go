// Package lockfile serializes access to a directory's snapshot store between
// processes. Acquisition waits up to a bounded timeout for an active lock to
// clear; stale locks (dead owners) are taken over atomically.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/util"
)

// LockFileName is the name of the lock file created in the guarded directory.
// The '~' prefix marks it as temporary.
const LockFileName = ".~dirsync.lock"

// ErrLockTimeout is returned when an active lock did not clear within the
// caller's timeout. Distinct so callers can tell contention from corruption.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// ErrLostRace is a sentinel error returned when a process attempts to take over a stale lock but another process wins.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates that the lock file on disk is unreadable, either empty or containing invalid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// LockContent defines the structure of the data written to the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"` // Used for takeover race resolution
	AppID      string    `json:"appID"`
}

// Lock manages the state of the acquired lock file.
type Lock struct {
	path    string
	content LockContent
	// The context and cancel function are used to stop the background heartbeat goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	// We keep track if we actually hold the lock to prevent double release
	held bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 30 * time.Second
	// staleTimeout is defined in relation to the heartbeat to ensure a safe margin.
	staleTimeout = 6 * heartbeatInterval
	// retryWait is the pause between acquisition attempts while waiting out an active lock.
	retryWait = 100 * time.Millisecond
)

// Acquire attempts to acquire the lock for dirPath, waiting up to timeout for
// an active lock held by another process to clear. ctx bounds the acquisition
// attempt, not the background heartbeat.
// It returns a non-nil Lock on success, ErrLockTimeout (wrapped) if another
// holder remained active for the whole timeout, or another error for
// filesystem failures.
func Acquire(ctx context.Context, dirPath, appID string, timeout time.Duration) (*Lock, error) {
	absLockFilePath := filepath.Join(dirPath, LockFileName)
	deadline := time.Now().Add(timeout)

	var lastActive error
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// --- 1. Attempt atomic acquisition ---
		lock, err := tryAcquire(absLockFilePath, appID)
		if err == nil {
			go lock.heartbeat()
			return lock, nil
		}
		// If error is NOT "file exists", it's a real filesystem error (permissions, disk full, etc).
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// --- 2. Lock is held, check for staleness ---
		content, readErr := readLockContentSafely(absLockFilePath)
		switch {
		case readErr == nil && time.Since(content.LastUpdate) < staleTimeout:
			// Live holder. Wait and retry until the deadline passes.
			lastActive = fmt.Errorf("held by PID %d on host %q (app %s)", content.PID, content.Hostname, content.AppID)
		case readErr != nil && !errors.Is(readErr, ErrCorruptLockFile):
			if os.IsNotExist(readErr) {
				continue // Holder released between our attempt and the read.
			}
			lastActive = readErr
		default:
			// Stale or persistently corrupt: attempt an atomic takeover.
			if readErr != nil {
				plog.Warn("Found corrupt lock file, treating as stale", "path", absLockFilePath, "error", readErr)
			} else {
				plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "age", time.Since(content.LastUpdate))
			}
			lock, takeoverErr := attemptStaleLockTakeover(absLockFilePath, appID)
			if takeoverErr == nil {
				go lock.heartbeat()
				return lock, nil
			}
			if errors.Is(takeoverErr, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to take over stale lock, retrying", "error", takeoverErr)
			}
		}

		if time.Now().Add(retryWait).After(deadline) {
			if lastActive != nil {
				return nil, fmt.Errorf("%w: %v", ErrLockTimeout, lastActive)
			}
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryWait):
		}
	}
}

// tryAcquire attempts atomic creation using O_EXCL to guarantee "I created this file first".
func tryAcquire(absLockFilePath string, appID string) (*Lock, error) {
	// O_CREATE|O_EXCL guarantees we only succeed if file doesn't exist
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	content := LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
		AppID:      appID,
	}

	l := newLock(absLockFilePath, content)

	// Write initial data immediately.
	// If this fails, we must clean up the empty file we just created.
	if err := writeLockContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

// newLock creates a new Lock object and sets up its context for the heartbeat.
func newLock(absLockFilePath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    absLockFilePath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		held:    true,
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel() // Stop heartbeat
	l.cleanup()
	l.held = false
}

// attemptStaleLockTakeover uses an atomic rename strategy to seize a stale or
// corrupt lock. It writes new lock content to a temporary file and then renames
// it over the existing lock file, guaranteeing an atomic update.
func attemptStaleLockTakeover(absLockFilePath, appID string) (*Lock, error) {
	// Generate a unique nonce for this specific takeover attempt. This is the key.
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	myPID := int64(os.Getpid())
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	takeoverContent := LockContent{
		PID:        myPID,
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		AppID:      appID,
		Nonce:      nonce,
	}

	// This ensures that if we crash during takeover, we don't leave a 0-byte file.
	if err := updateLockFileAtomic(absLockFilePath, takeoverContent); err != nil {
		return nil, err
	}

	// Read back immediately to verify we won the race.
	readbackContent, readbackErr := readLockContentSafely(absLockFilePath)
	if readbackErr != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", readbackErr)
	}
	if readbackContent.PID == myPID && readbackContent.Nonce == nonce {
		plog.Debug("Successfully took over stale lock")
		return newLock(absLockFilePath, takeoverContent), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		// If file is already gone, that's fine.
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("Lock released", "path", l.path)
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			// Update the timestamp on our internal content and update the file
			l.content.LastUpdate = time.Now().UTC()
			if err := updateLockFileAtomic(l.path, l.content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "error", err)
				// Note: We do not exit the loop. We try again next tick.
			}
		}
	}
}

// updateLockFileAtomic writes the content to a temporary file and then renames it
// over the target path. This ensures the file at 'path' is never empty/corrupt.
func updateLockFileAtomic(absLockFilePath string, content LockContent) error {
	// The temp file must live in the SAME directory as the target:
	// os.Rename ensures atomicity only within the same filesystem.
	dir := filepath.Dir(absLockFilePath)

	tmpF, err := os.CreateTemp(dir, filepath.Base(absLockFilePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		// Only errors that are NOT "file not found" matter; that error is
		// expected after a successful rename.
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	// Must close the file before renaming (mandatory on Windows).
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpF.Name(), absLockFilePath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// generateNonce creates a new random 16-byte token and returns it as a hex string.
func generateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return fmt.Sprintf("%x", nonceBytes), nil
}

// writeLockContent marshals the LockContent and writes it to the provided io.Writer.
func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely attempts to read the lock file, handling the race
// where the file exists but is mid-write (empty or partial). Even with atomic
// renames, filesystems can expose transient states; a short retry loop covers
// those edge cases.
func readLockContentSafely(absLockFilePath string) (LockContent, error) {
	var lastErr error
	var lastEmptyOrCorruptErr error
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.Open(absLockFilePath)
		if err != nil {
			return LockContent{}, err
		}

		data, err := io.ReadAll(f)
		f.Close() // Close explicitly before potential sleep
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if len(data) == 0 {
			lastEmptyOrCorruptErr = fmt.Errorf("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		lastEmptyOrCorruptErr = json.Unmarshal(data, &content)
		if lastEmptyOrCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	if lastEmptyOrCorruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastEmptyOrCorruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
