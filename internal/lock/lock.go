// Package lock guards a run against concurrent orchestrator processes.
// A lock file records the owning process; liveness is a best-effort
// kill(pid, 0) probe, so PID reuse can produce a false "alive"; force
// overrides it.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hayashi-ek/epicrun/internal/model"
)

// ErrLockHeld is returned when a live process already holds the lock and
// force was not requested.
var ErrLockHeld = errors.New("run lock held by live process")

const (
	termGrace       = 2 * time.Second
	killPollEvery   = 100 * time.Millisecond
	acquireAttempts = 5
)

// Record is the persisted lock file content.
type Record struct {
	FileType   string `yaml:"file_type"`
	RunID      string `yaml:"run_id"`
	PID        int    `yaml:"pid"`
	Hostname   string `yaml:"hostname"`
	Token      string `yaml:"token"`
	AcquiredAt string `yaml:"acquired_at"`
}

// Token proves an acquisition and is required to release.
type Token struct {
	RunID string
	Value string
}

// Manager acquires and releases per-run lock files.
type Manager struct {
	path string
}

func NewManager(lockPath string) *Manager {
	return &Manager{path: lockPath}
}

// Acquire takes the lock for runID. The lock file is published with an
// exclusive link, so exactly one of any number of concurrent acquirers
// wins; the rest observe the winner's record. An existing lock whose
// process is dead is reclaimed. A live owner fails with ErrLockHeld
// unless force is set, in which case the owner's process tree is
// terminated before takeover.
func (m *Manager) Acquire(runID string, force bool) (Token, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		tok, err := m.create(runID)
		if err == nil {
			return tok, nil
		}
		if !os.IsExist(err) {
			return Token{}, fmt.Errorf("write lock file: %w", err)
		}

		rec, err := m.read()
		if os.IsNotExist(err) {
			// Holder released between our create and read; try again.
			continue
		}
		if err != nil {
			return Token{}, err
		}

		alive := Alive(rec.PID)
		if alive && !force {
			return Token{}, fmt.Errorf("run %s locked by pid %d on %s since %s: %w",
				runID, rec.PID, rec.Hostname, rec.AcquiredAt, ErrLockHeld)
		}
		if alive {
			if err := terminateTree(rec.PID); err != nil {
				return Token{}, fmt.Errorf("force takeover of pid %d: %w", rec.PID, err)
			}
		}
		if err := m.removeIfToken(rec.Token); err != nil {
			return Token{}, err
		}
		// Loop back to contend for the exclusive create.
	}
	return Token{}, fmt.Errorf("run %s: lock takeover kept racing, giving up", runID)
}

// create publishes a fresh lock record, failing with os.IsExist when
// the lock file is already present. The record is written to a private
// temp file and linked into place, so no acquirer ever observes a
// partially written lock.
func (m *Manager) create(runID string) (Token, error) {
	hostname, _ := os.Hostname()
	tok := Token{RunID: runID, Value: model.NewLockToken()}
	rec := Record{
		FileType:   model.FileTypeLock,
		RunID:      runID,
		PID:        os.Getpid(),
		Hostname:   hostname,
		Token:      tok.Value,
		AcquiredAt: time.Now().UTC().Format(model.TimestampLayout),
	}
	data, err := yamlv3.Marshal(rec)
	if err != nil {
		return Token{}, fmt.Errorf("marshal lock record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".epicrun-lock-*")
	if err != nil {
		return Token{}, fmt.Errorf("create temp lock: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Token{}, fmt.Errorf("write lock record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Token{}, fmt.Errorf("sync lock record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Token{}, fmt.Errorf("close lock record: %w", err)
	}

	if err := os.Link(tmp.Name(), m.path); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// removeIfToken removes the lock file only while it still carries the
// record we judged reclaimable, so a lock re-taken by someone else in
// the meantime is left alone.
func (m *Manager) removeIfToken(token string) error {
	cur, err := m.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Token != token {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

// Release removes the lock only if it still records tok. A lock that was
// since force-reclaimed by another process is left alone.
func (m *Manager) Release(tok Token) error {
	rec, err := m.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Token != tok.Value {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Inspect returns the current lock record, or nil when the lock is free.
func (m *Manager) Inspect() (*Record, error) {
	rec, err := m.read()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Manager) read() (Record, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := yamlv3.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse lock file: %w", err)
	}
	return rec, nil
}

// Alive probes whether pid is currently running.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

// terminateTree sends SIGTERM to the process group of pid, waits a grace
// period, then SIGKILLs anything still alive.
func terminateTree(pid int) error {
	target := -pid // process group
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
		// Not a group leader; fall back to the single process.
		target = pid
		if err := syscall.Kill(target, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("SIGTERM pid %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(killPollEvery)
	}

	if err := syscall.Kill(target, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("SIGKILL pid %d: %w", pid, err)
	}
	for i := 0; i < 20 && Alive(pid); i++ {
		time.Sleep(killPollEvery)
	}
	if Alive(pid) {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	return nil
}
