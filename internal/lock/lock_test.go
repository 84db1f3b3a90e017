package lock

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/hayashi-ek/epicrun/internal/model"
	"github.com/hayashi-ek/epicrun/internal/store"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "run.lock")
}

func TestAcquire_Free(t *testing.T) {
	m := NewManager(lockPath(t))

	tok, err := m.Acquire("run1", false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if tok.Value == "" {
		t.Fatal("token must be non-empty")
	}

	rec, err := m.Inspect()
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if rec == nil || rec.PID != os.Getpid() {
		t.Fatalf("lock should record our pid, got %+v", rec)
	}
}

func TestAcquire_HeldByLiveProcess(t *testing.T) {
	path := lockPath(t)
	m := NewManager(path)

	// Our own pid is certainly alive.
	if _, err := m.Acquire("run1", false); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	if _, err := m.Acquire("run1", false); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("want ErrLockHeld, got %v", err)
	}
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	const workers = 8

	for round := 0; round < 50; round++ {
		path := filepath.Join(t.TempDir(), "run.lock")

		var (
			wg     sync.WaitGroup
			wins   atomic.Int32
			losses atomic.Int32
		)
		start := make(chan struct{})
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				m := NewManager(path)
				_, err := m.Acquire("run1", false)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrLockHeld):
					losses.Add(1)
				default:
					t.Errorf("unexpected Acquire error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("round %d: %d acquirers succeeded, want exactly 1", round, wins.Load())
		}
		if losses.Load() != workers-1 {
			t.Fatalf("round %d: %d acquirers saw ErrLockHeld, want %d", round, losses.Load(), workers-1)
		}
	}
}

func TestAcquire_StaleLockReclaimedWithoutForce(t *testing.T) {
	path := lockPath(t)

	// Record a pid that is certainly dead: spawn and reap a child.
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	deadPID := cmd.Process.Pid
	_ = cmd.Wait()

	rec := Record{
		FileType:   model.FileTypeLock,
		RunID:      "run1",
		PID:        deadPID,
		Hostname:   "old-host",
		Token:      "stale-token",
		AcquiredAt: time.Now().UTC().Format(model.TimestampLayout),
	}
	if err := store.AtomicWrite(path, rec); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	m := NewManager(path)
	tok, err := m.Acquire("run1", false)
	if err != nil {
		t.Fatalf("stale lock should be reclaimable without force: %v", err)
	}
	if tok.Value == "stale-token" {
		t.Fatal("reclaim must issue a new token")
	}
}

func TestAcquire_ForceKillsLiveOwner(t *testing.T) {
	path := lockPath(t)

	// A real child process stands in for the stale orchestrator. Setpgid
	// so the group kill has a target and does not hit the test process.
	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	childPID := cmd.Process.Pid
	defer func() { _ = cmd.Process.Kill(); _, _ = cmd.Process.Wait() }()

	rec := Record{
		FileType: model.FileTypeLock,
		RunID:    "run1",
		PID:      childPID,
		Token:    "old-token",
	}
	if err := store.AtomicWrite(path, rec); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	m := NewManager(path)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if _, err := m.Acquire("run1", true); err != nil {
		t.Fatalf("force Acquire failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("prior owner still alive after force takeover")
	}
	if Alive(childPID) {
		t.Fatal("prior owner pid still probes alive")
	}
}

func TestRelease_OnlyOwnToken(t *testing.T) {
	path := lockPath(t)
	m := NewManager(path)

	tok, err := m.Acquire("run1", false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// A foreign token must not remove the lock.
	if err := m.Release(Token{RunID: "run1", Value: "not-mine"}); err != nil {
		t.Fatalf("foreign Release errored: %v", err)
	}
	if rec, _ := m.Inspect(); rec == nil {
		t.Fatal("foreign token must not release the lock")
	}

	if err := m.Release(tok); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if rec, _ := m.Inspect(); rec != nil {
		t.Fatal("lock should be free after release")
	}

	// Double release is safe.
	if err := m.Release(tok); err != nil {
		t.Fatalf("double Release errored: %v", err)
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("own pid must be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
