package fleet

import (
	"os"
	"testing"
	"time"
)

func TestSweeperReschedule(t *testing.T) {
	f := newFixture(t)

	s, err := NewSweeper(f.m)
	if err != nil {
		t.Fatalf("NewSweeper() = %v", err)
	}
	old := s.entry

	if err := s.Reschedule("not a schedule"); err == nil {
		t.Error("Reschedule(garbage) = nil, want error")
	}
	if s.entry != old {
		t.Error("failed Reschedule replaced the scheduled entry")
	}

	if err := s.Reschedule("@every 1m"); err != nil {
		t.Fatalf("Reschedule(@every 1m) = %v", err)
	}
	if s.entry == old {
		t.Error("Reschedule kept the old entry")
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.cfg.SweepSchedule = "61 * * * *"
	if _, err := NewSweeper(f.m); err == nil {
		t.Error("NewSweeper(bad schedule) = nil, want error")
	}
}

// A stop timeout reloaded via SetConfig must govern later stops: a daemon
// that ignores SIGTERM gets killed after the reloaded window, not the one
// the supervisor was built with.
func TestSetConfigReloadsStopTimeout(t *testing.T) {
	f := newFixture(t)
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("Executable() = %v", err)
	}

	slow := *f.cfg
	slow.StopTimeout = 30 * time.Second
	m := f.newManager(&slow, exe)
	t.Cleanup(m.Shutdown)

	if _, err := m.Create(forwardSpec("stubborn", freePort(t))); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	t.Setenv("FAKE_IGNORE_TERM", "1")
	if err := m.Start("stubborn"); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	fast := slow
	fast.StopTimeout = 300 * time.Millisecond
	m.SetConfig(&fast)

	start := time.Now()
	if err := m.Stop("stubborn"); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 300*time.Millisecond {
		t.Errorf("Stop() returned after %s, want at least the 300ms escalation window", elapsed)
	}
	if elapsed > 10*time.Second {
		t.Errorf("Stop() took %s, reloaded stop timeout not applied", elapsed)
	}
}
