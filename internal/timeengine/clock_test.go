package timeengine

import (
	"context"
	"testing"
	"time"
)

func TestAwaitAdvancesCurrentNs(t *testing.T) {
	c := New(1000, 0) // speed <= 0 defaults to 1.0
	c.Run()
	if err := c.Await(context.Background(), 900); err != nil {
		t.Fatalf("await past event: %v", err)
	}
	if c.CurrentNs() != 900 {
		t.Fatalf("currentNs = %d, want 900 (past events release immediately)", c.CurrentNs())
	}
}

func TestAwaitPacesAndAdvances(t *testing.T) {
	c := New(0, 1e9) // 1 simulated second per real nanosecond: instant-ish but still timer-based
	c.Run()
	deadline, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Await(deadline, int64(time.Millisecond)); err != nil {
		t.Fatalf("await: %v", err)
	}
	if c.CurrentNs() != int64(time.Millisecond) {
		t.Fatalf("currentNs = %d, want %d", c.CurrentNs(), int64(time.Millisecond))
	}
}

func TestAwaitCancellation(t *testing.T) {
	c := New(0, 1) // real-time pacing: far-future event should block
	c.Run()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Await(ctx, int64(time.Hour))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("await did not wake within bounded slack after cancellation")
	}
}

func TestJumpOnlyWhilePaused(t *testing.T) {
	c := New(0, 1)
	c.Run()
	if c.Jump(500) {
		t.Fatalf("jump should be rejected while running")
	}
	c.Pause()
	if !c.Jump(500) {
		t.Fatalf("jump should succeed while paused")
	}
	if c.CurrentNs() != 500 {
		t.Fatalf("currentNs = %d, want 500", c.CurrentNs())
	}
}

func TestFastForwardIsMonotonic(t *testing.T) {
	c := New(1000, 1)
	c.FastForward(2000)
	if c.CurrentNs() != 2000 {
		t.Fatalf("currentNs = %d, want 2000", c.CurrentNs())
	}
	c.FastForward(1500) // moving backward is a no-op
	if c.CurrentNs() != 2000 {
		t.Fatalf("currentNs = %d, want 2000 (fast-forward must not regress)", c.CurrentNs())
	}
}

func TestStopWakesAwaitPromptly(t *testing.T) {
	c := New(0, 1) // real-time pacing: far-future event should block
	c.Run()
	done := make(chan error, 1)
	go func() {
		done <- c.Await(context.Background(), int64(time.Hour))
	}()

	time.Sleep(20 * time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		if err != ErrWoken {
			t.Fatalf("err = %v, want ErrWoken", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("await did not wake within bounded slack after stop")
	}
}

func TestPauseWakesAwaitPromptly(t *testing.T) {
	c := New(0, 1)
	c.Run()
	done := make(chan error, 1)
	go func() {
		done <- c.Await(context.Background(), int64(time.Hour))
	}()

	time.Sleep(20 * time.Millisecond)
	c.Pause()

	select {
	case err := <-done:
		if err != ErrWoken {
			t.Fatalf("err = %v, want ErrWoken", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("await did not wake within bounded slack after pause")
	}
}

func TestSetSpeedRejectsNonPositive(t *testing.T) {
	c := New(0, 2)
	c.SetSpeed(-1)
	if c.Speed() != 2 {
		t.Fatalf("speed = %v, want unchanged 2", c.Speed())
	}
	c.SetSpeed(5)
	if c.Speed() != 5 {
		t.Fatalf("speed = %v, want 5", c.Speed())
	}
}
