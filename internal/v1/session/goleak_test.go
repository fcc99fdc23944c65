package session_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/testutil"
)

// The idle sweeper goroutine must stop when asked.
func TestIdleSweeperNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := testutil.NewFixture(t)
	stop := f.Core.StartIdleSweeper(context.Background())
	time.Sleep(10 * time.Millisecond)
	stop()
	time.Sleep(10 * time.Millisecond)
}

func TestIdleSweeperClosesExpiredHandshakes(t *testing.T) {
	f := testutil.NewFixture(t)

	stale := f.Connect("stale")
	stale.SetHandshakeAt(time.Now().Add(-10 * time.Minute))
	fresh := f.Connect("fresh")
	authed := f.Login("authed", &auth.User{ID: "u1", Username: "alice"})

	f.Core.SweepOnce()

	closed, reason := stale.Closed()
	if !closed || reason != "handshake expired" {
		t.Fatalf("stale handshake not closed: %v %q", closed, reason)
	}
	if closed, _ := fresh.Closed(); closed {
		t.Fatal("fresh handshake must survive")
	}
	if closed, _ := authed.Closed(); closed {
		t.Fatal("authenticated connection must survive")
	}
}

func TestIdleSweeperClosesIdleAuthenticated(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Cfg.IdleThreshold = time.Nanosecond

	authed := f.Login("authed", &auth.User{ID: "u1", Username: "alice"})
	time.Sleep(time.Millisecond)

	f.Core.SweepOnce()

	closed, reason := authed.Closed()
	if !closed || reason != "idle" {
		t.Fatalf("idle connection not closed: %v %q", closed, reason)
	}
}
