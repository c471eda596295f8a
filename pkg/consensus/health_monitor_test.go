package consensus

import (
	"testing"
	"time"

	"github.com/savanna/finality/pkg/blockstate"
	"github.com/savanna/finality/pkg/controller"
	"github.com/savanna/finality/pkg/digest"
	"github.com/savanna/finality/pkg/forkdb"
	"github.com/savanna/finality/pkg/policy"
)

// fakeClock lets tests advance time deterministically without sleeping.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestController(t *testing.T) *controller.Controller {
	t.Helper()
	db := forkdb.New(nil)
	root := &blockstate.BlockState{ID: digest.Sum([]byte("genesis")), BlockNum: 0, Timestamp: 1000, ActivePolicy: &policy.Policy{Generation: 1, Threshold: 1}}
	db.ResetRoot(root)
	return controller.New(db, nil, nil)
}

func TestStallMonitorDetectsAndRecoversFromStall(t *testing.T) {
	ctrl := newTestController(t)
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewStallMonitor(ctrl, Config{StallThreshold: 10 * time.Second, CheckInterval: time.Second}, clock, nil)

	if err := m.Check(); err != nil {
		t.Fatalf("Check immediately after construction: got %v, want no stall", err)
	}

	clock.advance(11 * time.Second)
	if err := m.Check(); err != ErrFinalityStalled {
		t.Fatalf("Check after exceeding threshold: got %v, want ErrFinalityStalled", err)
	}
	status := m.GetStatus()
	if !status.Stalled || status.ConsecutiveStalls != 1 {
		t.Fatalf("unexpected status after stall: %+v", status)
	}

	m.recordProgress(5)
	if err := m.Check(); err != nil {
		t.Fatalf("Check after progress: got %v, want recovery", err)
	}
	status = m.GetStatus()
	if status.Stalled || status.LastFinalizedNum != 5 {
		t.Fatalf("unexpected status after recovery: %+v", status)
	}
}

func TestStallMonitorStartSubscribesAndStop(t *testing.T) {
	ctrl := newTestController(t)
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewStallMonitor(ctrl, DefaultConfig(), clock, nil)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err == nil {
		t.Fatalf("expected an error starting an already-running monitor")
	}
	m.Stop()
	if len(m.subIDs) != 0 {
		t.Fatalf("expected subscriptions cleared after Stop")
	}
}
