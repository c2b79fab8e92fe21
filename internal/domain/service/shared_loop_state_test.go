package service

import (
	"sync"
	"testing"
)

func TestSharedLoopState_ExceedsThresholdAfterEnoughIncrements(t *testing.T) {
	s := NewSharedLoopState(5)
	for i := 0; i < 5; i++ {
		s.Increment("read_file:/foo")
	}
	if s.ExceedsThreshold("read_file:/foo") {
		t.Fatal("count equal to threshold should not yet exceed it")
	}
	s.Increment("read_file:/foo")
	if !s.ExceedsThreshold("read_file:/foo") {
		t.Fatal("expected threshold exceeded after one more increment")
	}
}

func TestSharedLoopState_CrossWorkerAggregation(t *testing.T) {
	s := NewSharedLoopState(3)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Increment("bash:npm test")
		}()
	}
	wg.Wait()
	if !s.ExceedsThreshold("bash:npm test") {
		t.Fatal("expected combined increments across workers to exceed threshold")
	}
}

func TestSharedLoopState_IndependentFingerprints(t *testing.T) {
	s := NewSharedLoopState(2)
	s.Increment("a")
	s.Increment("a")
	s.Increment("a")
	if s.ExceedsThreshold("b") {
		t.Fatal("unrelated fingerprint must not be affected")
	}
}

func TestSharedLoopState_Reset(t *testing.T) {
	s := NewSharedLoopState(1)
	s.Increment("a")
	s.Increment("a")
	if !s.ExceedsThreshold("a") {
		t.Fatal("expected threshold exceeded before reset")
	}
	s.Reset()
	if s.ExceedsThreshold("a") {
		t.Fatal("expected counts cleared after reset")
	}
}

func TestBudgetTracker_GlobalDoomLoopSurfacesOnAnyWorker(t *testing.T) {
	shared := NewSharedLoopState(2)
	cfg := DefaultBudgetTrackerConfig()
	cfg.Shared = shared

	workerA := newTestTracker(cfg)
	workerB := newTestTracker(cfg)

	workerA.RecordTool("read_file", map[string]interface{}{"path": "/contested"}, true)
	workerB.RecordTool("read_file", map[string]interface{}{"path": "/contested"}, true)
	workerA.RecordTool("read_file", map[string]interface{}{"path": "/contested"}, true)

	res := workerB.CheckBudget()
	rerr := res.Stop
	if rerr == nil {
		t.Fatal("expected workerB's next check_budget to surface the global doom loop")
	}
	if rerr.Code != "LOOP_DETECTED" || rerr.Scope != "global" {
		t.Fatalf("expected global loop-detected error, got %#v", rerr)
	}
}
