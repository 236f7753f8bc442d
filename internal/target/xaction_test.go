package target

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shandan1/aistore/internal/cluster"
)

func TestHRWTarget(t *testing.T) {
	targets := []string{"t1", "t2", "t3"}

	t.Run("deterministic", func(t *testing.T) {
		for _, path := range []string{"/a/b/c", "/a/b/d", "obj-1", ""} {
			first := hrwTarget(path, targets)
			for n := 0; n < 10; n++ {
				if got := hrwTarget(path, targets); got != first {
					t.Fatalf("hrwTarget(%q) flapped: %q vs %q", path, got, first)
				}
			}
		}
	})

	t.Run("order independent", func(t *testing.T) {
		reordered := []string{"t3", "t1", "t2"}
		for _, path := range []string{"/a/b/c", "/x/y", "k"} {
			if hrwTarget(path, targets) != hrwTarget(path, reordered) {
				t.Fatalf("hrwTarget(%q) depends on target order", path)
			}
		}
	})

	t.Run("empty target set", func(t *testing.T) {
		if got := hrwTarget("/a", nil); got != "" {
			t.Errorf("got %q for empty set", got)
		}
	})

	t.Run("spreads keys", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			seen[hrwTarget(filepath.Join("/obj", string(rune('a'+i%26))), targets)] = true
		}
		if len(seen) < 2 {
			t.Errorf("all 100 keys landed on one target")
		}
	})
}

func TestXactLifecycle(t *testing.T) {
	x := newXact(1, cluster.XactRebalance, 5)

	rec := x.Record("t1")
	if rec.Status != cluster.XactStatusRunning {
		t.Errorf("fresh xact status = %s", rec.Status)
	}
	if rec.Kind != cluster.XactRebalance || rec.Target != "t1" {
		t.Errorf("record = %+v", rec)
	}

	x.finish()
	if rec := x.Record("t1"); rec.Status != cluster.XactStatusFinished {
		t.Errorf("finished xact status = %s", rec.Status)
	}
	if x.EndTime().IsZero() {
		t.Error("finished xact should carry an end time")
	}
}

func TestXactAbort(t *testing.T) {
	x := newXact(1, cluster.XactRebalance, 5)
	x.Abort()
	x.Abort() // idempotent

	select {
	case <-x.ChanAbort():
	default:
		t.Fatal("abort channel should be closed")
	}
	if rec := x.Record("t1"); rec.Status != cluster.XactStatusAborted {
		t.Errorf("aborted xact status = %s", rec.Status)
	}
}

func TestRenewRebalance(t *testing.T) {
	reg := NewXactRegistry(testLogger())
	block := make(chan struct{})
	run := func(x *Xact) {
		<-block
		x.finish()
	}

	x1 := reg.RenewRebalance(cluster.RMD{Version: 2}, run)

	// same version while running: renewed, not duplicated
	x2 := reg.RenewRebalance(cluster.RMD{Version: 2}, run)
	if x1 != x2 {
		t.Fatal("same-version renew should return the running xact")
	}
	if reg.NumStarted() != 1 {
		t.Errorf("NumStarted = %d, want 1", reg.NumStarted())
	}

	// newer version: old run aborted, new one started
	x3 := reg.RenewRebalance(cluster.RMD{Version: 3}, run)
	if x3 == x1 {
		t.Fatal("newer version should start a new xact")
	}
	if !x1.Aborted() {
		t.Error("superseded run should be aborted")
	}
	if reg.NumStarted() != 2 {
		t.Errorf("NumStarted = %d, want 2", reg.NumStarted())
	}

	close(block)
	waitFinished(t, x3)

	// after the run finished, the same version starts a fresh one
	x4 := reg.RenewRebalance(cluster.RMD{Version: 3}, func(x *Xact) { x.finish() })
	if x4 == x3 {
		t.Fatal("finished run must not be renewed")
	}
}

func TestRunRebalance(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mfs := newTestMFS(t, dir)

	t.Run("single target owns everything", func(t *testing.T) {
		x := newXact(1, cluster.XactRebalance, 1)
		rmd := cluster.RMD{Version: 1, TargetIDs: []string{"t1"}}
		runRebalance(x, mfs, "t1", rmd, testLogger())

		rec := x.Record("t1")
		if rec.Progress.Total != 4 {
			t.Errorf("total = %d, want 4", rec.Progress.Total)
		}
		if rec.Progress.Moved != 0 {
			t.Errorf("moved = %d, want 0 with a single target", rec.Progress.Moved)
		}
		if rec.Status != cluster.XactStatusFinished {
			t.Errorf("status = %s", rec.Status)
		}
	})

	t.Run("foreign owner counts as moved", func(t *testing.T) {
		x := newXact(2, cluster.XactRebalance, 2)
		rmd := cluster.RMD{Version: 2, TargetIDs: []string{"other"}}
		runRebalance(x, mfs, "t1", rmd, testLogger())

		rec := x.Record("t1")
		if rec.Progress.Moved != rec.Progress.Total || rec.Progress.Total != 4 {
			t.Errorf("progress = %d/%d, want 4/4", rec.Progress.Moved, rec.Progress.Total)
		}
	})
}

func waitFinished(t *testing.T, x *Xact) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !x.Finished() {
		if time.Now().After(deadline) {
			t.Fatal("xact did not finish in time")
		}
		time.Sleep(time.Millisecond)
	}
}
