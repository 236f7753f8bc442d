package proxy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shandan1/aistore/internal/cluster"
)

func keepaliveFixture(t *testing.T, selfID string) (*KeepaliveTracker, *cluster.Smap) {
	t.Helper()
	m := cluster.NewSmap()
	p1 := cluster.NewSnode("p1", cluster.Proxy, "127.0.0.1", "8080")
	p2 := cluster.NewSnode("p2", cluster.Proxy, "127.0.0.1", "8082")
	t1 := cluster.NewSnode("t1", cluster.Target, "127.0.0.1", "8081")
	m.Pmap["p1"], m.Pmap["p2"], m.Tmap["t1"] = p1, p2, t1
	m.ProxySI = p1
	m.Version = 3

	self := m.GetNode(selfID)
	if self == nil {
		t.Fatalf("no such daemon %q in fixture", selfID)
	}
	k := NewKeepaliveTracker(testOwner(), self, func() *cluster.Smap { return m }, testLogger())
	return k, m
}

func TestKeepaliveWatchSets(t *testing.T) {
	t.Run("primary watches everyone else", func(t *testing.T) {
		k, m := keepaliveFixture(t, "p1")
		nodes := k.watched(m)
		if len(nodes) != 2 {
			t.Fatalf("watched %d daemons, want 2", len(nodes))
		}
		for _, sn := range nodes {
			if sn.DaemonID == "p1" {
				t.Error("primary must not watch itself")
			}
		}
	})

	t.Run("standby watches only the primary", func(t *testing.T) {
		k, m := keepaliveFixture(t, "p2")
		nodes := k.watched(m)
		if len(nodes) != 1 || nodes[0].DaemonID != "p1" {
			t.Fatalf("watched = %v", nodes)
		}
	})
}

func TestKeepaliveThreshold(t *testing.T) {
	k, m := keepaliveFixture(t, "p1")

	var (
		mu        sync.Mutex
		downIDs   []string
		failProbe = true
	)
	k.SetProbeFunc(func(_ context.Context, sn *cluster.Snode) error {
		if failProbe && sn.DaemonID == "t1" {
			return fmt.Errorf("connection refused")
		}
		return nil
	})
	k.SetOnDown(func(sn *cluster.Snode) {
		mu.Lock()
		downIDs = append(downIDs, sn.DaemonID)
		mu.Unlock()
	})

	factor := k.trackerConf().Factor
	for n := 0; n < factor-1; n++ {
		k.sweep(context.Background())
	}
	if !k.IsAlive("t1") {
		t.Fatal("below threshold the daemon is still alive")
	}

	k.sweep(context.Background())
	if k.IsAlive("t1") {
		t.Fatal("daemon at the failure threshold must be dead")
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(downIDs) == 1 && downIDs[0] == "t1"
	})

	// further failing sweeps do not re-fire the callback
	k.sweep(context.Background())
	mu.Lock()
	n := len(downIDs)
	mu.Unlock()
	if n != 1 {
		t.Errorf("onDown fired %d times", n)
	}

	// recovery resets the counter
	failProbe = false
	k.sweep(context.Background())
	if !k.IsAlive("t1") {
		t.Error("recovered daemon should be alive again")
	}
	_ = m
}

func TestKeepaliveForgetsDeparted(t *testing.T) {
	k, m := keepaliveFixture(t, "p1")
	k.SetProbeFunc(func(context.Context, *cluster.Snode) error {
		return fmt.Errorf("down")
	})

	k.sweep(context.Background())
	k.mu.RLock()
	_, tracked := k.daemons["t1"]
	k.mu.RUnlock()
	if !tracked {
		t.Fatal("t1 should be tracked after a sweep")
	}

	delete(m.Tmap, "t1")
	k.sweep(context.Background())
	k.mu.RLock()
	_, tracked = k.daemons["t1"]
	k.mu.RUnlock()
	if tracked {
		t.Error("departed daemon should be dropped from tracking")
	}
}

func TestKeepaliveRunStops(t *testing.T) {
	k, _ := keepaliveFixture(t, "p2")
	k.SetProbeFunc(func(context.Context, *cluster.Snode) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
