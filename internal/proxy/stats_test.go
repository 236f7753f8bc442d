package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shandan1/aistore/internal/cluster"
)

func TestFanout(t *testing.T) {
	nodes := []*cluster.Snode{
		cluster.NewSnode("t1", cluster.Target, "127.0.0.1", "1"),
		cluster.NewSnode("t2", cluster.Target, "127.0.0.1", "2"),
		cluster.NewSnode("t3", cluster.Target, "127.0.0.1", "3"),
	}

	results, failed := fanout(context.Background(), nodes, time.Second,
		func(_ context.Context, sn *cluster.Snode) (int, error) {
			if sn.DaemonID == "t2" {
				return 0, fmt.Errorf("down")
			}
			return len(sn.DaemonID), nil
		})

	if len(results) != 2 || results["t1"] != 2 || results["t3"] != 2 {
		t.Errorf("results = %v", results)
	}
	if len(failed) != 1 || failed[0] != "t2" {
		t.Errorf("failed = %v", failed)
	}
}

func newTestProxyWithTargets(t *testing.T, targets map[string]string) *Proxy {
	t.Helper()
	self := cluster.NewSnode("p1", cluster.Proxy, "127.0.0.1", "8080")
	p := New(self, testOwner(), testLogger())
	p.InitPrimary()
	for id, url := range targets {
		if _, err := p.reg.Register(snodeAt(t, id, cluster.Target, url)); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func TestClusterStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("what") != cluster.GetWhatStats {
			http.Error(w, "unexpected what", http.StatusBadRequest)
			return
		}
		cluster.WriteJSON(w, &cluster.DaemonStats{
			Snode:   cluster.NewSnode("t1", cluster.Target, "127.0.0.1", "8081"),
			SmapVer: 2,
		})
	}))
	defer srv.Close()

	p := newTestProxyWithTargets(t, map[string]string{"t1": srv.URL})

	res, err := p.ClusterStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ds, ok := res.Target["t1"]
	if !ok || ds.SmapVer != 2 {
		t.Errorf("t1 stats = %+v", ds)
	}
	if len(res.Failed) != 0 {
		t.Errorf("failed = %v", res.Failed)
	}
}

func TestClusterMountpaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, cluster.MountpathList{Available: []string{"/data/1"}})
	}))
	defer srv.Close()

	p := newTestProxyWithTargets(t, map[string]string{"t1": srv.URL})

	res, err := p.ClusterMountpaths(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ml, ok := res.Targets["t1"]
	if !ok || len(ml.Available) != 1 || ml.Available[0] != "/data/1" {
		t.Errorf("t1 mountpaths = %+v", ml)
	}
}

func TestClusterStatsUnreachable(t *testing.T) {
	p := newTestProxyWithTargets(t, nil)
	if _, err := p.reg.Register(cluster.NewSnode("t1", cluster.Target, "127.0.0.1", "1")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.co.SetMany(map[string]string{"timeout.cplane_operation": "200ms"}); err != nil {
		t.Fatal(err)
	}

	_, err := p.ClusterStats(context.Background())
	if !errors.Is(err, cluster.ErrClusterUnreachable) {
		t.Fatalf("want ErrClusterUnreachable, got %v", err)
	}
}
