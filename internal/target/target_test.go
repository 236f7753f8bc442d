package target

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shandan1/aistore/internal/cluster"
	"github.com/shandan1/aistore/internal/config"
)

func newTestTarget(t *testing.T) *Target {
	t.Helper()
	co := config.NewOwner(config.Default())
	mfs := newTestMFS(t, t.TempDir())
	sn := cluster.NewSnode("t1", cluster.Target, "127.0.0.1", "8081")
	return New(sn, co, mfs, testLogger())
}

func smapWithPrimary(version int64) *cluster.Smap {
	m := cluster.NewSmap()
	p1 := cluster.NewSnode("p1", cluster.Proxy, "127.0.0.1", "8080")
	m.Pmap[p1.DaemonID] = p1
	m.Tmap["t1"] = cluster.NewSnode("t1", cluster.Target, "127.0.0.1", "8081")
	m.ProxySI = p1
	m.Version = version
	return m
}

func TestAdoptSmap(t *testing.T) {
	trg := newTestTarget(t)

	if err := trg.AdoptSmap(smapWithPrimary(3)); err != nil {
		t.Fatal(err)
	}
	if trg.Smap().Version != 3 {
		t.Fatalf("version = %d", trg.Smap().Version)
	}

	// same version is stale
	err := trg.AdoptSmap(smapWithPrimary(3))
	if !cluster.IsErrStale(err) {
		t.Fatalf("want stale error, got %v", err)
	}
	// older version is stale
	err = trg.AdoptSmap(smapWithPrimary(2))
	if !cluster.IsErrStale(err) {
		t.Fatalf("want stale error, got %v", err)
	}
	if trg.Smap().Version != 3 {
		t.Error("stale adopt must not replace the map")
	}

	// invalid map rejected regardless of version
	bad := smapWithPrimary(9)
	bad.ProxySI = cluster.NewSnode("ghost", cluster.Proxy, "127.0.0.1", "9999")
	if err := trg.AdoptSmap(bad); err == nil {
		t.Fatal("map with a primary outside pmap should be rejected")
	}
}

func TestApplyConfigPush(t *testing.T) {
	trg := newTestTarget(t)

	msg := cluster.ConfigMsg{Version: 5, NVs: map[string]string{"cksum.enable_read_range": "true"}}
	if err := trg.ApplyConfigPush(msg); err != nil {
		t.Fatal(err)
	}
	if !trg.co.Get().Cksum.EnableReadRange {
		t.Error("pushed value not applied")
	}

	// an older push is stale
	old := cluster.ConfigMsg{Version: 4, NVs: map[string]string{"log_level": "debug"}}
	if err := trg.ApplyConfigPush(old); !cluster.IsErrStale(err) {
		t.Fatalf("want stale error, got %v", err)
	}
	if trg.co.Get().LogLevel == "debug" {
		t.Error("stale push must not apply")
	}

	// a resend at the current version may bundle keys the original push
	// missed and must still apply
	resend := cluster.ConfigMsg{Version: 5, NVs: map[string]string{"log_level": "warn"}}
	if err := trg.ApplyConfigPush(resend); err != nil {
		t.Fatalf("current-version resend: %v", err)
	}
	if trg.co.Get().LogLevel != "warn" {
		t.Error("resent key not applied")
	}

	// a push that fails to apply does not consume its version
	bad := cluster.ConfigMsg{Version: 6, NVs: map[string]string{"bogus": "1"}}
	if err := trg.ApplyConfigPush(bad); err == nil || cluster.IsErrStale(err) {
		t.Fatalf("want config key error, got %v", err)
	}
	good := cluster.ConfigMsg{Version: 6, NVs: map[string]string{"rebalance.enabled": "false"}}
	if err := trg.ApplyConfigPush(good); err != nil {
		t.Fatalf("retry at the failed version: %v", err)
	}
	if trg.co.Get().Rebalance.Enabled {
		t.Error("retried push not applied")
	}
}

func TestDaemonGetHandlers(t *testing.T) {
	trg := newTestTarget(t)
	mux := http.NewServeMux()
	trg.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		what  string
		check func(t *testing.T, body []byte)
	}{
		{
			what: cluster.GetWhatSmap,
			check: func(t *testing.T, body []byte) {
				var m cluster.Smap
				if err := json.Unmarshal(body, &m); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			what: cluster.GetWhatConfig,
			check: func(t *testing.T, body []byte) {
				var c config.Config
				if err := json.Unmarshal(body, &c); err != nil {
					t.Fatal(err)
				}
				if c.Cksum.Type != config.ChecksumXXHash {
					t.Errorf("cksum.type = %q", c.Cksum.Type)
				}
			},
		},
		{
			what: cluster.GetWhatStats,
			check: func(t *testing.T, body []byte) {
				var ds cluster.DaemonStats
				if err := json.Unmarshal(body, &ds); err != nil {
					t.Fatal(err)
				}
				if ds.Snode.DaemonID != "t1" {
					t.Errorf("stats snode = %+v", ds.Snode)
				}
				if ds.FS.NumAvail != 1 {
					t.Errorf("fs num_available = %d", ds.FS.NumAvail)
				}
			},
		},
		{
			what: cluster.GetWhatXaction,
			check: func(t *testing.T, body []byte) {
				var rec cluster.XactionRecord
				if err := json.Unmarshal(body, &rec); err != nil {
					t.Fatal(err)
				}
				// no run yet: empty finished record
				if rec.Status != cluster.XactStatusFinished {
					t.Errorf("status = %s", rec.Status)
				}
			},
		},
		{
			what: cluster.GetWhatMountpaths,
			check: func(t *testing.T, body []byte) {
				var list cluster.MountpathList
				if err := json.Unmarshal(body, &list); err != nil {
					t.Fatal(err)
				}
				if len(list.Available) != 1 {
					t.Errorf("available = %v", list.Available)
				}
			},
		},
		{
			what: cluster.GetWhatDaemonInfo,
			check: func(t *testing.T, body []byte) {
				var sn cluster.Snode
				if err := json.Unmarshal(body, &sn); err != nil {
					t.Fatal(err)
				}
				if sn.DaemonID != "t1" || sn.DaemonType != cluster.Target {
					t.Errorf("daemoninfo = %+v", sn)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.what, func(t *testing.T) {
			resp, err := http.Get(srv.URL + cluster.URLPathDaemon + "?what=" + tt.what)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(resp.Body); err != nil {
				t.Fatal(err)
			}
			tt.check(t, buf.Bytes())
		})
	}

	t.Run("invalid what", func(t *testing.T) {
		resp, err := http.Get(srv.URL + cluster.URLPathDaemon + "?what=bogus")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestSmapPushHandler(t *testing.T) {
	trg := newTestTarget(t)
	mux := http.NewServeMux()
	trg.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	put := func(t *testing.T, m *cluster.Smap) int {
		t.Helper()
		b, _ := json.Marshal(m)
		req, _ := http.NewRequest(http.MethodPut, srv.URL+cluster.URLPathSmap, bytes.NewReader(b))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := put(t, smapWithPrimary(2)); code != http.StatusNoContent {
		t.Fatalf("status = %d", code)
	}
	if trg.Smap().Version != 2 {
		t.Fatalf("version = %d", trg.Smap().Version)
	}

	// stale push is acknowledged and dropped
	if code := put(t, smapWithPrimary(1)); code != http.StatusNoContent {
		t.Fatalf("stale push status = %d", code)
	}
	if trg.Smap().Version != 2 {
		t.Error("stale push replaced the map")
	}
}

func TestRebalanceHandler(t *testing.T) {
	trg := newTestTarget(t)
	mux := http.NewServeMux()
	trg.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rmd := cluster.RMD{Version: 4, TargetIDs: []string{"t1", "t2"}}
	b, _ := json.Marshal(rmd)
	resp, err := http.Post(srv.URL+cluster.URLPathRebSignl, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rec cluster.XactionRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Kind != cluster.XactRebalance || rec.Target != "t1" {
		t.Errorf("record = %+v", rec)
	}

	// the run finishes and its record becomes queryable
	deadline := time.Now().Add(2 * time.Second)
	for {
		x := trg.Xactions().GetRebalance()
		if x != nil && x.Finished() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rebalance did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRebalanceHandlerDisabled(t *testing.T) {
	trg := newTestTarget(t)
	if _, err := trg.co.SetMany(map[string]string{"rebalance.enabled": "false"}); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	trg.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b, _ := json.Marshal(cluster.RMD{Version: 1, TargetIDs: []string{"t1"}})
	resp, err := http.Post(srv.URL+cluster.URLPathRebSignl, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if trg.Xactions().GetRebalance() != nil {
		t.Error("disabled rebalance must not start an xaction")
	}
}

func TestShutdownAction(t *testing.T) {
	trg := newTestTarget(t)
	done := make(chan struct{})
	trg.OnShutdown(func() { close(done) })

	mux := http.NewServeMux()
	trg.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b, _ := json.Marshal(cluster.ActionMsg{Action: cluster.ActShutdown})
	resp, err := http.Post(srv.URL+cluster.URLPathDaemon, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook not invoked")
	}
}
