// Package target implements the data-node daemon: mountpath inventory,
// xaction execution (rebalance), and the daemon-side control-plane endpoints
// that serve queries and accept pushes from the primary proxy.
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shandan1/aistore/internal/cluster"
	"github.com/shandan1/aistore/internal/config"
)

// Target is one data node. It holds a read-only cached Smap copy refreshed
// via pushes from the primary; membership mutations never happen here.
type Target struct {
	snode      *cluster.Snode
	co         *config.Owner
	mfs        *MountedFS
	xreg       *XactRegistry
	smap       atomic.Pointer[cluster.Smap]
	pushedCfg  atomic.Int64 // version of the last accepted config push
	log        *zap.SugaredLogger
	startTime  time.Time
	shutdownFn func()
}

func New(snode *cluster.Snode, co *config.Owner, mfs *MountedFS, log *zap.SugaredLogger) *Target {
	t := &Target{
		snode:     snode,
		co:        co,
		mfs:       mfs,
		xreg:      NewXactRegistry(log),
		log:       log,
		startTime: time.Now(),
	}
	t.smap.Store(cluster.NewSmap())
	return t
}

func (t *Target) Snode() *cluster.Snode   { return t.snode }
func (t *Target) Smap() *cluster.Smap     { return t.smap.Load() }
func (t *Target) Xactions() *XactRegistry { return t.xreg }

// OnShutdown installs the hook invoked when a shutdown action arrives.
func (t *Target) OnShutdown(fn func()) { t.shutdownFn = fn }

// AdoptSmap installs a pushed cluster map if it is newer than the cached one.
// Versions observed locally are monotonically non-decreasing; a stale push is
// dropped and reported as cluster.ErrStaleVersion.
func (t *Target) AdoptSmap(newSmap *cluster.Smap) error {
	if err := newSmap.Validate(); err != nil {
		return err
	}
	for {
		cur := t.smap.Load()
		if newSmap.Version <= cur.Version {
			return fmt.Errorf("%w: got smap v%d, have v%d", cluster.ErrStaleVersion, newSmap.Version, cur.Version)
		}
		if t.smap.CompareAndSwap(cur, newSmap) {
			t.log.Infof("adopted %s", newSmap)
			return nil
		}
	}
}

// ApplyConfigPush applies propagated config updates. Pushes older than the
// last accepted one are dropped; re-applying the current version is
// idempotent, so a resend bundling keys the original push missed still
// lands. The version advances only after a successful apply.
func (t *Target) ApplyConfigPush(msg cluster.ConfigMsg) error {
	last := t.pushedCfg.Load()
	if msg.Version < last {
		return fmt.Errorf("%w: got config push v%d, have v%d", cluster.ErrStaleVersion, msg.Version, last)
	}
	if _, err := t.co.SetMany(msg.NVs); err != nil {
		return err
	}
	for {
		last := t.pushedCfg.Load()
		if msg.Version <= last || t.pushedCfg.CompareAndSwap(last, msg.Version) {
			break
		}
	}
	t.log.Infof("%s: %v (push v%d)", cluster.ActSetConfig, msg.NVs, msg.Version)
	return nil
}

// Join registers this target with the primary proxy, retrying until the
// registration lands or the context expires.
func (t *Target) Join(ctx context.Context, primaryURL string) error {
	retry := t.co.Get().Rebalance.DestRetryTime
	for {
		err := cluster.PostJSON(ctx, primaryURL+cluster.URLPathRegister, t.snode, nil)
		if err == nil {
			t.log.Infof("joined cluster via %s", primaryURL)
			return nil
		}
		t.log.Warnf("join attempt failed: %v", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("could not join cluster: %w", ctx.Err())
		case <-time.After(retry):
		}
	}
}

// RegisterHandlers mounts the target's control-plane endpoints.
func (t *Target) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(cluster.URLPathHealth, t.healthHandler)
	mux.HandleFunc(cluster.URLPathDaemon, t.daemonHandler)
	mux.HandleFunc(cluster.URLPathSmap, t.smapHandler)
	mux.HandleFunc(cluster.URLPathConfig, t.configHandler)
	mux.HandleFunc(cluster.URLPathRebSignl, t.rebalanceHandler)
}

func (t *Target) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (t *Target) daemonHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.daemonGet(w, r)
	case http.MethodPost:
		t.daemonAction(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (t *Target) daemonGet(w http.ResponseWriter, r *http.Request) {
	switch what := r.URL.Query().Get("what"); what {
	case cluster.GetWhatSmap:
		cluster.WriteJSON(w, t.Smap())
	case cluster.GetWhatConfig:
		cluster.WriteJSON(w, t.co.Get())
	case cluster.GetWhatStats:
		cluster.WriteJSON(w, t.DaemonStats())
	case cluster.GetWhatXaction:
		cluster.WriteJSON(w, t.xactionRecord())
	case cluster.GetWhatMountpaths:
		cluster.WriteJSON(w, t.mfs.List())
	case cluster.GetWhatDaemonInfo:
		cluster.WriteJSON(w, t.snode)
	default:
		http.Error(w, fmt.Sprintf("invalid what=%q", what), http.StatusBadRequest)
	}
}

func (t *Target) daemonAction(w http.ResponseWriter, r *http.Request) {
	var msg cluster.ActionMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	switch msg.Action {
	case cluster.ActShutdown:
		w.WriteHeader(http.StatusNoContent)
		t.log.Infof("shutdown requested")
		if t.shutdownFn != nil {
			go t.shutdownFn()
		}
	default:
		http.Error(w, fmt.Sprintf("unsupported action %q", msg.Action), http.StatusBadRequest)
	}
}

func (t *Target) smapHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	newSmap := cluster.NewSmap()
	if err := json.NewDecoder(r.Body).Decode(newSmap); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := t.AdoptSmap(newSmap); err != nil {
		// stale pushes are dropped, logged, and not surfaced as errors
		t.log.Infof("smap push ignored: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *Target) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg cluster.ConfigMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := t.ApplyConfigPush(msg); err != nil {
		if cluster.IsErrStale(err) {
			t.log.Infof("config push ignored: %v", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *Target) rebalanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rmd cluster.RMD
	if err := json.NewDecoder(r.Body).Decode(&rmd); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !t.co.Get().Rebalance.Enabled {
		t.log.Warnf("rebalance v%d requested but rebalance is disabled", rmd.Version)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	x := t.xreg.RenewRebalance(rmd, func(x *Xact) {
		runRebalance(x, t.mfs, t.snode.DaemonID, rmd, t.log)
	})
	cluster.WriteJSON(w, x.Record(t.snode.DaemonID))
}

func (t *Target) xactionRecord() cluster.XactionRecord {
	if x := t.xreg.GetRebalance(); x != nil {
		return x.Record(t.snode.DaemonID)
	}
	// no run yet - report an empty finished record so cluster-level
	// aggregation still covers this target
	return cluster.XactionRecord{
		Kind:   cluster.XactRebalance,
		Target: t.snode.DaemonID,
		Status: cluster.XactStatusFinished,
	}
}

// DaemonStats is this target's "?what=stats" record.
func (t *Target) DaemonStats() *cluster.DaemonStats {
	return &cluster.DaemonStats{
		Snode:     t.snode,
		UpSince:   t.startTime,
		SmapVer:   t.Smap().Version,
		FS:        t.mfs.FetchFSInfo(),
		NumXacts:  t.xreg.NumStarted(),
		ConfigVer: t.co.Get().Version,
	}
}
