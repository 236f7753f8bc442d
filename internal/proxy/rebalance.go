package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shandan1/aistore/internal/cluster"
	"github.com/shandan1/aistore/internal/config"
	"github.com/shandan1/aistore/internal/telemetry"
)

// RebHandle tracks one cluster-wide rebalance trigger: the RMD it carries and
// which targets could not be notified (those are retried by re-trigger, not
// abandoned silently).
type RebHandle struct {
	mu           sync.Mutex
	RMD          cluster.RMD `json:"rmd"`
	StartTime    time.Time   `json:"start_time"`
	NotifyFailed []string    `json:"notify_failed,omitempty"`
}

func (h *RebHandle) failed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.NotifyFailed...)
}

func (h *RebHandle) addFailed(id string) {
	h.mu.Lock()
	h.NotifyFailed = append(h.NotifyFailed, id)
	h.mu.Unlock()
}

// RebCoordinator triggers and tracks cluster-wide rebalance runs. The cause
// of a run is a committed membership version: triggering again for the same
// version (or an older one) returns the existing handle instead of starting
// an overlapping run against the same target set.
type RebCoordinator struct {
	mu     sync.Mutex
	handle *RebHandle
	co     *config.Owner
	log    *zap.SugaredLogger
}

func NewRebCoordinator(co *config.Owner, log *zap.SugaredLogger) *RebCoordinator {
	return &RebCoordinator{co: co, log: log}
}

// RunRebalance fans the start signal out to every registered target and
// returns immediately; progress is observed by polling XactionStats.
func (c *RebCoordinator) RunRebalance(smap *cluster.Smap) *RebHandle {
	c.mu.Lock()
	if h := c.handle; h != nil && h.RMD.Version >= smap.Version {
		c.mu.Unlock()
		c.log.Infof("rebalance v%d already triggered, reusing handle", h.RMD.Version)
		return h
	}
	h := &RebHandle{
		RMD:       cluster.RMD{Version: smap.Version, TargetIDs: smap.TargetIDs()},
		StartTime: time.Now(),
	}
	c.handle = h
	c.mu.Unlock()

	telemetry.RebalancesTotal.Inc()
	c.log.Infof("triggering rebalance v%d across %d targets", h.RMD.Version, smap.CountTargets())
	go c.notify(h, smap)
	return h
}

// Handle returns the most recent trigger, or nil.
func (c *RebCoordinator) Handle() *RebHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *RebCoordinator) notify(h *RebHandle, smap *cluster.Smap) {
	timeout := c.co.Get().Timeout.CplaneOperation
	var g errgroup.Group
	for _, sn := range smap.Tmap {
		sn := sn
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := cluster.PostJSON(ctx, sn.URL()+cluster.URLPathRebSignl, h.RMD, nil); err != nil {
				c.log.Warnf("rebalance v%d: failed to notify %s: %v", h.RMD.Version, sn, err)
				h.addFailed(sn.DaemonID)
			}
			return nil
		})
	}
	_ = g.Wait()
	if failed := h.failed(); len(failed) > 0 {
		c.log.Warnf("rebalance v%d: %d target(s) not notified: %v", h.RMD.Version, len(failed), failed)
	}
}

// XactionStats aggregates per-target xaction records of the given kind.
// Per-target failures (including aborted runs) are surfaced in the result,
// never as a coordinator error; zero responders with targets present is
// cluster.ErrClusterUnreachable.
func (c *RebCoordinator) XactionStats(ctx context.Context, smap *cluster.Smap, kind string) (*cluster.ClusterXactStats, error) {
	timeout := c.co.Get().Timeout.CplaneOperation
	records, failed := fanout(ctx, targetNodes(smap), timeout,
		func(ctx context.Context, sn *cluster.Snode) (cluster.XactionRecord, error) {
			var rec cluster.XactionRecord
			url := sn.URL() + cluster.URLPathDaemon + "?what=" + cluster.GetWhatXaction + "&props=" + kind
			err := cluster.GetJSON(ctx, url, &rec)
			return rec, err
		})
	if smap.CountTargets() > 0 && len(records) == 0 {
		return nil, cluster.ErrClusterUnreachable
	}
	return &cluster.ClusterXactStats{Kind: kind, Target: records, Failed: failed}, nil
}
