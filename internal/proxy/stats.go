package proxy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/shandan1/aistore/internal/cluster"
)

// fanout runs fetch against every node concurrently with a per-node timeout
// and merges the answers. Daemons that failed to respond are listed
// separately; a partial result is valid, never a hard failure here.
func fanout[T any](
	ctx context.Context,
	nodes []*cluster.Snode,
	timeout time.Duration,
	fetch func(ctx context.Context, sn *cluster.Snode) (T, error),
) (results map[string]T, failed []string) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	results = make(map[string]T, len(nodes))
	for _, sn := range nodes {
		sn := sn
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := fetch(callCtx, sn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, sn.DaemonID)
				return nil
			}
			results[sn.DaemonID] = v
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(failed)
	return results, failed
}

func targetNodes(smap *cluster.Smap) []*cluster.Snode {
	nodes := make([]*cluster.Snode, 0, smap.CountTargets())
	for _, sn := range smap.Tmap {
		nodes = append(nodes, sn)
	}
	return nodes
}

// ClusterStats fans "?what=stats" out to every target. Pure read path: it
// never serializes with membership writers.
func (p *Proxy) ClusterStats(ctx context.Context) (*cluster.ClusterStats, error) {
	smap := p.reg.CurrentMap()
	timeout := p.co.Get().Timeout.CplaneOperation
	stats, failed := fanout(ctx, targetNodes(smap), timeout,
		func(ctx context.Context, sn *cluster.Snode) (*cluster.DaemonStats, error) {
			ds := &cluster.DaemonStats{}
			err := cluster.GetJSON(ctx, sn.URL()+cluster.URLPathDaemon+"?what="+cluster.GetWhatStats, ds)
			return ds, err
		})
	if smap.CountTargets() > 0 && len(stats) == 0 {
		return nil, cluster.ErrClusterUnreachable
	}
	return &cluster.ClusterStats{Target: stats, Failed: failed}, nil
}

// ClusterMountpaths fans "?what=mountpaths" out to every target.
func (p *Proxy) ClusterMountpaths(ctx context.Context) (*cluster.ClusterMountpaths, error) {
	smap := p.reg.CurrentMap()
	timeout := p.co.Get().Timeout.CplaneOperation
	mpaths, failed := fanout(ctx, targetNodes(smap), timeout,
		func(ctx context.Context, sn *cluster.Snode) (cluster.MountpathList, error) {
			var ml cluster.MountpathList
			err := cluster.GetJSON(ctx, sn.URL()+cluster.URLPathDaemon+"?what="+cluster.GetWhatMountpaths, &ml)
			return ml, err
		})
	if smap.CountTargets() > 0 && len(mpaths) == 0 {
		return nil, cluster.ErrClusterUnreachable
	}
	return &cluster.ClusterMountpaths{Targets: mpaths, Failed: failed}, nil
}
