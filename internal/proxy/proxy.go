// Package proxy implements the gateway daemon: cluster membership bookkeeping,
// primary election and handoff, config propagation, and the scatter-gather
// query plane. Exactly one proxy is primary at a time; the rest serve reads
// from their adopted cluster map and stand by for election.
package proxy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shandan1/aistore/internal/cluster"
	"github.com/shandan1/aistore/internal/config"
	"github.com/shandan1/aistore/internal/telemetry"
)

// Proxy ties the membership registry, elector, rebalance coordinator,
// config pusher and keepalive tracker into a single daemon.
type Proxy struct {
	snode     *cluster.Snode
	co        *config.Owner
	reg       *Registry
	elector   *Elector
	reb       *RebCoordinator
	pusher    *ConfigPusher
	keepalive *KeepaliveTracker
	log       *zap.SugaredLogger

	startTime  time.Time
	pushedCfg  atomic.Int64
	shutdownFn func()
}

func New(self *cluster.Snode, co *config.Owner, log *zap.SugaredLogger) *Proxy {
	c := co.Get()
	reg := NewRegistry(c.Confdir, log)
	p := &Proxy{
		snode:     self,
		co:        co,
		reg:       reg,
		elector:   NewElector(self, reg, c.Timeout.Default, log),
		reb:       NewRebCoordinator(co, log),
		log:       log,
		startTime: time.Now(),
	}
	p.pusher = NewConfigPusher(co, self.DaemonID, reg.CurrentMap, log)
	p.keepalive = NewKeepaliveTracker(co, self, reg.CurrentMap, log)

	reg.SetHooks(p.onSmapCommit, p.onTargetChange)
	p.keepalive.SetOnDown(p.onDaemonDown)
	return p
}

func (p *Proxy) Snode() *cluster.Snode       { return p.snode }
func (p *Proxy) CurrentMap() *cluster.Smap   { return p.reg.CurrentMap() }
func (p *Proxy) IsPrimary() bool             { return p.elector.State() == StatePrimary }
func (p *Proxy) SetShutdownFn(fn func())     { p.shutdownFn = fn }

// InitPrimary bootstraps this proxy as the first (and primary) member of a
// brand-new cluster, or resumes primaryship from a persisted map.
func (p *Proxy) InitPrimary() {
	m := p.reg.CurrentMap()
	if m != nil && m.ProxySI != nil && m.ProxySI.DaemonID == p.snode.DaemonID {
		p.log.Infof("resuming primary from persisted %s", m)
	} else {
		m = p.reg.InitPrimary(p.snode)
	}
	p.elector.become(StatePrimary)
	p.log.Infof("%s is primary, %s", p.snode, m)
}

// JoinAsStandby registers with the given primary and adopts the returned
// cluster map. Retries on the rebalance destination retry interval until the
// primary answers or ctx expires.
func (p *Proxy) JoinAsStandby(ctx context.Context, primaryURL string) error {
	retry := p.co.Get().Rebalance.DestRetryTime
	for {
		var m cluster.Smap
		err := cluster.PostJSON(ctx, primaryURL+cluster.URLPathRegister, p.snode, &m)
		if err == nil {
			if err = p.reg.Adopt(&m); err != nil {
				return err
			}
			p.elector.become(StateStandby)
			p.log.Infof("%s joined as standby, %s", p.snode, &m)
			return nil
		}
		p.log.Warnf("join %s failed: %v, retrying in %v", primaryURL, err, retry)
		select {
		case <-ctx.Done():
			return fmt.Errorf("join %s: %w", primaryURL, ctx.Err())
		case <-time.After(retry):
		}
	}
}

// Run starts the background loops and blocks until ctx is done.
func (p *Proxy) Run(ctx context.Context) {
	go p.pusher.Run(ctx, p.co.Get().Periodic.StatsTime)
	p.keepalive.Run(ctx)
}

// onSmapCommit runs on every committed map mutation on the primary and
// broadcasts the new version to all other daemons.
func (p *Proxy) onSmapCommit(m *cluster.Smap) {
	telemetry.ObserveSmap(m.Version, m.CountProxies(), m.CountTargets())
	go p.broadcastSmap(m)
}

// onTargetChange kicks a rebalance whenever target membership changed, if
// rebalancing is enabled.
func (p *Proxy) onTargetChange(m *cluster.Smap) {
	if !p.co.Get().Rebalance.Enabled {
		p.log.Infof("target membership changed at %s, rebalance disabled", m)
		return
	}
	p.reb.RunRebalance(m)
}

func (p *Proxy) onDaemonDown(sn *cluster.Snode) {
	if p.elector.State() == StatePrimary {
		p.log.Warnf("keepalive: evicting %s", sn)
		if _, err := p.reg.Unregister(sn.DaemonID); err != nil {
			p.log.Warnf("evict %s: %v", sn, err)
		}
		return
	}
	// Standby watching the primary.
	p.log.Warnf("keepalive: primary %s is down, starting election", sn)
	p.elector.RunElection(context.Background())
}

// broadcastSmap pushes the map to every daemon except self. Each push gets a
// couple of quick retries; a daemon that still misses it will be caught up by
// the next commit or evicted by keepalive.
func (p *Proxy) broadcastSmap(m *cluster.Smap) {
	timeout := p.co.Get().Timeout.CplaneOperation
	var g errgroup.Group
	for _, sn := range m.Nodes() {
		if sn.DaemonID == p.snode.DaemonID {
			continue
		}
		sn := sn
		g.Go(func() error {
			var err error
			for i := 0; i < 3; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				err = cluster.PutJSON(ctx, sn.URL()+cluster.URLPathSmap, m, nil)
				cancel()
				if err == nil {
					return nil
				}
				time.Sleep(timeout / 2)
			}
			p.log.Warnf("smap v%d push to %s failed: %v", m.Version, sn, err)
			return nil
		})
	}
	_ = g.Wait()
}

// AdoptSmap installs a newer map pushed by the primary. Older or equal
// versions are rejected with cluster.ErrStaleVersion.
func (p *Proxy) AdoptSmap(m *cluster.Smap) error {
	if err := p.reg.Adopt(m); err != nil {
		return err
	}
	telemetry.ObserveSmap(m.Version, m.CountProxies(), m.CountTargets())
	p.log.Infof("adopted %s", m)
	return nil
}

// ApplyConfigPush applies a config update pushed by the primary. Pushes
// older than the last applied version are ignored; re-applying the current
// version is idempotent, which lets resends bundle keys the original push
// dropped. The version advances only after a successful apply, so a failed
// apply does not consume it.
func (p *Proxy) ApplyConfigPush(msg cluster.ConfigMsg) error {
	if last := p.pushedCfg.Load(); msg.Version < last {
		p.log.Debugf("ignoring stale config push v%d (have v%d)", msg.Version, last)
		return nil
	}
	if _, err := p.co.SetMany(msg.NVs); err != nil {
		return err
	}
	for {
		last := p.pushedCfg.Load()
		if msg.Version <= last || p.pushedCfg.CompareAndSwap(last, msg.Version) {
			return nil
		}
	}
}

// ShutdownCluster fans ActShutdown out to every other daemon, then shuts
// this proxy down. Unreachable daemons are logged and skipped.
func (p *Proxy) ShutdownCluster(ctx context.Context) {
	m := p.reg.CurrentMap()
	msg := cluster.ActionMsg{Action: cluster.ActShutdown}
	timeout := p.co.Get().Timeout.CplaneOperation
	var g errgroup.Group
	for _, sn := range m.Nodes() {
		if sn.DaemonID == p.snode.DaemonID {
			continue
		}
		sn := sn
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := cluster.PostJSON(callCtx, sn.URL()+cluster.URLPathDaemon, msg, nil); err != nil {
				p.log.Warnf("shutdown %s: %v", sn, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	p.log.Infof("cluster shutdown dispatched, stopping %s", p.snode)
	if p.shutdownFn != nil {
		go p.shutdownFn()
	}
}

// DaemonStats reports this proxy's own runtime counters.
func (p *Proxy) DaemonStats() *cluster.DaemonStats {
	var v int64
	if m := p.reg.CurrentMap(); m != nil {
		v = m.Version
	}
	return &cluster.DaemonStats{
		Snode:     p.snode,
		UpSince:   p.startTime,
		SmapVer:   v,
		ConfigVer: p.co.Get().Version,
	}
}
