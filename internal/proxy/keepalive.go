package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shandan1/aistore/internal/cluster"
	"github.com/shandan1/aistore/internal/config"
)

// daemonHealth tracks the keepalive state of a single daemon. Protected by
// the tracker's mutex.
type daemonHealth struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	DaemonID         string
	ConsecutiveFails int
}

// KeepaliveTracker periodically probes cluster daemons over their health
// endpoints. On the primary it watches every registered daemon and evicts
// the ones that exceed the failure threshold; on a non-primary proxy it
// watches only the primary and triggers an election when it goes dark.
//
// The probe function is pluggable for tests.
type KeepaliveTracker struct {
	co        *config.Owner
	self      *cluster.Snode
	smapFn    func() *cluster.Smap
	probeFunc func(ctx context.Context, sn *cluster.Snode) error
	onDown    func(sn *cluster.Snode)
	log       *zap.SugaredLogger

	mu      sync.RWMutex
	daemons map[string]*daemonHealth
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewKeepaliveTracker(co *config.Owner, self *cluster.Snode, smapFn func() *cluster.Smap, log *zap.SugaredLogger) *KeepaliveTracker {
	k := &KeepaliveTracker{
		co:      co,
		self:    self,
		smapFn:  smapFn,
		log:     log,
		daemons: make(map[string]*daemonHealth),
	}
	k.probeFunc = k.httpProbe
	return k
}

// SetOnDown installs the callback invoked, without the tracker lock held,
// when a daemon crosses the failure threshold.
func (k *KeepaliveTracker) SetOnDown(cb func(sn *cluster.Snode)) {
	k.onDown = cb
}

// SetProbeFunc overrides the HTTP probe. Test hook.
func (k *KeepaliveTracker) SetProbeFunc(fn func(ctx context.Context, sn *cluster.Snode) error) {
	k.probeFunc = fn
}

// Run probes on the configured interval until ctx is done. An initial sweep
// runs immediately so a freshly started proxy does not wait a full interval
// to notice a dead peer.
func (k *KeepaliveTracker) Run(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	defer k.wg.Done()

	interval := k.trackerConf().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.log.Infof("keepalive: tracking every %v", interval)
	k.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.sweep(ctx)
		}
	}
}

// Stop cancels the tracker and waits for the running sweep to finish.
func (k *KeepaliveTracker) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
}

func (k *KeepaliveTracker) trackerConf() config.KeepaliveTrackerConf {
	c := k.co.Get()
	if k.self.DaemonType == cluster.Target {
		return c.KeepaliveTracker.Target
	}
	return c.KeepaliveTracker.Proxy
}

// watched returns the daemons this tracker is responsible for: everyone but
// self when primary, just the primary otherwise.
func (k *KeepaliveTracker) watched(smap *cluster.Smap) []*cluster.Snode {
	if smap.IsPrimary(k.self.DaemonID) {
		var nodes []*cluster.Snode
		for _, sn := range smap.Nodes() {
			if sn.DaemonID != k.self.DaemonID {
				nodes = append(nodes, sn)
			}
		}
		return nodes
	}
	if smap.ProxySI == nil || smap.ProxySI.DaemonID == k.self.DaemonID {
		return nil
	}
	return []*cluster.Snode{smap.ProxySI}
}

func (k *KeepaliveTracker) sweep(ctx context.Context) {
	smap := k.smapFn()
	if smap == nil {
		return
	}
	nodes := k.watched(smap)
	live := make(map[string]bool, len(nodes))
	for _, sn := range nodes {
		live[sn.DaemonID] = true
		k.probe(ctx, sn)
	}

	// Drop daemons that left the cluster since the last sweep.
	k.mu.Lock()
	for id := range k.daemons {
		if !live[id] {
			delete(k.daemons, id)
		}
	}
	k.mu.Unlock()
}

func (k *KeepaliveTracker) probe(ctx context.Context, sn *cluster.Snode) {
	k.mu.Lock()
	dh, ok := k.daemons[sn.DaemonID]
	if !ok {
		dh = &daemonHealth{DaemonID: sn.DaemonID, LastHealthy: time.Now()}
		k.daemons[sn.DaemonID] = dh
	}
	k.mu.Unlock()

	err := k.probeFunc(ctx, sn)

	k.mu.Lock()
	dh.LastCheck = time.Now()
	factor := k.trackerConf().Factor
	if err == nil {
		if dh.ConsecutiveFails >= factor {
			k.log.Infof("keepalive: %s recovered", sn)
		}
		dh.ConsecutiveFails = 0
		dh.LastHealthy = dh.LastCheck
		k.mu.Unlock()
		return
	}
	dh.ConsecutiveFails++
	fails := dh.ConsecutiveFails
	k.mu.Unlock()

	k.log.Warnf("keepalive: %s missed (%d/%d): %v", sn, fails, factor, err)
	if fails == factor && k.onDown != nil {
		go k.onDown(sn)
	}
}

func (k *KeepaliveTracker) httpProbe(ctx context.Context, sn *cluster.Snode) error {
	ctx, cancel := context.WithTimeout(ctx, k.co.Get().Timeout.CplaneOperation)
	defer cancel()
	return cluster.GetJSON(ctx, sn.URL()+cluster.URLPathHealth, nil)
}

// IsAlive reports whether the daemon is currently under the failure threshold.
// Unknown daemons are presumed alive until proven otherwise.
func (k *KeepaliveTracker) IsAlive(daemonID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	dh, ok := k.daemons[daemonID]
	if !ok {
		return true
	}
	return dh.ConsecutiveFails < k.trackerConf().Factor
}
