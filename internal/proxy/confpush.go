package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shandan1/aistore/internal/cluster"
	"github.com/shandan1/aistore/internal/config"
)

// ConfigPusher propagates committed config updates from the primary to every
// registered daemon. Propagation is fire-and-forget with per-key
// acknowledgment tracking: every key a daemon has not confirmed stays on its
// pending set, and resends bundle all of a daemon's unacked keys stamped with
// the current config version. Convergence, not atomicity, is the guarantee:
// a daemon that misses any push keeps being resent the full outstanding set
// until it acknowledges.
type ConfigPusher struct {
	co     *config.Owner
	smapFn func() *cluster.Smap
	selfID string
	log    *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]map[string]pendingKV // daemonID -> key -> unacked value
}

// pendingKV is an undelivered assignment; version is the commit that produced
// it, so a later successful push of the same key supersedes it.
type pendingKV struct {
	value   string
	version int64
}

func NewConfigPusher(co *config.Owner, selfID string, smapFn func() *cluster.Smap, log *zap.SugaredLogger) *ConfigPusher {
	return &ConfigPusher{
		co:      co,
		smapFn:  smapFn,
		selfID:  selfID,
		log:     log,
		pending: make(map[string]map[string]pendingKV),
	}
}

// SetConfig validates and commits the update locally, then fans it out. The
// caller unblocks at local commit; cluster-wide delivery is asynchronous.
// Unknown keys fail synchronously with cluster.ErrUnknownConfigKey.
func (cp *ConfigPusher) SetConfig(name, value string) error {
	version, err := cp.co.SetMany(map[string]string{name: value})
	if err != nil {
		return err
	}
	msg := cluster.ConfigMsg{
		Version: version,
		NVs:     map[string]string{name: value},
	}
	cp.log.Infof("%s: %s=%s (v%d)", cluster.ActSetConfig, name, value, version)
	go cp.push(msg, cp.smapFn())
	return nil
}

func (cp *ConfigPusher) push(msg cluster.ConfigMsg, smap *cluster.Smap) {
	timeout := cp.co.Get().Timeout.CplaneOperation
	var g errgroup.Group
	for _, sn := range smap.Nodes() {
		if sn.DaemonID == cp.selfID {
			continue
		}
		sn := sn
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := cluster.PutJSON(ctx, sn.URL()+cluster.URLPathConfig, msg, nil); err != nil {
				cp.log.Warnf("config push v%d to %s failed: %v", msg.Version, sn, err)
				cp.markPending(sn.DaemonID, msg)
				return nil
			}
			cp.ack(sn.DaemonID, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (cp *ConfigPusher) markPending(id string, msg cluster.ConfigMsg) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	keys := cp.pending[id]
	if keys == nil {
		keys = make(map[string]pendingKV)
		cp.pending[id] = keys
	}
	for name, value := range msg.NVs {
		if cur, ok := keys[name]; !ok || msg.Version > cur.version {
			keys[name] = pendingKV{value: value, version: msg.Version}
		}
	}
}

// ack clears the delivered keys. A key stays pending if a newer commit
// touched it after the acknowledged push went out.
func (cp *ConfigPusher) ack(id string, msg cluster.ConfigMsg) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	keys := cp.pending[id]
	for name := range msg.NVs {
		if cur, ok := keys[name]; ok && cur.version <= msg.Version {
			delete(keys, name)
		}
	}
	if len(keys) == 0 {
		delete(cp.pending, id)
	}
}

func (cp *ConfigPusher) forget(id string) {
	cp.mu.Lock()
	delete(cp.pending, id)
	cp.mu.Unlock()
}

// Pending reports the daemons still owing an acknowledgment.
func (cp *ConfigPusher) Pending() []string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	ids := make([]string, 0, len(cp.pending))
	for id := range cp.pending {
		ids = append(ids, id)
	}
	return ids
}

// Run resends unacknowledged pushes until ctx is done. Daemons that left the
// cluster in the meantime are dropped from the pending list.
func (cp *ConfigPusher) Run(ctx context.Context, resendInterval time.Duration) {
	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.resend(ctx)
		}
	}
}

// resend bundles every unacked key for a daemon into one message stamped
// with the current config version; receivers apply current-version pushes
// idempotently, so a key whose original push raced a newer delivery still
// lands.
func (cp *ConfigPusher) resend(ctx context.Context) {
	version := cp.co.Get().Version

	cp.mu.Lock()
	todo := make(map[string]cluster.ConfigMsg, len(cp.pending))
	for id, keys := range cp.pending {
		nvs := make(map[string]string, len(keys))
		for name, kv := range keys {
			nvs[name] = kv.value
		}
		todo[id] = cluster.ConfigMsg{Version: version, NVs: nvs}
	}
	cp.mu.Unlock()
	if len(todo) == 0 {
		return
	}

	smap := cp.smapFn()
	timeout := cp.co.Get().Timeout.CplaneOperation
	for id, msg := range todo {
		sn := smap.GetNode(id)
		if sn == nil {
			cp.forget(id)
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := cluster.PutJSON(callCtx, sn.URL()+cluster.URLPathConfig, msg, nil)
		cancel()
		if err != nil {
			cp.log.Warnf("config resend v%d to %s failed: %v", msg.Version, sn, err)
			continue
		}
		cp.ack(id, msg)
	}
}
