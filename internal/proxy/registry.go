package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shandan1/aistore/internal/cluster"
)

// SmapBackupFile is the base name under which the primary persists the
// cluster map on every commit.
const SmapBackupFile = "smap.json"

// Registry owns the cluster map on the primary proxy. Mutations are
// serialized by one mutex and always go clone-bump-commit: version N+1
// reflects exactly one operation applied to version N, and a committed map is
// never edited again. Reads are lock-free against the latest committed
// snapshot.
type Registry struct {
	mu         sync.Mutex // serializes membership and primary mutations
	smap       atomic.Pointer[cluster.Smap]
	persistDir string // empty disables persistence
	log        *zap.SugaredLogger

	// onCommit is invoked after every commit (broadcast hook); onTargetChange
	// additionally after commits that add or remove a target (rebalance hook).
	// Both run on the mutating goroutine after the new map is observable.
	onCommit       func(*cluster.Smap)
	onTargetChange func(*cluster.Smap)
}

func NewRegistry(persistDir string, log *zap.SugaredLogger) *Registry {
	r := &Registry{persistDir: persistDir, log: log}
	r.smap.Store(cluster.NewSmap())
	if persistDir != "" {
		if m, err := loadSmap(filepath.Join(persistDir, SmapBackupFile)); err == nil {
			r.smap.Store(m)
			log.Infof("restored %s from %s", m, persistDir)
		}
	}
	return r
}

// SetHooks installs the commit-time callbacks; must be called before the
// registry starts taking mutations.
func (r *Registry) SetHooks(onCommit, onTargetChange func(*cluster.Smap)) {
	r.onCommit, r.onTargetChange = onCommit, onTargetChange
}

// CurrentMap returns the latest committed snapshot. Never blocks behind
// in-flight mutations.
func (r *Registry) CurrentMap() *cluster.Smap { return r.smap.Load() }

// InitPrimary seeds a fresh cluster map with self as the sole proxy and
// primary. A restored map that already designates self stays as is.
func (r *Registry) InitPrimary(self *cluster.Snode) *cluster.Smap {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.smap.Load()
	if cur.IsPrimary(self.DaemonID) {
		return cur
	}
	next := cur.Clone()
	next.Version++
	next.Pmap[self.DaemonID] = self
	next.ProxySI = self
	r.commitLocked(next, false)
	return next
}

// Register adds a daemon to the cluster map. Re-registering an identical
// Snode is a no-op returning the current map with no version bump; the same
// ID with a conflicting network configuration fails.
func (r *Registry) Register(sn *cluster.Snode) (*cluster.Smap, error) {
	if sn.DaemonID == "" {
		return nil, fmt.Errorf("refusing to register daemon with empty ID")
	}
	if sn.DaemonType != cluster.Proxy && sn.DaemonType != cluster.Target {
		return nil, fmt.Errorf("refusing to register %s: bad daemon type %q", sn.DaemonID, sn.DaemonType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.smap.Load()
	if existing := cur.GetNode(sn.DaemonID); existing != nil {
		if existing.Equals(sn) {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: %s already registered with different network config",
			cluster.ErrDuplicateDaemonID, sn.DaemonID)
	}

	next := cur.Clone()
	next.Version++
	if sn.DaemonType == cluster.Proxy {
		next.Pmap[sn.DaemonID] = sn
	} else {
		next.Tmap[sn.DaemonID] = sn
	}
	r.commitLocked(next, sn.DaemonType == cluster.Target)
	r.log.Infof("registered %s -> %s", sn, next)
	return next, nil
}

// Unregister removes a daemon from the cluster map. The primary proxy cannot
// be removed directly; it must hand off first.
func (r *Registry) Unregister(id string) (*cluster.Smap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.smap.Load()
	sn := cur.GetNode(id)
	if sn == nil {
		return nil, fmt.Errorf("%w: %s", cluster.ErrUnknownDaemonID, id)
	}
	if cur.IsPrimary(id) {
		return nil, fmt.Errorf("%w: %s", cluster.ErrCannotRemovePrimary, id)
	}

	next := cur.Clone()
	next.Version++
	delete(next.Pmap, id)
	delete(next.Tmap, id)
	r.commitLocked(next, sn.DaemonType == cluster.Target)
	r.log.Infof("unregistered %s -> %s", sn, next)
	return next, nil
}

// Adopt installs a map received from another proxy if it is newer than the
// local one; stale maps are dropped with cluster.ErrStaleVersion.
func (r *Registry) Adopt(m *cluster.Smap) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.smap.Load()
	if m.Version <= cur.Version {
		return fmt.Errorf("%w: got smap v%d, have v%d", cluster.ErrStaleVersion, m.Version, cur.Version)
	}
	r.smap.Store(m)
	r.persist(m)
	r.log.Infof("adopted %s", m)
	return nil
}

// commitLocked publishes the next version; callers hold r.mu and guarantee
// next.Version == current.Version+1.
func (r *Registry) commitLocked(next *cluster.Smap, targetChange bool) {
	r.smap.Store(next)
	r.persist(next)
	if r.onCommit != nil {
		r.onCommit(next)
	}
	if targetChange && r.onTargetChange != nil {
		r.onTargetChange(next)
	}
}

func (r *Registry) persist(m *cluster.Smap) {
	if r.persistDir == "" {
		return
	}
	path := filepath.Join(r.persistDir, SmapBackupFile)
	data, err := json.Marshal(m)
	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		r.log.Errorf("failed to persist %s to %s: %v", m, path, err)
	}
}

func loadSmap(path string) (*cluster.Smap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := cluster.NewSmap()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
