package config

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

type (
	// Listener is notified after every committed config update.
	Listener interface {
		ConfigUpdate(oldConf, newConf *Config)
	}

	// Owner protects the daemon's config from concurrent updates. Updates are
	// transactions: BeginUpdate returns a private clone, CommitUpdate swaps it
	// in atomically (bumping Version) and notifies listeners, DiscardUpdate
	// abandons it. Get is lock-free and always observes the latest committed
	// copy.
	Owner struct {
		mtx       sync.Mutex // serializes update transactions
		c         atomic.Pointer[Config]
		lmtx      sync.Mutex
		listeners []Listener

		persistPath string // empty disables persistence
		log         *zap.SugaredLogger
	}
)

func NewOwner(c *Config) *Owner {
	o := &Owner{}
	o.c.Store(c)
	return o
}

func (o *Owner) Get() *Config { return o.c.Load() }

// SetPersist enables rewriting the config file on every committed update, so
// pushed settings survive a daemon restart.
func (o *Owner) SetPersist(path string, log *zap.SugaredLogger) {
	o.persistPath, o.log = path, log
}

// BeginUpdate must be followed by CommitUpdate or DiscardUpdate.
func (o *Owner) BeginUpdate() *Config {
	o.mtx.Lock()
	return o.Get().Clone()
}

// CommitUpdate publishes the clone and returns the committed version.
func (o *Owner) CommitUpdate(c *Config) int64 {
	old := o.Get()
	c.Version = old.Version + 1
	o.c.Store(c)
	o.persist(c)
	o.notifyListeners(old, c)
	o.mtx.Unlock()
	return c.Version
}

func (o *Owner) persist(c *Config) {
	if o.persistPath == "" {
		return
	}
	f, err := os.Create(o.persistPath)
	if err == nil {
		err = toml.NewEncoder(f).Encode(c)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil && o.log != nil {
		o.log.Errorf("failed to persist config to %s: %v", o.persistPath, err)
	}
}

func (o *Owner) DiscardUpdate() { o.mtx.Unlock() }

func (o *Owner) Subscribe(l Listener) {
	o.lmtx.Lock()
	o.listeners = append(o.listeners, l)
	o.lmtx.Unlock()
}

func (o *Owner) notifyListeners(old, cur *Config) {
	o.lmtx.Lock()
	defer o.lmtx.Unlock()
	for _, l := range o.listeners {
		l.ConfigUpdate(old, cur)
	}
}

// SetMany applies name/value assignments as one transaction, running the
// touched section validators before commit, and returns the committed
// version. On any failure nothing is committed and Version does not move.
func (o *Owner) SetMany(nvs map[string]string) (int64, error) {
	clone := o.BeginUpdate()

	validators := make(map[Validator]struct{})
	for name, value := range nvs {
		v, err := clone.update(name, value)
		if err != nil {
			o.DiscardUpdate()
			return 0, err
		}
		if v != nil {
			validators[v] = struct{}{}
		}
	}
	for v := range validators {
		if err := v.Validate(); err != nil {
			o.DiscardUpdate()
			return 0, err
		}
	}
	return o.CommitUpdate(clone), nil
}
