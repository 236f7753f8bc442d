package target

import (
	"fmt"
	"hash/fnv"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shandan1/aistore/internal/cluster"
)

type (
	// Xact is one long-running cluster-wide task as executed by this target.
	// Start/end times and counters are atomics so a run can be observed while
	// in flight without locking.
	Xact struct {
		id         int64
		kind       string
		rmdVersion int64
		sutime     atomic.Int64
		eutime     atomic.Int64
		abrt       chan struct{}
		aborted    atomic.Bool
		moved      atomic.Int64
		total      atomic.Int64
	}

	// XactRegistry tracks this target's xactions. For the rebalance kind it
	// enforces the at-most-one-concurrent policy: a start signal for an RMD
	// version not newer than the running one renews the existing run instead
	// of spawning a duplicate.
	XactRegistry struct {
		mu        sync.Mutex
		nextID    atomic.Int64
		started   atomic.Int64
		rebalance *Xact
		log       *zap.SugaredLogger
	}
)

func newXact(id int64, kind string, rmdVersion int64) *Xact {
	x := &Xact{id: id, kind: kind, rmdVersion: rmdVersion, abrt: make(chan struct{})}
	x.sutime.Store(time.Now().UnixNano())
	return x
}

func (x *Xact) ID() int64                  { return x.id }
func (x *Xact) Kind() string               { return x.kind }
func (x *Xact) Finished() bool             { return x.eutime.Load() != 0 }
func (x *Xact) Aborted() bool              { return x.aborted.Load() }
func (x *Xact) ChanAbort() <-chan struct{} { return x.abrt }

func (x *Xact) StartTime() time.Time { return time.Unix(0, x.sutime.Load()) }

func (x *Xact) EndTime() time.Time {
	u := x.eutime.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(0, u)
}

func (x *Xact) Abort() {
	if !x.aborted.CompareAndSwap(false, true) {
		return
	}
	x.eutime.Store(time.Now().UnixNano())
	close(x.abrt)
}

func (x *Xact) finish() {
	x.eutime.CompareAndSwap(0, time.Now().UnixNano())
}

func (x *Xact) String() string {
	s := fmt.Sprintf("%s:%d v%d started %s", x.kind, x.id, x.rmdVersion,
		x.StartTime().Format("15:04:05.000000"))
	if x.Finished() {
		s += fmt.Sprintf(" ended %s", x.EndTime().Format("15:04:05.000000"))
	}
	return s
}

// Record reports the run in wire form.
func (x *Xact) Record(targetID string) cluster.XactionRecord {
	status := cluster.XactStatusRunning
	switch {
	case x.Aborted():
		status = cluster.XactStatusAborted
	case x.Finished():
		status = cluster.XactStatusFinished
	}
	return cluster.XactionRecord{
		Kind:   x.kind,
		Target: targetID,
		Status: status,
		Progress: cluster.RebProgress{
			Moved: x.moved.Load(),
			Total: x.total.Load(),
		},
		StartTime: x.StartTime(),
		EndTime:   x.EndTime(),
	}
}

func NewXactRegistry(log *zap.SugaredLogger) *XactRegistry {
	return &XactRegistry{log: log}
}

// NumStarted returns the count of xactions ever started by this target.
func (r *XactRegistry) NumStarted() int64 { return r.started.Load() }

// GetRebalance returns the latest rebalance run, which may be finished, or
// nil when none ran yet.
func (r *XactRegistry) GetRebalance() *Xact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebalance
}

// RenewRebalance starts a rebalance run for the given RMD, or returns the
// in-flight run when one already covers this version or a newer one. An older
// run still in flight is aborted first: a membership change obsoletes the
// redistribution computed for the previous map.
func (r *XactRegistry) RenewRebalance(rmd cluster.RMD, run func(*Xact)) *Xact {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.rebalance; cur != nil && !cur.Finished() {
		if cur.rmdVersion >= rmd.Version {
			r.log.Infof("rebalance for v%d already running (%s), renewing", rmd.Version, cur)
			return cur
		}
		r.log.Infof("aborting %s: superseded by v%d", cur, rmd.Version)
		cur.Abort()
	}

	x := newXact(r.nextID.Add(1), cluster.XactRebalance, rmd.Version)
	r.rebalance = x
	r.started.Add(1)
	go run(x)
	return x
}

// runRebalance computes this target's local share of the redistribution: it
// walks every available mountpath and counts the objects whose HRW owner
// under the new target set is some other target. The actual data transfer is
// out of scope here; the walk is the unit of progress.
func runRebalance(x *Xact, mfs *MountedFS, selfID string, rmd cluster.RMD, log *zap.SugaredLogger) {
	defer x.finish()

	available, _ := mfs.Get()
	for mpath := range available {
		err := filepath.WalkDir(mpath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			select {
			case <-x.ChanAbort():
				return filepath.SkipAll
			default:
			}
			if d.IsDir() {
				return nil
			}
			x.total.Add(1)
			if hrwTarget(path, rmd.TargetIDs) != selfID {
				x.moved.Add(1)
			}
			return nil
		})
		if err != nil {
			log.Errorf("rebalance walk %q: %v", mpath, err)
		}
	}
	if x.Aborted() {
		log.Infof("rebalance aborted: %s", x)
		return
	}
	log.Infof("rebalance done: %s (moved %d/%d)", x, x.moved.Load(), x.total.Load())
}

// hrwTarget picks the highest-random-weight owner of an object among the
// given target IDs; deterministic for a fixed target set.
func hrwTarget(objPath string, targetIDs []string) string {
	var (
		winner string
		maxVal uint64
	)
	for _, tid := range targetIDs {
		h := fnv.New64a()
		h.Write([]byte(objPath))
		h.Write([]byte(tid))
		if v := h.Sum64(); v > maxVal || winner == "" {
			maxVal, winner = v, tid
		}
	}
	return winner
}
