package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/shandan1/aistore/internal/cluster"
)

// State is the elector's role state; a proxy cycles between Standby and
// Primary (through Electing) for the lifetime of the process.
type State int32

const (
	StateStandby State = iota
	StateElecting
	StatePrimary
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateElecting:
		return "electing"
	case StatePrimary:
		return "primary"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Elector governs which proxy holds the primary role: planned handoff
// initiated by the current primary, and failure-triggered re-election run by
// standbys when the primary stops responding. Transitions are message-driven.
type Elector struct {
	self           *cluster.Snode
	reg            *Registry
	state          atomic.Int32
	handoffTimeout time.Duration
	probeTimeout   time.Duration
	log            *zap.SugaredLogger

	// onTransition observes every state change; used to reshape keepalive.
	onTransition func(State)
}

func NewElector(self *cluster.Snode, reg *Registry, handoffTimeout time.Duration, log *zap.SugaredLogger) *Elector {
	return &Elector{
		self:           self,
		reg:            reg,
		handoffTimeout: handoffTimeout,
		probeTimeout:   2 * time.Second,
		log:            log,
	}
}

func (e *Elector) OnTransition(fn func(State)) { e.onTransition = fn }

func (e *Elector) State() State { return State(e.state.Load()) }

func (e *Elector) become(s State) {
	old := State(e.state.Swap(int32(s)))
	if old == s {
		return
	}
	e.log.Infof("elector: %s -> %s", old, s)
	if e.onTransition != nil {
		e.onTransition(s)
	}
}

// SetPrimary performs the planned handoff to the named proxy. The next map
// version is offered to the new primary first and committed only after it
// acknowledges; on timeout the candidate version is discarded and this proxy
// stays primary, so there is never a window with zero primaries. Naming the
// current primary returns the current map with cluster.ErrAlreadyPrimary,
// which callers treat as an idempotent success.
func (e *Elector) SetPrimary(ctx context.Context, id string) (*cluster.Smap, error) {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	cur := e.reg.smap.Load()
	psi := cur.GetProxy(id)
	if psi == nil {
		return nil, fmt.Errorf("%w: %s is not a registered proxy", cluster.ErrUnknownDaemonID, id)
	}
	if cur.IsPrimary(id) {
		return cur, cluster.ErrAlreadyPrimary
	}

	candidate := cur.Clone()
	candidate.Version++
	candidate.ProxySI = psi

	offerCtx, cancel := context.WithTimeout(ctx, e.handoffTimeout)
	defer cancel()
	if err := cluster.PutJSON(offerCtx, psi.URL()+cluster.URLPathPrimary, candidate, nil); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || offerCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s did not acknowledge within %v", cluster.ErrHandoffTimeout, id, e.handoffTimeout)
		}
		return nil, fmt.Errorf("primary handoff to %s failed: %w", id, err)
	}

	// the new primary acknowledged and adopted the candidate map; commit it
	// here, broadcast, and demote
	e.reg.commitLocked(candidate, false)
	e.become(StateStandby)
	e.log.Infof("handed off primary role to %s at %s", id, candidate)
	return candidate, nil
}

// AcceptPrimary handles the handoff offer on the designated new primary:
// adopt the offered map and promote. Rejecting a map that does not name this
// proxy keeps a misdirected offer from splitting the cluster.
func (e *Elector) AcceptPrimary(m *cluster.Smap) error {
	if !m.IsPrimary(e.self.DaemonID) {
		return fmt.Errorf("refusing primary handoff: %s does not designate %s", m, e.self.DaemonID)
	}
	if err := e.reg.Adopt(m); err != nil {
		return err
	}
	e.become(StatePrimary)
	return nil
}

// RunElection is the failure-triggered path: standbys call it when the
// primary stops responding. The deterministic winner is the live proxy with
// the lexicographically smallest daemon ID; exactly one proxy promotes itself
// for a given version because losers only adopt the winner's higher version.
func (e *Elector) RunElection(ctx context.Context) {
	if !e.state.CompareAndSwap(int32(StateStandby), int32(StateElecting)) {
		return
	}
	e.log.Infof("elector: %s -> %s", StateStandby, StateElecting)

	cur := e.reg.CurrentMap()
	deadID := ""
	if cur.ProxySI != nil {
		deadID = cur.ProxySI.DaemonID
	}

	alive := []string{e.self.DaemonID}
	for id, sn := range cur.Pmap {
		if id == deadID || id == e.self.DaemonID {
			continue
		}
		if e.probe(ctx, sn) {
			alive = append(alive, id)
		}
	}
	slices.Sort(alive)
	winner := alive[0]

	if winner != e.self.DaemonID {
		e.log.Infof("election: deferring to %s", winner)
		e.become(StateStandby)
		return
	}

	e.reg.mu.Lock()
	latest := e.reg.smap.Load()
	if latest.Version != cur.Version {
		// someone else already published a newer map while we were probing
		e.reg.mu.Unlock()
		e.become(StateStandby)
		return
	}
	next := latest.Clone()
	next.Version++
	delete(next.Pmap, deadID)
	next.Pmap[e.self.DaemonID] = e.self
	next.ProxySI = e.self
	e.reg.commitLocked(next, false)
	e.reg.mu.Unlock()

	e.become(StatePrimary)
	e.log.Infof("election won: now primary at %s", next)
}

func (e *Elector) probe(ctx context.Context, sn *cluster.Snode) bool {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()
	return cluster.GetJSON(probeCtx, sn.URL()+cluster.URLPathHealth, nil) == nil
}
