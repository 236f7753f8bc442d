package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shandan1/aistore/internal/cluster"
)

// RegisterHandlers mounts the proxy's control-plane endpoints.
func (p *Proxy) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(cluster.URLPathHealth, p.healthHandler)
	mux.HandleFunc(cluster.URLPathDaemon, p.daemonHandler)
	mux.HandleFunc(cluster.URLPathSmap, p.smapHandler)
	mux.HandleFunc(cluster.URLPathPrimary, p.primaryHandler)
	mux.HandleFunc(cluster.URLPathConfig, p.configHandler)
	mux.HandleFunc(cluster.URLPathCluster, p.clusterHandler)
	mux.HandleFunc(cluster.URLPathRegister, p.registerHandler)
	mux.HandleFunc(cluster.URLPathClusterD, p.clusterDaemonHandler)
	mux.HandleFunc(cluster.URLPathProxy, p.clusterProxyHandler)
}

func (p *Proxy) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// writeErr maps the membership error taxonomy onto HTTP statuses.
func (p *Proxy) writeErr(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, cluster.ErrUnknownDaemonID):
		status = http.StatusNotFound
	case errors.Is(err, cluster.ErrDuplicateDaemonID):
		status = http.StatusConflict
	case errors.Is(err, cluster.ErrCannotRemovePrimary):
		status = http.StatusForbidden
	case errors.Is(err, cluster.ErrHandoffTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, cluster.ErrClusterUnreachable):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// redirectToPrimary sends membership mutations arriving at a standby proxy
// to the current primary. Returns false when this proxy IS primary and the
// request should be handled here.
func (p *Proxy) redirectToPrimary(w http.ResponseWriter, r *http.Request) bool {
	if p.IsPrimary() {
		return false
	}
	m := p.reg.CurrentMap()
	if m == nil || m.ProxySI == nil {
		http.Error(w, "primary proxy unknown", http.StatusServiceUnavailable)
		return true
	}
	url := m.ProxySI.PublicNet.DirectURL + r.URL.RequestURI()
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	return true
}

func (p *Proxy) daemonHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.daemonGet(w, r)
	case http.MethodPost:
		p.daemonAction(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (p *Proxy) daemonGet(w http.ResponseWriter, r *http.Request) {
	switch what := r.URL.Query().Get("what"); what {
	case cluster.GetWhatSmap:
		cluster.WriteJSON(w, p.reg.CurrentMap())
	case cluster.GetWhatConfig:
		cluster.WriteJSON(w, p.co.Get())
	case cluster.GetWhatStats:
		cluster.WriteJSON(w, p.DaemonStats())
	case cluster.GetWhatDaemonInfo:
		cluster.WriteJSON(w, p.snode)
	default:
		http.Error(w, fmt.Sprintf("invalid what=%q", what), http.StatusBadRequest)
	}
}

func (p *Proxy) daemonAction(w http.ResponseWriter, r *http.Request) {
	var msg cluster.ActionMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	switch msg.Action {
	case cluster.ActShutdown:
		w.WriteHeader(http.StatusNoContent)
		p.log.Infof("shutdown requested")
		if p.shutdownFn != nil {
			go p.shutdownFn()
		}
	default:
		http.Error(w, fmt.Sprintf("unsupported action %q", msg.Action), http.StatusBadRequest)
	}
}

// smapHandler accepts map broadcasts from the primary on a standby proxy.
func (p *Proxy) smapHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	newSmap := cluster.NewSmap()
	if err := json.NewDecoder(r.Body).Decode(newSmap); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := p.AdoptSmap(newSmap); err != nil {
		// stale pushes are dropped, not surfaced as errors
		p.log.Infof("smap push ignored: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// primaryHandler accepts a primaryship handoff: the retiring primary PUTs
// the candidate map that designates this proxy as the new primary.
func (p *Proxy) primaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	newSmap := cluster.NewSmap()
	if err := json.NewDecoder(r.Body).Decode(newSmap); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := p.elector.AcceptPrimary(newSmap); err != nil {
		p.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg cluster.ConfigMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := p.ApplyConfigPush(msg); err != nil {
		p.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) clusterHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.clusterGet(w, r)
	case http.MethodPost:
		if p.redirectToPrimary(w, r) {
			return
		}
		p.clusterAction(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// clusterGet serves cluster-wide queries. Reads are served by any proxy off
// its adopted map; fan-out queries tolerate partial results.
func (p *Proxy) clusterGet(w http.ResponseWriter, r *http.Request) {
	switch what := r.URL.Query().Get("what"); what {
	case cluster.GetWhatSmap:
		cluster.WriteJSON(w, p.reg.CurrentMap())
	case cluster.GetWhatConfig:
		cluster.WriteJSON(w, p.co.Get())
	case cluster.GetWhatStats:
		res, err := p.ClusterStats(r.Context())
		if err != nil {
			p.writeErr(w, err)
			return
		}
		cluster.WriteJSON(w, res)
	case cluster.GetWhatXaction:
		kind := r.URL.Query().Get("props")
		if kind == "" {
			kind = cluster.XactRebalance
		}
		res, err := p.reb.XactionStats(r.Context(), p.reg.CurrentMap(), kind)
		if err != nil {
			p.writeErr(w, err)
			return
		}
		cluster.WriteJSON(w, res)
	case cluster.GetWhatMountpaths:
		res, err := p.ClusterMountpaths(r.Context())
		if err != nil {
			p.writeErr(w, err)
			return
		}
		cluster.WriteJSON(w, res)
	default:
		http.Error(w, fmt.Sprintf("invalid what=%q", what), http.StatusBadRequest)
	}
}

func (p *Proxy) clusterAction(w http.ResponseWriter, r *http.Request) {
	var msg cluster.ActionMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	switch msg.Action {
	case cluster.ActSetConfig:
		value, ok := msg.Value.(string)
		if !ok {
			value = fmt.Sprintf("%v", msg.Value)
		}
		if err := p.pusher.SetConfig(msg.Name, value); err != nil {
			p.writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case cluster.ActRebalance:
		h := p.reb.RunRebalance(p.reg.CurrentMap())
		cluster.WriteJSON(w, h.RMD)
	case cluster.ActShutdown:
		w.WriteHeader(http.StatusNoContent)
		go p.ShutdownCluster(context.Background())
	default:
		http.Error(w, fmt.Sprintf("unsupported action %q", msg.Action), http.StatusBadRequest)
	}
}

// registerHandler joins a daemon to the cluster and answers with the new map.
func (p *Proxy) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.redirectToPrimary(w, r) {
		return
	}
	var sn cluster.Snode
	if err := json.NewDecoder(r.Body).Decode(&sn); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	m, err := p.reg.Register(&sn)
	if err != nil {
		p.writeErr(w, err)
		return
	}
	if sn.DaemonType == cluster.Target {
		p.log.Infof("%s: %s, %s", cluster.ActRegTarget, sn.DaemonID, m)
	}
	cluster.WriteJSON(w, m)
}

// clusterDaemonHandler removes the daemon named by the trailing path element.
func (p *Proxy) clusterDaemonHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.redirectToPrimary(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, cluster.URLPathClusterD)
	if id == "" {
		http.Error(w, "missing daemon ID", http.StatusBadRequest)
		return
	}
	m, err := p.reg.Unregister(id)
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.log.Infof("%s: %s, %s", cluster.ActUnregTarget, id, m)
	cluster.WriteJSON(w, m)
}

// clusterProxyHandler hands primaryship to the proxy named by the trailing
// path element. Naming the current primary is an idempotent no-op.
func (p *Proxy) clusterProxyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.redirectToPrimary(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, cluster.URLPathProxy)
	if id == "" {
		http.Error(w, "missing proxy ID", http.StatusBadRequest)
		return
	}
	m, err := p.elector.SetPrimary(r.Context(), id)
	if err != nil {
		if errors.Is(err, cluster.ErrAlreadyPrimary) {
			cluster.WriteJSON(w, m)
			return
		}
		p.writeErr(w, err)
		return
	}
	p.log.Infof("%s: %s, %s", cluster.ActSetPrimary, id, m)
	cluster.WriteJSON(w, m)
}
