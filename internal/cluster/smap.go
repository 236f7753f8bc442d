package cluster

import (
	"fmt"
	"strings"
)

// Daemon roles.
const (
	Proxy  = "proxy"
	Target = "target"
)

// NetInfo describes one addressable network endpoint of a daemon.
type NetInfo struct {
	NodeIPAddr string `json:"node_ip_addr"`
	DaemonPort string `json:"daemon_port"`
	DirectURL  string `json:"direct_url"`
}

// Snode identifies a single daemon and its addressable surface. Snodes are
// immutable once constructed; in single-network deployments the intra-*
// networks may equal the public one.
type Snode struct {
	DaemonID        string  `json:"daemon_id"`
	DaemonType      string  `json:"daemon_type"` // Proxy or Target
	PublicNet       NetInfo `json:"public_net"`
	IntraControlNet NetInfo `json:"intra_control_net"`
	IntraDataNet    NetInfo `json:"intra_data_net"`
}

// NewSnode constructs a daemon descriptor with all three networks set to the
// same endpoint, the common single-network case.
func NewSnode(id, daemonType, ipAddr, port string) *Snode {
	ni := NetInfo{
		NodeIPAddr: ipAddr,
		DaemonPort: port,
		DirectURL:  fmt.Sprintf("http://%s:%s", ipAddr, port),
	}
	return &Snode{
		DaemonID:        id,
		DaemonType:      daemonType,
		PublicNet:       ni,
		IntraControlNet: ni,
		IntraDataNet:    ni,
	}
}

// Equals reports whether two descriptors denote the same daemon with the same
// addressable surface. Same ID with a different NetInfo is a conflict, not
// equality.
func (d *Snode) Equals(o *Snode) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.DaemonID == o.DaemonID &&
		d.DaemonType == o.DaemonType &&
		d.PublicNet == o.PublicNet &&
		d.IntraControlNet == o.IntraControlNet &&
		d.IntraDataNet == o.IntraDataNet
}

// URL returns the control-plane URL of the daemon.
func (d *Snode) URL() string { return d.IntraControlNet.DirectURL }

func (d *Snode) String() string {
	return fmt.Sprintf("%s[%s, %s]", d.DaemonType, d.DaemonID, d.PublicNet.DirectURL)
}

// Smap is the versioned snapshot of cluster membership. A published Smap is
// immutable: mutating it always goes through Clone, never in place. Version
// increases by exactly one per committed registry operation.
type Smap struct {
	Version int64             `json:"version"`
	Tmap    map[string]*Snode `json:"tmap"`
	Pmap    map[string]*Snode `json:"pmap"`
	ProxySI *Snode            `json:"proxy_si"` // the current primary proxy
}

// NewSmap returns an empty version-0 map.
func NewSmap() *Smap {
	return &Smap{
		Tmap: make(map[string]*Snode),
		Pmap: make(map[string]*Snode),
	}
}

// Clone returns a deep copy suitable for mutation; the receiver is unchanged.
// Snode values are immutable and shared between clones.
func (m *Smap) Clone() *Smap {
	clone := &Smap{
		Version: m.Version,
		Tmap:    make(map[string]*Snode, len(m.Tmap)),
		Pmap:    make(map[string]*Snode, len(m.Pmap)),
		ProxySI: m.ProxySI,
	}
	for id, sn := range m.Tmap {
		clone.Tmap[id] = sn
	}
	for id, sn := range m.Pmap {
		clone.Pmap[id] = sn
	}
	return clone
}

func (m *Smap) CountTargets() int { return len(m.Tmap) }
func (m *Smap) CountProxies() int { return len(m.Pmap) }

// GetNode looks up a daemon of either role.
func (m *Smap) GetNode(id string) *Snode {
	if sn, ok := m.Tmap[id]; ok {
		return sn
	}
	return m.Pmap[id]
}

func (m *Smap) GetTarget(id string) *Snode { return m.Tmap[id] }
func (m *Smap) GetProxy(id string) *Snode  { return m.Pmap[id] }

// IsPrimary reports whether the given daemon is the designated primary proxy.
func (m *Smap) IsPrimary(id string) bool {
	return m.ProxySI != nil && m.ProxySI.DaemonID == id
}

// Nodes returns all daemons, targets first.
func (m *Smap) Nodes() []*Snode {
	all := make([]*Snode, 0, len(m.Tmap)+len(m.Pmap))
	for _, sn := range m.Tmap {
		all = append(all, sn)
	}
	for _, sn := range m.Pmap {
		all = append(all, sn)
	}
	return all
}

// TargetIDs returns the IDs of all registered targets.
func (m *Smap) TargetIDs() []string {
	ids := make([]string, 0, len(m.Tmap))
	for id := range m.Tmap {
		ids = append(ids, id)
	}
	return ids
}

// Validate checks the primary invariant: a non-empty map must designate a
// primary that is present in Pmap.
func (m *Smap) Validate() error {
	if len(m.Pmap) == 0 && m.ProxySI == nil {
		return nil
	}
	if m.ProxySI == nil {
		return fmt.Errorf("smap v%d: no primary designated", m.Version)
	}
	if _, ok := m.Pmap[m.ProxySI.DaemonID]; !ok {
		return fmt.Errorf("smap v%d: primary %s not in pmap", m.Version, m.ProxySI.DaemonID)
	}
	return nil
}

func (m *Smap) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "smap v%d[t=%d, p=%d", m.Version, len(m.Tmap), len(m.Pmap))
	if m.ProxySI != nil {
		fmt.Fprintf(&b, ", primary=%s", m.ProxySI.DaemonID)
	}
	b.WriteByte(']')
	return b.String()
}
