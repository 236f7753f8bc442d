package cluster

import "time"

// Versioned API prefix shared by all daemon endpoints.
const (
	Version1 = "/v1"

	URLPathDaemon   = Version1 + "/daemon"
	URLPathCluster  = Version1 + "/cluster"
	URLPathRegister = Version1 + "/cluster/register"
	URLPathClusterD = Version1 + "/cluster/daemon/" // + daemon ID
	URLPathProxy    = Version1 + "/cluster/proxy/"  // + proxy ID
	URLPathSmap     = Version1 + "/daemon/smap"
	URLPathPrimary  = Version1 + "/daemon/primary"
	URLPathConfig   = Version1 + "/daemon/config"
	URLPathRebSignl = Version1 + "/target/rebalance"
	URLPathHealth   = Version1 + "/health"
)

// Query selectors for GET /v1/daemon and GET /v1/cluster.
const (
	GetWhatSmap       = "smap"
	GetWhatConfig     = "config"
	GetWhatStats      = "stats"
	GetWhatXaction    = "xaction"
	GetWhatMountpaths = "mountpaths"
	GetWhatDaemonInfo = "daemoninfo"
)

// Actions carried by the ActionMsg envelope.
const (
	ActSetConfig   = "setconfig"
	ActRebalance   = "rebalance"
	ActShutdown    = "shutdown"
	ActRegTarget   = "regtarget"
	ActUnregTarget = "unregtarget"
	ActSetPrimary  = "setprimary"
)

// Xaction kinds and statuses.
const (
	XactRebalance = "rebalance"

	XactStatusRunning  = "running"
	XactStatusFinished = "finished"
	XactStatusAborted  = "aborted"
)

// ActionMsg is the mutation envelope sent to the primary proxy.
type ActionMsg struct {
	Action string `json:"action"`
	Name   string `json:"name,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// ConfigMsg propagates committed configuration assignments from the primary
// to a daemon. NVs holds name/value pairs; a resend may bundle several keys
// the daemon has not acknowledged yet. Version stamps the primary's config
// version so a daemon can drop pushes older than what it already applied;
// re-applying the current version is idempotent.
type ConfigMsg struct {
	Version int64             `json:"version"`
	NVs     map[string]string `json:"nvs"`
}

// RMD ("rebalance metadata") tells targets which membership version a
// rebalance run belongs to and which targets participate.
type RMD struct {
	Version   int64    `json:"version"`
	TargetIDs []string `json:"target_ids,omitempty"`
}

// RebProgress counts a target's local share of a redistribution run.
type RebProgress struct {
	Moved int64 `json:"moved"`
	Total int64 `json:"total"`
}

// XactionRecord is one target's report of a cluster-wide task. It is owned by
// the executing target and reported upward on query.
type XactionRecord struct {
	Kind      string      `json:"kind"`
	Target    string      `json:"target"`
	Status    string      `json:"status"`
	Progress  RebProgress `json:"progress"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time,omitempty"`
}

// MountpathList is a target's mountpath inventory.
type MountpathList struct {
	Available []string `json:"available"`
	Disabled  []string `json:"disabled"`
}

// FSInfo aggregates capacity across a target's mountpaths.
type FSInfo struct {
	Used      uint64  `json:"fs_used"`
	Capacity  uint64  `json:"fs_capacity"`
	PctUsed   float64 `json:"pct_fs_used"`
	NumAvail  int     `json:"num_available"`
	NumTotal  int     `json:"num_total"`
	HighUsage bool    `json:"high_usage,omitempty"`
}

// DaemonStats is the per-daemon stats record returned for "?what=stats".
type DaemonStats struct {
	Snode     *Snode    `json:"snode"`
	UpSince   time.Time `json:"up_since"`
	SmapVer   int64     `json:"smap_version"`
	FS        FSInfo    `json:"fs,omitempty"`
	NumXacts  int64     `json:"num_xactions"`
	ConfigVer int64     `json:"config_version"`
}

// Fan-out/merge query results. Failed lists the daemons that did not respond;
// a partially populated result with a non-empty Failed list is valid.
type (
	ClusterStats struct {
		Target map[string]*DaemonStats `json:"target"`
		Failed []string                `json:"failed,omitempty"`
	}
	ClusterXactStats struct {
		Kind   string                   `json:"kind"`
		Target map[string]XactionRecord `json:"target"`
		Failed []string                 `json:"failed,omitempty"`
	}
	ClusterMountpaths struct {
		Targets map[string]MountpathList `json:"targets"`
		Failed  []string                 `json:"failed,omitempty"`
	}
)
