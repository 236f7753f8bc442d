// Package config implements the per-daemon configuration tree: TOML loading,
// a copy-on-write owner that serializes updates, dotted-key updates against
// the recognized schema, and section validation.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/shandan1/aistore/internal/cluster"
)

// Checksum algorithms recognized by cksum.type.
const (
	ChecksumXXHash = "xxhash"
	ChecksumNone   = "none"
)

type (
	// Config is the full per-daemon configuration tree. Every daemon owns a
	// copy; the primary's copy is authoritative on conflict. Version is a
	// monotonic counter bumped on every committed update and stamped onto
	// propagated ConfigMsgs for stale-push detection.
	Config struct {
		Version  int64    `toml:"-" json:"version"`
		Confdir  string   `toml:"confdir" json:"confdir"`
		LogLevel string   `toml:"log_level" json:"log_level"`
		FSPaths  []string `toml:"fspaths" json:"fspaths"`

		Net              NetConf       `toml:"net" json:"net"`
		Proxy            ProxyConf     `toml:"proxy" json:"proxy"`
		Periodic         PeriodConf    `toml:"periodic" json:"periodic"`
		Timeout          TimeoutConf   `toml:"timeout" json:"timeout"`
		Cksum            CksumConf     `toml:"cksum" json:"cksum"`
		Rebalance        RebalanceConf `toml:"rebalance" json:"rebalance"`
		KeepaliveTracker KeepaliveConf `toml:"keepalivetracker" json:"keepalivetracker"`
	}

	NetConf struct {
		IPAddr string `toml:"ipv4" json:"ipv4"`
		Port   string `toml:"port" json:"port"`
	}

	ProxyConf struct {
		// PrimaryURL bootstraps discovery of the primary proxy; it may be
		// superseded by a fetched Smap.
		PrimaryURL string `toml:"primary_url" json:"primary_url"`
		// DiscoveryURLs optionally point at an etcd cluster used to publish
		// and look up the primary's endpoint.
		DiscoveryURLs []string `toml:"discovery_urls" json:"discovery_urls"`
	}

	PeriodConf struct {
		StatsTimeStr string        `toml:"stats_time" json:"stats_time"`
		StatsTime    time.Duration `toml:"-" json:"-"`
	}

	TimeoutConf struct {
		CplaneOperationStr string        `toml:"cplane_operation" json:"cplane_operation"`
		CplaneOperation    time.Duration `toml:"-" json:"-"`
		DefaultStr         string        `toml:"default_timeout" json:"default_timeout"`
		Default            time.Duration `toml:"-" json:"-"`
		ProxyPingStr       string        `toml:"proxy_ping" json:"proxy_ping"`
		ProxyPing          time.Duration `toml:"-" json:"-"`
	}

	CksumConf struct {
		Type            string `toml:"type" json:"type"`
		ValidateColdGet bool   `toml:"validate_cold_get" json:"validate_cold_get"`
		ValidateWarmGet bool   `toml:"validate_warm_get" json:"validate_warm_get"`
		EnableReadRange bool   `toml:"enable_read_range" json:"enable_read_range"`
	}

	RebalanceConf struct {
		Enabled          bool          `toml:"enabled" json:"enabled"`
		DestRetryTimeStr string        `toml:"dest_retry_time" json:"dest_retry_time"`
		DestRetryTime    time.Duration `toml:"-" json:"-"`
	}

	KeepaliveConf struct {
		Proxy  KeepaliveTrackerConf `toml:"proxy" json:"proxy"`
		Target KeepaliveTrackerConf `toml:"target" json:"target"`
	}

	KeepaliveTrackerConf struct {
		IntervalStr string        `toml:"interval" json:"interval"`
		Interval    time.Duration `toml:"-" json:"-"`
		Factor      int           `toml:"factor" json:"factor"`
	}

	// Validator is implemented by config sections that constrain their values.
	Validator interface {
		Validate() error
	}
)

var (
	_ Validator = &Config{}
	_ Validator = &CksumConf{}
	_ Validator = &TimeoutConf{}
	_ Validator = &PeriodConf{}
	_ Validator = &RebalanceConf{}
	_ Validator = &KeepaliveConf{}
)

// Default returns a config populated with workable single-host defaults;
// Load overlays a TOML file on top of it.
func Default() *Config {
	c := &Config{
		LogLevel: "info",
		Net:      NetConf{IPAddr: "127.0.0.1", Port: "8080"},
		Periodic: PeriodConf{StatsTimeStr: "10s"},
		Timeout: TimeoutConf{
			CplaneOperationStr: "2s",
			DefaultStr:         "30s",
			ProxyPingStr:       "100ms",
		},
		Cksum:     CksumConf{Type: ChecksumXXHash},
		Rebalance: RebalanceConf{Enabled: true, DestRetryTimeStr: "2s"},
		KeepaliveTracker: KeepaliveConf{
			Proxy:  KeepaliveTrackerConf{IntervalStr: "10s", Factor: 3},
			Target: KeepaliveTrackerConf{IntervalStr: "10s", Factor: 3},
		},
	}
	_ = c.Validate()
	return c
}

// Load reads and validates a TOML config file on top of the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Clone returns a deep copy suitable for mutation.
func (c *Config) Clone() *Config {
	clone := *c
	clone.FSPaths = append([]string(nil), c.FSPaths...)
	clone.Proxy.DiscoveryURLs = append([]string(nil), c.Proxy.DiscoveryURLs...)
	return &clone
}

func (c *Config) Validate() error {
	for _, v := range []Validator{
		&c.Periodic, &c.Timeout, &c.Cksum, &c.Rebalance, &c.KeepaliveTracker,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *PeriodConf) Validate() (err error) {
	c.StatsTime, err = parseDuration("periodic.stats_time", c.StatsTimeStr)
	return
}

func (c *TimeoutConf) Validate() error {
	var err error
	if c.CplaneOperation, err = parseDuration("timeout.cplane_operation", c.CplaneOperationStr); err != nil {
		return err
	}
	if c.Default, err = parseDuration("timeout.default_timeout", c.DefaultStr); err != nil {
		return err
	}
	c.ProxyPing, err = parseDuration("timeout.proxy_ping", c.ProxyPingStr)
	return err
}

func (c *CksumConf) Validate() error {
	if c.Type != ChecksumXXHash && c.Type != ChecksumNone {
		return fmt.Errorf("invalid cksum.type: %q (expected one of [%s, %s])",
			c.Type, ChecksumXXHash, ChecksumNone)
	}
	return nil
}

func (c *RebalanceConf) Validate() (err error) {
	c.DestRetryTime, err = parseDuration("rebalance.dest_retry_time", c.DestRetryTimeStr)
	return
}

func (c *KeepaliveConf) Validate() error {
	for name, tr := range map[string]*KeepaliveTrackerConf{"proxy": &c.Proxy, "target": &c.Target} {
		var err error
		if tr.Interval, err = parseDuration("keepalivetracker."+name+".interval", tr.IntervalStr); err != nil {
			return err
		}
		if tr.Factor <= 0 {
			return fmt.Errorf("keepalivetracker.%s.factor must be positive, got %d", name, tr.Factor)
		}
	}
	return nil
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad duration %s=%q: %w", name, s, err)
	}
	return d, nil
}

// update applies one dotted-key assignment to the clone and returns the
// section validator to run before commit, if any. Unknown keys fail with
// cluster.ErrUnknownConfigKey.
func (c *Config) update(key, value string) (Validator, error) {
	updateValue := func(to any) error {
		switch p := to.(type) {
		case *string:
			*p = value
		case *bool:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("set %s=%q: %w", key, value, err)
			}
			*p = b
		case *int:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("set %s=%q: %w", key, value, err)
			}
			*p = i
		default:
			return fmt.Errorf("set %s: unsupported type %T", key, to)
		}
		return nil
	}

	switch key {
	// PERIODIC
	case "stats_time", "periodic.stats_time":
		return &c.Periodic, updateValue(&c.Periodic.StatsTimeStr)

	// TIMEOUT
	case "cplane_operation", "timeout.cplane_operation":
		return &c.Timeout, updateValue(&c.Timeout.CplaneOperationStr)
	case "default_timeout", "timeout.default_timeout":
		return &c.Timeout, updateValue(&c.Timeout.DefaultStr)
	case "proxy_ping", "timeout.proxy_ping":
		return &c.Timeout, updateValue(&c.Timeout.ProxyPingStr)

	// CHECKSUM
	case "checksum", "cksum.type":
		return &c.Cksum, updateValue(&c.Cksum.Type)
	case "validate_checksum_cold_get", "cksum.validate_cold_get":
		return &c.Cksum, updateValue(&c.Cksum.ValidateColdGet)
	case "validate_checksum_warm_get", "cksum.validate_warm_get":
		return &c.Cksum, updateValue(&c.Cksum.ValidateWarmGet)
	case "enable_read_range_checksum", "cksum.enable_read_range":
		return &c.Cksum, updateValue(&c.Cksum.EnableReadRange)

	// REBALANCE
	case "rebalance_enabled", "rebalance.enabled":
		return nil, updateValue(&c.Rebalance.Enabled)
	case "dest_retry_time", "rebalance.dest_retry_time":
		return &c.Rebalance, updateValue(&c.Rebalance.DestRetryTimeStr)

	// KEEPALIVE
	case "keepalivetracker.proxy.interval":
		return &c.KeepaliveTracker, updateValue(&c.KeepaliveTracker.Proxy.IntervalStr)
	case "keepalivetracker.proxy.factor":
		return &c.KeepaliveTracker, updateValue(&c.KeepaliveTracker.Proxy.Factor)
	case "keepalivetracker.target.interval":
		return &c.KeepaliveTracker, updateValue(&c.KeepaliveTracker.Target.IntervalStr)
	case "keepalivetracker.target.factor":
		return &c.KeepaliveTracker, updateValue(&c.KeepaliveTracker.Target.Factor)

	// LOG
	case "log_level":
		return nil, updateValue(&c.LogLevel)

	default:
		return nil, fmt.Errorf("%w: %q", cluster.ErrUnknownConfigKey, key)
	}
}
