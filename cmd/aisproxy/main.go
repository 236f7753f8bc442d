// Command aisproxy runs a gateway daemon. The first proxy of a cluster starts
// with AIS_IS_PRIMARY=true and bootstraps the cluster map; every other proxy
// joins an existing primary and stands by for election.
//
// Configuration:
//   - AIS_CONF: path to the TOML config file (optional, defaults apply)
//   - AIS_DAEMON_ID: unique daemon identifier (default: generated UUID)
//   - AIS_IPADDR / AIS_PORT: listen endpoint overrides
//   - AIS_IS_PRIMARY: "true" to bootstrap as primary
//   - AIS_PRIMARY_URL: primary to join when not primary (overrides config)
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shandan1/aistore/internal/cluster"
	"github.com/shandan1/aistore/internal/config"
	"github.com/shandan1/aistore/internal/discovery"
	"github.com/shandan1/aistore/internal/proxy"
	"github.com/shandan1/aistore/internal/telemetry"
)

// primaryTTL is the etcd lease TTL, in seconds, on the published primary key.
const primaryTTL = 30

func main() {
	conf := loadConfig()
	co := config.NewOwner(conf)

	logger, err := telemetry.NewLogger(conf.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if path := getenv("AIS_CONF", ""); path != "" {
		co.SetPersist(path, logger)
	}

	daemonID := getenv("AIS_DAEMON_ID", "proxy-"+uuid.NewString()[:8])
	self := cluster.NewSnode(daemonID, cluster.Proxy, conf.Net.IPAddr, conf.Net.Port)
	p := proxy.New(self, co, logger)

	mux := http.NewServeMux()
	p.RegisterHandlers(mux)
	mux.Handle("/metrics", telemetry.MetricsHandler())

	httpSrv := &http.Server{
		Addr:              conf.Net.IPAddr + ":" + conf.Net.Port,
		Handler:           telemetry.Instrument("cplane", mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.SetShutdownFn(func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = httpSrv.Shutdown(shCtx)
	})

	go func() {
		logger.Infof("proxy %s listening on %s", daemonID, httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	isPrimary := getenv("AIS_IS_PRIMARY", "") == "true"
	if isPrimary {
		p.InitPrimary()
		publishPrimary(ctx, conf, self, logger)
	} else {
		primaryURL := resolvePrimaryURL(ctx, conf, logger)
		if primaryURL == "" {
			logger.Fatalf("no primary URL: set AIS_PRIMARY_URL, proxy.primary_url, or proxy.discovery_urls")
		}
		joinCtx, joinCancel := context.WithTimeout(ctx, conf.Timeout.Default)
		err := p.JoinAsStandby(joinCtx, primaryURL)
		joinCancel()
		if err != nil {
			logger.Fatalf("join: %v", err)
		}
	}

	watchPrimaryVacancy(ctx, conf, p, logger)
	go p.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = httpSrv.Shutdown(shCtx)
	logger.Infof("proxy %s stopped", daemonID)
}

func loadConfig() *config.Config {
	path := getenv("AIS_CONF", "")
	var (
		conf *config.Config
		err  error
	)
	if path != "" {
		conf, err = config.Load(path)
		if err != nil {
			log.Fatalf("config %s: %v", path, err)
		}
	} else {
		conf = config.Default()
		if err = conf.Validate(); err != nil {
			log.Fatalf("config defaults: %v", err)
		}
	}
	if v := getenv("AIS_IPADDR", ""); v != "" {
		conf.Net.IPAddr = v
	}
	if v := getenv("AIS_PORT", ""); v != "" {
		conf.Net.Port = v
	}
	if v := getenv("AIS_PRIMARY_URL", ""); v != "" {
		conf.Proxy.PrimaryURL = v
	}
	return conf
}

// publishPrimary announces the primary's endpoint in etcd when discovery is
// configured; static clusters skip this.
func publishPrimary(ctx context.Context, conf *config.Config, self *cluster.Snode, logger *zap.SugaredLogger) {
	if len(conf.Proxy.DiscoveryURLs) == 0 {
		return
	}
	cli, err := discovery.NewClient(conf.Proxy.DiscoveryURLs)
	if err != nil {
		logger.Warnf("discovery: %v", err)
		return
	}
	if _, err := discovery.RegisterPrimary(ctx, cli, self.DaemonID, self.PublicNet.DirectURL, primaryTTL, logger); err != nil {
		logger.Warnf("discovery: %v", err)
	}
}

// watchPrimaryVacancy republishes this proxy's endpoint when the primary key
// disappears from etcd and this proxy holds (or has since won) the primary
// role. After a failover the dead primary's lease expiring is what vacates
// the key.
func watchPrimaryVacancy(ctx context.Context, conf *config.Config, p *proxy.Proxy, logger *zap.SugaredLogger) {
	if len(conf.Proxy.DiscoveryURLs) == 0 {
		return
	}
	cli, err := discovery.NewClient(conf.Proxy.DiscoveryURLs)
	if err != nil {
		logger.Warnf("discovery: %v", err)
		return
	}
	go discovery.WatchPrimary(ctx, cli, func(id, url string) {
		if url != "" {
			logger.Infof("discovery: primary is %s at %s", id, url)
			return
		}
		if !p.IsPrimary() {
			return
		}
		self := p.Snode()
		if _, err := discovery.RegisterPrimary(ctx, cli, self.DaemonID, self.PublicNet.DirectURL, primaryTTL, logger); err != nil {
			logger.Warnf("discovery: %v", err)
		}
	})
}

// resolvePrimaryURL prefers the configured static URL and falls back to an
// etcd lookup.
func resolvePrimaryURL(ctx context.Context, conf *config.Config, logger *zap.SugaredLogger) string {
	if conf.Proxy.PrimaryURL != "" {
		return conf.Proxy.PrimaryURL
	}
	if len(conf.Proxy.DiscoveryURLs) == 0 {
		return ""
	}
	cli, err := discovery.NewClient(conf.Proxy.DiscoveryURLs)
	if err != nil {
		logger.Warnf("discovery: %v", err)
		return ""
	}
	defer cli.Close()
	_, url, err := discovery.LookupPrimary(ctx, cli)
	if err != nil {
		logger.Warnf("discovery: %v", err)
		return ""
	}
	return url
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
