// Command aistarget runs a data-node daemon: it mounts its filesystem paths,
// registers with the primary proxy, and serves the daemon-side control plane
// (stats, mountpaths, rebalance).
//
// Configuration:
//   - AIS_CONF: path to the TOML config file (optional, defaults apply)
//   - AIS_DAEMON_ID: unique daemon identifier (default: generated UUID)
//   - AIS_IPADDR / AIS_PORT: listen endpoint overrides
//   - AIS_PRIMARY_URL: primary proxy to register with (overrides config)
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
	"github.com/shandan1/aistore/internal/target"
	"github.com/shandan1/aistore/internal/telemetry"
)

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

	mfs := target.NewMountedFS(logger)
	if err := mfs.Init(conf.FSPaths); err != nil {
		logger.Fatalf("mountpaths: %v", err)
	}

	daemonID := getenv("AIS_DAEMON_ID", "target-"+uuid.NewString()[:8])
	self := cluster.NewSnode(daemonID, cluster.Target, conf.Net.IPAddr, conf.Net.Port)
	t := target.New(self, co, mfs, logger)

	mux := http.NewServeMux()
	t.RegisterHandlers(mux)
	mux.Handle("/metrics", telemetry.MetricsHandler())

	httpSrv := &http.Server{
		Addr:              conf.Net.IPAddr + ":" + conf.Net.Port,
		Handler:           telemetry.Instrument("cplane", mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.OnShutdown(func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = httpSrv.Shutdown(shCtx)
	})

	go func() {
		logger.Infof("target %s listening on %s, %d mountpath(s)", daemonID, httpSrv.Addr, mfs.NumAvail())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	primaryURL := resolvePrimaryURL(ctx, conf, logger)
	if primaryURL == "" {
		logger.Fatalf("no primary URL: set AIS_PRIMARY_URL, proxy.primary_url, or proxy.discovery_urls")
	}
	joinCtx, joinCancel := context.WithTimeout(ctx, conf.Timeout.Default)
	err = t.Join(joinCtx, primaryURL)
	joinCancel()
	if err != nil {
		logger.Fatalf("join: %v", err)
	}

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
	logger.Infof("target %s stopped", daemonID)
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
