// Package discovery publishes and looks up the primary proxy's endpoint in
// etcd. It is optional: a cluster bootstrapped with a static primary_url
// never touches etcd, while a cluster with discovery_urls configured lets
// joining daemons and restarted proxies find the current primary without
// out-of-band knowledge.
package discovery

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	primaryKey  = "/ais/primary"
	dialTimeout = 5 * time.Second
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// RegisterPrimary publishes this proxy's public URL under the primary key,
// attached to a lease kept alive for the process lifetime. When the process
// dies the lease expires and the key disappears, so a stale primary never
// lingers in etcd past the TTL.
func RegisterPrimary(ctx context.Context, cli *clientv3.Client, daemonID, url string, ttl int64, log *zap.SugaredLogger) (clientv3.LeaseID, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	val := daemonID + " " + url
	if _, err = cli.Put(ctx, primaryKey, val, clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("publish primary: %w", err)
	}

	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("keepalive lease: %w", err)
	}
	go func() {
		for range ch {
		}
		log.Warnf("discovery: primary lease keepalive channel closed")
	}()

	log.Infof("discovery: published primary %s at %s (ttl %ds)", daemonID, url, ttl)
	return lease.ID, nil
}

// LookupPrimary returns the published primary URL, or "" if none is
// registered.
func LookupPrimary(ctx context.Context, cli *clientv3.Client) (daemonID, url string, err error) {
	resp, err := cli.Get(ctx, primaryKey)
	if err != nil {
		return "", "", fmt.Errorf("lookup primary: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", "", nil
	}
	return splitPrimaryVal(string(resp.Kvs[0].Value))
}

// WatchPrimary invokes cb on every change of the primary key until ctx is
// done. A deleted key (expired lease) yields empty values.
func WatchPrimary(ctx context.Context, cli *clientv3.Client, cb func(daemonID, url string)) {
	for resp := range cli.Watch(ctx, primaryKey) {
		for _, ev := range resp.Events {
			if ev.Type == clientv3.EventTypeDelete {
				cb("", "")
				continue
			}
			id, url, err := splitPrimaryVal(string(ev.Kv.Value))
			if err != nil {
				continue
			}
			cb(id, url)
		}
	}
}

func splitPrimaryVal(v string) (string, string, error) {
	var id, url string
	if _, err := fmt.Sscanf(v, "%s %s", &id, &url); err != nil {
		return "", "", fmt.Errorf("malformed primary record %q: %w", v, err)
	}
	return id, url, nil
}
