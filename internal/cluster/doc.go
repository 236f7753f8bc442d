// Package cluster defines the shared control-plane vocabulary of the storage
// cluster: the versioned cluster map (Smap), daemon descriptors (Snode),
// the action/query wire protocol, the error taxonomy, and small HTTP/JSON
// helpers used by both daemon roles.
//
// # Topology
//
// The cluster consists of two daemon roles:
//
//   - Proxies: gateway/coordinator nodes; exactly one is the primary and owns
//     all membership mutations.
//   - Targets: data nodes; own mountpaths and execute cluster-wide xactions
//     such as rebalance.
//
// The Smap is the single source of truth for membership. It is immutable once
// published: every mutation committed by the primary produces a new snapshot
// with version incremented by exactly one. All other daemons hold read-only
// cached copies refreshed via push, and never regress to an older version.
//
// # Wire protocol
//
// All inter-daemon communication is HTTP/JSON. Read queries are parameterized
// by a "what" selector (smap, config, stats, xaction, mountpaths); mutations
// are expressed either as dedicated REST routes (register, unregister,
// set-primary) or as an ActionMsg envelope (setconfig, rebalance, shutdown)
// addressed to the primary proxy.
//
// The JSON field names in this package are a compatibility contract with
// external clients and must not change.
package cluster
