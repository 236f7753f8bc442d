package cluster

import "errors"

// Control-plane error taxonomy. Mutation errors are synchronous and returned
// to the caller that issued the mutation; fan-out partial failures are
// reported inline in the result types, never as hard errors, except when zero
// daemons respond.
var (
	// ErrDuplicateDaemonID: a registration carried an already-known daemon ID
	// with a conflicting network configuration.
	ErrDuplicateDaemonID = errors.New("duplicate daemon ID")

	// ErrUnknownDaemonID: the referenced daemon is not in the cluster map.
	ErrUnknownDaemonID = errors.New("unknown daemon ID")

	// ErrCannotRemovePrimary: the primary proxy must hand off its role before
	// it can be unregistered.
	ErrCannotRemovePrimary = errors.New("cannot unregister the primary proxy")

	// ErrAlreadyPrimary: set-primary named the current primary. Callers treat
	// this as an idempotent success.
	ErrAlreadyPrimary = errors.New("proxy is already the primary")

	// ErrUnknownConfigKey: a set-config key is not in the recognized schema.
	ErrUnknownConfigKey = errors.New("unknown config key")

	// ErrHandoffTimeout: the designated new primary did not acknowledge the
	// handoff in time; the old primary remains primary.
	ErrHandoffTimeout = errors.New("primary handoff timed out")

	// ErrClusterUnreachable: a fan-out query got zero responses.
	ErrClusterUnreachable = errors.New("no daemon responded")

	// ErrStaleVersion: a received Smap or config push carries a version not
	// newer than the locally known one. Dropped and logged, not propagated.
	ErrStaleVersion = errors.New("stale version")
)

// IsErrStale reports whether err wraps ErrStaleVersion.
func IsErrStale(err error) bool { return errors.Is(err, ErrStaleVersion) }
