// Package experiments provides a global registry of enabled and disabled
// experiments.
//
// It is intended for internal use within mmpack-buildd only.
package experiments

import (
	"context"
	"fmt"
	"sync"

	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
)

type State string

// Experiment states
const (
	StateKnown    State = "known"
	StatePromoted State = "promoted"
	StateUnknown  State = "unknown"
)

const (
	// Available experiments

	// TwoPhaseCommit gates how the commit sweep (already run only after
	// every modified repository has staged its manifest) dispatches
	// Commit: off, repositories commit one after another; on, every
	// repository's Commit is held at a barrier until all of them are
	// ready, so they finalize together, narrowing (not eliminating) the
	// window in which a commit failure leaves earlier repositories
	// already committed and later ones not.
	TwoPhaseCommit = "two-phase-commit"

	// S3Mirror gates uploading a copy of every committed manifest to an
	// S3 bucket, in addition to the repository commit itself.
	S3Mirror = "s3-mirror"

	// GerritEventSource is accepted as a known experiment name, but no code
	// path checks it: the Gerrit adapter is not wired into job intake.
	GerritEventSource = "gerrit-event-source"
)

const (
	// Promoted experiments

	// FlockFileLocks was an experiment gating the use of flock(2)-based
	// locking for the work root and repository paths; it is always on.
	FlockFileLocks = "flock-file-locks"
)

var (
	Available = map[string]struct{}{
		TwoPhaseCommit:    {},
		S3Mirror:          {},
		GerritEventSource: {},
	}

	Promoted = map[string]string{
		FlockFileLocks: standardPromotionMsg(FlockFileLocks, "v0.1.0"),
	}

	// Used to track experiments possibly in use.
	allMu sync.Mutex
	all   = make(map[string]struct{})
)

func standardPromotionMsg(key, version string) string {
	return fmt.Sprintf("The %s experiment has been promoted to a stable feature in version %s. You can safely remove the `--experiment %s` flag to silence this message and continue using the feature", key, version, key)
}

type experimentCtxKey struct {
	experiment string
}

// EnableWithWarnings enables an experiment in a new context, logging
// information about unknown and promoted experiments.
func EnableWithWarnings(ctx context.Context, l logger.Logger, key string) (context.Context, State) {
	newctx, state := Enable(ctx, key)
	switch state {
	case StateKnown:
	// Noop
	case StateUnknown:
		l.Warn("Unknown experiment %q", key)
	case StatePromoted:
		l.Warn(Promoted[key])
	}
	return newctx, state
}

// Enable a particular experiment in a new context.
func Enable(ctx context.Context, key string) (newctx context.Context, state State) {
	allMu.Lock()
	all[key] = struct{}{}
	allMu.Unlock()

	newctx = context.WithValue(ctx, experimentCtxKey{key}, true)

	if _, promoted := Promoted[key]; promoted {
		return newctx, StatePromoted
	}

	if _, known := Available[key]; known {
		return newctx, StateKnown
	}

	return newctx, StateUnknown
}

// Disable a particular experiment in a new context.
func Disable(ctx context.Context, key string) context.Context {
	// Even if we learn about the experiment through disablement, it is still
	// an experiment...
	allMu.Lock()
	all[key] = struct{}{}
	allMu.Unlock()

	return context.WithValue(ctx, experimentCtxKey{key}, false)
}

// IsEnabled reports whether the named experiment is enabled in the context.
func IsEnabled(ctx context.Context, key string) bool {
	state := ctx.Value(experimentCtxKey{key})
	return state != nil && state.(bool)
}

// KnownAndEnabled returns the keys of all the known and enabled experiments.
func KnownAndEnabled(ctx context.Context) []string {
	allMu.Lock()
	defer allMu.Unlock()
	var keys []string
	for key := range all {
		if _, known := Available[key]; known && IsEnabled(ctx, key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Enabled returns the keys of all the enabled experiments.
func Enabled(ctx context.Context) []string {
	allMu.Lock()
	defer allMu.Unlock()
	var keys []string
	for key := range all {
		if IsEnabled(ctx, key) {
			keys = append(keys, key)
		}
	}
	return keys
}
