// Package builder drives the actual compilation of a BuildJob into binary
// packages, and fronts each configured builder with a single-worker FIFO
// queue.
package builder

import (
	"context"

	"github.com/mmlabs-mindmaze/mmpack-buildd/buildjob"
)

// Builder compiles a BuildJob for a single architecture.
type Builder interface {
	// Name identifies the builder for logging and feedback messages.
	Name() string
	// Arch is the single architecture this builder produces.
	Arch() string
	// Build runs the build for job. A non-nil error fails the sub-build;
	// Build must not panic across goroutine boundaries it doesn't own.
	Build(ctx context.Context, job *buildjob.BuildJob) error
}
