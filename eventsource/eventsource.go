// Package eventsource defines the upstream-facing contract between a
// change-ingestion adapter and the scheduler. Ingestion itself (polling a
// code-review stream, listening on a webhook) is out of scope; only the
// contract is provided here. See gerrit for a translation-only adapter.
package eventsource

import (
	"context"

	"github.com/mmlabs-mindmaze/mmpack-buildd/buildrequest"
)

// Submitter is the single entry point an EventSource uses to hand a request
// to the scheduler. scheduler.JobScheduler satisfies this interface.
type Submitter interface {
	Submit(ctx context.Context, req *buildrequest.BuildRequest) error
}

// EventSource turns upstream notifications into BuildRequests submitted to a
// Submitter. Implementations own their own ingestion loop; Run is expected
// to block until ctx is cancelled.
type EventSource interface {
	Run(ctx context.Context) error
}
