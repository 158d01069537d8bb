package builder

import (
	"context"
	"fmt"
	"sync"

	"github.com/mmlabs-mindmaze/mmpack-buildd/buildjob"
	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
)

// scheduledJob is the minimal interface Queue needs from a scheduler join
// point (see scheduler.ScheduledJob), kept narrow so this package does not
// import scheduler.
type scheduledJob interface {
	BuildJob() *buildjob.BuildJob
	Done(success bool, msg string)
}

// Queue is a single-consumer FIFO fronting exactly one Builder. Jobs are
// built strictly in enqueue order; a Queue never blocks other Queues.
type Queue struct {
	builder Builder
	logger  logger.Logger
	queue   chan scheduledJob
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewQueue returns a Queue fronting b, with a buffered backlog of depth
// capacity (0 means a generous internal default).
func NewQueue(b Builder, l logger.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	q := &Queue{
		builder: b,
		logger:  l,
		queue:   make(chan scheduledJob, capacity),
		done:    make(chan struct{}),
	}
	// Counted here rather than in Run, so that a Stop issued before the Run
	// goroutine has been scheduled still waits for it.
	q.wg.Add(1)
	return q
}

// Builder returns the builder this queue fronts.
func (q *Queue) Builder() Builder { return q.builder }

// Depth returns the current number of jobs waiting, used for queue-depth
// balancing in the scheduler.
func (q *Queue) Depth() int { return len(q.queue) }

// Add enqueues sj for this queue's builder.
func (q *Queue) Add(sj scheduledJob) {
	q.queue <- sj
}

// Run processes jobs until Stop is called and the queue drains. It must be
// called from its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case sj := <-q.queue:
			q.process(ctx, sj)
		case <-q.done:
			q.drain(ctx)
			return
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case sj := <-q.queue:
			q.process(ctx, sj)
		default:
			return
		}
	}
}

// Stop signals Run to drain the queue and exit, then waits for it to do so.
// Run must have been (or be about to be) started for the queue; otherwise
// Stop blocks.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}

func (q *Queue) process(ctx context.Context, sj scheduledJob) {
	job := sj.BuildJob()
	queueDepth.WithLabelValues(q.builder.Name()).Set(float64(q.Depth()))

	if err := q.safeBuild(ctx, job); err != nil {
		buildsTotal.WithLabelValues(q.builder.Name(), "failure").Inc()
		sj.Done(false, fmt.Sprintf("build on %s failed: %v", q.builder.Name(), err))
		return
	}
	buildsTotal.WithLabelValues(q.builder.Name(), "success").Inc()
	sj.Done(true, fmt.Sprintf("build on %s succeed", q.builder.Name()))
}

// safeBuild recovers a panic from the builder, translating it into an error
// so a misbehaving Builder can never kill the queue goroutine.
func (q *Queue) safeBuild(ctx context.Context, job *buildjob.BuildJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.builder.Build(ctx, job)
}
