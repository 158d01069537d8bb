package builder

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmlabs-mindmaze/mmpack-buildd/buildjob"
	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct {
	name string

	mu    sync.Mutex
	order []string

	fail  map[string]bool
	panic map[string]bool
}

func (b *fakeBuilder) Name() string { return b.name }
func (b *fakeBuilder) Arch() string { return "amd64" }

func (b *fakeBuilder) Build(ctx context.Context, job *buildjob.BuildJob) error {
	b.mu.Lock()
	b.order = append(b.order, job.PrjName)
	b.mu.Unlock()

	if b.panic[job.PrjName] {
		panic("builder exploded for " + job.PrjName)
	}
	if b.fail[job.PrjName] {
		return fmt.Errorf("simulated failure for %s", job.PrjName)
	}
	return nil
}

type fakeScheduledJob struct {
	job *buildjob.BuildJob

	mu      sync.Mutex
	done    bool
	success bool
	msg     string
	doneCh  chan struct{}
}

func newFakeScheduledJob(prjName string) *fakeScheduledJob {
	return &fakeScheduledJob{
		job:    &buildjob.BuildJob{PrjName: prjName},
		doneCh: make(chan struct{}),
	}
}

func (f *fakeScheduledJob) BuildJob() *buildjob.BuildJob { return f.job }

func (f *fakeScheduledJob) Done(success bool, msg string) {
	f.mu.Lock()
	f.done = true
	f.success = success
	f.msg = msg
	f.mu.Unlock()
	close(f.doneCh)
}

func (f *fakeScheduledJob) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue to process job")
	}
}

func TestQueueProcessesInFIFOOrder(t *testing.T) {
	b := &fakeBuilder{name: "test-builder"}
	q := NewQueue(b, logger.Discard, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	jobs := []*fakeScheduledJob{
		newFakeScheduledJob("a"),
		newFakeScheduledJob("b"),
		newFakeScheduledJob("c"),
	}
	for _, j := range jobs {
		q.Add(j)
	}
	for _, j := range jobs {
		j.wait(t)
		assert.True(t, j.success)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, b.order)
}

func TestQueueReportsBuildFailure(t *testing.T) {
	b := &fakeBuilder{name: "test-builder", fail: map[string]bool{"broken": true}}
	q := NewQueue(b, logger.Discard, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	sj := newFakeScheduledJob("broken")
	q.Add(sj)
	sj.wait(t)

	assert.False(t, sj.success)
	assert.Contains(t, sj.msg, "failed")
}

func TestQueueRecoversBuilderPanic(t *testing.T) {
	b := &fakeBuilder{name: "test-builder", panic: map[string]bool{"boom": true}}
	q := NewQueue(b, logger.Discard, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	sj := newFakeScheduledJob("boom")
	q.Add(sj)
	sj.wait(t)

	assert.False(t, sj.success)
	assert.Contains(t, sj.msg, "failed")

	// the queue goroutine must have survived the panic and still be able
	// to process a subsequent job.
	next := newFakeScheduledJob("after-boom")
	q.Add(next)
	next.wait(t)
	assert.True(t, next.success)
}

func TestQueueStopDrainsPendingJobs(t *testing.T) {
	b := &fakeBuilder{name: "test-builder"}
	q := NewQueue(b, logger.Discard, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	jobs := []*fakeScheduledJob{newFakeScheduledJob("x"), newFakeScheduledJob("y")}
	for _, j := range jobs {
		q.Add(j)
	}
	q.Stop()

	for _, j := range jobs {
		select {
		case <-j.doneCh:
		default:
			t.Fatal("Stop returned before draining a pending job")
		}
		require.True(t, j.success)
	}
}
