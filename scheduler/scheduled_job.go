package scheduler

import (
	"strings"
	"sync"

	"github.com/mmlabs-mindmaze/mmpack-buildd/buildjob"
)

// ScheduledJob is the per-logical-job join state: it collects results from
// N builder queues and, when the last one reports, hands itself to the
// scheduler's commit queue.
type ScheduledJob struct {
	job *buildjob.BuildJob

	mu             sync.Mutex
	numActiveBuild int
	feedbackMsgs   []string
	success        bool

	onDone func(*ScheduledJob)
}

// newScheduledJob creates a ScheduledJob joining numArchs sub-builds of job.
// onDone is invoked exactly once, when the last sub-build reports.
func newScheduledJob(job *buildjob.BuildJob, numArchs int, onDone func(*ScheduledJob)) *ScheduledJob {
	return &ScheduledJob{
		job:            job,
		numActiveBuild: numArchs,
		success:        true,
		onDone:         onDone,
	}
}

// BuildJob returns the job this ScheduledJob is joining sub-builds for. It
// satisfies builder.scheduledJob.
func (sj *ScheduledJob) BuildJob() *buildjob.BuildJob { return sj.job }

// Done records one sub-build's outcome. It satisfies builder.scheduledJob.
// Success latches one-way to false; when the last sub-build reports, onDone
// is invoked exactly once, outside the lock.
func (sj *ScheduledJob) Done(success bool, msg string) {
	var fire bool

	sj.mu.Lock()
	sj.feedbackMsgs = append(sj.feedbackMsgs, msg)
	if !success {
		sj.success = false
	}
	sj.numActiveBuild--
	if sj.numActiveBuild == 0 {
		fire = true
	}
	sj.mu.Unlock()

	if fire && sj.onDone != nil {
		sj.onDone(sj)
	}
}

// Success reports the joined outcome. Only meaningful after all sub-builds
// have reported (i.e. from within onDone).
func (sj *ScheduledJob) Success() bool {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return sj.success
}

// FeedbackMessage joins every sub-build's feedback message with newlines.
func (sj *ScheduledJob) FeedbackMessage() string {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return strings.Join(sj.feedbackMsgs, "\n")
}
