// Package scheduler implements the job scheduler and repository-commit
// engine: it expands BuildRequests into BuildJobs, fans each job out across
// per-architecture BuilderQueues, joins their results, merges manifests, and
// transactionally commits them across one or more Repositories.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/mmlabs-mindmaze/mmpack-buildd/builder"
	"github.com/mmlabs-mindmaze/mmpack-buildd/buildjob"
	"github.com/mmlabs-mindmaze/mmpack-buildd/buildrequest"
	"github.com/mmlabs-mindmaze/mmpack-buildd/filterrule"
	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/experiments"
	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/ordered"
	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
	"github.com/mmlabs-mindmaze/mmpack-buildd/metrics"
	"github.com/mmlabs-mindmaze/mmpack-buildd/repository"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentHashing bounds the number of request-expansion entries
// processed concurrently (move + sha256), so a burst of entries from one
// request cannot spawn unbounded goroutines.
const maxConcurrentHashing = 4

// JobScheduler is the orchestrator: it owns the rule set, the builder-queue
// pool, the repository handles, and the commit queue.
type JobScheduler struct {
	cfg    *Config
	logger logger.Logger
	gen    Generator

	rules *ordered.Map[string, *filterrule.FilterRule]

	// queuesByArch indexes builder queues by the single architecture
	// their builder produces, for §4.3 depth-balanced selection.
	queuesByArch map[string][]*builder.Queue
	allQueues    []*builder.Queue

	// repos is keyed by upload-repo family name, then architecture.
	repos map[string]map[string]*repository.Repository

	// metricsCollector is the optional secondary metrics sink (statsd);
	// its Scope calls are no-ops when no sink is configured.
	metricsCollector *metrics.Collector
	metricsScope     *metrics.Scope

	workRootLock *flock.Flock

	commitQueue chan *ScheduledJob
	commitDone  chan struct{}
	commitWG    sync.WaitGroup
}

// New constructs repositories, builder queues, and rules from cfg. The
// caller must call Start before submitting requests, and Stop on shutdown.
func New(cfg *Config, l logger.Logger) (*JobScheduler, error) {
	rules, err := filterrule.LoadRules(cfg.Rules, cfg)
	if err != nil {
		return nil, err
	}

	repos := make(map[string]map[string]*repository.Repository)
	var mirror repository.Mirror
	if cfg.Mirror.S3.Bucket != "" && experiments.IsEnabled(context.Background(), experiments.S3Mirror) {
		m, err := repository.NewS3Mirror(context.Background(), cfg.Mirror.S3.Bucket, cfg.Mirror.S3.Prefix)
		if err != nil {
			return nil, fmt.Errorf("configuring S3 mirror: %w", err)
		}
		mirror = m
	}

	var openErr error
	cfg.Repositories.Range(func(name string, archs *ordered.Map[string, RepositoryArchConfig]) error {
		repos[name] = make(map[string]*repository.Repository)
		return archs.Range(func(arch string, ac RepositoryArchConfig) error {
			repo, err := repository.Open(repository.Config{
				Command: cfg.RepositoryCommand,
				Name:    name,
				Arch:    arch,
				Path:    ac.Path,
			}, l, mirror)
			if err != nil {
				openErr = fmt.Errorf("opening repository %s/%s: %w", name, arch, err)
				return openErr
			}
			repos[name][arch] = repo
			return nil
		})
	})
	if openErr != nil {
		closeRepos(repos)
		return nil, openErr
	}

	queuesByArch := make(map[string][]*builder.Queue)
	var allQueues []*builder.Queue
	var queueErr error
	cfg.Builders.Range(func(name string, bc builder.ProcessBuilderConfig) error {
		pb, err := builder.NewProcessBuilder(name, bc, l)
		if err != nil {
			queueErr = err
			return err
		}
		q := builder.NewQueue(pb, l, 0)
		queuesByArch[pb.Arch()] = append(queuesByArch[pb.Arch()], q)
		allQueues = append(allQueues, q)
		return nil
	})
	if queueErr != nil {
		closeRepos(repos)
		return nil, queueErr
	}

	lock := flock.New(cfg.WorkRoot + "/.mmpack-buildd.lock")
	ok, err := lock.TryLock()
	if err != nil || !ok {
		closeRepos(repos)
		return nil, fmt.Errorf("locking work root %s: %w", cfg.WorkRoot, err)
	}

	collector := metrics.NewCollector(l, cfg.Metrics)
	if err := collector.Start(); err != nil {
		closeRepos(repos)
		return nil, fmt.Errorf("starting metrics collector: %w", err)
	}

	return &JobScheduler{
		cfg:              cfg,
		logger:           l,
		gen:              NewProcessGenerator(firstNonEmpty(cfg.GeneratorCommand, "mmpack-srctar-gen")),
		rules:            rules,
		queuesByArch:     queuesByArch,
		allQueues:        allQueues,
		repos:            repos,
		metricsCollector: collector,
		metricsScope:     collector.Scope(metrics.Tags{}),
		workRootLock:     lock,
		commitQueue:      make(chan *ScheduledJob, 256),
		commitDone:       make(chan struct{}),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func closeRepos(repos map[string]map[string]*repository.Repository) {
	for _, archs := range repos {
		for _, r := range archs {
			r.Close()
		}
	}
}

// Start starts every BuilderQueue worker and the commit-queue worker.
func (s *JobScheduler) Start(ctx context.Context) error {
	for _, q := range s.allQueues {
		go q.Run(ctx)
	}
	s.commitWG.Add(1)
	go s.runCommitWorker(ctx)
	return nil
}

// Stop stops every BuilderQueue (drain, then join) and the commit worker.
func (s *JobScheduler) Stop() {
	for _, q := range s.allQueues {
		q.Stop()
	}
	close(s.commitDone)
	s.commitWG.Wait()

	s.workRootLock.Unlock()
	closeRepos(s.repos)

	if err := s.metricsCollector.Stop(); err != nil {
		s.logger.Error("[JobScheduler] stopping metrics collector: %v", err)
	}
}

// Submit expands req into 0..N BuildJobs, applies rules, and schedules each
// for build. It returns immediately once all produced jobs are queued; it
// does not wait for builds to complete.
func (s *JobScheduler) Submit(ctx context.Context, req *buildrequest.BuildRequest) error {
	entries, err := s.gen.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("generating source packages for %s: %w", req.Project, err)
	}
	if len(entries) == 0 {
		s.logger.Info("[JobScheduler] request for %s produced no source packages", req.Project)
		return nil
	}

	jobs := make([]*buildjob.BuildJob, len(entries))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentHashing)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			job, err := buildjob.New(s.cfg.WorkRoot, e.Name, e.Version, e.Tarball, req)
			if err != nil {
				return fmt.Errorf("materializing build job for %s: %w", e.Name, err)
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, job := range jobs {
		if err := s.scheduleJob(job); err != nil {
			job.Close()
			return err
		}
	}
	return nil
}

// scheduleJob applies rules to job and, if its resulting Archs is non-empty,
// fans it out to one BuilderQueue per architecture.
func (s *JobScheduler) scheduleJob(job *buildjob.BuildJob) error {
	applied := filterrule.Apply(s.rules, job)

	if len(applied.Archs) == 0 {
		s.logger.Info("[JobScheduler] job %s matched no architectures, dropping silently", applied.PrjName)
		applied.Close()
		return nil
	}

	queues := make([]*builder.Queue, len(applied.Archs))
	for i, arch := range applied.Archs {
		q := s.pickQueue(arch)
		if q == nil {
			return &NoBuilderForArchError{Arch: arch}
		}
		queues[i] = q
	}

	jobsSubmittedTotal.Inc()
	s.metricsScope.Count("jobs_submitted", 1)
	sj := newScheduledJob(applied, len(applied.Archs), s.onScheduledJobDone)
	for _, q := range queues {
		q.Add(sj)
	}
	return nil
}

// pickQueue selects, among builder queues producing arch, the one with the
// smallest current queue depth; ties are broken by configuration order.
func (s *JobScheduler) pickQueue(arch string) *builder.Queue {
	candidates := s.queuesByArch[arch]
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, q := range candidates[1:] {
		if q.Depth() < best.Depth() {
			best = q
		}
	}
	return best
}

// onScheduledJobDone hands a joined ScheduledJob to the commit queue. It is
// invoked from whichever BuilderQueue goroutine completes the job's last
// sub-build, so it must not block.
func (s *JobScheduler) onScheduledJobDone(sj *ScheduledJob) {
	s.commitQueue <- sj
}

func (s *JobScheduler) runCommitWorker(ctx context.Context) {
	defer s.commitWG.Done()
	for {
		select {
		case sj := <-s.commitQueue:
			s.commit(ctx, sj)
		case <-s.commitDone:
			s.drainCommitQueue(ctx)
			return
		}
	}
}

func (s *JobScheduler) drainCommitQueue(ctx context.Context) {
	for {
		select {
		case sj := <-s.commitQueue:
			s.commit(ctx, sj)
		default:
			return
		}
	}
}

// commit runs the terminal transaction for a fully-joined ScheduledJob: on
// build success it merges per-arch manifests and stages/commits them across
// every repository the job targets, rolling back already-staged repositories
// (in reverse order) on any Add failure.
func (s *JobScheduler) commit(ctx context.Context, sj *ScheduledJob) {
	job := sj.BuildJob()
	defer job.Close()

	notify := func(success bool, msg string) {
		if job.Notifier != nil {
			job.Notifier.NotifyResult(success, msg)
		}
	}

	if !sj.Success() {
		notify(false, sj.FeedbackMessage())
		return
	}
	if !job.DoUpload {
		notify(true, "Packages upload skipped")
		return
	}

	manifestPath, err := buildjob.MergeManifests(job.Pkgdir)
	if err != nil {
		s.logger.Error("[JobScheduler] merging manifests for %s: %v", job.PrjName, err)
		notify(false, err.Error())
		return
	}

	archRepos := s.repos[job.UploadRepo]

	// Add loop: stage the manifest on every targeted repository. No
	// Commit verb is sent to any repository until this loop has
	// succeeded in full (SPEC_FULL.md §4.5.3); a failure here rolls back
	// every repository already staged in this transaction, in reverse
	// order of staging, and contacts no others.
	var staged []*repository.Repository
	for _, arch := range job.Archs {
		repo, ok := archRepos[arch]
		if !ok {
			s.rollback(staged)
			notify(false, fmt.Sprintf("no repository configured for %s/%s", job.UploadRepo, arch))
			return
		}
		if err := repo.Add(manifestPath); err != nil {
			s.logger.Error("[JobScheduler] staging %s/%s for %s: %v", job.UploadRepo, arch, job.PrjName, err)
			s.rollback(staged)
			notify(false, err.Error())
			return
		}
		staged = append(staged, repo)
	}

	// Commit sweep: every staged repository finalizes. A failure here is
	// not rolled back (the transaction is no longer atomic once any
	// repository has committed); it is reported but already-committed
	// repositories retain their change (SPEC_FULL.md §4.5.3, §9).
	var commitErrs []string
	if experiments.IsEnabled(ctx, experiments.TwoPhaseCommit) {
		commitErrs = s.commitBarriered(ctx, staged, manifestPath, job.PrjName)
	} else {
		for _, repo := range staged {
			if err := repo.Commit(ctx, manifestPath); err != nil {
				commitErrs = append(commitErrs, err.Error())
				s.logger.Error("[JobScheduler] committing %s/%s for %s: %v", repo.Name, repo.Arch, job.PrjName, err)
			}
		}
	}

	if len(commitErrs) > 0 {
		notify(false, strings.Join(commitErrs, "\n"))
		return
	}
	notify(true, "")
}

// commitBarriered implements the two-phase-commit experiment's barriered
// commit sweep: every staged repository's Commit is dispatched to its own
// goroutine, but none of them proceeds past the barrier until all have
// reached it, so they finalize together instead of one after another. This
// narrows, without eliminating, the partial-commit window SPEC_FULL.md
// §4.5.3 describes for the commit sweep.
func (s *JobScheduler) commitBarriered(ctx context.Context, staged []*repository.Repository, manifestPath, prjName string) []string {
	var barrier sync.WaitGroup
	barrier.Add(len(staged))
	ready := make(chan struct{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []string

	wg.Add(len(staged))
	for _, repo := range staged {
		repo := repo
		go func() {
			defer wg.Done()
			barrier.Done()
			<-ready
			if err := repo.Commit(ctx, manifestPath); err != nil {
				mu.Lock()
				errs = append(errs, err.Error())
				mu.Unlock()
				s.logger.Error("[JobScheduler] committing %s/%s for %s: %v", repo.Name, repo.Arch, prjName, err)
			}
		}()
	}

	barrier.Wait()
	close(ready)
	wg.Wait()
	return errs
}

func (s *JobScheduler) rollback(staged []*repository.Repository) {
	if len(staged) > 0 {
		commitsRolledBackTotal.Inc()
		s.metricsScope.Count("commits_rolled_back", 1)
	}
	for i := len(staged) - 1; i >= 0; i-- {
		if err := staged[i].Rollback(); err != nil {
			s.logger.Error("[JobScheduler] rolling back %s/%s: %v", staged[i].Name, staged[i].Arch, err)
		}
	}
}
