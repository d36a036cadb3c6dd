package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/PulseAI-Platform/kash-stash/internal/executor"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

// TaskOptions tunes the task scheduler. Zero values take the production
// defaults; tests shrink the sleeps.
type TaskOptions struct {
	// Stagger returns the initial sleep for a worker index; default
	// uniform 2i..5i seconds.
	Stagger func(worker int) time.Duration

	// Jitter returns the extra sleep added to each interval; default
	// uniform 1..4 seconds.
	Jitter func() time.Duration
}

func (o TaskOptions) withDefaults() TaskOptions {
	if o.Stagger == nil {
		o.Stagger = func(worker int) time.Duration {
			return time.Duration((2 + 3*rand.Float64()) * float64(worker) * float64(time.Second))
		}
	}
	if o.Jitter == nil {
		o.Jitter = func() time.Duration {
			return time.Duration((1 + 3*rand.Float64()) * float64(time.Second))
		}
	}
	return o
}

// TaskRunner runs a periodic job on a per-worker interval. Tasks are
// single-host: the lockfile is a thin pacing marker, not a claim, and no
// lock or done digests are fetched.
type TaskRunner struct {
	job  Job
	rt   Runtime
	exec executor.Executor
	opts TaskOptions
}

// NewTaskRunner creates a runner for a task job.
func NewTaskRunner(job Job, rt Runtime, exec executor.Executor, opts TaskOptions) *TaskRunner {
	return &TaskRunner{job: job, rt: rt.withDefaults(), exec: exec, opts: opts.withDefaults()}
}

// Start spawns the worker pool. Workers run until ctx is cancelled.
func (r *TaskRunner) Start(ctx context.Context) {
	for i := 0; i < r.job.Threads; i++ {
		go r.worker(ctx, i)
	}
}

func (r *TaskRunner) worker(ctx context.Context, idx int) {
	logger := r.rt.Logger.With("job", r.job.Name, "worker", idx)
	key := fmt.Sprintf("task-thread-%d", idx)

	sleepCtx(ctx, r.rt.Clock, r.opts.Stagger(idx))
	for ctx.Err() == nil {
		if r.due(key) {
			r.runOnce(ctx, logger, key)
		}
		sleepCtx(ctx, r.rt.Clock, r.job.Interval+r.opts.Jitter())
	}
}

// due reports whether this worker's interval has elapsed. A missing or
// corrupt marker reads as infinitely old, so the task runs.
func (r *TaskRunner) due(key string) bool {
	if !r.rt.Locks.Exists(r.job.Name, key) {
		return true
	}
	return r.rt.Locks.Age(r.job.Name, key) >= r.job.Interval
}

func (r *TaskRunner) runOnce(ctx context.Context, logger *slog.Logger, key string) {
	script, err := r.rt.Store.FetchByID(ctx, r.job.LogicDigestID, r.rt.ConfigTags, podapi.CacheNever)
	if err != nil {
		logger.Warn("script fetch failed, retrying next interval", "logic_digest", r.job.LogicDigestID, "error", err)
		return
	}

	lockTags := []string{r.job.LockTag, r.job.Name, "task"}
	if r.rt.Device != "" {
		lockTags = append(lockTags, r.rt.Device)
	}
	if err := r.rt.Store.PostDigest(ctx, podapi.PostRequest{Content: key, Tags: lockTags}); err != nil {
		logger.Warn("task lock publish failed, continuing", "error", err)
		r.rt.Metrics.PublishFailures.Inc()
	}

	// Pacing marker, overwritten every run. Not a claim.
	if err := r.rt.Locks.Overwrite(r.job.Name, key, nil); err != nil {
		logger.Warn("timing marker write failed", "error", err)
	}

	logger.Info("running task")
	res := r.exec.Run(ctx, executor.Request{
		JobName: r.job.Name,
		JobType: string(ClassTask),
		Script:  script,
		Timeout: r.job.Timeout,
	})

	out := interpretResult(res)
	result := "fail"
	if out.success {
		result = "success"
	}
	r.rt.Metrics.Executions.WithLabelValues(string(ClassTask), result).Inc()

	if err := r.rt.Store.PostDigest(ctx, podapi.PostRequest{Content: out.body, Tags: resultTags(r.job, out)}); err != nil {
		logger.Warn("result publish failed, will run again next interval", "error", err)
		r.rt.Metrics.PublishFailures.Inc()
	}
	logger.Info("task finished", "success", out.success, "exit", res.Retcode)
}
