package jobs

import (
	"context"

	"github.com/PulseAI-Platform/kash-stash/internal/executor"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

// setupKey is the lockfile key shared by setup and onetime jobs.
const setupKey = "setup"

// OneShotRunner runs a setup or onetime job exactly once per install,
// gated by a lockfile. The lockfile persists forever; re-running requires
// deleting it by hand.
type OneShotRunner struct {
	job  Job
	rt   Runtime
	exec executor.Executor
}

// NewOneShotRunner creates a runner for a setup or onetime job.
func NewOneShotRunner(job Job, rt Runtime, exec executor.Executor) *OneShotRunner {
	return &OneShotRunner{job: job, rt: rt.withDefaults(), exec: exec}
}

// Run performs the one-shot execution if it has not already happened on
// this host.
func (r *OneShotRunner) Run(ctx context.Context) {
	logger := r.rt.Logger.With("job", r.job.Name, "class", string(r.job.Class))

	if r.rt.Locks.Exists(r.job.Name, setupKey) {
		logger.Debug("lockfile exists, one-shot job already ran on this host")
		return
	}

	script, err := r.rt.Store.FetchByID(ctx, r.job.LogicDigestID, r.rt.ConfigTags, podapi.CacheNever)
	if err != nil {
		// No lockfile was created, so the next config refresh retries.
		logger.Warn("script fetch failed", "logic_digest", r.job.LogicDigestID, "error", err)
		return
	}

	lockTags := []string{r.job.LockTag, r.job.Name, setupKey}
	if r.rt.Device != "" {
		lockTags = append(lockTags, r.rt.Device)
	}
	if err := r.rt.Store.PostDigest(ctx, podapi.PostRequest{Content: setupKey, Tags: lockTags}); err != nil {
		logger.Warn("setup lock publish failed, continuing", "error", err)
		r.rt.Metrics.PublishFailures.Inc()
	}

	won, err := r.rt.Locks.Claim(r.job.Name, setupKey, nil)
	if err != nil {
		logger.Error("lockfile claim failed", "error", err)
		return
	}
	if !won {
		logger.Info("one-shot job claimed concurrently, skipping")
		return
	}

	logger.Info("running one-shot job")
	res := r.exec.Run(ctx, executor.Request{
		JobName: r.job.Name,
		JobType: string(r.job.Class),
		Script:  script,
		Timeout: r.job.Timeout,
	})

	out := interpretResult(res)
	result := "fail"
	if out.success {
		result = "success"
	}
	r.rt.Metrics.Executions.WithLabelValues(string(r.job.Class), result).Inc()

	if err := r.rt.Store.PostDigest(ctx, podapi.PostRequest{Content: out.body, Tags: resultTags(r.job, out)}); err != nil {
		logger.Warn("result publish failed", "error", err)
		r.rt.Metrics.PublishFailures.Inc()
	}
	logger.Info("one-shot job finished", "success", out.success, "exit", res.Retcode)
}
