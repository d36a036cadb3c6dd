package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PulseAI-Platform/kash-stash/internal/executor"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

// QueueOptions tunes the queue worker loop. Zero values take the
// production defaults; tests shrink the sleeps.
type QueueOptions struct {
	// IdleSleep is the pause when the queue tag yields no digests.
	IdleSleep time.Duration

	// DrainedSleep is the pause when candidates existed but every one
	// was filtered out.
	DrainedSleep time.Duration

	// ErrorSleep is the pause after a fetch error.
	ErrorSleep time.Duration

	// RecheckWindow is the short lookback for the post-claim race check.
	RecheckWindow time.Duration

	// ExclusionWindow is the minimum lookback for lock/done/fail
	// queries. The effective window is max(job lookback, this), so a
	// long work lookback can never out-range completion visibility.
	ExclusionWindow time.Duration

	// Stagger returns the post-item sleep for a worker index. The
	// default is a uniform 2i..5i seconds, decorrelating workers.
	Stagger func(worker int) time.Duration
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.IdleSleep <= 0 {
		o.IdleSleep = 3 * time.Second
	}
	if o.DrainedSleep <= 0 {
		o.DrainedSleep = 5 * time.Second
	}
	if o.ErrorSleep <= 0 {
		o.ErrorSleep = 5 * time.Second
	}
	if o.RecheckWindow <= 0 {
		o.RecheckWindow = 60 * time.Second
	}
	if o.ExclusionWindow <= 0 {
		o.ExclusionWindow = 24 * time.Hour
	}
	if o.Stagger == nil {
		o.Stagger = func(worker int) time.Duration {
			return time.Duration((2 + 3*rand.Float64()) * float64(worker) * float64(time.Second))
		}
	}
	return o
}

// QueueRunner processes one queue job with a pool of workers. Workers
// coordinate with other agents through lock and done digests on the pod,
// and with each other through the local lock store.
type QueueRunner struct {
	job  Job
	rt   Runtime
	exec executor.Executor
	opts QueueOptions
}

// NewQueueRunner creates a runner for a queue job.
func NewQueueRunner(job Job, rt Runtime, exec executor.Executor, opts QueueOptions) *QueueRunner {
	return &QueueRunner{job: job, rt: rt.withDefaults(), exec: exec, opts: opts.withDefaults()}
}

// Start spawns the worker pool. Workers run until ctx is cancelled.
func (r *QueueRunner) Start(ctx context.Context) {
	for i := 0; i < r.job.Threads; i++ {
		go r.worker(ctx, i)
	}
}

func (r *QueueRunner) worker(ctx context.Context, idx int) {
	logger := r.rt.Logger.With("job", r.job.Name, "worker", idx)
	for ctx.Err() == nil {
		r.pass(ctx, logger, idx)
	}
}

// pass runs one observe/filter/claim/execute sweep.
func (r *QueueRunner) pass(ctx context.Context, logger *slog.Logger, idx int) {
	candidates, err := r.rt.Store.FetchWithLookback(ctx, []string{r.job.QueueTag}, r.job.Lookback)
	if err != nil {
		logger.Warn("queue fetch failed", "error", err)
		sleepCtx(ctx, r.rt.Clock, r.opts.ErrorSleep)
		return
	}
	if len(candidates) == 0 {
		sleepCtx(ctx, r.rt.Clock, r.opts.IdleSleep)
		return
	}

	excl, err := r.fetchExclusions(ctx, logger)
	if err != nil {
		sleepCtx(ctx, r.rt.Clock, r.opts.ErrorSleep)
		return
	}

	processed := 0
	for _, d := range candidates {
		if ctx.Err() != nil {
			return
		}
		if !r.eligible(logger, d, excl) {
			continue
		}
		if !r.claim(ctx, logger, d) {
			continue
		}
		r.process(ctx, logger, d)
		processed++
		sleepCtx(ctx, r.rt.Clock, r.opts.Stagger(idx))
	}
	if processed == 0 {
		logger.Debug("no unlocked/undone queue digests in lookback",
			"lookback", r.job.Lookback, "candidates", len(candidates))
		sleepCtx(ctx, r.rt.Clock, r.opts.DrainedSleep)
	}
}

// exclusions holds the remote coordination state for one sweep.
type exclusions struct {
	lockedByID map[string]podapi.Digest
	doneIDs    map[string]struct{}
	failIDs    map[string]struct{}
}

// fetchExclusions pulls recent lock and done digests (and fail digests
// when retry_failed is off). The window is pinned to at least 24 hours so
// stale claims and historical completion stay visible regardless of the
// work lookback.
func (r *QueueRunner) fetchExclusions(ctx context.Context, logger *slog.Logger) (exclusions, error) {
	window := r.opts.ExclusionWindow
	if r.job.Lookback > window {
		window = r.job.Lookback
	}

	locks, err := r.rt.Store.FetchWithLookback(ctx, []string{r.job.LockTag}, window)
	if err != nil {
		logger.Warn("lock digest fetch failed", "error", err)
		return exclusions{}, err
	}
	dones, err := r.rt.Store.FetchWithLookback(ctx, []string{r.job.DoneTags[0]}, window)
	if err != nil {
		logger.Warn("done digest fetch failed", "error", err)
		return exclusions{}, err
	}

	excl := exclusions{
		lockedByID: make(map[string]podapi.Digest, len(locks)),
		doneIDs:    processedIDs(dones),
	}
	for _, l := range locks {
		if id := trimContent(l.Content); id != "" {
			excl.lockedByID[id] = l
		}
	}

	if !r.job.RetryFailed {
		fails, err := r.rt.Store.FetchWithLookback(ctx, []string{r.job.FailTags[0]}, window)
		if err != nil {
			// Fail open: a fetch error must not unblock retries forever,
			// but it also must not stall the whole sweep.
			logger.Warn("fail digest fetch failed", "error", err)
		} else {
			excl.failIDs = processedIDs(fails)
		}
	}
	return excl, nil
}

// eligible applies the per-candidate filters, in order: already done,
// already failed (when retries are off), remotely locked and fresh, or
// locally claimed on this host.
func (r *QueueRunner) eligible(logger *slog.Logger, d podapi.Digest, excl exclusions) bool {
	if _, ok := excl.doneIDs[d.ID]; ok {
		return false
	}
	if _, ok := excl.failIDs[d.ID]; ok {
		return false
	}
	if lock, ok := excl.lockedByID[d.ID]; ok {
		age := digestAge(r.rt.Clock, lock)
		if age < r.job.Timeout {
			return false
		}
		// Stale claim: the agent that held it never reported. A fresh
		// lock publish supersedes it; the old digest is left in place.
		logger.Info("remote lock is stale, digest eligible again", "digest", d.ID, "lock_age", age)
	}
	if r.rt.Locks.Exists(r.job.Name, d.ID) {
		return false
	}
	return true
}

// claim runs the critical section: the atomic local claim, the fresh
// remote re-check, and the lock digest publish. Returns true when this
// worker owns the digest.
func (r *QueueRunner) claim(ctx context.Context, logger *slog.Logger, d podapi.Digest) bool {
	won, err := r.rt.Locks.Claim(r.job.Name, d.ID, map[string]string{"digest_id": d.ID})
	if err != nil {
		logger.Error("local claim failed", "digest", d.ID, "error", err)
		return false
	}
	if !won {
		// Another worker in this process took it.
		r.rt.Metrics.ClaimAttempts.WithLabelValues("lost_local").Inc()
		return false
	}

	if r.racedRemotely(ctx, logger, d.ID) {
		// Another agent beat us inside the propagation window. The local
		// lockfile stays: this host must never reprocess the digest.
		logger.Info("lost claim race to another agent, keeping local claim", "digest", d.ID)
		r.rt.Metrics.ClaimAttempts.WithLabelValues("lost_remote").Inc()
		return false
	}

	lockTags := []string{r.job.LockTag, r.job.Name, r.job.QueueTag}
	if r.rt.Device != "" {
		lockTags = append(lockTags, r.rt.Device)
	}
	if err := r.rt.Store.PostDigest(ctx, podapi.PostRequest{Content: d.ID, Tags: lockTags}); err != nil {
		// Not fatal: the local lockfile already makes this host
		// idempotent and the re-check above bounds the race window.
		logger.Warn("lock digest publish failed, continuing", "digest", d.ID, "error", err)
		r.rt.Metrics.PublishFailures.Inc()
	}

	r.rt.Metrics.ClaimAttempts.WithLabelValues("won").Inc()
	return true
}

// racedRemotely re-fetches a short window of lock and done digests after
// the local claim. A hit means another agent claimed or completed the
// digest while we were deciding.
func (r *QueueRunner) racedRemotely(ctx context.Context, logger *slog.Logger, digestID string) bool {
	freshLocks, err := r.rt.Store.FetchWithLookback(ctx, []string{r.job.LockTag}, r.opts.RecheckWindow)
	if err != nil {
		logger.Warn("fresh lock re-check failed", "digest", digestID, "error", err)
		freshLocks = nil
	}
	for _, l := range freshLocks {
		if trimContent(l.Content) == digestID {
			return true
		}
	}
	freshDones, err := r.rt.Store.FetchWithLookback(ctx, []string{r.job.DoneTags[0]}, r.opts.RecheckWindow)
	if err != nil {
		logger.Warn("fresh done re-check failed", "digest", digestID, "error", err)
		freshDones = nil
	}
	_, done := processedIDs(freshDones)[digestID]
	return done
}

// process fetches the script, executes it on the digest, and publishes
// the result. Every failure path retains the local claim.
func (r *QueueRunner) process(ctx context.Context, logger *slog.Logger, d podapi.Digest) {
	runID := uuid.NewString()[:8]
	logger = logger.With("digest", d.ID, "run", runID)

	script, err := r.rt.Store.FetchByID(ctx, r.job.LogicDigestID, r.rt.ConfigTags, podapi.CacheNever)
	if err != nil {
		// This host keeps its claim; another host may still succeed.
		logger.Warn("script fetch failed, local claim retained", "logic_digest", r.job.LogicDigestID, "error", err)
		return
	}

	inputPath := ""
	if d.Content != "" {
		f, err := os.CreateTemp("", "kash-stash-input-*")
		if err != nil {
			logger.Warn("input file create failed, local claim retained", "error", err)
			return
		}
		inputPath = f.Name()
		defer os.Remove(inputPath)
		if _, err := f.WriteString(d.Content); err != nil {
			f.Close()
			logger.Warn("input file write failed, local claim retained", "error", err)
			return
		}
		f.Close()
	}

	logger.Info("running queue item")
	res := r.exec.Run(ctx, executor.Request{
		JobName:    r.job.Name,
		JobType:    string(ClassQueue),
		Script:     script,
		Timeout:    r.job.Timeout,
		InputPath:  inputPath,
		DigestID:   d.ID,
		DigestTags: d.Tags,
	})

	out := interpretResult(res)
	result := "fail"
	if out.success {
		result = "success"
	}
	r.rt.Metrics.Executions.WithLabelValues(string(ClassQueue), result).Inc()

	tags := resultTags(r.job, out, fmt.Sprintf("processed-%s", d.ID))
	if err := r.rt.Store.PostDigest(ctx, podapi.PostRequest{Content: out.body, Tags: tags}); err != nil {
		logger.Warn("result publish failed, local claim retained", "error", err)
		r.rt.Metrics.PublishFailures.Inc()
	}
	logger.Info("queue item finished", "success", out.success, "exit", res.Retcode)
}

// trimContent normalizes a lock digest's content to a digest id.
func trimContent(s string) string {
	return strings.TrimSpace(s)
}
