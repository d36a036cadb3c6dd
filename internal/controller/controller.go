// Package controller fetches and parses the job configuration blob from
// the pod and keeps one dispatched pool per configured job: queue jobs get
// a queue worker pool, task jobs a scheduler pool, and setup/onetime jobs a
// single gated run.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/PulseAI-Platform/kash-stash/internal/endpoint"
	"github.com/PulseAI-Platform/kash-stash/internal/executor"
	"github.com/PulseAI-Platform/kash-stash/internal/jobs"
	"github.com/PulseAI-Platform/kash-stash/internal/metrics"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

// PodClient is the pod access the controller needs: everything the job
// runners need, plus cache control for config refreshes.
type PodClient interface {
	jobs.DigestStore
	ClearCache()
}

// ExecutorRegistry resolves a job language to an executor.
type ExecutorRegistry interface {
	ForLanguage(lang string) (executor.Executor, bool)
}

// Options tunes the controller and the pools it dispatches.
type Options struct {
	Queue jobs.QueueOptions
	Task  jobs.TaskOptions

	// RetryInterval is the pause between config fetch retries.
	// Default: 60s.
	RetryInterval time.Duration

	Clock clock.Clock
}

// Controller is the supervisor loop.
type Controller struct {
	provider endpoint.Provider
	pod      PodClient
	locks    jobs.LockStore
	registry ExecutorRegistry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	opts     Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a Controller.
func New(provider endpoint.Provider, pod PodClient, locks jobs.LockStore, registry ExecutorRegistry, logger *slog.Logger, m *metrics.Metrics, opts Options) *Controller {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		provider: provider,
		pod:      pod,
		locks:    locks,
		registry: registry,
		logger:   logger,
		metrics:  m,
		clock:    opts.Clock,
		opts:     opts,
		running:  make(map[string]context.CancelFunc),
	}
}

// Run refreshes the config on the cadence derived from the endpoint's
// cache TTL until ctx is cancelled. A failed refresh is retried on a
// constant backoff rather than advancing to the next tick.
func (c *Controller) Run(ctx context.Context) error {
	for {
		op := func() error { return c.Refresh(ctx) }
		bo := backoff.WithContext(backoff.NewConstantBackOff(c.opts.RetryInterval), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down controller")
				c.stopAll()
				return nil
			}
			c.logger.Error("config refresh failed permanently", "error", err)
		}

		interval := c.tickInterval()
		t := c.clock.Timer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			c.logger.Info("shutting down controller")
			c.stopAll()
			return nil
		case <-t.C:
		}
	}
}

// tickInterval derives the poll cadence from the config cache TTL:
// 0 means a 30s loop, -1 an hourly loop, and any positive TTL a one-minute
// loop where the fetch itself is gated by the single-digest cache.
func (c *Controller) tickInterval() time.Duration {
	ep, err := c.provider()
	if err != nil {
		return 30 * time.Second
	}
	switch {
	case ep.ConfigCacheMinutes == 0:
		return 30 * time.Second
	case ep.ConfigCacheMinutes < 0:
		return time.Hour
	default:
		return time.Minute
	}
}

// Refresh performs one fetch/parse/dispatch pass.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}
	ep, err := c.provider()
	if err != nil {
		c.metrics.ConfigRefreshes.WithLabelValues("error").Inc()
		c.logger.Warn("no endpoint available", "error", err)
		return err
	}
	if ep.ConfigDigestID == "" {
		c.metrics.ConfigRefreshes.WithLabelValues("error").Inc()
		err := fmt.Errorf("endpoint has no config digest id")
		c.logger.Warn("config refresh skipped", "error", err)
		return err
	}

	// For non-positive TTLs every pass is a real refresh, so drop the
	// cache first. A positive TTL lets the cache gate the network fetch.
	if ep.ConfigCacheMinutes <= 0 {
		c.pod.ClearCache()
	}
	content, err := c.pod.FetchByID(ctx, ep.ConfigDigestID, ep.ConfigSearchTags(), ep.ConfigCacheMinutes)
	if err != nil {
		c.metrics.ConfigRefreshes.WithLabelValues("error").Inc()
		c.logger.Warn("config digest fetch failed", "config_digest", ep.ConfigDigestID, "error", err)
		return err
	}

	cfg, err := jobs.ParseConfig([]byte(content))
	if err != nil {
		c.metrics.ConfigRefreshes.WithLabelValues("error").Inc()
		c.logger.Warn("config parse failed", "error", err)
		return err
	}

	c.metrics.ConfigRefreshes.WithLabelValues("ok").Inc()
	c.dispatch(ctx, ep, cfg)
	return nil
}

// dispatch starts pools for new jobs and cancels pools whose jobs were
// removed from the config.
func (c *Controller) dispatch(ctx context.Context, ep *endpoint.Endpoint, cfg map[string]jobs.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	desired := make(map[string]struct{}, len(cfg))
	for _, name := range names {
		entry := cfg[name]
		job, err := entry.Normalize(name)
		if err != nil {
			c.logger.Warn("skipping invalid job", "job", name, "error", err)
			continue
		}

		key := job.Key()
		if job.Class == jobs.ClassTask || job.Class == jobs.ClassQueue {
			desired[key] = struct{}{}
		}
		if _, ok := c.running[key]; ok {
			continue
		}

		exec, ok := c.registry.ForLanguage(job.Language)
		if !ok {
			c.logger.Warn("skipping job with unsupported language", "job", name, "language", job.Language)
			continue
		}

		rt := jobs.Runtime{
			Store:      c.pod,
			Locks:      c.locks,
			Device:     ep.Device,
			ConfigTags: ep.ConfigSearchTags(),
			Logger:     c.logger,
			Clock:      c.clock,
			Metrics:    c.metrics,
		}

		switch job.Class {
		case jobs.ClassQueue:
			if !ep.ReadConfigured() {
				c.logger.Error("queue job requires a configured pod read endpoint, skipping", "job", name)
				continue
			}
			jobCtx, cancel := context.WithCancel(ctx)
			jobs.NewQueueRunner(job, rt, exec, c.opts.Queue).Start(jobCtx)
			c.running[key] = cancel
			c.metrics.JobsDispatched.WithLabelValues(string(job.Class)).Inc()
			c.logger.Info("started queue job", "job", name, "threads", job.Threads, "queue_tag", job.QueueTag)

		case jobs.ClassTask:
			jobCtx, cancel := context.WithCancel(ctx)
			jobs.NewTaskRunner(job, rt, exec, c.opts.Task).Start(jobCtx)
			c.running[key] = cancel
			c.metrics.JobsDispatched.WithLabelValues(string(job.Class)).Inc()
			c.logger.Info("started task job", "job", name, "threads", job.Threads, "interval", job.Interval)

		case jobs.ClassSetup, jobs.ClassOnetime:
			// Not tracked in the running set: the runner is re-entrant
			// against its own lockfile.
			c.metrics.JobsDispatched.WithLabelValues(string(job.Class)).Inc()
			go jobs.NewOneShotRunner(job, rt, exec).Run(ctx)
		}
	}

	for key, cancel := range c.running {
		if _, ok := desired[key]; ok {
			continue
		}
		c.logger.Warn("job removed from config, stopping its pool", "job", key)
		cancel()
		delete(c.running, key)
		c.metrics.JobsCancelled.Inc()
	}

	c.metrics.RunningJobs.Set(float64(len(c.running)))
}

// Running returns the keys of currently dispatched task/queue pools.
func (c *Controller) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.running))
	for k := range c.running {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Controller) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cancel := range c.running {
		cancel()
		delete(c.running, key)
	}
	c.metrics.RunningJobs.Set(0)
}

// ensure podapi.Client keeps satisfying PodClient.
var _ PodClient = (*podapi.Client)(nil)
