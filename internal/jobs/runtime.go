package jobs

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/PulseAI-Platform/kash-stash/internal/lockstore"
	"github.com/PulseAI-Platform/kash-stash/internal/metrics"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

// DigestStore is the pod access the runners need. *podapi.Client satisfies
// it; tests use in-memory fakes.
type DigestStore interface {
	FetchWithLookback(ctx context.Context, tags []string, lookback time.Duration) ([]podapi.Digest, error)
	FetchByID(ctx context.Context, digestID string, searchTags []string, cacheMinutes int) (string, error)
	PostDigest(ctx context.Context, req podapi.PostRequest) error
}

// LockStore is the local claim registry the runners need. *lockstore.Store
// satisfies it.
type LockStore interface {
	Exists(job, key string) bool
	Claim(job, key string, info map[string]string) (bool, error)
	Overwrite(job, key string, info map[string]string) error
	Release(job, key string)
	Age(job, key string) time.Duration
}

// Runtime bundles the collaborators shared by every runner.
type Runtime struct {
	Store  DigestStore
	Locks  LockStore
	Device string

	// ConfigTags is the tag set logic digests are searched under.
	ConfigTags []string

	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// withDefaults fills optional Runtime fields.
func (rt Runtime) withDefaults() Runtime {
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	if rt.Clock == nil {
		rt.Clock = clock.New()
	}
	if rt.Metrics == nil {
		rt.Metrics = metrics.New()
	}
	return rt
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) {
	if d <= 0 {
		return
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// processedIDs extracts digest ids from "processed-${id}" tags across a
// set of result digests. This is the canonical cross-agent completion
// signal.
func processedIDs(digests []podapi.Digest) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, d := range digests {
		for _, tag := range d.Tags {
			if id, ok := strings.CutPrefix(tag, "processed-"); ok && id != "" {
				ids[id] = struct{}{}
			}
		}
	}
	return ids
}

// digestAge returns the age of a digest, or lockstore.InfiniteAge when the
// creation timestamp is missing — an unreadable lock is treated as ancient.
func digestAge(clk clock.Clock, d podapi.Digest) time.Duration {
	if d.CreatedAt.IsZero() {
		return lockstore.InfiniteAge
	}
	age := clk.Now().UTC().Sub(d.CreatedAt.UTC())
	if age < 0 {
		return 0
	}
	return age
}

// uniqueTags deduplicates a tag list, preserving first-seen order.
func uniqueTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
