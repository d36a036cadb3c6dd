package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/PulseAI-Platform/kash-stash/internal/endpoint"
	"github.com/PulseAI-Platform/kash-stash/internal/executor"
	"github.com/PulseAI-Platform/kash-stash/internal/lockstore"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePod serves a config blob as the config digest and records cache
// clears. Job runners also hit it, so the digest methods are safe no-ops.
type fakePod struct {
	mu      sync.Mutex
	config  string
	fetches int
	clears  int
	err     error
}

func (f *fakePod) FetchWithLookback(context.Context, []string, time.Duration) ([]podapi.Digest, error) {
	return nil, nil
}

func (f *fakePod) FetchByID(_ context.Context, digestID string, _ []string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return "", f.err
	}
	if digestID != "cfg-1" {
		return "", fmt.Errorf("digest %s not found", digestID)
	}
	return f.config, nil
}

func (f *fakePod) PostDigest(context.Context, podapi.PostRequest) error { return nil }

func (f *fakePod) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func (f *fakePod) setConfig(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = c
}

type stubExecutor struct{}

func (stubExecutor) Run(context.Context, executor.Request) executor.Result {
	return executor.Result{Retcode: 0}
}

// stubRegistry supports bash only.
type stubRegistry struct{}

func (stubRegistry) ForLanguage(lang string) (executor.Executor, bool) {
	if lang == "bash" {
		return stubExecutor{}, true
	}
	return nil, false
}

func testEndpoint() *endpoint.Endpoint {
	return &endpoint.Endpoint{
		Name:               "test",
		PodURL:             "https://pod.example.com",
		PodKey:             "k",
		Device:             "desk-1",
		NodeName:           "n",
		ProbeID:            "p",
		ProbeKey:           "pk",
		ConfigDigestID:     "cfg-1",
		ConfigTags:         "agent-config",
		ConfigCacheMinutes: 0,
	}
}

const taskAndQueueConfig = `
beat:
  type: task
  job:
    language: bash
    logic_digest_id: ld-1
    timing: 1h
cleaner:
  type: queue
  job:
    language: bash
    logic_digest_id: ld-2
    queue_tag: clean-q
`

func newTestController(pod *fakePod, ep *endpoint.Endpoint, t *testing.T) *Controller {
	t.Helper()
	return New(endpoint.Static(ep), pod, lockstore.New(t.TempDir()), stubRegistry{}, discard(), nil, Options{})
}

func TestRefresh_DispatchesTaskAndQueuePools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pod := &fakePod{config: taskAndQueueConfig}
	c := newTestController(pod, testEndpoint(), t)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := c.Running()
	want := []string{"beat:task", "cleaner:queue"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pool %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRefresh_SameConfigTwiceDoesNotDuplicate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pod := &fakePod{config: taskAndQueueConfig}
	c := newTestController(pod, testEndpoint(), t)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Running(); len(got) != 2 {
		t.Fatalf("expected 2 pools after repeat refresh, got %v", got)
	}
}

func TestRefresh_RemovedJobIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pod := &fakePod{config: taskAndQueueConfig}
	c := newTestController(pod, testEndpoint(), t)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pod.setConfig(`
beat:
  type: task
  job:
    language: bash
    logic_digest_id: ld-1
    timing: 1h
`)
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := c.Running()
	if len(got) != 1 || got[0] != "beat:task" {
		t.Fatalf("expected only beat:task, got %v", got)
	}
}

func TestRefresh_UnsupportedLanguageSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pod := &fakePod{config: `
odd:
  type: task
  job:
    language: ruby
    logic_digest_id: ld-1
    timing: 1h
`}
	c := newTestController(pod, testEndpoint(), t)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Running(); len(got) != 0 {
		t.Fatalf("expected no pools, got %v", got)
	}
}

func TestRefresh_InvalidJobSkippedOthersRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pod := &fakePod{config: `
broken:
  type: queue
  job:
    language: bash
    logic_digest_id: ld-1
beat:
  type: task
  job:
    language: bash
    logic_digest_id: ld-2
    timing: 1h
`}
	c := newTestController(pod, testEndpoint(), t)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := c.Running()
	if len(got) != 1 || got[0] != "beat:task" {
		t.Fatalf("expected only beat:task, got %v", got)
	}
}

func TestRefresh_QueueNeedsReadEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := testEndpoint()
	ep.PodURL = ""
	pod := &fakePod{config: taskAndQueueConfig}
	c := newTestController(pod, ep, t)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := c.Running()
	if len(got) != 1 || got[0] != "beat:task" {
		t.Fatalf("expected queue pool skipped, got %v", got)
	}
}

func TestRefresh_ZeroTTLClearsCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pod := &fakePod{config: taskAndQueueConfig}
	c := newTestController(pod, testEndpoint(), t)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pod.clears != 1 {
		t.Errorf("expected 1 cache clear for TTL 0, got %d", pod.clears)
	}
}

func TestRefresh_PositiveTTLKeepsCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := testEndpoint()
	ep.ConfigCacheMinutes = 5
	pod := &fakePod{config: taskAndQueueConfig}
	c := newTestController(pod, ep, t)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pod.clears != 0 {
		t.Errorf("expected no cache clears for positive TTL, got %d", pod.clears)
	}
}

func TestRefresh_FetchErrorPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pod := &fakePod{err: fmt.Errorf("pod down")}
	c := newTestController(pod, testEndpoint(), t)

	if err := c.Refresh(ctx); err == nil {
		t.Fatal("expected error when the config fetch fails")
	}
	if got := c.Running(); len(got) != 0 {
		t.Fatalf("expected no pools after failed refresh, got %v", got)
	}
}

func TestRefresh_ParseErrorPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pod := &fakePod{config: "\t: broken"}
	c := newTestController(pod, testEndpoint(), t)

	if err := c.Refresh(ctx); err == nil {
		t.Fatal("expected error when the config does not parse")
	}
}

func TestTickInterval_FollowsCacheTTL(t *testing.T) {
	cases := []struct {
		ttl  int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{-1, time.Hour},
		{5, time.Minute},
	}
	for _, tc := range cases {
		ep := testEndpoint()
		ep.ConfigCacheMinutes = tc.ttl
		c := newTestController(&fakePod{}, ep, t)
		if got := c.tickInterval(); got != tc.want {
			t.Errorf("ttl %d: expected %s, got %s", tc.ttl, tc.want, got)
		}
	}
}
