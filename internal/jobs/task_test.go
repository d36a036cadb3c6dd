package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/PulseAI-Platform/kash-stash/internal/lockstore"
)

func taskJob() Job {
	return Job{
		Name:          "beat",
		Class:         ClassTask,
		Language:      "bash",
		LogicDigestID: "logic-2",
		Timeout:       900 * time.Second,
		Threads:       1,
		LockTag:       "beat-lock",
		DoneTags:      []string{"beat-done"},
		FailTags:      []string{"beat-fail"},
		Interval:      5 * time.Minute,
	}
}

func taskHarness(t *testing.T, res string, retcode int) (*TaskRunner, *fakeStore, *fakeExec, *lockstore.Store) {
	t.Helper()
	store := newFakeStore()
	store.scripts["logic-2"] = "echo beat"
	locks := lockstore.New(t.TempDir())
	exec := &fakeExec{}
	exec.result.Stdout = res
	exec.result.Retcode = retcode
	rt := Runtime{
		Store:      store,
		Locks:      locks,
		Device:     "desk-1",
		ConfigTags: []string{"cfg"},
		Logger:     discard(),
	}
	r := NewTaskRunner(taskJob(), rt, exec, TaskOptions{
		Stagger: func(int) time.Duration { return 0 },
		Jitter:  func() time.Duration { return 0 },
	})
	return r, store, exec, locks
}

func TestTaskRunOnce_PublishesLockAndResult(t *testing.T) {
	r, store, exec, locks := taskHarness(t, `{"content": "`+b64("tick")+`"}`, 0)

	r.runOnce(context.Background(), discard(), "task-thread-0")

	if exec.calls() != 1 {
		t.Fatalf("expected 1 execution, got %d", exec.calls())
	}
	if exec.reqs[0].JobType != "task" {
		t.Errorf("expected task job type, got %s", exec.reqs[0].JobType)
	}

	lock, ok := store.postWithTag("beat-lock")
	if !ok {
		t.Fatal("expected lock digest publish")
	}
	if lock.Content != "task-thread-0" {
		t.Errorf("expected thread key as lock content, got %q", lock.Content)
	}

	result, ok := store.postWithTag("beat-done")
	if !ok {
		t.Fatal("expected result publish")
	}
	if result.Content != "tick" {
		t.Errorf("expected decoded result, got %q", result.Content)
	}
	// Tasks never publish a processed marker.
	for _, p := range store.posts() {
		for _, tag := range p.Tags {
			if len(tag) > 10 && tag[:10] == "processed-" {
				t.Errorf("unexpected processed tag %s", tag)
			}
		}
	}

	if !locks.Exists("beat", "task-thread-0") {
		t.Error("expected timing marker after run")
	}
}

func TestTaskDue_FreshMarkerNotDue(t *testing.T) {
	r, _, _, _ := taskHarness(t, "", 0)

	if !r.due("task-thread-0") {
		t.Fatal("expected due with no marker")
	}
	r.runOnce(context.Background(), discard(), "task-thread-0")
	if r.due("task-thread-0") {
		t.Fatal("expected not due right after a run")
	}
}

func TestTaskDue_OldMarkerIsDue(t *testing.T) {
	store := newFakeStore()
	store.scripts["logic-2"] = "echo beat"
	clk := clock.NewMock()
	locks := lockstore.NewWithClock(t.TempDir(), clk)
	rt := Runtime{Store: store, Locks: locks, Logger: discard()}
	r := NewTaskRunner(taskJob(), rt, &fakeExec{}, TaskOptions{})

	if err := locks.Overwrite("beat", "task-thread-0", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Add(10 * time.Minute)

	if !r.due("task-thread-0") {
		t.Fatal("expected due after the interval elapsed")
	}
}

func TestTaskRunOnce_FetchErrorSkipsRun(t *testing.T) {
	r, store, exec, locks := taskHarness(t, "", 0)
	delete(store.scripts, "logic-2")

	r.runOnce(context.Background(), discard(), "task-thread-0")

	if exec.calls() != 0 {
		t.Fatalf("expected no executions, got %d", exec.calls())
	}
	if locks.Exists("beat", "task-thread-0") {
		t.Error("expected no timing marker when the script fetch fails")
	}
	if len(store.posts()) != 0 {
		t.Errorf("expected no publishes, got %d", len(store.posts()))
	}
}

func TestTaskRunOnce_FailureStillPublishes(t *testing.T) {
	r, store, _, _ := taskHarness(t, "boom", 1)

	r.runOnce(context.Background(), discard(), "task-thread-0")

	if _, ok := store.postWithTag("beat-fail"); !ok {
		t.Fatal("expected fail result publish")
	}
}
