package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/PulseAI-Platform/kash-stash/internal/executor"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory DigestStore. Digests are indexed by their first
// query tag; FetchWithLookback applies the same recency filter as the real
// client.
type fakeStore struct {
	mu      sync.Mutex
	byTag   map[string][]podapi.Digest
	scripts map[string]string
	posted  []podapi.PostRequest
	errs    map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byTag:   make(map[string][]podapi.Digest),
		scripts: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (f *fakeStore) add(tag string, d podapi.Digest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byTag[tag] = append(f.byTag[tag], d)
}

func (f *fakeStore) FetchWithLookback(_ context.Context, tags []string, lookback time.Duration) ([]podapi.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[tags[0]]; err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-lookback)
	var out []podapi.Digest
	for _, d := range f.byTag[tags[0]] {
		if d.CreatedAt.IsZero() || !d.CreatedAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) FetchByID(_ context.Context, digestID string, _ []string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.scripts[digestID]; ok {
		return s, nil
	}
	return "", fmt.Errorf("digest %s not found", digestID)
}

func (f *fakeStore) PostDigest(_ context.Context, req podapi.PostRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, req)
	return nil
}

func (f *fakeStore) posts() []podapi.PostRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]podapi.PostRequest, len(f.posted))
	copy(out, f.posted)
	return out
}

// postWithTag returns the first posted digest carrying the tag.
func (f *fakeStore) postWithTag(tag string) (podapi.PostRequest, bool) {
	for _, p := range f.posts() {
		for _, t := range p.Tags {
			if t == tag {
				return p, true
			}
		}
	}
	return podapi.PostRequest{}, false
}

// fakeExec records requests and replies with a fixed result. When the
// request carries an input path, the file content is captured before the
// caller deletes it.
type fakeExec struct {
	mu     sync.Mutex
	result executor.Result
	reqs   []executor.Request
	inputs []string
}

func (f *fakeExec) Run(_ context.Context, req executor.Request) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	input := ""
	if req.InputPath != "" {
		if data, err := os.ReadFile(req.InputPath); err == nil {
			input = string(data)
		}
	}
	f.inputs = append(f.inputs, input)
	return f.result
}

func (f *fakeExec) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// fastQueueOpts shrinks the loop sleeps so single passes return promptly.
func fastQueueOpts() QueueOptions {
	return QueueOptions{
		IdleSleep:    time.Millisecond,
		DrainedSleep: time.Millisecond,
		ErrorSleep:   time.Millisecond,
		Stagger:      func(int) time.Duration { return 0 },
	}
}
