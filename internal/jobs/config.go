// Package jobs holds the job configuration model and the three job
// runners: the queue worker, the task scheduler, and the one-shot runner.
package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Class is the job class from the config blob.
type Class string

const (
	ClassSetup   Class = "setup"
	ClassOnetime Class = "onetime"
	ClassTask    Class = "task"
	ClassQueue   Class = "queue"
)

// rawJob mirrors one job body in the YAML config blob.
type rawJob struct {
	Language      string `yaml:"language"`
	LogicDigestID string `yaml:"logic_digest_id"`
	Timeout       int    `yaml:"timeout"`
	Threads       int    `yaml:"threads"`
	QueueTag      string `yaml:"queue_tag"`
	Lookback      string `yaml:"lookback"`
	LockTag       string `yaml:"lock_tag"`
	DoneTags      string `yaml:"done_tags"`
	FailTags      string `yaml:"fail_tags"`
	RetryFailed   *bool  `yaml:"retry_failed"`
	Timing        string `yaml:"timing"`
}

// Entry is one named entry in the config blob.
type Entry struct {
	Type string `yaml:"type"`
	Job  rawJob `yaml:"job"`
}

// ParseConfig parses the YAML config blob into its named entries.
// Per-entry validation happens in Normalize so one bad job cannot take
// down the rest of the config.
func ParseConfig(data []byte) (map[string]Entry, error) {
	var cfg map[string]Entry
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Job is a normalized, validated job ready to dispatch.
type Job struct {
	Name          string
	Class         Class
	Language      string
	LogicDigestID string
	Timeout       time.Duration
	Threads       int

	// Queue class.
	QueueTag    string
	Lookback    time.Duration
	LockTag     string
	DoneTags    []string
	FailTags    []string
	RetryFailed bool

	// Task class.
	Interval time.Duration
}

// Key identifies a job in the controller's running set.
func (j *Job) Key() string {
	return j.Name + ":" + string(j.Class)
}

// defaultTimeout returns the per-class execution timeout.
func defaultTimeout(class Class) time.Duration {
	switch class {
	case ClassQueue, ClassTask:
		return 900 * time.Second
	default:
		return 300 * time.Second
	}
}

// Normalize validates an entry and fills in the defaults: lock/done/fail
// tags derived from the job name, thread count of 1, per-class timeouts,
// and retry_failed=true.
func (e Entry) Normalize(name string) (Job, error) {
	class := Class(e.Type)
	switch class {
	case ClassSetup, ClassOnetime, ClassTask, ClassQueue:
	default:
		return Job{}, fmt.Errorf("job %s: unknown type %q", name, e.Type)
	}

	r := e.Job
	if r.LogicDigestID == "" {
		return Job{}, fmt.Errorf("job %s: missing logic_digest_id", name)
	}

	j := Job{
		Name:          name,
		Class:         class,
		Language:      r.Language,
		LogicDigestID: r.LogicDigestID,
		Timeout:       defaultTimeout(class),
		Threads:       1,
		LockTag:       name + "-lock",
		DoneTags:      []string{name + "-done"},
		FailTags:      []string{name + "-fail"},
		RetryFailed:   true,
	}
	if r.Timeout > 0 {
		j.Timeout = time.Duration(r.Timeout) * time.Second
	}
	if r.Threads > 0 {
		j.Threads = r.Threads
	}
	if r.LockTag != "" {
		j.LockTag = r.LockTag
	}
	if tags := SplitTags(r.DoneTags); len(tags) > 0 {
		j.DoneTags = tags
	}
	if tags := SplitTags(r.FailTags); len(tags) > 0 {
		j.FailTags = tags
	}
	if r.RetryFailed != nil {
		j.RetryFailed = *r.RetryFailed
	}

	switch class {
	case ClassQueue:
		if r.QueueTag == "" {
			return Job{}, fmt.Errorf("job %s: queue job requires queue_tag", name)
		}
		j.QueueTag = r.QueueTag
		lb := r.Lookback
		if lb == "" {
			lb = "2m"
		}
		d, err := ParseWindow(lb)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: %w", name, err)
		}
		j.Lookback = d
	case ClassTask:
		if r.Timing == "" {
			return Job{}, fmt.Errorf("job %s: task job requires timing", name)
		}
		d, err := ParseWindow(r.Timing)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: %w", name, err)
		}
		j.Interval = d
	}

	return j, nil
}

// windowUnits maps the duration-grammar suffixes to seconds.
var windowUnits = map[byte]float64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
}

// ParseWindow parses the duration grammar shared by lookback and timing:
// bare digits are seconds, and a number may carry an s/m/h/d/w suffix.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	unit, ok := windowUnits[s[len(s)-1]]
	if !ok {
		return 0, fmt.Errorf("cannot parse duration %q", s)
	}
	v, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("cannot parse duration %q", s)
	}
	return time.Duration(v * unit * float64(time.Second)), nil
}

// SplitTags splits a comma-separated tag string, trimming whitespace and
// dropping empties.
func SplitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
