package podapi

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTimestamp_AcceptedFormats(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-01T10:30:00Z", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"2026-03-01T10:30:00.123456789Z", time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)},
		{"2026-03-01T10:30:00", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"2026-03-01 10:30:00", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got := parseTimestamp(tc.in)
		if !got.Equal(tc.want) {
			t.Errorf("parseTimestamp(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseTimestamp_GarbageIsZero(t *testing.T) {
	for _, in := range []string{"", "yesterday", "01/02/2026"} {
		if got := parseTimestamp(in); !got.IsZero() {
			t.Errorf("parseTimestamp(%q) = %v, want zero", in, got)
		}
	}
}

func TestToDigest_StringTags(t *testing.T) {
	var dj digestJSON
	raw := `{"id": "abc-1", "content": "hello", "tags": ["q", "urgent"], "created_at": "2026-03-01T10:30:00Z"}`
	if err := json.Unmarshal([]byte(raw), &dj); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := dj.toDigest()
	if d.ID != "abc-1" {
		t.Errorf("expected id abc-1, got %s", d.ID)
	}
	if !d.HasTag("urgent") {
		t.Errorf("expected tag urgent in %v", d.Tags)
	}
	if d.CreatedAt.IsZero() {
		t.Error("expected parsed created_at")
	}
}

func TestToDigest_ObjectTagsAndNumericID(t *testing.T) {
	var dj digestJSON
	raw := `{"id": 42, "content": "x", "tags": [{"name": "q"}, {"name": ""}], "created_at": ""}`
	if err := json.Unmarshal([]byte(raw), &dj); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := dj.toDigest()
	if d.ID != "42" {
		t.Errorf("expected id 42, got %s", d.ID)
	}
	if len(d.Tags) != 1 || d.Tags[0] != "q" {
		t.Errorf("expected tags [q], got %v", d.Tags)
	}
	if !d.CreatedAt.IsZero() {
		t.Errorf("expected zero created_at, got %v", d.CreatedAt)
	}
}
