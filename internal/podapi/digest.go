package podapi

import (
	"encoding/json"
	"strings"
	"time"
)

// Digest is the pod's unit of storage: an addressable blob with tags,
// content, and a creation timestamp.
type Digest struct {
	ID        string
	Content   string
	Tags      []string
	CreatedAt time.Time
}

// HasTag reports whether the digest carries the given tag.
func (d *Digest) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// digestJSON is the wire representation of one feed entry. The id arrives
// as either a JSON string or a number, and tags arrive as either plain
// strings or records with a "name" field, so both are decoded leniently.
type digestJSON struct {
	ID        json.RawMessage   `json:"id"`
	Content   string            `json:"content"`
	Tags      []json.RawMessage `json:"tags"`
	CreatedAt string            `json:"created_at"`
}

func (d *digestJSON) toDigest() Digest {
	tags := make([]string, 0, len(d.Tags))
	for _, raw := range d.Tags {
		if name := extractTagName(raw); name != "" {
			tags = append(tags, name)
		}
	}
	return Digest{
		ID:        rawToString(d.ID),
		Content:   d.Content,
		Tags:      tags,
		CreatedAt: parseTimestamp(d.CreatedAt),
	}
}

// extractTagName normalizes a tag that is either a bare string or an
// object with a "name" field into a plain string.
func extractTagName(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}

// rawToString renders a raw JSON scalar (string or number) as its string
// form, without surrounding quotes.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// timestampFormats lists created_at layouts the pod may use, in
// preference order.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp parses a created_at string using common formats.
// Returns zero time if the string is empty or cannot be parsed; callers
// treat zero as "unknown age" and fail open.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
