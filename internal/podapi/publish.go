package podapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PostRequest describes one digest to publish.
type PostRequest struct {
	// Content is the UTF-8 payload; it is base64-wrapped on the wire.
	Content string

	// Tags is the tag list to attach.
	Tags []string

	// Filename is optional; defaults to agent_output_{timestamp}.txt.
	Filename string

	// ContextPrompt is optional trace/debug text carried in the envelope.
	ContextPrompt string
}

// ingestEnvelope is the JSON body for the pod ingest route.
type ingestEnvelope struct {
	File struct {
		Content     string `json:"content"`
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
	} `json:"file"`
	Tags          string `json:"tags"`
	Device        string `json:"device"`
	ContextPrompt string `json:"context_prompt"`
}

// PostDigest publishes a single blob to the pod ingest endpoint. Failures
// are returned for the caller to log; callers never retry — work either
// leaves a permanent local lockfile or is retried on the next tick.
func (c *Client) PostDigest(ctx context.Context, req PostRequest) error {
	ep, err := c.provider()
	if err != nil {
		return fmt.Errorf("resolving endpoint: %w", err)
	}
	if !ep.IngestConfigured() {
		return fmt.Errorf("pod ingest endpoint not configured")
	}

	filename := req.Filename
	if filename == "" {
		filename = fmt.Sprintf("agent_output_%s.txt", c.clock.Now().UTC().Format("20060102T150405"))
	}

	var env ingestEnvelope
	env.File.Content = base64.StdEncoding.EncodeToString([]byte(req.Content))
	env.File.Filename = filename
	env.File.ContentType = "text/plain"
	env.Tags = strings.Join(req.Tags, ",")
	env.Device = ep.Device
	env.ContextPrompt = req.ContextPrompt

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling ingest envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.IngestURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-PROBE-KEY", ep.ProbeKey)

	resp, err := c.postClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting digest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	c.logger.Debug("posted digest", "filename", filename, "tags", env.Tags)
	return nil
}
