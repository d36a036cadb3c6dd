package jobs

import (
	"encoding/base64"
	"encoding/json"

	"github.com/PulseAI-Platform/kash-stash/internal/executor"
)

// invalidBase64Body is published when a script reports content that does
// not decode.
const invalidBase64Body = "[Invalid base64 result]"

// scriptOutput is the JSON protocol scripts print to stdout.
type scriptOutput struct {
	Tags    string `json:"tags"`
	Content string `json:"content"`
}

// outcome is the interpreted result of one script run.
type outcome struct {
	// success is true iff the exit code was 0 and the script reported
	// non-empty content.
	success bool

	// body is the digest body to publish: the decoded content, the raw
	// stdout when no content was reported, or a placeholder when the
	// content does not decode.
	body string

	// extraTags are additional tags the script asked for.
	extraTags []string
}

// interpretResult applies the script output protocol to a run result.
// Malformed stdout is not an error: it simply yields a failed outcome
// carrying the raw stdout.
func interpretResult(res executor.Result) outcome {
	var out scriptOutput
	_ = json.Unmarshal([]byte(res.Stdout), &out)

	o := outcome{
		success:   res.Retcode == 0 && out.Content != "",
		extraTags: SplitTags(out.Tags),
	}
	if out.Content == "" {
		o.body = res.Stdout
		return o
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		o.body = invalidBase64Body
		return o
	}
	o.body = string(decoded)
	return o
}

// resultTags composes the tag set for a result digest: the done or fail
// set, any script-requested tags, and the job name.
func resultTags(j Job, o outcome, extra ...string) []string {
	var tags []string
	if o.success {
		tags = append(tags, j.DoneTags...)
	} else {
		tags = append(tags, j.FailTags...)
	}
	tags = append(tags, extra...)
	tags = append(tags, o.extraTags...)
	tags = append(tags, j.Name)
	return uniqueTags(tags)
}
