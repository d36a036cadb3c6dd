package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.ClaimAttempts.WithLabelValues("won").Inc()
	m.Executions.WithLabelValues("queue", "success").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`kash_stash_claim_attempts_total{outcome="won"} 1`,
		`kash_stash_executions_total{class="queue",result="success"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestNewServer_HealthAndVersion(t *testing.T) {
	srv := httptest.NewServer(NewServer(":0", "1.2.3", "abc123", "desk-1", New()).Handler)

	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"1.2.3"`) {
		t.Errorf("expected version in health response, got %s", body)
	}

	resp, err = http.Get(srv.URL + "/version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"abc123", "desk-1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %s in version response, got %s", want, body)
		}
	}
}
