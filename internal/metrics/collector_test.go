package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewCollectorWithRegistry(reg), reg
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ScriptSpawned()
	c.SpawnFailed("runtime_not_found")
	c.ScriptExited("killed")
	c.DecodeError("invalid_json")
	c.ProtocolViolation("duplicate_id")
	c.PromptOpened()
	c.PromptFinished("arg", "resolved", time.Second)
	c.OrphanAction("pruned")
	c.NotificationDropped("term.output")
}

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollectorCounts(t *testing.T) {
	c, reg := newTestCollector()

	c.ScriptSpawned()
	c.ScriptSpawned()
	c.ScriptExited("exited_ok")
	c.DecodeError("invalid_json")
	c.DecodeError("invalid_json")
	c.DecodeError("unknown_type")
	c.PromptOpened()
	c.PromptOpened()
	c.PromptFinished("arg", "cancelled", 10*time.Millisecond)

	body := scrape(t, reg)
	for _, want := range []string{
		"scriptd_scripts_spawned_total 2",
		"scriptd_running_scripts 1",
		`scriptd_script_exits_total{state="exited_ok"} 1`,
		`scriptd_decode_errors_total{code="invalid_json"} 2`,
		`scriptd_decode_errors_total{code="unknown_type"} 1`,
		"scriptd_pending_prompts 1",
		`scriptd_prompt_resolutions_total{outcome="cancelled",type="arg"} 1`,
		`scriptd_prompt_duration_seconds_count{type="arg"} 1`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	c, reg := newTestCollector()
	c.OrphanAction("terminated")

	assert.Contains(t, scrape(t, reg), `scriptd_orphan_actions_total{action="terminated"} 1`)

	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok\n", rec.Body.String())
}
