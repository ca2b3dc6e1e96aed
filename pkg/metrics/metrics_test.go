package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInc_DumpProm(t *testing.T) {
	Reset()
	Inc("verify_transitions_total", map[string]string{"to": "ready"})
	Inc("verify_transitions_total", map[string]string{"to": "ready"})
	dump := DumpProm()
	if !strings.Contains(dump, `verify_transitions_total{to="ready"} 2`) {
		t.Fatalf("missing counter in dump:\n%s", dump)
	}
}

func TestMismatchedLabelsDropped(t *testing.T) {
	Reset()
	Inc("relayer_requests_total", map[string]string{"path": "/v1/user-decrypt"})
	Inc("relayer_requests_total", map[string]string{"status": "500"})
	dump := DumpProm()
	if strings.Contains(dump, `status="500"`) {
		t.Fatalf("sample with foreign labels should be dropped:\n%s", dump)
	}
}

func TestGaugeAndSummary(t *testing.T) {
	Reset()
	SetGauge("verify_countdown_seconds", nil, 10)
	AddGauge("verify_countdown_seconds", nil, -1)
	ObserveSummary("engine_init_ms", map[string]string{"mode": "service"}, 12)
	dump := DumpProm()
	if !strings.Contains(dump, "verify_countdown_seconds 9") {
		t.Fatalf("gauge not rendered:\n%s", dump)
	}
	if !strings.Contains(dump, `engine_init_ms_count{mode="service"} 1`) {
		t.Fatalf("summary not rendered:\n%s", dump)
	}
}

func TestHandler_Serves(t *testing.T) {
	Reset()
	Inc("api_requests_total", nil)
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "api_requests_total 1") {
		t.Fatalf("code=%d body=%s", rr.Code, rr.Body.String())
	}
}
