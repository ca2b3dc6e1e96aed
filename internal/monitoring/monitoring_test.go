package monitoring

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

func TestService_ServesMetricsAndHealth(t *testing.T) {
	metrics.Reset()
	metrics.Inc("verify_transitions_total", map[string]string{"to": "ready"})
	s := New("127.0.0.1:0")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `verify_transitions_total{to="ready"} 1`) {
		t.Fatalf("metrics body:\n%s", body)
	}
	resp, err = http.Get("http://" + s.Addr() + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", err, resp)
	}
	resp.Body.Close()
}
