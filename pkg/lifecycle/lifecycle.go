package lifecycle

import (
	"context"
	"time"

	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

// Service is a long-running component owned by the Manager.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	svcs    []Service
	started []Service
}

func New() *Manager { return &Manager{} }

func (m *Manager) Add(s Service) {
	if s != nil {
		m.svcs = append(m.svcs, s)
	}
}

// StartAll starts every service. On the first failure the already started
// services are stopped and the error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, s := range m.svcs {
		begin := time.Now()
		if err := s.Start(ctx); err != nil {
			logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "error", "err": err.Error()})
			_ = m.StopAll(context.Background())
			return err
		}
		dur := time.Since(begin).Milliseconds()
		logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "ok", "latency_ms": dur})
		metrics.ObserveSummary("service_op_ms", map[string]string{"service": s.Name(), "op": "start"}, float64(dur))
		m.started = append(m.started, s)
	}
	return nil
}

// StopAll stops started services in reverse order and returns the first error.
func (m *Manager) StopAll(ctx context.Context) error {
	var first error
	for i := len(m.started) - 1; i >= 0; i-- {
		s := m.started[i]
		if err := s.Stop(ctx); err != nil {
			logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": "error", "err": err.Error()})
			if first == nil {
				first = err
			}
			continue
		}
		logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": "ok"})
	}
	m.started = nil
	return first
}
