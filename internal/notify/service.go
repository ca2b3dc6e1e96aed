package notify

import (
	"context"
	"sync"

	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/bus"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/lifecycle"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

// Service drains the operation bus. Every event is counted; outcomes are
// handed to the sink.
type Service struct {
	sub  bus.Subscriber
	sink Sink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(sub bus.Subscriber, sink Sink) *Service {
	if sink == nil {
		sink = Noop{}
	}
	return &Service{sub: sub, sink: sink}
}

func (s *Service) Name() string { return "notify" }

func (s *Service) Start(ctx context.Context) error {
	if s.sub == nil {
		logger.Info("notify start (no subscription)")
		return nil
	}
	ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case ev, ok := <-s.sub:
				if !ok {
					return
				}
				s.handle(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *Service) handle(ctx context.Context, ev bus.Event) {
	metrics.Inc("notify_events_total", map[string]string{"kind": string(ev.Kind)})
	if ev.Kind != bus.KindOutcome {
		return
	}
	rec, ok := ev.Body.(verify.Record)
	if !ok {
		return
	}
	s.sink.Publish(ctx, FromRecord(rec, ev.TraceID))
}

func (s *Service) Stop(context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

var _ lifecycle.Service = (*Service)(nil)
