package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/bus"
)

func TestWebhookSink_PostsOutcome(t *testing.T) {
	var got Outcome
	var trace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace = r.Header.Get("X-Trace-Id")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	yes := true
	ws := WebhookSink{URL: srv.URL, Timeout: time.Second}
	ws.Publish(context.Background(), FromRecord(verify.Record{ID: "op-1", State: verify.Completed, Verdict: &yes, TxHash: "0x01"}, "t-1"))
	if got.OpID != "op-1" || got.Verified == nil || !*got.Verified || trace != "t-1" {
		t.Fatalf("got=%+v trace=%q", got, trace)
	}
}

func TestWebhookSink_BadURLAndRemoteError(t *testing.T) {
	WebhookSink{URL: "://bad"}.Publish(context.Background(), Outcome{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	WebhookSink{URL: srv.URL}.Publish(context.Background(), Outcome{})
	WebhookSink{}.Publish(context.Background(), Outcome{})
}

type recSink struct {
	mu  sync.Mutex
	got []Outcome
}

func (r *recSink) Publish(_ context.Context, o Outcome) {
	r.mu.Lock()
	r.got = append(r.got, o)
	r.mu.Unlock()
}

func (r *recSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestService_ForwardsOnlyOutcomes(t *testing.T) {
	b := bus.New(8)
	sink := &recSink{}
	s := NewService(b.Subscribe(), sink)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := verify.Record{ID: "op-2", State: verify.Failed, ErrorKind: fault.DecryptionFailed, LastError: "backend 503: busy", RetryCount: 3}
	b.Publish(context.Background(), bus.Event{Kind: bus.KindTick, OpID: "op-2", Body: 3})
	b.Publish(context.Background(), bus.Event{Kind: bus.KindTransition, OpID: "op-2", Body: verify.Transition{To: verify.Failed, Record: rec}})
	b.Publish(context.Background(), bus.Event{Kind: bus.KindOutcome, OpID: "op-2", Body: rec, TraceID: "t-2"})

	deadline := time.Now().Add(2 * time.Second)
	for sink.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = s.Stop(context.Background())
	if sink.len() != 1 {
		t.Fatalf("outcomes=%d", sink.len())
	}
	o := sink.got[0]
	if o.OpID != "op-2" || o.ErrorKind != fault.DecryptionFailed || o.Retries != 3 || o.TraceID != "t-2" {
		t.Fatalf("outcome=%+v", o)
	}
}
