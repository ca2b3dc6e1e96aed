package lifecycle

import (
	"context"
	"errors"
	"testing"
)

type rec struct {
	name   string
	fail   bool
	events *[]string
}

func (r rec) Name() string { return r.name }
func (r rec) Start(context.Context) error {
	if r.fail {
		return errors.New("boom")
	}
	*r.events = append(*r.events, "start:"+r.name)
	return nil
}
func (r rec) Stop(context.Context) error {
	*r.events = append(*r.events, "stop:"+r.name)
	return nil
}

func TestManager_StartStopOrder(t *testing.T) {
	var ev []string
	m := New()
	m.Add(rec{name: "a", events: &ev})
	m.Add(rec{name: "b", events: &ev})
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(ev) != len(want) {
		t.Fatalf("events=%v", ev)
	}
	for i := range want {
		if ev[i] != want[i] {
			t.Fatalf("events=%v want %v", ev, want)
		}
	}
}

func TestManager_StartFailureRollsBack(t *testing.T) {
	var ev []string
	m := New()
	m.Add(rec{name: "a", events: &ev})
	m.Add(rec{name: "b", fail: true, events: &ev})
	if err := m.StartAll(context.Background()); err == nil {
		t.Fatalf("want error")
	}
	if len(ev) != 2 || ev[1] != "stop:a" {
		t.Fatalf("events=%v", ev)
	}
}
