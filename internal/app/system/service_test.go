package system

import (
	"context"
	"errors"
	"testing"
)

type recorder struct {
	calls []string
}

func (r *recorder) service(name string, startErr error) Func {
	return Func{
		ServiceName: name,
		OnStart: func(context.Context) error {
			r.calls = append(r.calls, "start "+name)
			return startErr
		},
		OnStop: func(context.Context) error {
			r.calls = append(r.calls, "stop "+name)
			return nil
		},
	}
}

func TestManagerOrdering(t *testing.T) {
	rec := &recorder{}
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(rec.service(name, nil)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls = %v", rec.calls)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, rec.calls[i], want[i])
		}
	}
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	rec := &recorder{}
	m := NewManager()
	_ = m.Register(rec.service("a", nil))
	_ = m.Register(rec.service("b", errors.New("boom")))
	_ = m.Register(rec.service("c", nil))

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	want := []string{"start a", "start b", "stop a"}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls = %v", rec.calls)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, rec.calls[i], want[i])
		}
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	m := NewManager()
	if err := m.Register(Func{ServiceName: "x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(Func{ServiceName: "x"}); err == nil {
		t.Fatal("expected duplicate error")
	}
	if err := m.Register(nil); err == nil {
		t.Fatal("expected nil service error")
	}
	if names := m.Names(); len(names) != 1 || names[0] != "x" {
		t.Fatalf("names = %v", names)
	}
}
