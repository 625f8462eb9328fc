package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/BDNK1/steprunner/runtime"
	"github.com/BDNK1/steprunner/runtime/ipc"
)

func TestMaskConnectionString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "with password", in: "postgres://app:secret@db:5432/ci", want: "postgres://app:***@db:5432/ci"},
		{name: "without password", in: "postgres://app@db/ci", want: "postgres://app@db/ci"},
		{name: "no credentials", in: "postgres://db/ci", want: "postgres://db/ci"},
		{name: "key value form", in: "host=db user=app", want: "host=db user=app"},
		{name: "colon in host part only", in: "postgres://db:5432/ci", want: "postgres://db:5432/ci"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskConnectionString(tt.in); got != tt.want {
				t.Errorf("maskConnectionString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := New(map[string]any{EnvConnectionString: "postgres://db/ci", "PIPELINE_POSTGRES_MAX_OPEN_CONNS": "4"}, l)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Config.MaxOpenConns != 4 || p.Config.MaxIdleConns != 5 || p.Config.ConnMaxLifetimeMs != 300000 {
		t.Errorf("unexpected config %+v", p.Config)
	}

	if _, err := New(map[string]any{}, l); err == nil {
		t.Error("expected error without a connection string")
	}
	if _, err := New(map[string]any{EnvConnectionString: "postgres://db/ci", "PIPELINE_POSTGRES_MAX_OPEN_CONNS": "0"}, l); err == nil {
		t.Error("expected error for max open conns below 1")
	}
}

func TestActionsRequireInitialization(t *testing.T) {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := New(map[string]any{EnvConnectionString: "postgres://db/ci"}, l)
	if err != nil {
		t.Fatal(err)
	}

	c := runtime.NewContainer()
	if err := c.RegisterPlugin("postgres", p); err != nil {
		t.Fatalf("RegisterPlugin() error = %v", err)
	}
	sink := ipc.SinkFunc(func(ipc.Message) error { return nil })
	for _, name := range []string{"postgres/query", "postgres/exec"} {
		action, ok := c.Action(name)
		if !ok {
			t.Fatalf("%s not registered, have %v", name, c.Names())
		}
		inv := runtime.ActionInvocation{Inputs: map[string]any{"query": "select 1"}}
		if err := action.Execute(context.Background(), inv, sink); err == nil {
			t.Errorf("%s: expected error before Initialize", name)
		}
	}
}
