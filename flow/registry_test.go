package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/millrace/millrace/flow/message"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate names are refused", func(t *testing.T) {
		reg := NewRegistry()
		if _, err := NewChannel(reg, "orders", WithLogger(testLogger())); err != nil {
			t.Fatalf("NewChannel: %v", err)
		}
		_, err := NewChannel(reg, "orders", WithLogger(testLogger()))
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("expected a ConfigError, got %v", err)
		}
	})

	t.Run("lookup finds channels and sub-channels", func(t *testing.T) {
		reg := NewRegistry()
		ch, err := NewChannel(reg, "orders", WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("NewChannel: %v", err)
		}
		ch.Fork("audit")

		if _, ok := reg.Channel("orders"); !ok {
			t.Error("expected to find orders")
		}
		if _, ok := reg.Channel("orders.audit"); !ok {
			t.Error("expected to find orders.audit")
		}
		if _, ok := reg.Channel("missing"); ok {
			t.Error("expected missing to stay missing")
		}
	})

	t.Run("start all and stop all touch top-level channels", func(t *testing.T) {
		reg := NewRegistry()
		first, err := NewChannel(reg, "ingest", WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("NewChannel: %v", err)
		}
		first.Append(appendNode("a", "-a"))
		sub := first.Fork("audit")
		second, err := NewChannel(reg, "billing", WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("NewChannel: %v", err)
		}
		second.Append(appendNode("b", "-b"))

		if err := reg.StartAll(ctx); err != nil {
			t.Fatalf("StartAll: %v", err)
		}
		for _, c := range []*Channel{first, sub, second} {
			if c.State() != Waiting {
				t.Errorf("expected %s waiting, got %s", c.Name(), c.State())
			}
		}
		if _, err := first.Handle(ctx, message.New("x")); err != nil {
			t.Fatalf("Handle: %v", err)
		}

		if err := reg.StopAll(ctx); err != nil {
			t.Fatalf("StopAll: %v", err)
		}
		for _, c := range []*Channel{first, sub, second} {
			if c.State() != Stopped {
				t.Errorf("expected %s stopped, got %s", c.Name(), c.State())
			}
		}
	})

	t.Run("start all surfaces assembly errors", func(t *testing.T) {
		reg := NewRegistry()
		bad, err := NewChannel(reg, "bad", WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("NewChannel: %v", err)
		}
		bad.Append(appendNode("same", "-a"), appendNode("same", "-b"))
		if err := reg.StartAll(ctx); err == nil {
			t.Fatal("expected StartAll to surface the duplicate node name")
		}
	})

	t.Run("summaries cover top-level channels", func(t *testing.T) {
		reg := NewRegistry()
		ch, err := NewChannel(reg, "orders", WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("NewChannel: %v", err)
		}
		ch.Fork("audit")

		summaries := reg.Summaries()
		if len(summaries) != 1 {
			t.Fatalf("expected 1 top-level summary, got %d", len(summaries))
		}
		if summaries[0].Name != "orders" || len(summaries[0].Subs) != 1 {
			t.Errorf("unexpected summary %+v", summaries[0])
		}
	})

	t.Run("reset clears registrations", func(t *testing.T) {
		reg := NewRegistry()
		if _, err := NewChannel(reg, "orders", WithLogger(testLogger())); err != nil {
			t.Fatalf("NewChannel: %v", err)
		}
		reg.Reset()
		if _, ok := reg.Channel("orders"); ok {
			t.Error("expected the registry to be empty after Reset")
		}
		if _, err := NewChannel(reg, "orders", WithLogger(testLogger())); err != nil {
			t.Errorf("expected re-registration after Reset, got %v", err)
		}
	})
}
