package bus_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func TestConnectRequiresServers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := bus.Connect(context.Background(), "test", config.BusConfig{}, log); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestJSONRoundTripOverEmbeddedServer(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, Token: "secret"}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), "test", config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		Token:          "secret",
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatalf("client should report healthy")
	}

	type ping struct {
		N int `json:"n"`
	}
	if _, err := client.Conn().Subscribe("test.echo", func(m *nats.Msg) {
		var p ping
		_ = json.Unmarshal(m.Data, &p)
		p.N++
		if err := client.RespondJSON(m, p); err != nil {
			t.Errorf("respond: %v", err)
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	data, _ := json.Marshal(ping{N: 41})
	reply, err := client.Conn().Request("test.echo", data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var got ping
	if err := json.Unmarshal(reply.Data, &got); err != nil || got.N != 42 {
		t.Fatalf("unexpected reply %s (%v)", reply.Data, err)
	}

	// Published messages have no reply subject, so responding is a no-op.
	if err := client.RespondJSON(&nats.Msg{Subject: "x"}, got); err != nil {
		t.Fatalf("respond without reply subject: %v", err)
	}
}

func TestEmbeddedServerDisabled(t *testing.T) {
	ns, err := natsserver.Start(config.BusConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || ns != nil {
		t.Fatalf("expected no server when embedded is off, got %v %v", ns, err)
	}
	if ns.ClientURL() != "" {
		t.Fatalf("nil server should have no URL")
	}
	ns.Shutdown()
}
