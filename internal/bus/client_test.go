package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/protocol"
)

func TestPublishJSONOverEmbeddedServer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = ""

	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	defer srv.Shutdown()

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	sub, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := protocol.Transcript{SessionID: "abc", Text: "hallo welt", Language: "de", Segments: 2, Device: "mps"}
	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got protocol.Transcript
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "abc" || got.Text != "hallo welt" || got.Device != "mps" {
		t.Fatalf("unexpected transcript %+v", got)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Servers = nil
	if _, err := Connect(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestStartDisabledReturnsNil(t *testing.T) {
	srv, err := natsserver.Start(config.Default().Bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server when embedding is off, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestCloseMarksClientUnhealthy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = ""

	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	defer srv.Shutdown()

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.Close()
	if client.Healthy() {
		t.Fatal("closed client must not report healthy")
	}

	var missing *Client
	missing.Close()
	if missing.Healthy() {
		t.Fatal("nil client must not report healthy")
	}
}
