package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"logobot/pkg/bus"
	"logobot/pkg/channel"
	"logobot/pkg/config"
	"logobot/pkg/logger"
)

type textOnlyAdapter struct{}

func (textOnlyAdapter) Name() string { return "text-only" }

func (textOnlyAdapter) Run(ctx context.Context, _ channel.Handler) error {
	<-ctx.Done()
	return nil
}

func TestNewServiceRequiresMediaUploader(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	if _, err := NewService(&cfg, []channel.Adapter{textOnlyAdapter{}}, nil, logger.Discard()); err == nil {
		t.Fatal("expected error for adapter without media uploader")
	}
	if _, err := NewService(&cfg, nil, nil, logger.Discard()); err == nil {
		t.Fatal("expected error without adapters")
	}
}

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{turns: newTurnManager(), channelStates: map[string]channelState{"telegram": {}}}
	if svc.isReady() {
		t.Fatal("expected not ready without a running channel")
	}

	svc.setChannelState("telegram", channelState{Running: true})
	if !svc.isReady() {
		t.Fatal("expected ready with a running channel")
	}
}

func TestRecordEventCountsRelayOutcomes(t *testing.T) {
	t.Parallel()

	svc := &Service{turns: newTurnManager(), channelStates: map[string]channelState{}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, event := range []bus.Event{
		{Type: bus.EventMessageReceived},
		{Type: bus.EventAttachmentSkipped},
		{Type: bus.EventAttachmentAccepted},
		{Type: bus.EventAttachmentRelayed, At: at},
		{Type: bus.EventAttachmentAccepted},
		{Type: bus.EventAttachmentFailed, Payload: map[string]string{"stage": "processing_error"}, Error: "status 500"},
	} {
		svc.recordEvent(event)
	}

	stats := svc.currentStatus("ok").Relay
	if stats.Messages != 1 || stats.Accepted != 2 || stats.Relayed != 1 || stats.Failed != 1 || stats.Skipped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.LastRelayedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("last relayed = %q", stats.LastRelayedAt)
	}
	if stats.LastFailure != "processing_error: status 500" {
		t.Fatalf("last failure = %q", stats.LastFailure)
	}
}

func TestStatusServerEndpoints(t *testing.T) {
	t.Parallel()

	svc := &Service{turns: newTurnManager(), channelStates: map[string]channelState{"botframework": {}}}
	server := svc.newStatusServer()

	get := func(path string) (int, statusResponse) {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var payload statusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return rec.Code, payload
	}

	if code, payload := get("/healthz"); code != http.StatusOK || payload.Status != "ok" {
		t.Fatalf("healthz = %d %+v", code, payload)
	}
	if code, payload := get("/readyz"); code != http.StatusServiceUnavailable || payload.Status != "not_ready" {
		t.Fatalf("readyz before start = %d %+v", code, payload)
	}

	svc.setChannelState("botframework", channelState{Running: true})
	code, payload := get("/readyz")
	if code != http.StatusOK || payload.Status != "ready" || !payload.Channels["botframework"].Running {
		t.Fatalf("readyz after start = %d %+v", code, payload)
	}
}

func TestTurnManagerSerializesSession(t *testing.T) {
	t.Parallel()

	turns := newTurnManager()
	release, err := turns.Acquire(context.Background(), "botframework:conv-1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := turns.Acquire(context.Background(), "botframework:conv-1")
		if err != nil {
			t.Errorf("second Acquire error: %v", err)
			return
		}
		close(acquired)
		second()
	}()

	other, err := turns.Acquire(context.Background(), "botframework:conv-2")
	if err != nil {
		t.Fatalf("other session Acquire error: %v", err)
	}
	other()

	select {
	case <-acquired:
		t.Fatal("second turn acquired while first was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release()
	wg.Wait()

	if active := turns.Active(); active != 0 {
		t.Fatalf("active sessions = %d, want 0", active)
	}
}

func TestTurnManagerAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	turns := newTurnManager()
	release, err := turns.Acquire(context.Background(), "telegram:1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := turns.Acquire(ctx, "telegram:1"); err == nil {
		t.Fatal("expected context error while session is busy")
	}
	if active := turns.Active(); active != 1 {
		t.Fatalf("active sessions = %d, want 1", active)
	}
}
