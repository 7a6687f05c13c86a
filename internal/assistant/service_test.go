package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/protocol"
	"github.com/ent0n29/avatarchat/internal/session"
)

func TestServiceValidateSession(t *testing.T) {
	svc := NewService(validConfig(), nil, nil, testMetrics(), quietLogger())
	if err := svc.ValidateSession(session.CreateRequest{UserID: "u1"}); err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}

	cfg := validConfig()
	cfg.OpenAIEndpoint = ""
	svc = NewService(cfg, nil, nil, testMetrics(), quietLogger())
	if err := svc.ValidateSession(session.CreateRequest{UserID: "u1"}); !errors.Is(err, config.ErrMissingSetting) {
		t.Fatalf("ValidateSession() error = %v, want %v", err, config.ErrMissingSetting)
	}
}

func TestServiceRunConnectionRejectsBadConfig(t *testing.T) {
	cfg := validConfig()
	cfg.TTSVoice = ""
	svc := NewService(cfg, nil, nil, testMetrics(), quietLogger())

	outbound := make(chan any, 1)
	err := svc.RunConnection(context.Background(), &session.Session{ID: "s1"}, make(chan any), outbound)
	if !errors.Is(err, config.ErrMissingSetting) {
		t.Fatalf("RunConnection() error = %v, want %v", err, config.ErrMissingSetting)
	}
	ev, ok := (<-outbound).(protocol.ErrorEvent)
	if !ok || ev.Code != "invalid_configuration" || ev.Retryable {
		t.Fatalf("rejection = %+v, want non-retryable invalid_configuration", ev)
	}
}

func TestServiceRunConnectionServesTurns(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	sess := sessions.Create(session.CreateRequest{UserID: "u1"})

	svc := NewService(validConfig(), sessions, nil, testMetrics(), quietLogger())
	streamer := &fakeStreamer{scripts: [][]step{{content("Hi"), content("."), done()}}}
	svc.NewStreamer = func(Settings) (Streamer, error) { return streamer, nil }
	svc.NewAuthorizer = func(Settings) (SpeechAuthorizer, error) { return nil, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound := make(chan any, 1)
	outbound := make(chan any, 64)
	box := collect(ctx, outbound)
	errCh := make(chan error, 1)
	go func() { errCh <- svc.RunConnection(ctx, sess, inbound, outbound) }()

	inbound <- protocol.ClientText{Type: protocol.TypeClientText, SessionID: sess.ID, Text: "hello"}
	box.waitFor(t, "turn end", turnEnd("completed"))
	close(inbound)
	if err := <-errCh; err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}

	got, err := sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TurnCount != 1 || got.ActiveTurnID != "" {
		t.Fatalf("session turns = %d active = %q, want 1 and none", got.TurnCount, got.ActiveTurnID)
	}
}
