package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/avatarchat/internal/protocol"
	"github.com/ent0n29/avatarchat/internal/session"
	"github.com/ent0n29/avatarchat/internal/voice"
)

var (
	ErrSessionClosed = errors.New("session closed")
	errOutboundFull  = errors.New("outbound queue full")
)

type speakResult struct {
	outcome voice.SpeakOutcome
	detail  string
}

// Bridge drives the browser's avatar over the session websocket. It is the
// speech capability for the queue and the connector for the monitor.
type Bridge struct {
	sessionID string
	settings  Settings
	auth      SpeechAuthorizer
	send      func(any) bool
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan speakResult
	closed  bool
}

func NewBridge(sessionID string, settings Settings, auth SpeechAuthorizer, send func(any) bool, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sessionID: sessionID,
		settings:  settings,
		auth:      auth,
		send:      send,
		logger:    logger,
		pending:   make(map[string]chan speakResult),
	}
}

// Speak sends ssml to the browser and waits for its speak_result.
func (b *Bridge) Speak(ctx context.Context, ssml string) (voice.SpeakOutcome, error) {
	id := uuid.NewString()
	ch := make(chan speakResult, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return voice.OutcomeCanceled, ErrSessionClosed
	}
	b.pending[id] = ch
	b.mu.Unlock()

	if !b.send(protocol.SpeakRequest{
		Type:      protocol.TypeSpeakRequest,
		SessionID: b.sessionID,
		RequestID: id,
		SSML:      ssml,
	}) {
		b.forget(id)
		return voice.OutcomeFailed, errOutboundFull
	}

	select {
	case <-ctx.Done():
		b.forget(id)
		return voice.OutcomeCanceled, ctx.Err()
	case res := <-ch:
		if res.outcome == voice.OutcomeFailed {
			return res.outcome, fmt.Errorf("avatar speak failed: %s", res.detail)
		}
		return res.outcome, nil
	}
}

// Stop asks the browser to stop speaking and releases every waiting Speak.
func (b *Bridge) Stop(_ context.Context) error {
	delivered := b.send(protocol.StopSpeaking{Type: protocol.TypeStopSpeaking, SessionID: b.sessionID})
	b.releaseAll(voice.OutcomeCanceled, "stopped")
	if !delivered {
		return errOutboundFull
	}
	return nil
}

// HandleSpeakResult resolves the matching Speak call. Unknown IDs are
// reported as false.
func (b *Bridge) HandleSpeakResult(msg protocol.SpeakResult) bool {
	b.mu.Lock()
	ch, ok := b.pending[msg.RequestID]
	delete(b.pending, msg.RequestID)
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- speakResult{outcome: parseOutcome(msg.Outcome), detail: msg.Detail}
	return true
}

// Connect asks the browser to open a fresh avatar session with new credentials.
func (b *Bridge) Connect(ctx context.Context, attempt session.Attempt) error {
	msg := protocol.ConnectAvatar{
		Type:                  protocol.TypeConnectAvatar,
		SessionID:             b.sessionID,
		Attempt:               attempt.ID,
		Reconnect:             attempt.Reconnect,
		Region:                b.settings.Speech.Region,
		RelayTokenURL:         b.settings.Speech.RelayTokenURL,
		AvatarURL:             b.settings.Speech.AvatarURL,
		SpeechToTextURL:       b.settings.Speech.SpeechToTextURL,
		STTLocales:            b.settings.STTLocales,
		Character:             b.settings.AvatarCharacter,
		Style:                 b.settings.AvatarStyle,
		Voice:                 b.settings.Voice,
		CustomVoiceEndpointID: b.settings.CustomVoiceEndpointID,
		PrivateEndpoint:       b.settings.Speech.PrivateEndpoint,
	}
	if b.auth != nil {
		creds, err := b.auth.Credentials(ctx)
		if err != nil {
			return fmt.Errorf("speech credentials: %w", err)
		}
		msg.AuthToken = creds.AuthToken
		msg.RelayURLs = creds.Relay.URLs
		msg.RelayUsername = creds.Relay.Username
		msg.RelayPassword = creds.Relay.Password
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("connect attempt %d abandoned: %w", attempt.ID, err)
	}
	if !b.send(msg) {
		return errOutboundFull
	}
	return nil
}

// Disconnect tells the browser to release the avatar session.
func (b *Bridge) Disconnect(_ context.Context, reason string) error {
	b.releaseAll(voice.OutcomeCanceled, reason)
	if !b.send(protocol.DisconnectAvatar{
		Type:      protocol.TypeDisconnectAvatar,
		SessionID: b.sessionID,
		Reason:    reason,
	}) {
		return errOutboundFull
	}
	return nil
}

// Close cancels waiting Speak calls and rejects new ones.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.releaseAll(voice.OutcomeCanceled, "closed")
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) releaseAll(outcome voice.SpeakOutcome, detail string) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]chan speakResult)
	b.mu.Unlock()
	for _, ch := range pending {
		ch <- speakResult{outcome: outcome, detail: detail}
	}
}

func parseOutcome(v string) voice.SpeakOutcome {
	switch voice.SpeakOutcome(v) {
	case voice.OutcomeCompleted:
		return voice.OutcomeCompleted
	case voice.OutcomeCanceled:
		return voice.OutcomeCanceled
	default:
		return voice.OutcomeFailed
	}
}
