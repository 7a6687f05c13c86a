package assistant

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ent0n29/avatarchat/internal/chat"
	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/observability"
	"github.com/ent0n29/avatarchat/internal/protocol"
	"github.com/ent0n29/avatarchat/internal/session"
)

// Service starts a Runtime for every websocket connection.
type Service struct {
	cfg      config.Config
	sessions *session.Manager
	store    memory.Store
	metrics  *observability.Metrics
	logger   *slog.Logger

	// NewStreamer and NewAuthorizer may be replaced before the first
	// connection, mainly by tests.
	NewStreamer   func(Settings) (Streamer, error)
	NewAuthorizer func(Settings) (SpeechAuthorizer, error)

	aadOnce sync.Once
	aad     *chat.AzureADCredential
	aadErr  error
}

func NewService(cfg config.Config, sessions *session.Manager, store memory.Store, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, sessions: sessions, store: store, metrics: metrics, logger: logger}
	s.NewStreamer = s.newChatClient
	s.NewAuthorizer = s.newSpeechAuthorizer
	return s
}

// ValidateSession reports missing configuration for a session before it is
// created.
func (s *Service) ValidateSession(req session.CreateRequest) error {
	_, err := SettingsFromConfig(s.cfg, &session.Session{
		Voice:           req.Voice,
		AvatarCharacter: req.AvatarCharacter,
		AvatarStyle:     req.AvatarStyle,
		SystemPrompt:    req.SystemPrompt,
	})
	return err
}

// RunConnection serves one websocket connection for sess until inbound
// closes or ctx ends.
func (s *Service) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	settings, err := SettingsFromConfig(s.cfg, sess)
	if err != nil {
		s.reject(outbound, sess.ID, "invalid_configuration", err)
		return err
	}
	streamer, err := s.NewStreamer(settings)
	if err != nil {
		s.reject(outbound, sess.ID, "invalid_configuration", err)
		return err
	}
	auth, err := s.NewAuthorizer(settings)
	if err != nil {
		s.reject(outbound, sess.ID, "invalid_configuration", err)
		return err
	}

	rt := NewRuntime(ctx, RuntimeConfig{
		Session:  sess,
		Settings: settings,
		Streamer: streamer,
		Auth:     auth,
		Sessions: s.sessions,
		Store:    s.store,
		Metrics:  s.metrics,
		Logger:   s.logger,
		Outbound: outbound,
	})
	s.logger.Info("chat session connected", "session_id", sess.ID, "grounded", settings.Grounded)
	return rt.Run(ctx, inbound)
}

func (s *Service) newChatClient(settings Settings) (Streamer, error) {
	var cred chat.Credential = chat.APIKey(settings.ChatAPIKey)
	if settings.ChatAuth == "aad" {
		s.aadOnce.Do(func() {
			s.aad, s.aadErr = chat.NewAzureADCredential()
		})
		if s.aadErr != nil {
			return nil, s.aadErr
		}
		cred = s.aad
	}
	return chat.NewClient(chat.ClientConfig{
		Endpoint:   settings.ChatEndpoint,
		Deployment: settings.ChatDeployment,
		APIVersion: settings.ChatAPIVersion,
		Credential: cred,
		MaxRetries: settings.ChatMaxRetries,
		Logger:     s.logger,
		OnAnomaly: func(reason string) {
			s.metrics.StreamAnomalies.WithLabelValues(reason).Inc()
		},
	})
}

func (s *Service) newSpeechAuthorizer(settings Settings) (SpeechAuthorizer, error) {
	if err := s.cfg.ValidateSpeech(); err != nil {
		return nil, err
	}
	return NewSpeechTokenIssuer(s.cfg.SpeechAPIKey, settings.Speech, nil)
}

func (s *Service) reject(outbound chan<- any, sessionID, code string, err error) {
	s.logger.Warn("chat session rejected", "session_id", sessionID, "error", err)
	select {
	case outbound <- protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "config",
		Retryable: false,
		Detail:    err.Error(),
	}:
	default:
	}
}
