package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/avatarchat/internal/chat"
	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/session"
	"github.com/ent0n29/avatarchat/internal/voice"
)

// Settings is the resolved configuration for one chat session.
type Settings struct {
	SystemPrompt string
	Grounded     bool
	Voice        string
	Language     string

	ChatEndpoint   string
	ChatDeployment string
	ChatAPIVersion string
	ChatAPIKey     string
	ChatAuth       string
	ChatMaxRetries int

	SearchEndpoint string
	SearchAPIKey   string
	SearchIndex    string

	Speech SpeechEndpoints

	AvatarCharacter       string
	AvatarStyle           string
	CustomVoiceEndpointID string
	STTLocales            []string

	Monitor          session.MonitorConfig
	ReplayLookback   time.Duration
	LivenessInterval time.Duration

	QuickReply             bool
	DisplayAlignWithSpeech bool
}

// SpeechEndpoints are the speech service URLs for one region or private endpoint.
type SpeechEndpoints struct {
	Region          string
	PrivateEndpoint bool
	IssueTokenURL   string
	RelayTokenURL   string
	AvatarURL       string
	SpeechToTextURL string
}

// SettingsFromConfig resolves settings for sess and validates everything the
// chat path needs. Per-session values override the service defaults.
func SettingsFromConfig(cfg config.Config, sess *session.Session) (Settings, error) {
	if err := cfg.ValidateChat(); err != nil {
		return Settings{}, err
	}

	s := Settings{
		SystemPrompt: cfg.SystemPrompt,
		Grounded:     cfg.SearchEnabled,
		Voice:        cfg.TTSVoice,
		Language:     cfg.TTSLanguage,

		ChatEndpoint:   cfg.OpenAIEndpoint,
		ChatDeployment: cfg.OpenAIDeployment,
		ChatAPIVersion: cfg.OpenAIAPIVersion,
		ChatAPIKey:     cfg.OpenAIAPIKey,
		ChatAuth:       cfg.OpenAIAuth,
		ChatMaxRetries: cfg.ChatMaxRetries,

		SearchEndpoint: cfg.SearchEndpoint,
		SearchAPIKey:   cfg.SearchAPIKey,
		SearchIndex:    cfg.SearchIndex,

		Speech: ResolveSpeechEndpoints(cfg.SpeechRegion, cfg.SpeechPrivateEndpoint, cfg.CustomVoiceEndpointID != ""),

		AvatarCharacter:       cfg.AvatarCharacter,
		AvatarStyle:           cfg.AvatarStyle,
		CustomVoiceEndpointID: cfg.CustomVoiceEndpointID,
		STTLocales:            append([]string(nil), cfg.STTLocales...),

		Monitor: session.MonitorConfig{
			AutoReconnect:       cfg.AutoReconnect,
			DegradeOnIdleSwitch: cfg.DegradeOnIdleSwitch,
			ReplayPolicy:        voice.ParseReplayPolicy(cfg.ReplayPolicy),
			SettleDelay:         cfg.SettleDelay,
			StalenessWindow:     cfg.StalenessWindow,
			MaxReconnects:       cfg.MaxReconnects,
			IdleDisconnect:      cfg.IdleDisconnect,
			IdleTimeout:         cfg.IdleTimeout,
		},
		ReplayLookback:   cfg.ReplayLookback,
		LivenessInterval: cfg.LivenessInterval,

		QuickReply:             cfg.QuickReply,
		DisplayAlignWithSpeech: cfg.DisplayAlignWithSpeech,
	}
	if sess != nil {
		if v := strings.TrimSpace(sess.SystemPrompt); v != "" {
			s.SystemPrompt = v
		}
		if v := strings.TrimSpace(sess.Voice); v != "" {
			s.Voice = v
		}
		if v := strings.TrimSpace(sess.AvatarCharacter); v != "" {
			s.AvatarCharacter = v
		}
		if v := strings.TrimSpace(sess.AvatarStyle); v != "" {
			s.AvatarStyle = v
		}
	}
	if strings.TrimSpace(s.Voice) == "" {
		return Settings{}, fmt.Errorf("%w: TTS_VOICE", config.ErrMissingSetting)
	}
	return s, nil
}

// DataSources returns the grounding sources for the chat request.
func (s Settings) DataSources() []chat.DataSource {
	if !s.Grounded {
		return nil
	}
	return []chat.DataSource{chat.CognitiveSearchSource(s.SearchEndpoint, s.SearchAPIKey, s.SearchIndex, s.SystemPrompt)}
}

// ResolveSpeechEndpoints picks regional or private speech URLs. A private
// endpoint may be given with or without its https:// scheme.
func ResolveSpeechEndpoints(region, privateEndpoint string, customVoice bool) SpeechEndpoints {
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(privateEndpoint), "https://"), "/")
	route := "tts"
	if customVoice {
		route = "voice"
	}
	if host != "" {
		return SpeechEndpoints{
			Region:          region,
			PrivateEndpoint: true,
			IssueTokenURL:   fmt.Sprintf("https://%s/sts/v1.0/issueToken", host),
			RelayTokenURL:   fmt.Sprintf("https://%s/tts/cognitiveservices/avatar/relay/token/v1", host),
			AvatarURL:       fmt.Sprintf("wss://%s/%s/cognitiveservices/websocket/v1?enableTalkingAvatar=true", host, route),
			SpeechToTextURL: fmt.Sprintf("wss://%s/stt/speech/universal/v2", host),
		}
	}
	return SpeechEndpoints{
		Region:          region,
		IssueTokenURL:   fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", region),
		RelayTokenURL:   fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/avatar/relay/token/v1", region),
		AvatarURL:       fmt.Sprintf("wss://%s.%s.speech.microsoft.com/cognitiveservices/websocket/v1?enableTalkingAvatar=true", region, route),
		SpeechToTextURL: fmt.Sprintf("wss://%s.stt.speech.microsoft.com/speech/universal/v2", region),
	}
}
