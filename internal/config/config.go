package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingSetting marks a required value that was not provided.
var ErrMissingSetting = errors.New("missing required setting")

// Config contains all runtime settings for the avatar chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	SpeechRegion          string
	SpeechAPIKey          string
	SpeechPrivateEndpoint string
	TTSVoice              string
	TTSLanguage           string
	CustomVoiceEndpointID string
	STTLocales            []string
	AvatarCharacter       string
	AvatarStyle           string

	OpenAIEndpoint   string
	OpenAIAPIKey     string
	OpenAIDeployment string
	OpenAIAPIVersion string
	// OpenAIAuth is "key" or "aad".
	OpenAIAuth     string
	ChatMaxRetries int
	SystemPrompt   string

	SearchEnabled  bool
	SearchEndpoint string
	SearchAPIKey   string
	SearchIndex    string

	AutoReconnect       bool
	DegradeOnIdleSwitch bool
	// ReplayPolicy is "active", "recent" or "none".
	ReplayPolicy     string
	ReplayLookback   time.Duration
	SettleDelay      time.Duration
	StalenessWindow  time.Duration
	LivenessInterval time.Duration
	MaxReconnects    int
	IdleDisconnect   bool
	IdleTimeout      time.Duration

	QuickReply             bool
	DisplayAlignWithSpeech bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
//
// Missing upstream credentials are not an error here; they are reported per
// session so the service can still start and serve health checks.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "avatarchat"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),

		SpeechRegion:          envOrDefault("SPEECH_REGION", "westus2"),
		SpeechAPIKey:          stringsTrimSpace("SPEECH_API_KEY"),
		SpeechPrivateEndpoint: stringsTrimSpace("SPEECH_PRIVATE_ENDPOINT"),
		TTSVoice:              envOrDefault("TTS_VOICE", "en-US-AvaMultilingualNeural"),
		TTSLanguage:           envOrDefault("TTS_LANGUAGE", "en-US"),
		CustomVoiceEndpointID: stringsTrimSpace("CUSTOM_VOICE_ENDPOINT_ID"),
		STTLocales:            splitList(envOrDefault("STT_LOCALES", "en-US,de-DE,es-ES,fr-FR,it-IT,ja-JP,ko-KR,zh-CN")),
		AvatarCharacter:       envOrDefault("AVATAR_CHARACTER", "lisa"),
		AvatarStyle:           envOrDefault("AVATAR_STYLE", "casual-sitting"),

		OpenAIEndpoint:   stringsTrimSpace("AZURE_OPENAI_ENDPOINT"),
		OpenAIAPIKey:     stringsTrimSpace("AZURE_OPENAI_API_KEY"),
		OpenAIDeployment: stringsTrimSpace("AZURE_OPENAI_DEPLOYMENT"),
		OpenAIAPIVersion: envOrDefault("AZURE_OPENAI_API_VERSION", "2023-06-01-preview"),
		OpenAIAuth:       strings.ToLower(envOrDefault("AZURE_OPENAI_AUTH", "key")),
		ChatMaxRetries:   2,
		SystemPrompt:     envOrDefault("SYSTEM_PROMPT", "You are an AI assistant that helps people find information."),

		SearchEndpoint: stringsTrimSpace("AZURE_SEARCH_ENDPOINT"),
		SearchAPIKey:   stringsTrimSpace("AZURE_SEARCH_API_KEY"),
		SearchIndex:    stringsTrimSpace("AZURE_SEARCH_INDEX"),

		AutoReconnect:       true,
		DegradeOnIdleSwitch: true,
		ReplayPolicy:        strings.ToLower(envOrDefault("AVATAR_REPLAY_POLICY", "active")),
		ReplayLookback:      3 * time.Second,
		SettleDelay:         5 * time.Second,
		StalenessWindow:     5 * time.Minute,
		LivenessInterval:    2 * time.Second,
		MaxReconnects:       5,
		IdleTimeout:         15 * time.Second,

		DisplayAlignWithSpeech: true,

		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"AVATAR_REPLAY_LOOKBACK", &cfg.ReplayLookback},
		{"AVATAR_SETTLE_DELAY", &cfg.SettleDelay},
		{"AVATAR_STALENESS_WINDOW", &cfg.StalenessWindow},
		{"AVATAR_LIVENESS_INTERVAL", &cfg.LivenessInterval},
		{"AVATAR_IDLE_TIMEOUT", &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"SEARCH_ENABLED", &cfg.SearchEnabled},
		{"AVATAR_AUTO_RECONNECT", &cfg.AutoReconnect},
		{"AVATAR_DEGRADE_ON_IDLE_SWITCH", &cfg.DegradeOnIdleSwitch},
		{"AVATAR_IDLE_DISCONNECT", &cfg.IdleDisconnect},
		{"QUICK_REPLY_ENABLED", &cfg.QuickReply},
		{"DISPLAY_ALIGN_WITH_SPEECH", &cfg.DisplayAlignWithSpeech},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.MaxReconnects, err = intFromEnv("AVATAR_MAX_RECONNECTS", cfg.MaxReconnects)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatMaxRetries, err = intFromEnv("AZURE_OPENAI_MAX_RETRIES", cfg.ChatMaxRetries)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SettleDelay < 0 {
		return Config{}, fmt.Errorf("AVATAR_SETTLE_DELAY must be >= 0")
	}
	if cfg.StalenessWindow <= 0 {
		return Config{}, fmt.Errorf("AVATAR_STALENESS_WINDOW must be positive")
	}
	if cfg.LivenessInterval <= 0 {
		return Config{}, fmt.Errorf("AVATAR_LIVENESS_INTERVAL must be positive")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("AVATAR_IDLE_TIMEOUT must be positive")
	}
	if cfg.MaxReconnects < 0 {
		return Config{}, fmt.Errorf("AVATAR_MAX_RECONNECTS must be >= 0")
	}
	if cfg.ChatMaxRetries < 0 {
		return Config{}, fmt.Errorf("AZURE_OPENAI_MAX_RETRIES must be >= 0")
	}
	switch cfg.ReplayPolicy {
	case "active", "recent", "none":
	default:
		return Config{}, fmt.Errorf("AVATAR_REPLAY_POLICY must be active, recent or none")
	}
	switch cfg.OpenAIAuth {
	case "key", "aad":
	default:
		return Config{}, fmt.Errorf("AZURE_OPENAI_AUTH must be key or aad")
	}
	switch cfg.LogFormat {
	case "text", "json", "otel":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text, json or otel")
	}

	return cfg, nil
}

// ValidateChat reports the first missing setting needed to call the chat API.
func (c Config) ValidateChat() error {
	if c.OpenAIEndpoint == "" {
		return fmt.Errorf("%w: AZURE_OPENAI_ENDPOINT", ErrMissingSetting)
	}
	if c.OpenAIDeployment == "" {
		return fmt.Errorf("%w: AZURE_OPENAI_DEPLOYMENT", ErrMissingSetting)
	}
	if c.OpenAIAuth == "key" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: AZURE_OPENAI_API_KEY", ErrMissingSetting)
	}
	if c.SearchEnabled {
		switch {
		case c.SearchEndpoint == "":
			return fmt.Errorf("%w: AZURE_SEARCH_ENDPOINT", ErrMissingSetting)
		case c.SearchAPIKey == "":
			return fmt.Errorf("%w: AZURE_SEARCH_API_KEY", ErrMissingSetting)
		case c.SearchIndex == "":
			return fmt.Errorf("%w: AZURE_SEARCH_INDEX", ErrMissingSetting)
		}
	}
	return nil
}

// ValidateSpeech reports the first missing setting needed to start an avatar.
func (c Config) ValidateSpeech() error {
	if c.SpeechAPIKey == "" {
		return fmt.Errorf("%w: SPEECH_API_KEY", ErrMissingSetting)
	}
	if c.SpeechPrivateEndpoint == "" && c.SpeechRegion == "" {
		return fmt.Errorf("%w: SPEECH_REGION", ErrMissingSetting)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
