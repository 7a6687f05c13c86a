package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientText    MessageType = "client_text"
	TypeClientControl MessageType = "client_control"
	TypeMediaEvent    MessageType = "media_event"
	TypeSpeakResult   MessageType = "speak_result"

	TypeConnectAvatar      MessageType = "connect_avatar"
	TypeDisconnectAvatar   MessageType = "disconnect_avatar"
	TypeSpeakRequest       MessageType = "speak_request"
	TypeStopSpeaking       MessageType = "stop_speaking"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeSessionState       MessageType = "session_state"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Client control actions.
const (
	ActionStartSession = "start_session"
	ActionStopSession  = "stop_session"
	ActionStopSpeaking = "stop_speaking"
	ActionClearHistory = "clear_history"
)

// Media event kinds reported by the browser's avatar session.
const (
	MediaConnectionState = "connection_state"
	MediaTrack           = "track"
	MediaDataChannel     = "data_channel"
	MediaPlayback        = "playback"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	ImageURL  string      `json:"image_url,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// MediaEvent relays one notification from the avatar media session. Attempt
// echoes the value from connect_avatar so late reports can be discarded.
type MediaEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Attempt   int         `json:"attempt"`
	Kind      string      `json:"kind"`
	State     string      `json:"state,omitempty"`
	Track     string      `json:"track,omitempty"`
	EventType string      `json:"event_type,omitempty"`
	Position  float64     `json:"position,omitempty"`
}

type SpeakResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	// Outcome is completed, canceled or failed.
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

type ConnectAvatar struct {
	Type                  MessageType `json:"type"`
	SessionID             string      `json:"session_id"`
	Attempt               int         `json:"attempt"`
	Reconnect             bool        `json:"reconnect"`
	Region                string      `json:"region"`
	RelayTokenURL         string      `json:"relay_token_url"`
	AvatarURL             string      `json:"avatar_url"`
	SpeechToTextURL       string      `json:"stt_url"`
	STTLocales            []string    `json:"stt_locales"`
	Character             string      `json:"character"`
	Style                 string      `json:"style"`
	Voice                 string      `json:"voice"`
	CustomVoiceEndpointID string      `json:"custom_voice_endpoint_id,omitempty"`
	PrivateEndpoint       bool        `json:"private_endpoint"`
	AuthToken             string      `json:"auth_token,omitempty"`
	RelayURLs             []string    `json:"relay_urls,omitempty"`
	RelayUsername         string      `json:"relay_username,omitempty"`
	RelayPassword         string      `json:"relay_password,omitempty"`
}

type DisconnectAvatar struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type SpeakRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	SSML      string      `json:"ssml"`
}

type StopSpeaking struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

type SessionState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Previous  string      `json:"previous"`
	Reason    string      `json:"reason,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientText:
		var msg ClientText
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (strings.TrimSpace(msg.Text) == "" && msg.ImageURL == "") {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStartSession, ActionStopSession, ActionStopSpeaking, ActionClearHistory:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	case TypeMediaEvent:
		var msg MediaEvent
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid media_event")
		}
		switch msg.Kind {
		case MediaConnectionState:
			if msg.State == "" {
				return nil, errors.New("invalid media_event: missing state")
			}
		case MediaTrack:
			if msg.Track == "" {
				return nil, errors.New("invalid media_event: missing track")
			}
		case MediaDataChannel:
			if msg.EventType == "" {
				return nil, errors.New("invalid media_event: missing event_type")
			}
		case MediaPlayback:
		default:
			return nil, fmt.Errorf("invalid media_event kind %q", msg.Kind)
		}
		return msg, nil
	case TypeSpeakResult:
		var msg SpeakResult
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RequestID == "" || msg.Outcome == "" {
			return nil, errors.New("invalid speak_result")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
