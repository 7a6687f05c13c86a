package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/avatarchat/internal/config"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	ChatAuth        string            `json:"chat_auth"`
	Grounded        bool              `json:"grounded"`
	SpeechRegion    string            `json:"speech_region"`
	PrivateEndpoint bool              `json:"private_endpoint"`
	TranscriptStore string            `json:"transcript_store"`
	Checks          []onboardingCheck `json:"checks"`
}

// probeTimeout bounds each reachability probe.
const probeTimeout = 250 * time.Millisecond

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]onboardingCheck, 0, 8)
	checks = append(checks, s.chatChecks()...)
	checks = append(checks, s.speechChecks()...)

	store := s.transcriptStoreMode()
	switch store {
	case "postgres":
		checks = append(checks, onboardingCheck{
			ID:     "transcript_store",
			Status: "ok",
			Label:  "Transcript persistence",
			Detail: "postgres",
		})
	default:
		checks = append(checks, onboardingCheck{
			ID:     "transcript_store",
			Status: "warn",
			Label:  "Transcript persistence",
			Detail: store,
			Fix:    "Set DATABASE_URL to keep transcripts across restarts.",
		})
	}

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		ChatAuth:        s.cfg.OpenAIAuth,
		Grounded:        s.cfg.SearchEnabled,
		SpeechRegion:    s.cfg.SpeechRegion,
		PrivateEndpoint: strings.TrimSpace(s.cfg.SpeechPrivateEndpoint) != "",
		TranscriptStore: store,
		Checks:          checks,
	})
}

func (s *Server) chatChecks() []onboardingCheck {
	out := make([]onboardingCheck, 0, 3)
	if err := s.cfg.ValidateChat(); err != nil {
		out = append(out, onboardingCheck{
			ID:     "chat_config",
			Status: "error",
			Label:  "Chat completion",
			Detail: err.Error(),
			Fix:    fmt.Sprintf("Set %s.", missingSettingName(err)),
		})
		return out
	}
	out = append(out, onboardingCheck{
		ID:     "chat_config",
		Status: "ok",
		Label:  "Chat completion",
		Detail: fmt.Sprintf("%s (%s auth)", s.cfg.OpenAIDeployment, s.cfg.OpenAIAuth),
	})
	out = append(out, probeCheck("chat_endpoint", "Chat endpoint reachable", s.cfg.OpenAIEndpoint))

	if s.cfg.SearchEnabled {
		out = append(out, onboardingCheck{
			ID:     "search_index",
			Status: "ok",
			Label:  "Grounding index",
			Detail: s.cfg.SearchIndex,
		})
	} else {
		out = append(out, onboardingCheck{
			ID:     "search_index",
			Status: "warn",
			Label:  "Grounding index",
			Detail: "disabled; answers are not grounded",
			Fix:    "Set SEARCH_ENABLED=true with the AZURE_SEARCH_* settings.",
		})
	}
	return out
}

func (s *Server) speechChecks() []onboardingCheck {
	out := make([]onboardingCheck, 0, 3)
	if err := s.cfg.ValidateSpeech(); err != nil {
		return append(out, onboardingCheck{
			ID:     "speech_config",
			Status: "error",
			Label:  "Speech service",
			Detail: err.Error(),
			Fix:    fmt.Sprintf("Set %s.", missingSettingName(err)),
		})
	}

	detail := "region " + s.cfg.SpeechRegion
	if pe := strings.TrimSpace(s.cfg.SpeechPrivateEndpoint); pe != "" {
		detail = "private endpoint " + pe
		out = append(out, probeCheck("speech_endpoint", "Speech private endpoint reachable", pe))
	}
	out = append(out, onboardingCheck{
		ID:     "speech_config",
		Status: "ok",
		Label:  "Speech service",
		Detail: detail,
	})

	if strings.TrimSpace(s.cfg.CustomVoiceEndpointID) != "" {
		out = append(out, onboardingCheck{
			ID:     "custom_voice",
			Status: "ok",
			Label:  "Custom voice",
			Detail: s.cfg.CustomVoiceEndpointID,
		})
	}
	return out
}

// probeCheck dials the host of raw. A failed dial is a warning since the
// endpoint may only be reachable from the browser's network.
func probeCheck(id, label, raw string) onboardingCheck {
	if err := probeEndpoint(raw); err != nil {
		return onboardingCheck{
			ID:     id,
			Status: "warn",
			Label:  label,
			Detail: err.Error(),
		}
	}
	return onboardingCheck{ID: id, Status: "ok", Label: label, Detail: "reachable"}
}

func probeEndpoint(raw string) error {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" || u.Scheme == "ws" {
			port = "80"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}

func missingSettingName(err error) string {
	if !errors.Is(err, config.ErrMissingSetting) {
		return "the missing setting"
	}
	_, name, ok := strings.Cut(err.Error(), ": ")
	if !ok {
		return "the missing setting"
	}
	return name
}
