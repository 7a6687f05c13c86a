package httpapi

import "net/http"

type uiSettingsResponse struct {
	DisplayAlignWithSpeech bool     `json:"display_align_with_speech"`
	QuickReply             bool     `json:"quick_reply"`
	Grounded               bool     `json:"grounded"`
	AutoReconnect          bool     `json:"auto_reconnect"`
	IdleDisconnect         bool     `json:"idle_disconnect"`
	STTLocales             []string `json:"stt_locales"`
	LivenessIntervalMS     int64    `json:"liveness_interval_ms"`
	InactivityTTLMS        int64    `json:"inactivity_ttl_ms"`
}

func (s *Server) handleUISettings(w http.ResponseWriter, _ *http.Request) {
	locales := s.cfg.STTLocales
	if locales == nil {
		locales = []string{}
	}
	respondJSON(w, http.StatusOK, uiSettingsResponse{
		DisplayAlignWithSpeech: s.cfg.DisplayAlignWithSpeech,
		QuickReply:             s.cfg.QuickReply,
		Grounded:               s.cfg.SearchEnabled,
		AutoReconnect:          s.cfg.AutoReconnect,
		IdleDisconnect:         s.cfg.IdleDisconnect,
		STTLocales:             locales,
		LivenessIntervalMS:     s.cfg.LivenessInterval.Milliseconds(),
		InactivityTTLMS:        s.sessions.InactivityTimeout().Milliseconds(),
	})
}
