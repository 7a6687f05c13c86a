package httpapi

import (
	"net/http"
	"strings"
)

type avatarCharacter struct {
	Character string   `json:"character"`
	Styles    []string `json:"styles"`
	Photo     bool     `json:"photo,omitempty"`
}

type voiceSummary struct {
	Voice  string            `json:"voice"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

type avatarOptionsResponse struct {
	DefaultCharacter string            `json:"default_character"`
	DefaultStyle     string            `json:"default_style"`
	DefaultVoice     string            `json:"default_voice"`
	CustomVoice      bool              `json:"custom_voice"`
	Characters       []avatarCharacter `json:"characters"`
	Recommended      []voiceSummary    `json:"recommended_voices"`
}

var standardCharacters = []avatarCharacter{
	{Character: "harry", Styles: []string{"business", "casual", "youthful"}},
	{Character: "jeff", Styles: []string{"business", "formal"}},
	{Character: "lisa", Styles: []string{"casual-sitting", "graceful-sitting", "graceful-standing", "technical-sitting", "technical-standing"}},
	{Character: "lori", Styles: []string{"casual", "graceful", "formal"}},
	{Character: "max", Styles: []string{"business", "casual", "formal"}},
	{Character: "meg", Styles: []string{"formal", "casual", "business"}},
	// Photo avatars take no style.
	{Character: "anika", Styles: []string{}, Photo: true},
}

var recommendedVoices = []voiceSummary{
	{Voice: "en-US-AvaMultilingualNeural", Name: "Ava (multilingual)", Labels: map[string]string{"gender": "female", "locale": "en-US"}},
	{Voice: "en-US-AndrewMultilingualNeural", Name: "Andrew (multilingual)", Labels: map[string]string{"gender": "male", "locale": "en-US"}},
	{Voice: "en-US-JennyNeural", Name: "Jenny", Labels: map[string]string{"gender": "female", "locale": "en-US"}},
	{Voice: "en-GB-SoniaNeural", Name: "Sonia", Labels: map[string]string{"gender": "female", "locale": "en-GB"}},
}

func (s *Server) handleAvatarOptions(w http.ResponseWriter, _ *http.Request) {
	characters := append([]avatarCharacter(nil), standardCharacters...)
	def := strings.ToLower(strings.TrimSpace(s.cfg.AvatarCharacter))
	known := false
	for _, c := range characters {
		if c.Character == def {
			known = true
			break
		}
	}
	if def != "" && !known {
		// Custom avatars are listed with their configured style only.
		styles := []string{}
		if st := strings.TrimSpace(s.cfg.AvatarStyle); st != "" {
			styles = append(styles, st)
		}
		characters = append([]avatarCharacter{{Character: def, Styles: styles}}, characters...)
	}

	respondJSON(w, http.StatusOK, avatarOptionsResponse{
		DefaultCharacter: def,
		DefaultStyle:     s.cfg.AvatarStyle,
		DefaultVoice:     s.cfg.TTSVoice,
		CustomVoice:      strings.TrimSpace(s.cfg.CustomVoiceEndpointID) != "",
		Characters:       characters,
		Recommended:      recommendedVoices,
	})
}
