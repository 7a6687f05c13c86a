package conversation

import (
	"errors"
	"strings"
	"sync"
)

// Role identifies the author of a transcript turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a structured content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

var (
	ErrTurnOpen   = errors.New("assistant turn still open")
	ErrNoOpenTurn = errors.New("no open assistant turn")
	ErrEmptyInput = errors.New("empty user input")
)

// Part is one element of structured turn content.
type Part struct {
	Type     PartType
	Text     string
	ImageURL string
}

// Turn is a single transcript entry. Content is used when Parts is empty.
type Turn struct {
	Role    Role
	Content string
	Parts   []Part
}

// Text returns the plain text of the turn, joining text parts when structured.
func (t Turn) Text() string {
	if len(t.Parts) == 0 {
		return t.Content
	}
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// State owns the ordered transcript for one chat session.
//
// At most one assistant turn is open at a time. While it is open, user turns
// are rejected with ErrTurnOpen.
type State struct {
	mu           sync.Mutex
	systemPrompt string
	grounded     bool
	turns        []Turn

	open     bool
	openText strings.Builder
	openTool strings.Builder
}

// NewState creates a transcript. In plain mode the system prompt is seeded as
// the first turn; in grounded mode it travels with the data source instead.
func NewState(systemPrompt string, grounded bool) *State {
	s := &State{systemPrompt: systemPrompt, grounded: grounded}
	s.seedLocked()
	return s
}

func (s *State) seedLocked() {
	s.turns = s.turns[:0]
	if !s.grounded {
		s.turns = append(s.turns, Turn{Role: RoleSystem, Content: s.systemPrompt})
	}
}

// Grounded reports whether the transcript targets the grounded-data endpoint.
func (s *State) Grounded() bool {
	return s.grounded
}

// SystemPrompt returns the configured system prompt.
func (s *State) SystemPrompt() string {
	return s.systemPrompt
}

// AppendUser appends a user turn. A non-empty imageURL produces structured
// content with a text part followed by an image part.
func (s *State) AppendUser(text, imageURL string) (Turn, error) {
	if strings.TrimSpace(text) == "" && strings.TrimSpace(imageURL) == "" {
		return Turn{}, ErrEmptyInput
	}
	turn := Turn{Role: RoleUser, Content: text}
	if strings.TrimSpace(imageURL) != "" {
		turn.Parts = []Part{
			{Type: PartText, Text: text},
			{Type: PartImageURL, ImageURL: strings.TrimSpace(imageURL)},
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return Turn{}, ErrTurnOpen
	}
	s.turns = append(s.turns, turn)
	return turn, nil
}

// BeginAssistant opens the assistant turn for an in-flight stream.
func (s *State) BeginAssistant() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return ErrTurnOpen
	}
	s.open = true
	s.openText.Reset()
	s.openTool.Reset()
	return nil
}

// ExtendAssistant appends a content token to the open assistant turn.
func (s *State) ExtendAssistant(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNoOpenTurn
	}
	s.openText.WriteString(token)
	return nil
}

// ExtendTool accumulates tool payload for the open assistant turn.
func (s *State) ExtendTool(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNoOpenTurn
	}
	s.openTool.WriteString(payload)
	return nil
}

// CommitAssistant closes the open turn. In grounded mode the accumulated tool
// payload is appended as a tool turn ahead of the assistant turn.
func (s *State) CommitAssistant() (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Turn{}, ErrNoOpenTurn
	}
	if s.grounded {
		s.turns = append(s.turns, Turn{Role: RoleTool, Content: s.openTool.String()})
	}
	turn := Turn{Role: RoleAssistant, Content: s.openText.String()}
	s.turns = append(s.turns, turn)
	s.open = false
	s.openText.Reset()
	s.openTool.Reset()
	return turn, nil
}

// AbortAssistant discards the open turn without appending anything.
func (s *State) AbortAssistant() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.openText.Reset()
	s.openTool.Reset()
}

// Open reports whether an assistant turn is in progress.
func (s *State) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// OpenText returns the text accumulated so far for the open turn.
func (s *State) OpenText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openText.String()
}

// Clear drops the history and re-seeds the system turn. Any open turn is discarded.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.openText.Reset()
	s.openTool.Reset()
	s.seedLocked()
}

// Turns returns a copy of the committed transcript in request order.
func (s *State) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t
		if len(t.Parts) > 0 {
			out[i].Parts = append([]Part(nil), t.Parts...)
		}
	}
	return out
}
