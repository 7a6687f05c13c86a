package conversation

import (
	"errors"
	"testing"
)

func TestNewStateSeedsSystemPromptInPlainMode(t *testing.T) {
	s := NewState("be brief", false)
	turns := s.Turns()
	if len(turns) != 1 {
		t.Fatalf("len(turns) = %d, want 1", len(turns))
	}
	if turns[0].Role != RoleSystem || turns[0].Content != "be brief" {
		t.Fatalf("turns[0] = %+v, want system prompt", turns[0])
	}

	g := NewState("be brief", true)
	if got := len(g.Turns()); got != 0 {
		t.Fatalf("grounded len(turns) = %d, want 0", got)
	}
}

func TestAppendUserRejectedWhileAssistantOpen(t *testing.T) {
	s := NewState("", false)
	if _, err := s.AppendUser("hi", ""); err != nil {
		t.Fatalf("AppendUser() error = %v", err)
	}
	if err := s.BeginAssistant(); err != nil {
		t.Fatalf("BeginAssistant() error = %v", err)
	}
	if _, err := s.AppendUser("again", ""); !errors.Is(err, ErrTurnOpen) {
		t.Fatalf("AppendUser() error = %v, want ErrTurnOpen", err)
	}
	if err := s.BeginAssistant(); !errors.Is(err, ErrTurnOpen) {
		t.Fatalf("BeginAssistant() error = %v, want ErrTurnOpen", err)
	}
}

func TestAssistantTurnLifecycle(t *testing.T) {
	s := NewState("sys", false)
	_, _ = s.AppendUser("hi", "")
	if err := s.ExtendAssistant("x"); !errors.Is(err, ErrNoOpenTurn) {
		t.Fatalf("ExtendAssistant() error = %v, want ErrNoOpenTurn", err)
	}
	_ = s.BeginAssistant()
	_ = s.ExtendAssistant("Hello")
	_ = s.ExtendAssistant(" there.")
	if got := s.OpenText(); got != "Hello there." {
		t.Fatalf("OpenText() = %q, want %q", got, "Hello there.")
	}
	turn, err := s.CommitAssistant()
	if err != nil {
		t.Fatalf("CommitAssistant() error = %v", err)
	}
	if turn.Content != "Hello there." {
		t.Fatalf("committed content = %q", turn.Content)
	}

	turns := s.Turns()
	want := []Role{RoleSystem, RoleUser, RoleAssistant}
	if len(turns) != len(want) {
		t.Fatalf("len(turns) = %d, want %d", len(turns), len(want))
	}
	for i, r := range want {
		if turns[i].Role != r {
			t.Fatalf("turns[%d].Role = %s, want %s", i, turns[i].Role, r)
		}
	}
	if s.Open() {
		t.Fatalf("Open() = true after commit")
	}
}

func TestGroundedCommitAppendsToolTurnOnce(t *testing.T) {
	s := NewState("sys", true)
	_, _ = s.AppendUser("where is it?", "")
	_ = s.BeginAssistant()
	_ = s.ExtendTool(`{"citations":[`)
	_ = s.ExtendTool(`]}`)
	_ = s.ExtendAssistant("Here.")
	if _, err := s.CommitAssistant(); err != nil {
		t.Fatalf("CommitAssistant() error = %v", err)
	}

	turns := s.Turns()
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(turns))
	}
	if turns[1].Role != RoleTool || turns[1].Content != `{"citations":[]}` {
		t.Fatalf("tool turn = %+v", turns[1])
	}
	if turns[2].Role != RoleAssistant || turns[2].Content != "Here." {
		t.Fatalf("assistant turn = %+v", turns[2])
	}
}

func TestAbortAssistantCommitsNothing(t *testing.T) {
	s := NewState("sys", false)
	_, _ = s.AppendUser("hi", "")
	_ = s.BeginAssistant()
	_ = s.ExtendAssistant("partial")
	s.AbortAssistant()

	if got := len(s.Turns()); got != 2 {
		t.Fatalf("len(turns) = %d, want 2", got)
	}
	if _, err := s.AppendUser("next", ""); err != nil {
		t.Fatalf("AppendUser() after abort error = %v", err)
	}
}

func TestAppendUserWithImageBuildsParts(t *testing.T) {
	s := NewState("", true)
	turn, err := s.AppendUser("what is this?", " https://example.com/cat.png ")
	if err != nil {
		t.Fatalf("AppendUser() error = %v", err)
	}
	if len(turn.Parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(turn.Parts))
	}
	if turn.Parts[1].Type != PartImageURL || turn.Parts[1].ImageURL != "https://example.com/cat.png" {
		t.Fatalf("image part = %+v", turn.Parts[1])
	}
	if turn.Text() != "what is this?" {
		t.Fatalf("Text() = %q", turn.Text())
	}
	if _, err := s.AppendUser("  ", ""); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("AppendUser(blank) error = %v, want ErrEmptyInput", err)
	}
}

func TestClearReseeds(t *testing.T) {
	s := NewState("sys", false)
	_, _ = s.AppendUser("hi", "")
	_ = s.BeginAssistant()
	s.Clear()
	turns := s.Turns()
	if len(turns) != 1 || turns[0].Role != RoleSystem {
		t.Fatalf("turns after Clear = %+v", turns)
	}
	if s.Open() {
		t.Fatalf("Open() = true after Clear")
	}
}
