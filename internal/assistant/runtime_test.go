package assistant

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/avatarchat/internal/chat"
	"github.com/ent0n29/avatarchat/internal/conversation"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/observability"
	"github.com/ent0n29/avatarchat/internal/protocol"
	"github.com/ent0n29/avatarchat/internal/session"
	"github.com/ent0n29/avatarchat/internal/voice"
)

var metricsSeq atomic.Int64

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("avatarchat_test_assistant_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }

func immediate(_ time.Duration, f func()) session.Timer {
	f()
	return noopTimer{}
}

type step struct {
	ev    chat.DeltaEvent
	err   error
	block bool
}

func content(text string) step { return step{ev: chat.DeltaEvent{Kind: chat.EventContent, Text: text}} }
func done() step                { return step{ev: chat.DeltaEvent{Kind: chat.EventDone}} }

type fakeStreamer struct {
	mu       sync.Mutex
	scripts  [][]step
	requests []chat.Request
}

func (f *fakeStreamer) Stream(ctx context.Context, req chat.Request) iter.Seq2[chat.DeltaEvent, error] {
	f.mu.Lock()
	script := f.scripts[len(f.requests)]
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	return func(yield func(chat.DeltaEvent, error) bool) {
		for _, s := range script {
			switch {
			case s.block:
				<-ctx.Done()
				yield(chat.DeltaEvent{}, ctx.Err())
				return
			case s.err != nil:
				yield(chat.DeltaEvent{}, s.err)
				return
			case !yield(s.ev, nil):
				return
			}
		}
	}
}

func (f *fakeStreamer) Requests() []chat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Request(nil), f.requests...)
}

// outbox records what the runtime sent to the browser.
type outbox struct {
	mu    sync.Mutex
	msgs  []any
	taken map[int]bool
}

func collect(ctx context.Context, ch <-chan any) *outbox {
	box := &outbox{taken: make(map[int]bool)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				box.mu.Lock()
				box.msgs = append(box.msgs, msg)
				box.mu.Unlock()
			}
		}
	}()
	return box
}

// waitFor returns the oldest unclaimed message matching pred.
func (b *outbox) waitFor(t *testing.T, what string, pred func(any) bool) any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		for i, msg := range b.msgs {
			if !b.taken[i] && pred(msg) {
				b.taken[i] = true
				b.mu.Unlock()
				return msg
			}
		}
		b.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (b *outbox) count(pred func(any) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, msg := range b.msgs {
		if pred(msg) {
			n++
		}
	}
	return n
}

func speakRequestFor(text string) func(any) bool {
	return func(m any) bool {
		req, ok := m.(protocol.SpeakRequest)
		return ok && strings.Contains(req.SSML, text)
	}
}

func turnEnd(reason string) func(any) bool {
	return func(m any) bool {
		end, ok := m.(protocol.AssistantTurnEnd)
		return ok && end.Reason == reason
	}
}

func sessionState(state session.State) func(any) bool {
	return func(m any) bool {
		s, ok := m.(protocol.SessionState)
		return ok && s.State == string(state)
	}
}

func connectAttempt(id int) func(any) bool {
	return func(m any) bool {
		c, ok := m.(protocol.ConnectAvatar)
		return ok && c.Attempt == id
	}
}

func isType[T any](m any) bool {
	_, ok := m.(T)
	return ok
}

func newTestRuntime(t *testing.T, streamer Streamer, mutate func(*RuntimeConfig)) (*Runtime, *outbox, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	outbound := make(chan any, 256)
	cfg := RuntimeConfig{
		Session: &session.Session{ID: "s1", UserID: "u1"},
		Settings: Settings{
			SystemPrompt: "Answer briefly.",
			Voice:        "en-US-AvaMultilingualNeural",
			Language:     "en-US",
			Monitor: session.MonitorConfig{
				AutoReconnect:       true,
				DegradeOnIdleSwitch: true,
				ReplayPolicy:        voice.ReplayActive,
				StalenessWindow:     time.Minute,
				MaxReconnects:       3,
			},
			LivenessInterval: time.Hour,
		},
		Streamer:  streamer,
		Metrics:   testMetrics(),
		Logger:    quietLogger(),
		Outbound:  outbound,
		AfterFunc: immediate,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	box := collect(ctx, outbound)
	rt := NewRuntime(ctx, cfg)
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt, box, ctx
}

func startLive(t *testing.T, rt *Runtime, box *outbox, ctx context.Context, attempt int) {
	t.Helper()
	if attempt == 1 {
		rt.handle(ctx, protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "s1", Action: protocol.ActionStartSession})
	}
	box.waitFor(t, fmt.Sprintf("connect_avatar attempt %d", attempt), connectAttempt(attempt))
	for _, track := range []string{"audio", "video"} {
		rt.handle(ctx, protocol.MediaEvent{Type: protocol.TypeMediaEvent, SessionID: "s1", Attempt: attempt, Kind: protocol.MediaTrack, Track: track})
	}
	box.waitFor(t, "live state", sessionState(session.StateLive))
}

func complete(rt *Runtime, ctx context.Context, req protocol.SpeakRequest) {
	rt.handle(ctx, protocol.SpeakResult{Type: protocol.TypeSpeakResult, SessionID: "s1", RequestID: req.RequestID, Outcome: "completed"})
}

func TestRuntimeSpeaksSentencesInOrder(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{
		content("Hello"), content(","), content(" world"), content("."), content(" Next"), content("."), done(),
	}}}
	rt, box, ctx := newTestRuntime(t, streamer, nil)
	startLive(t, rt, box, ctx, 1)

	if err := rt.HandleUserQuery(ctx, "hi there", ""); err != nil {
		t.Fatalf("HandleUserQuery() error = %v", err)
	}
	first := box.waitFor(t, "first sentence", speakRequestFor("Hello, world.")).(protocol.SpeakRequest)
	complete(rt, ctx, first)
	second := box.waitFor(t, "second sentence", speakRequestFor("Next.")).(protocol.SpeakRequest)
	complete(rt, ctx, second)
	box.waitFor(t, "turn end", turnEnd("completed"))

	turns := rt.Turns()
	if len(turns) != 3 {
		t.Fatalf("len(Turns()) = %d, want 3: %+v", len(turns), turns)
	}
	if turns[0].Role != conversation.RoleSystem || turns[1].Role != conversation.RoleUser {
		t.Fatalf("unexpected leading turns: %+v", turns[:2])
	}
	if turns[2].Role != conversation.RoleAssistant || turns[2].Content != "Hello, world. Next." {
		t.Fatalf("assistant turn = %+v, want %q", turns[2], "Hello, world. Next.")
	}
	if got := box.count(func(m any) bool { return isType[protocol.AssistantTextDelta](m) }); got != 6 {
		t.Fatalf("text deltas = %d, want one per token (6)", got)
	}
	reqs := streamer.Requests()
	if len(reqs) != 1 || reqs[0].Grounded() || len(reqs[0].Messages) != 2 {
		t.Fatalf("chat requests = %+v, want one plain request with system and user messages", reqs)
	}
}

func TestRuntimeDisplayAlignedWithSpeech(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{content("One"), content("."), content(" Two"), content("."), done()}}}
	rt, box, ctx := newTestRuntime(t, streamer, func(c *RuntimeConfig) {
		c.Settings.DisplayAlignWithSpeech = true
	})
	startLive(t, rt, box, ctx, 1)
	_ = rt.HandleUserQuery(ctx, "count", "")

	req := box.waitFor(t, "first sentence", speakRequestFor("One.")).(protocol.SpeakRequest)
	delta := box.waitFor(t, "aligned delta", func(m any) bool { return isType[protocol.AssistantTextDelta](m) }).(protocol.AssistantTextDelta)
	if delta.TextDelta != "One." {
		t.Fatalf("TextDelta = %q, want %q", delta.TextDelta, "One.")
	}
	if got := box.count(func(m any) bool { return isType[protocol.AssistantTextDelta](m) }); got != 1 {
		t.Fatalf("text deltas before second sentence = %d, want 1", got)
	}
	complete(rt, ctx, req)
	box.waitFor(t, "second sentence", speakRequestFor("Two."))
}

func TestRuntimeBargeInCancelsTurn(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{
		{content("First sentence"), content("."), {block: true}},
		{content("Second"), content("."), done()},
	}}
	rt, box, ctx := newTestRuntime(t, streamer, nil)
	startLive(t, rt, box, ctx, 1)

	_ = rt.HandleUserQuery(ctx, "tell me a story", "")
	box.waitFor(t, "first sentence", speakRequestFor("First sentence."))

	if err := rt.HandleUserQuery(ctx, "actually, stop", ""); err != nil {
		t.Fatalf("HandleUserQuery() error = %v", err)
	}
	box.waitFor(t, "interrupted turn", turnEnd("interrupted"))
	box.waitFor(t, "stop speaking", func(m any) bool { return isType[protocol.StopSpeaking](m) })
	req := box.waitFor(t, "second answer", speakRequestFor("Second.")).(protocol.SpeakRequest)
	complete(rt, ctx, req)
	box.waitFor(t, "completed turn", turnEnd("completed"))

	var roles []string
	for _, turn := range rt.Turns() {
		roles = append(roles, string(turn.Role))
	}
	if got, want := strings.Join(roles, ","), "system,user,user,assistant"; got != want {
		t.Fatalf("roles = %s, want %s", got, want)
	}
	if last := rt.Turns()[3]; last.Content != "Second." {
		t.Fatalf("assistant content = %q, want %q", last.Content, "Second.")
	}
}

func TestRuntimeUpstreamErrorAbortsTurn(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{
		{{err: &chat.StatusError{Code: 429, Status: "429 Too Many Requests"}}},
		{content("Ok"), content("."), done()},
	}}
	rt, box, ctx := newTestRuntime(t, streamer, nil)

	_ = rt.HandleUserQuery(ctx, "hello", "")
	ev := box.waitFor(t, "error event", func(m any) bool { return isType[protocol.ErrorEvent](m) }).(protocol.ErrorEvent)
	if ev.Code != "chat_status_429" || !ev.Retryable || ev.Source != "chat" {
		t.Fatalf("error event = %+v, want retryable chat_status_429", ev)
	}
	box.waitFor(t, "error turn end", turnEnd("error"))
	if got := len(rt.Turns()); got != 2 {
		t.Fatalf("len(Turns()) = %d, want 2 (no partial assistant turn)", got)
	}

	if err := rt.HandleUserQuery(ctx, "hello again", ""); err != nil {
		t.Fatalf("HandleUserQuery() after error = %v", err)
	}
	box.waitFor(t, "completed turn", turnEnd("completed"))
}

func TestRuntimeReconnectReplaysActiveSentence(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{content("One"), content("."), content(" Two"), content("."), done()}}}
	rt, box, ctx := newTestRuntime(t, streamer, nil)
	startLive(t, rt, box, ctx, 1)

	_ = rt.HandleUserQuery(ctx, "count", "")
	first := box.waitFor(t, "first sentence", speakRequestFor("One.")).(protocol.SpeakRequest)

	rt.handle(ctx, protocol.MediaEvent{Type: protocol.TypeMediaEvent, SessionID: "s1", Attempt: 1, Kind: protocol.MediaDataChannel, EventType: "EVENT_TYPE_SESSION_END"})
	box.waitFor(t, "disconnect", func(m any) bool { return isType[protocol.DisconnectAvatar](m) })
	box.waitFor(t, "reconnecting state", sessionState(session.StateReconnecting))

	// The old avatar reports back after it was torn down.
	complete(rt, ctx, first)
	startLive(t, rt, box, ctx, 2)

	replay := box.waitFor(t, "replayed sentence", func(m any) bool {
		req, ok := m.(protocol.SpeakRequest)
		return ok && strings.Contains(req.SSML, "One.") && req.RequestID != first.RequestID
	}).(protocol.SpeakRequest)
	complete(rt, ctx, replay)
	box.waitFor(t, "second sentence", speakRequestFor("Two."))

	if rt.State() != session.StateLive {
		t.Fatalf("State() = %s, want %s", rt.State(), session.StateLive)
	}
}

func TestRuntimePersistsRedactedTranscript(t *testing.T) {
	store := memory.NewInMemoryStore()
	streamer := &fakeStreamer{scripts: [][]step{{content("Noted"), content("."), done()}}}
	rt, box, ctx := newTestRuntime(t, streamer, func(c *RuntimeConfig) { c.Store = store })

	_ = rt.HandleUserQuery(ctx, "email me at sam@example.com", "")
	box.waitFor(t, "turn end", turnEnd("completed"))

	var entries []memory.Entry
	deadline := time.Now().Add(2 * time.Second)
	for len(entries) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("transcript entries = %+v, want 2", entries)
		}
		time.Sleep(2 * time.Millisecond)
		entries, _ = store.Transcript(ctx, "s1", 0)
	}
	for _, e := range entries {
		switch e.Role {
		case "user":
			if !e.PIIRedacted || strings.Contains(e.Content, "sam@example.com") {
				t.Fatalf("user entry not redacted: %+v", e)
			}
		case "assistant":
			if e.Content != "Noted." || e.PIIRedacted {
				t.Fatalf("assistant entry = %+v", e)
			}
		default:
			t.Fatalf("unexpected role %q", e.Role)
		}
		if e.UserID != "u1" || e.TurnID == "" {
			t.Fatalf("entry missing user or turn: %+v", e)
		}
	}
}

func TestRuntimeGroundedQuickReply(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{content("Found it"), content("."), done()}}}
	rt, box, ctx := newTestRuntime(t, streamer, func(c *RuntimeConfig) {
		c.Settings.Grounded = true
		c.Settings.QuickReply = true
		c.Settings.SearchEndpoint = "https://search.example.net"
		c.Settings.SearchAPIKey = "search-key"
		c.Settings.SearchIndex = "docs"
	})
	startLive(t, rt, box, ctx, 1)

	_ = rt.HandleUserQuery(ctx, "what does the manual say?", "")
	filler := box.waitFor(t, "quick reply", func(m any) bool { return isType[protocol.SpeakRequest](m) }).(protocol.SpeakRequest)
	if !strings.Contains(filler.SSML, "<break time='2000ms' />") {
		t.Fatalf("quick reply SSML = %q, want a 2000ms break", filler.SSML)
	}
	complete(rt, ctx, filler)
	box.waitFor(t, "answer", speakRequestFor("Found it."))

	reqs := streamer.Requests()
	if len(reqs) != 1 || !reqs[0].Grounded() {
		t.Fatalf("chat request not grounded: %+v", reqs)
	}
	if reqs[0].DataSources[0].Parameters.RoleInformation != "Answer briefly." {
		t.Fatalf("role information = %q", reqs[0].DataSources[0].Parameters.RoleInformation)
	}
	for _, m := range reqs[0].Messages {
		if m.Role == "system" {
			t.Fatalf("grounded request carries a system message")
		}
	}
}

func TestRuntimeClearHistory(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{content("Hi"), content("."), done()}}}
	rt, box, ctx := newTestRuntime(t, streamer, nil)

	_ = rt.HandleUserQuery(ctx, "hello", "")
	box.waitFor(t, "turn end", turnEnd("completed"))
	rt.handle(ctx, protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "s1", Action: protocol.ActionClearHistory})
	box.waitFor(t, "history cleared", func(m any) bool {
		ev, ok := m.(protocol.SystemEvent)
		return ok && ev.Code == "history_cleared"
	})

	turns := rt.Turns()
	if len(turns) != 1 || turns[0].Role != conversation.RoleSystem {
		t.Fatalf("Turns() after clear = %+v, want only the system prompt", turns)
	}
}

func TestRuntimeStopSessionAndClose(t *testing.T) {
	rt, box, ctx := newTestRuntime(t, &fakeStreamer{}, nil)
	startLive(t, rt, box, ctx, 1)

	rt.handle(ctx, protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "s1", Action: protocol.ActionStopSession})
	box.waitFor(t, "closed state", sessionState(session.StateClosed))
	if got := box.count(func(m any) bool {
		ev, ok := m.(protocol.SystemEvent)
		return ok && ev.Code == "session_ended"
	}); got != 0 {
		t.Fatalf("user stop reported session_ended %d times", got)
	}

	rt.Close(ctx)
	rt.Close(ctx)
	if err := rt.HandleUserQuery(ctx, "anyone there?", ""); err != ErrSessionClosed {
		t.Fatalf("HandleUserQuery() after Close = %v, want %v", err, ErrSessionClosed)
	}
}

func TestRuntimeRunConsumesInbound(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{content("Yes"), content("."), done()}}}
	rt, box, ctx := newTestRuntime(t, streamer, nil)

	inbound := make(chan any, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx, inbound) }()

	inbound <- protocol.ClientText{Type: protocol.TypeClientText, SessionID: "s1", Text: "ready?"}
	box.waitFor(t, "turn end", turnEnd("completed"))
	close(inbound)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after inbound closed")
	}
}

// gatedAuth lets the first free calls through and holds the rest until
// open. It ignores ctx like a slow token endpoint would.
type gatedAuth struct {
	free    int32
	n       atomic.Int32
	calls   chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedAuth(t *testing.T, free int32) *gatedAuth {
	a := &gatedAuth{free: free, calls: make(chan struct{}, 8), release: make(chan struct{})}
	t.Cleanup(a.open)
	return a
}

func (a *gatedAuth) Credentials(context.Context) (SpeechCredentials, error) {
	a.calls <- struct{}{}
	if a.n.Add(1) > a.free {
		<-a.release
	}
	return SpeechCredentials{AuthToken: "token"}, nil
}

func (a *gatedAuth) open() { a.once.Do(func() { close(a.release) }) }

func (a *gatedAuth) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-a.calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("credentials were not requested")
	}
}

func TestRuntimeHoldsSpeechUntilLive(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{content("Hello"), content("."), done()}}}
	rt, box, ctx := newTestRuntime(t, streamer, nil)

	if err := rt.HandleUserQuery(ctx, "hi", ""); err != nil {
		t.Fatalf("HandleUserQuery() error = %v", err)
	}
	box.waitFor(t, "turn end", turnEnd("completed"))
	time.Sleep(20 * time.Millisecond)
	if got := box.count(isType[protocol.SpeakRequest]); got != 0 {
		t.Fatalf("state=%s: speak requests before start = %d, want 0", rt.State(), got)
	}

	startLive(t, rt, box, ctx, 1)
	req := box.waitFor(t, "held sentence", speakRequestFor("Hello.")).(protocol.SpeakRequest)
	complete(rt, ctx, req)
	time.Sleep(20 * time.Millisecond)
	if got := box.count(isType[protocol.SpeakRequest]); got != 1 {
		t.Fatalf("speak requests after going live = %d, want 1", got)
	}
}

func TestRuntimeStopWhileConnecting(t *testing.T) {
	auth := newGatedAuth(t, 0)
	rt, box, ctx := newTestRuntime(t, &fakeStreamer{}, func(c *RuntimeConfig) { c.Auth = auth })

	inbound := make(chan any, 4)
	go func() { _ = rt.Run(ctx, inbound) }()

	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "s1", Action: protocol.ActionStartSession}
	auth.waitCall(t)
	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "s1", Action: protocol.ActionStopSession}
	box.waitFor(t, "closed state while credentials pending", sessionState(session.StateClosed))

	auth.open()
	time.Sleep(20 * time.Millisecond)
	if got := box.count(isType[protocol.ConnectAvatar]); got != 0 {
		t.Fatalf("connect_avatar sent after stop: %d", got)
	}
}

func TestRuntimeStopAbandonsReconnect(t *testing.T) {
	auth := newGatedAuth(t, 1)
	rt, box, ctx := newTestRuntime(t, &fakeStreamer{}, func(c *RuntimeConfig) { c.Auth = auth })
	startLive(t, rt, box, ctx, 1)
	auth.waitCall(t)

	rt.handle(ctx, protocol.MediaEvent{Type: protocol.TypeMediaEvent, SessionID: "s1", Attempt: 1, Kind: protocol.MediaDataChannel, EventType: "EVENT_TYPE_SESSION_END"})
	auth.waitCall(t)
	rt.handle(ctx, protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "s1", Action: protocol.ActionStopSession})
	box.waitFor(t, "closed state", sessionState(session.StateClosed))

	auth.open()
	time.Sleep(20 * time.Millisecond)
	if got := box.count(connectAttempt(2)); got != 0 {
		t.Fatalf("state=%s: connect_avatar attempt 2 sent after stop: %d", rt.State(), got)
	}
	if rt.State() != session.StateClosed {
		t.Fatalf("State() = %s, want %s", rt.State(), session.StateClosed)
	}
}
