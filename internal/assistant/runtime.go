package assistant

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/avatarchat/internal/chat"
	"github.com/ent0n29/avatarchat/internal/conversation"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/observability"
	"github.com/ent0n29/avatarchat/internal/policy"
	"github.com/ent0n29/avatarchat/internal/protocol"
	"github.com/ent0n29/avatarchat/internal/session"
	"github.com/ent0n29/avatarchat/internal/voice"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	bestEffortTimeout   = 120 * time.Millisecond
	transcriptTimeout   = 2 * time.Second
)

// Streamer produces the assistant reply for a chat request.
type Streamer interface {
	Stream(ctx context.Context, req chat.Request) iter.Seq2[chat.DeltaEvent, error]
}

type RuntimeConfig struct {
	Session  *session.Session
	Settings Settings
	Streamer Streamer
	Auth     SpeechAuthorizer
	Sessions *session.Manager
	Store    memory.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	Outbound chan<- any
	// AfterFunc overrides monitor timers in tests.
	AfterFunc func(time.Duration, func()) session.Timer
}

// Runtime runs one chat session over one websocket connection.
type Runtime struct {
	sessionID string
	userID    string
	settings  Settings
	streamer  Streamer
	sessions  *session.Manager
	store     memory.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	outbound  chan<- any
	ctx       context.Context
	boundary  voice.BoundaryFunc

	state   *conversation.State
	bridge  *Bridge
	queue   *voice.Queue
	monitor *session.Monitor

	mu             sync.Mutex
	closed         bool
	turnID         string
	turnCancel     context.CancelFunc
	turnDone       chan struct{}
	queryAt        time.Time
	awaitingSpeech bool
	speakingText   string
	degradedAt     time.Time
}

// NewRuntime wires the conversation, speech queue and avatar monitor for one
// session. ctx bounds every speak call and outbound send.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.Session.ID)

	r := &Runtime{
		sessionID: cfg.Session.ID,
		userID:    cfg.Session.UserID,
		settings:  cfg.Settings,
		streamer:  cfg.Streamer,
		sessions:  cfg.Sessions,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		logger:    logger,
		outbound:  cfg.Outbound,
		ctx:       ctx,
		boundary:  voice.PunctuationBoundary(voice.DefaultPunctuation),
		state:     conversation.NewState(cfg.Settings.SystemPrompt, cfg.Settings.Grounded),
	}
	r.bridge = NewBridge(r.sessionID, cfg.Settings, cfg.Auth, r.send, logger)

	ssml := voice.SSMLBuilder{Voice: cfg.Settings.Voice, Language: cfg.Settings.Language, StripMarkdown: true}
	r.queue = voice.NewQueue(ctx, voice.QueueConfig{
		Synth:          r.bridge,
		Render:         ssml.Build,
		RecentLookback: cfg.Settings.ReplayLookback,
		StartFrozen:    true,
		Logger:         logger,
		OnSpeakStart:   r.onSpeakStart,
		OnSpeakDone: func(item voice.SpokenItem, outcome voice.SpeakOutcome, _ error) {
			r.metrics.ObserveSpoken(string(outcome), item.IsReplay)
		},
	})

	mc := cfg.Settings.Monitor
	mc.Logger = logger
	mc.OnTransition = r.onTransition
	mc.OnTurnStart = r.onTurnStart
	mc.OnConnectError = func(_ session.Attempt, err error) {
		r.sendError("avatar_connect_failed", "avatar", true, err)
	}
	if cfg.AfterFunc != nil {
		mc.AfterFunc = cfg.AfterFunc
	}
	r.monitor = session.NewMonitor(mc, r.queue, r.bridge)
	return r
}

// Run consumes inbound client messages until inbound closes or ctx ends,
// then closes the session.
func (r *Runtime) Run(ctx context.Context, inbound <-chan any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-inbound:
				if !ok {
					return nil
				}
				r.handle(gctx, msg)
			}
		}
	})
	g.Go(func() error {
		r.watch(gctx)
		return nil
	})
	err := g.Wait()
	r.Close(context.WithoutCancel(ctx))
	return err
}

// Close ends the turn in flight and the avatar session. It is safe to call
// more than once.
func (r *Runtime) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancelTurn()
	r.monitor.Stop(ctx)
	r.bridge.Close()
}

// State returns the avatar session state.
func (r *Runtime) State() session.State {
	return r.monitor.State()
}

// Turns returns a copy of the conversation.
func (r *Runtime) Turns() []conversation.Turn {
	return r.state.Turns()
}

// HandleUserQuery interrupts whatever the assistant is doing and starts a
// new turn for text.
func (r *Runtime) HandleUserQuery(ctx context.Context, text, imageURL string) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	r.monitor.Touch()
	if r.sessions != nil {
		_ = r.sessions.Touch(r.sessionID)
	}
	if r.monitor.State() == session.StateIdle && r.monitor.Attempt() > 0 {
		// Parked for idleness; bring the avatar back for the answer.
		r.monitor.Start(ctx)
	}
	r.bargeIn(ctx)

	userTurn, err := r.state.AppendUser(text, imageURL)
	if err != nil {
		return err
	}
	if err := r.state.BeginAssistant(); err != nil {
		return err
	}

	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.turnID = turnID
	r.turnCancel = cancel
	r.turnDone = done
	r.queryAt = time.Now()
	r.awaitingSpeech = true
	r.mu.Unlock()

	if r.sessions != nil {
		_ = r.sessions.StartTurn(r.sessionID, turnID)
	}
	r.persist(turnID, conversation.RoleUser, userTurn.Text(), imageURL != "")

	if r.settings.Grounded && r.settings.QuickReply {
		r.queue.Enqueue(voice.QuickReply())
		r.metrics.ObserveIndicator("quick_reply")
	}

	go r.runTurn(turnCtx, cancel, turnID, done)
	return nil
}

func (r *Runtime) runTurn(ctx context.Context, cancel context.CancelFunc, turnID string, done chan struct{}) {
	defer close(done)
	defer cancel()

	ctx, span := tracer.Start(ctx, "assistant turn", trace.WithAttributes(
		attribute.String("session.id", r.sessionID),
		attribute.String("turn.id", turnID),
		attribute.Bool("turn.grounded", r.settings.Grounded),
	))
	defer span.End()

	r.mu.Lock()
	queryAt := r.queryAt
	r.mu.Unlock()

	req := chat.BuildRequest(r.state.Turns(), r.settings.DataSources())
	seg := voice.NewSegmenter(r.boundary)
	firstToken := true
	var streamErr error

	for ev, err := range r.streamer.Stream(ctx, req) {
		if err != nil {
			streamErr = err
			break
		}
		switch ev.Kind {
		case chat.EventContent:
			if firstToken {
				firstToken = false
				r.metrics.ObserveFirstToken(time.Since(queryAt))
			}
			_ = r.state.ExtendAssistant(ev.Text)
			if !r.settings.DisplayAlignWithSpeech {
				r.sendBestEffort(protocol.AssistantTextDelta{
					Type:      protocol.TypeAssistantTextDelta,
					SessionID: r.sessionID,
					TurnID:    turnID,
					TextDelta: ev.Text,
				})
			}
			if item, ok := seg.Accept(ev.Text); ok {
				r.queue.Enqueue(item)
			}
		case chat.EventTool:
			_ = r.state.ExtendTool(ev.Text)
		case chat.EventRole:
			r.logger.Debug("assistant role announced", "role", ev.Role)
		}
	}

	switch {
	case ctx.Err() != nil:
		span.AddEvent("interrupted")
		r.state.AbortAssistant()
		r.endTurn(turnID, "interrupted")
		return
	case streamErr != nil:
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		r.state.AbortAssistant()
		r.reportUpstream(streamErr)
		r.endTurn(turnID, "error")
		return
	}

	if item, ok := seg.Flush(); ok {
		r.queue.Enqueue(item)
	}
	turn, err := r.state.CommitAssistant()
	if err != nil {
		r.logger.Error("commit assistant turn failed", "error", err)
		r.endTurn(turnID, "error")
		return
	}
	r.persist(turnID, conversation.RoleAssistant, turn.Text(), false)
	r.metrics.ObserveStage(observability.StageTurnTotal, time.Since(queryAt))
	r.endTurn(turnID, "completed")
}

func (r *Runtime) endTurn(turnID, reason string) {
	r.send(protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: r.sessionID,
		TurnID:    turnID,
		Reason:    reason,
	})
	if r.sessions != nil {
		_ = r.sessions.FinishTurn(r.sessionID, turnID)
	}
	r.mu.Lock()
	if r.turnID == turnID {
		r.turnCancel = nil
		r.turnDone = nil
	}
	r.mu.Unlock()
}

// cancelTurn stops the stream in flight and waits for its turn to settle.
// It reports whether a turn was running.
func (r *Runtime) cancelTurn() bool {
	r.mu.Lock()
	cancel, done := r.turnCancel, r.turnDone
	r.turnCancel, r.turnDone = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// bargeIn silences the avatar and drops the unfinished answer.
func (r *Runtime) bargeIn(ctx context.Context) {
	interrupted := r.cancelTurn()
	if r.queue.Speaking() || len(r.queue.Pending()) > 0 {
		if err := r.queue.StopSpeaking(ctx); err != nil {
			r.logger.Warn("stop speaking failed", "error", err)
		}
		interrupted = true
	}
	if !interrupted {
		return
	}
	r.metrics.ObserveIndicator("barge_in")
	r.metrics.SessionEvents.WithLabelValues("barge_in").Inc()
	if r.sessions != nil {
		_ = r.sessions.BargeIn(r.sessionID)
	}
}

func (r *Runtime) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.ClientText:
		if err := r.HandleUserQuery(ctx, m.Text, m.ImageURL); err != nil {
			r.sendError("invalid_user_query", "conversation", false, err)
		}
	case protocol.ClientControl:
		r.handleControl(ctx, m.Action)
	case protocol.MediaEvent:
		r.handleMedia(m)
	case protocol.SpeakResult:
		if !r.bridge.HandleSpeakResult(m) {
			r.logger.Debug("ignoring speak result", "request_id", m.RequestID, "outcome", m.Outcome)
		}
	default:
		r.logger.Warn("unexpected inbound message", "type", fmt.Sprintf("%T", msg))
	}
}

func (r *Runtime) handleControl(ctx context.Context, action string) {
	switch action {
	case protocol.ActionStartSession:
		r.monitor.Touch()
		r.monitor.Start(ctx)
	case protocol.ActionStopSession:
		r.cancelTurn()
		r.monitor.Stop(ctx)
	case protocol.ActionStopSpeaking:
		r.bargeIn(ctx)
	case protocol.ActionClearHistory:
		r.bargeIn(ctx)
		r.state.Clear()
		r.send(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: r.sessionID,
			Code:      "history_cleared",
		})
	}
}

func (r *Runtime) handleMedia(m protocol.MediaEvent) {
	switch m.Kind {
	case protocol.MediaConnectionState:
		r.monitor.OnConnectionState(m.Attempt, session.ConnectionState(m.State))
	case protocol.MediaTrack:
		r.monitor.OnTrack(m.Attempt, session.TrackKind(m.Track))
	case protocol.MediaDataChannel:
		r.monitor.OnDataChannelEvent(m.Attempt, m.EventType)
	case protocol.MediaPlayback:
		r.monitor.OnPlaybackPosition(m.Attempt, m.Position)
	}
}

func (r *Runtime) watch(ctx context.Context) {
	interval := r.settings.LivenessInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.monitor.CheckLiveness()
			r.monitor.CheckIdle(ctx)
		}
	}
}

func (r *Runtime) onSpeakStart(item voice.SpokenItem) {
	r.mu.Lock()
	r.speakingText = item.Text
	turnID := r.turnID
	first := r.awaitingSpeech && !item.IsReplay
	if first {
		r.awaitingSpeech = false
	}
	queryAt := r.queryAt
	r.mu.Unlock()

	if first {
		r.metrics.ObserveFirstSpeech(time.Since(queryAt))
	}
	if item.IsReplay {
		r.metrics.ObserveIndicator("replay")
		return
	}
	if r.settings.DisplayAlignWithSpeech {
		r.send(protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: r.sessionID,
			TurnID:    turnID,
			TextDelta: item.Text,
		})
	}
}

func (r *Runtime) onTurnStart() {
	r.mu.Lock()
	text := r.speakingText
	r.mu.Unlock()
	if text == "" {
		return
	}
	r.sendBestEffort(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: r.sessionID,
		Code:      "subtitle",
		Detail:    text,
	})
}

func (r *Runtime) onTransition(from, to session.State, reason string) {
	r.metrics.MonitorTransitions.WithLabelValues(string(to), reason).Inc()

	r.mu.Lock()
	var reconnectTook time.Duration
	switch to {
	case session.StateDegraded:
		r.degradedAt = time.Now()
	case session.StateLive:
		if !r.degradedAt.IsZero() {
			reconnectTook = time.Since(r.degradedAt)
			r.degradedAt = time.Time{}
		}
	case session.StateClosed, session.StateIdle:
		r.degradedAt = time.Time{}
	}
	r.mu.Unlock()

	if to == session.StateReconnecting {
		r.metrics.ReconnectAttempts.Inc()
	}
	if reconnectTook > 0 {
		r.metrics.ObserveStage(observability.StageReconnectLive, reconnectTook)
	}

	r.send(protocol.SessionState{
		Type:      protocol.TypeSessionState,
		SessionID: r.sessionID,
		State:     string(to),
		Previous:  string(from),
		Reason:    reason,
	})
	if to == session.StateClosed && reason != "user_closed" {
		r.send(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: r.sessionID,
			Code:      "session_ended",
			Detail:    reason,
		})
	}
}

func (r *Runtime) reportUpstream(err error) {
	code := "chat_stream_failed"
	retryable := false
	var statusErr *chat.StatusError
	if errors.As(err, &statusErr) {
		code = fmt.Sprintf("chat_status_%d", statusErr.Code)
		retryable = statusErr.Retryable()
	}
	r.metrics.UpstreamErrors.WithLabelValues("chat", code).Inc()
	r.logger.Warn("chat stream failed", "code", code, "error", err)
	r.sendError(code, "chat", retryable, err)
}

func (r *Runtime) sendError(code, source string, retryable bool, err error) {
	r.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: r.sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    err.Error(),
	})
}

func (r *Runtime) persist(turnID string, role conversation.Role, content string, hasImage bool) {
	if r.store == nil || content == "" {
		return
	}
	redacted, changed := policy.RedactPII(content)
	entry := memory.Entry{
		SessionID:   r.sessionID,
		UserID:      r.userID,
		TurnID:      turnID,
		Role:        string(role),
		Content:     redacted,
		HasImage:    hasImage,
		PIIRedacted: changed,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), transcriptTimeout)
		defer cancel()
		if err := r.store.SaveEntry(ctx, entry); err != nil {
			r.metrics.SessionEvents.WithLabelValues("transcript_save_failed").Inc()
			r.logger.Warn("save transcript entry failed", "error", err)
		}
	}()
}

// send delivers control messages, waiting briefly when the writer is behind.
func (r *Runtime) send(msg any) bool {
	return r.deliver(msg, criticalSendTimeout)
}

// sendBestEffort is for display-only messages that may be dropped.
func (r *Runtime) sendBestEffort(msg any) bool {
	return r.deliver(msg, bestEffortTimeout)
}

func (r *Runtime) deliver(msg any, timeout time.Duration) bool {
	select {
	case r.outbound <- msg:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r.outbound <- msg:
		return true
	case <-r.ctx.Done():
	case <-timer.C:
	}
	r.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	return false
}
