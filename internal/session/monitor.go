package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/avatarchat/internal/reliability"
	"github.com/ent0n29/avatarchat/internal/voice"
)

// State is the health of the avatar media session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ConnectionState is a transport-level report from the media session.
type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

// TrackKind names a remote media track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Data-channel event types, without the EVENT_TYPE_ prefix.
const (
	EventTurnStart    = "TURN_START"
	EventSessionEnd   = "SESSION_END"
	EventSwitchToIdle = "SWITCH_TO_IDLE"
)

// Speaker is the speech queue as seen by the monitor.
type Speaker interface {
	Freeze()
	Resume(policy voice.ReplayPolicy)
	Clear()
	StopSpeaking(ctx context.Context) error
	Speaking() bool
	LastSpeak() time.Time
}

// Attempt identifies one connection attempt.
type Attempt struct {
	// ID increases with every attempt in the monitor's lifetime.
	ID        int
	Reconnect bool
}

// Connector opens and releases the media session. Connect returns once the
// attempt is under way; progress is reported back through the monitor. The
// ctx passed to Connect is canceled when the attempt is abandoned.
type Connector interface {
	Connect(ctx context.Context, attempt Attempt) error
	Disconnect(ctx context.Context, reason string) error
}

// Timer is the part of *time.Timer the monitor needs.
type Timer interface {
	Stop() bool
}

type MonitorConfig struct {
	AutoReconnect bool
	// DegradeOnIdleSwitch treats SWITCH_TO_IDLE like SESSION_END.
	DegradeOnIdleSwitch bool
	ReplayPolicy        voice.ReplayPolicy
	// SettleDelay is waited after both tracks arrive. Zero goes live at once.
	SettleDelay     time.Duration
	StalenessWindow time.Duration
	// MaxReconnects bounds consecutive attempts. Zero means unbounded.
	MaxReconnects int
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// IdleDisconnect parks a quiet live session after IdleTimeout.
	IdleDisconnect bool
	IdleTimeout    time.Duration

	Logger    *slog.Logger
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
	// Go runs connection attempts. It defaults to a new goroutine.
	Go             func(f func())
	OnTransition   func(from, to State, reason string)
	OnTurnStart    func()
	OnConnectError func(attempt Attempt, err error)
}

// Monitor tracks media-session health and decides when to reconnect and
// what to replay. External calls run outside its lock.
type Monitor struct {
	cfg       MonitorConfig
	speaker   Speaker
	connector Connector
	logger    *slog.Logger

	mu               sync.Mutex
	ctx              context.Context
	state            State
	gen              uint64
	attemptID        int
	reconnectAttempt bool
	attemptCancel    context.CancelFunc
	reconnects       int
	audio            bool
	video            bool
	settling         bool
	timer            Timer
	userClosed       bool
	lastInteraction  time.Time
	liveSince        time.Time

	position        float64
	havePosition    bool
	checkedPosition float64
	armed           bool
}

func NewMonitor(cfg MonitorConfig, speaker Speaker, connector Connector) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Go == nil {
		cfg.Go = func(f func()) { go f() }
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 5 * time.Minute
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Second
	}
	if cfg.ReplayPolicy == "" {
		cfg.ReplayPolicy = voice.ReplayActive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:             cfg,
		speaker:         speaker,
		connector:       connector,
		logger:          logger,
		ctx:             context.Background(),
		state:           StateIdle,
		lastInteraction: cfg.Now(),
	}
}

// State returns the current session state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the ID of the latest connection attempt.
func (m *Monitor) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptID
}

// Touch records user interaction for the staleness window.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastInteraction = m.cfg.Now()
}

// Start opens a fresh session from Idle or Closed. It is a no-op otherwise.
// The connection attempt runs in the background.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.ctx = context.WithoutCancel(ctx)
	m.userClosed = false
	m.reconnects = 0
	m.lastInteraction = m.cfg.Now()
	attempt, attemptCtx, gen := m.beginAttemptLocked(false)
	m.mu.Unlock()

	m.speaker.Freeze()
	m.notify(from, StateConnecting, "start")
	m.connect(attemptCtx, gen, attempt)
}

// Stop closes the session immediately and abandons any attempt in flight.
// Repeated calls only drop speech queued since the last one.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.userClosed = true
		m.mu.Unlock()
		m.speaker.Clear()
		return
	}
	from := m.state
	m.userClosed = true
	m.gen++
	m.stopTimerLocked()
	m.cancelAttemptLocked()
	m.state = StateClosed
	m.mu.Unlock()

	m.speaker.Freeze()
	if err := m.speaker.StopSpeaking(ctx); err != nil {
		m.logger.Warn("stop speaking failed", "error", err)
	}
	if from != StateIdle {
		if err := m.connector.Disconnect(ctx, "user_closed"); err != nil {
			m.logger.Warn("disconnect failed", "error", err)
		}
	}
	m.notify(from, StateClosed, "user_closed")
}

// Park releases a live session on purpose. It is not a failure and the next
// Start reconnects.
func (m *Monitor) Park(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.state != StateLive {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopTimerLocked()
	m.cancelAttemptLocked()
	m.state = StateIdle
	m.mu.Unlock()

	m.speaker.Freeze()
	if err := m.connector.Disconnect(ctx, reason); err != nil {
		m.logger.Warn("disconnect failed", "error", err)
	}
	m.notify(StateLive, StateIdle, reason)
}

// OnConnectionState handles a transport report for attempt (zero matches any).
func (m *Monitor) OnConnectionState(attempt int, s ConnectionState) {
	m.mu.Lock()
	if !m.currentLocked(attempt) {
		m.mu.Unlock()
		return
	}
	state, gen := m.state, m.gen
	m.mu.Unlock()

	switch {
	case s == ConnFailed && (state == StateLive || state == StateConnecting):
		m.degrade(gen, "connection_failed")
	case s == ConnDisconnected && state == StateLive:
		m.degrade(gen, "connection_disconnected")
	}
}

// OnTrack records a flowing remote track for attempt.
func (m *Monitor) OnTrack(attempt int, kind TrackKind) {
	m.mu.Lock()
	if !m.currentLocked(attempt) || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	switch kind {
	case TrackAudio:
		m.audio = true
	case TrackVideo:
		m.video = true
	}
	if !m.audio || !m.video || m.settling {
		m.mu.Unlock()
		return
	}
	m.settling = true
	gen := m.gen
	m.mu.Unlock()

	if m.cfg.SettleDelay <= 0 {
		m.goLive(gen)
		return
	}
	m.schedule(gen, StateConnecting, m.cfg.SettleDelay, func() { m.goLive(gen) })
}

// OnDataChannelEvent handles a media data-channel event. The EVENT_TYPE_
// prefix is optional.
func (m *Monitor) OnDataChannelEvent(attempt int, eventType string) {
	eventType = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(eventType)), "EVENT_TYPE_")

	m.mu.Lock()
	if !m.currentLocked(attempt) {
		m.mu.Unlock()
		return
	}
	state, gen, userClosed := m.state, m.gen, m.userClosed
	m.mu.Unlock()

	switch eventType {
	case EventTurnStart:
		if m.cfg.OnTurnStart != nil {
			m.cfg.OnTurnStart()
		}
	case EventSessionEnd, EventSwitchToIdle:
		if eventType == EventSwitchToIdle && !m.cfg.DegradeOnIdleSwitch {
			return
		}
		if userClosed || (state != StateLive && state != StateConnecting) {
			return
		}
		m.degrade(gen, strings.ToLower(eventType))
	}
}

// OnPlaybackPosition records the remote player position in seconds.
func (m *Monitor) OnPlaybackPosition(attempt int, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(attempt) {
		return
	}
	m.position = seconds
	m.havePosition = true
}

// CheckLiveness compares the playback position with the previous check and
// treats a stall while live as a disconnect.
func (m *Monitor) CheckLiveness() {
	m.mu.Lock()
	if m.state != StateLive || !m.havePosition {
		m.armed = false
		m.mu.Unlock()
		return
	}
	stalled := m.armed && m.position == m.checkedPosition
	m.checkedPosition = m.position
	m.armed = true
	gen := m.gen
	m.mu.Unlock()

	if stalled {
		m.logger.Warn("avatar playback stalled", "position", m.checkedPosition)
		m.degrade(gen, "playback_stalled")
	}
}

// CheckIdle parks a live session that has been quiet for the idle timeout.
func (m *Monitor) CheckIdle(ctx context.Context) {
	if !m.cfg.IdleDisconnect {
		return
	}
	m.mu.Lock()
	if m.state != StateLive {
		m.mu.Unlock()
		return
	}
	since := m.liveSince
	m.mu.Unlock()

	if m.speaker.Speaking() {
		return
	}
	if last := m.speaker.LastSpeak(); last.After(since) {
		since = last
	}
	if m.cfg.Now().Sub(since) > m.cfg.IdleTimeout {
		m.Park(ctx, "idle")
	}
}

func (m *Monitor) goLive(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.settling = false
	m.state = StateLive
	m.reconnects = 0
	m.liveSince = m.cfg.Now()
	m.havePosition = false
	m.armed = false
	policy := voice.ReplayActive
	if m.reconnectAttempt {
		policy = m.cfg.ReplayPolicy
	}
	m.mu.Unlock()

	m.speaker.Resume(policy)
	m.notify(StateConnecting, StateLive, "tracks_ready")
}

func (m *Monitor) degrade(gen uint64, reason string) {
	m.mu.Lock()
	if m.gen != gen || (m.state != StateLive && m.state != StateConnecting) || m.userClosed {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.gen++
	m.stopTimerLocked()
	m.cancelAttemptLocked()
	m.state = StateDegraded
	ctx := m.ctx
	m.mu.Unlock()

	m.speaker.Freeze()
	m.notify(from, StateDegraded, reason)
	if err := m.connector.Disconnect(ctx, reason); err != nil {
		m.logger.Warn("disconnect failed", "error", err)
	}

	m.mu.Lock()
	if m.state != StateDegraded {
		m.mu.Unlock()
		return
	}
	why := m.reconnectBlockedLocked()
	if why != "" {
		m.gen++
		m.state = StateClosed
		m.mu.Unlock()
		if err := m.speaker.StopSpeaking(ctx); err != nil {
			m.logger.Warn("stop speaking failed", "error", err)
		}
		m.notify(StateDegraded, StateClosed, why)
		return
	}
	m.reconnects++
	n := m.reconnects
	delay := time.Duration(0)
	if n > 1 {
		delay = reliability.ExponentialBackoff(n-2, m.cfg.ReconnectBase, m.cfg.ReconnectCap)
	}
	m.state = StateReconnecting
	gen = m.gen
	m.mu.Unlock()

	m.notify(StateDegraded, StateReconnecting, reason)
	m.logger.Info("reconnecting avatar session", "attempt", n, "delay", delay, "reason", reason)

	m.schedule(gen, StateReconnecting, delay, func() { m.reconnect(gen) })
}

// schedule arms f and keeps the timer only while gen and state still hold.
func (m *Monitor) schedule(gen uint64, state State, d time.Duration, f func()) {
	timer := m.cfg.AfterFunc(d, f)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && m.state == state {
		m.timer = timer
	} else {
		timer.Stop()
	}
}

func (m *Monitor) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	attempt, attemptCtx, attemptGen := m.beginAttemptLocked(true)
	m.mu.Unlock()

	m.notify(StateReconnecting, StateConnecting, "reconnect")
	m.connect(attemptCtx, attemptGen, attempt)
}

// connect runs the attempt outside the caller. A failure of the current
// attempt degrades the session; a late success after Stop is torn down.
func (m *Monitor) connect(ctx context.Context, gen uint64, attempt Attempt) {
	m.cfg.Go(func() {
		err := m.connector.Connect(ctx, attempt)

		m.mu.Lock()
		current := m.gen == gen
		closed := m.state == StateClosed
		m.mu.Unlock()

		switch {
		case err != nil && current:
			m.logger.Warn("avatar connect failed", "attempt", attempt.ID, "error", err)
			if m.cfg.OnConnectError != nil {
				m.cfg.OnConnectError(attempt, err)
			}
			m.degrade(gen, "connect_failed")
		case err != nil:
			m.logger.Debug("avatar connect abandoned", "attempt", attempt.ID, "error", err)
		case !current && closed:
			if err := m.connector.Disconnect(context.WithoutCancel(ctx), "attempt_abandoned"); err != nil {
				m.logger.Warn("disconnect failed", "error", err)
			}
		}
	})
}

func (m *Monitor) beginAttemptLocked(reconnect bool) (Attempt, context.Context, uint64) {
	m.gen++
	m.attemptID++
	m.reconnectAttempt = reconnect
	m.stopTimerLocked()
	m.cancelAttemptLocked()
	ctx, cancel := context.WithCancel(m.ctx)
	m.attemptCancel = cancel
	m.audio, m.video = false, false
	m.state = StateConnecting
	return Attempt{ID: m.attemptID, Reconnect: reconnect}, ctx, m.gen
}

func (m *Monitor) cancelAttemptLocked() {
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
}

func (m *Monitor) reconnectBlockedLocked() string {
	switch {
	case !m.cfg.AutoReconnect:
		return "reconnect_disabled"
	case m.userClosed:
		return "user_closed"
	case m.cfg.Now().Sub(m.lastInteraction) >= m.cfg.StalenessWindow:
		return "stale"
	case m.cfg.MaxReconnects > 0 && m.reconnects >= m.cfg.MaxReconnects:
		return "reconnect_exhausted"
	default:
		return ""
	}
}

func (m *Monitor) currentLocked(attempt int) bool {
	return attempt == 0 || attempt == m.attemptID
}

func (m *Monitor) stopTimerLocked() {
	m.settling = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) notify(from, to State, reason string) {
	m.logger.Info("avatar session transition", "from", from, "to", to, "reason", reason)
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(from, to, reason)
	}
}
