package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarchat/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	voice          string
	turns          int
	realtime       float64
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	dropEvery      int
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type      string `json:"type"`
	TurnID    string `json:"turn_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	SSML      string `json:"ssml,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	TextDelta string `json:"text_delta,omitempty"`
}

type turnSample struct {
	firstDelta  time.Duration
	firstSpeech time.Duration
	total       time.Duration
	reason      string
}

var defaultUtterances = []string{
	"Reply in two sentences: what is a talking avatar?",
	"Reply in two sentences: why stream the answer?",
	"Reply in two sentences: what happens on reconnect?",
}

// Rough speaking rate used to hold each speak request open.
const msPerRune = 55

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "avatarchat base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	flag.StringVar(&cfg.voice, "voice", "", "optional voice override")
	flag.IntVar(&cfg.turns, "turns", 6, "number of turns to run")
	flag.Float64Var(&cfg.realtime, "realtime", 4.0, "speech pacing multiplier (1.0=realtime)")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 300, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for assistant_turn_end per turn in milliseconds")
	flag.IntVar(&cfg.dropEvery, "drop-every", 0, "end the avatar session during every Nth turn to exercise reconnects (0=never)")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.dropEvery < 0 {
		return options{}, fmt.Errorf("drop-every must be >= 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty utterances")
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...)
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("perfchat: session=%s turns=%d realtime=%.1f drop_every=%d\n", sessionID, cfg.turns, cfg.realtime, cfg.dropEvery)
	}

	b := newBrowser(ctx, conn, sessionID, cfg)
	go b.readLoop()

	if err := b.write(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionStartSession}); err != nil {
		return fmt.Errorf("start avatar: %w", err)
	}
	if err := b.awaitLive(cfg.turnTimeout); err != nil {
		return fmt.Errorf("await live avatar: %w", err)
	}

	samples := make([]turnSample, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		drop := cfg.dropEvery > 0 && (i+1)%cfg.dropEvery == 0
		if cfg.verbose {
			fmt.Printf("perfchat: turn %d/%d text=%q drop=%v\n", i+1, cfg.turns, text, drop)
		}
		sample, err := b.runTurn(text, drop, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		samples = append(samples, sample)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(os.Stdout, samples, b.reconnects())
	return nil
}

// browser plays the client side of the session protocol: it reports media
// tracks for every connect and answers speak requests after a speaking delay.
type browser struct {
	ctx       context.Context
	conn      *websocket.Conn
	sessionID string
	cfg       options

	writeMu sync.Mutex
	events  chan wsEnvelope
	errCh   chan error

	mu          sync.Mutex
	attempt     int
	reconnectN  int
	speakCancel map[string]context.CancelFunc
}

func newBrowser(ctx context.Context, conn *websocket.Conn, sessionID string, cfg options) *browser {
	return &browser{
		ctx:         ctx,
		conn:        conn,
		sessionID:   sessionID,
		cfg:         cfg,
		events:      make(chan wsEnvelope, 256),
		errCh:       make(chan error, 1),
		speakCancel: make(map[string]context.CancelFunc),
	}
}

func (b *browser) write(msg any) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *browser) readLoop() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case b.errCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeConnectAvatar:
			b.onConnect(env)
		case protocol.TypeSpeakRequest:
			b.onSpeak(env)
		case protocol.TypeStopSpeaking, protocol.TypeDisconnectAvatar:
			b.cancelSpeech()
		case protocol.TypeErrorEvent:
			if b.cfg.verbose {
				fmt.Fprintf(os.Stderr, "perfchat: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
		select {
		case b.events <- env:
		default:
		}
	}
}

func (b *browser) onConnect(env wsEnvelope) {
	b.mu.Lock()
	b.attempt = env.Attempt
	if env.Attempt > 1 {
		b.reconnectN++
	}
	b.mu.Unlock()
	for _, track := range []string{"audio", "video"} {
		_ = b.write(protocol.MediaEvent{
			Type:      protocol.TypeMediaEvent,
			SessionID: b.sessionID,
			Attempt:   env.Attempt,
			Kind:      protocol.MediaTrack,
			Track:     track,
		})
	}
}

func (b *browser) onSpeak(env wsEnvelope) {
	ctx, cancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	b.speakCancel[env.RequestID] = cancel
	b.mu.Unlock()

	go func() {
		defer cancel()
		outcome := "completed"
		timer := time.NewTimer(speakingTime(env.SSML, b.cfg.realtime))
		select {
		case <-ctx.Done():
			outcome = "canceled"
		case <-timer.C:
		}
		timer.Stop()
		b.mu.Lock()
		delete(b.speakCancel, env.RequestID)
		b.mu.Unlock()
		_ = b.write(protocol.SpeakResult{
			Type:      protocol.TypeSpeakResult,
			SessionID: b.sessionID,
			RequestID: env.RequestID,
			Outcome:   outcome,
		})
	}()
}

func (b *browser) cancelSpeech() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cancel := range b.speakCancel {
		cancel()
		delete(b.speakCancel, id)
	}
}

func (b *browser) reconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnectN
}

func (b *browser) dropAvatar() error {
	b.mu.Lock()
	attempt := b.attempt
	b.mu.Unlock()
	return b.write(protocol.MediaEvent{
		Type:      protocol.TypeMediaEvent,
		SessionID: b.sessionID,
		Attempt:   attempt,
		Kind:      protocol.MediaDataChannel,
		EventType: "EVENT_TYPE_SESSION_END",
	})
}

func (b *browser) awaitLive(timeout time.Duration) error {
	_, err := b.await(timeout, func(env wsEnvelope) bool {
		return env.Type == string(protocol.TypeSessionState) && env.State == "live"
	})
	return err
}

func (b *browser) await(timeout time.Duration, match func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-b.events:
			if match(env) {
				return env, nil
			}
		case err := <-b.errCh:
			return wsEnvelope{}, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func (b *browser) runTurn(text string, drop bool, timeout time.Duration) (turnSample, error) {
	started := time.Now()
	if err := b.write(protocol.ClientText{Type: protocol.TypeClientText, SessionID: b.sessionID, Text: text}); err != nil {
		return turnSample{}, err
	}

	var sample turnSample
	deadline := time.Now().Add(timeout)
	dropped := false
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return sample, fmt.Errorf("timeout after %s", timeout)
		}
		env, err := b.await(remaining, func(wsEnvelope) bool { return true })
		if err != nil {
			return sample, err
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeAssistantTextDelta:
			if sample.firstDelta == 0 {
				sample.firstDelta = time.Since(started)
			}
		case protocol.TypeSpeakRequest:
			if sample.firstSpeech == 0 {
				sample.firstSpeech = time.Since(started)
			}
			if drop && !dropped {
				dropped = true
				if err := b.dropAvatar(); err != nil {
					return sample, err
				}
			}
		case protocol.TypeAssistantTurnEnd:
			sample.total = time.Since(started)
			sample.reason = env.Reason
			return sample, nil
		}
	}
}

var ssmlTagRe = regexp.MustCompile(`<[^>]*>`)

// speakingTime estimates how long the avatar would talk for ssml.
func speakingTime(ssml string, realtime float64) time.Duration {
	text := strings.TrimSpace(ssmlTagRe.ReplaceAllString(ssml, ""))
	d := time.Duration(len([]rune(text))*msPerRune) * time.Millisecond
	if realtime > 0 {
		d = time.Duration(float64(d) / realtime)
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := sonic.Marshal(createSessionRequest{UserID: cfg.userID, Voice: strings.TrimSpace(cfg.voice)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/chat/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func printSummary(w io.Writer, samples []turnSample, reconnects int) {
	reasons := make(map[string]int)
	var delta, speech, total []time.Duration
	for _, s := range samples {
		reasons[s.reason]++
		if s.firstDelta > 0 {
			delta = append(delta, s.firstDelta)
		}
		if s.firstSpeech > 0 {
			speech = append(speech, s.firstSpeech)
		}
		total = append(total, s.total)
	}
	fmt.Fprintf(w, "perfchat: turns=%d reconnects=%d reasons=%v\n", len(samples), reconnects, reasons)
	for _, row := range []struct {
		name string
		vals []time.Duration
	}{
		{"first_text_delta", delta},
		{"first_speak_request", speech},
		{"turn_total", total},
	} {
		fmt.Fprintf(w, "  %-20s p50=%-8s p95=%-8s n=%d\n", row.name, percentile(row.vals, 0.50), percentile(row.vals, 0.95), len(row.vals))
	}
}

func percentile(vals []time.Duration, p float64) time.Duration {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[idx].Round(time.Millisecond)
}
