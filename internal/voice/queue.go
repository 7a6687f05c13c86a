package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const recentHistoryLimit = 16

type QueueConfig struct {
	// Synth receives the rendered items. Without it the queue only tracks
	// order and callers drive Advance themselves.
	Synth  Synthesizer
	Render func(SpokenItem) (string, bool)
	// RecentLookback bounds ReplayRecent.
	RecentLookback time.Duration
	// StartFrozen holds every item until the first Resume.
	StartFrozen bool
	Logger      *slog.Logger
	// OnSpeakStart runs when an item is dispatched to the synthesizer.
	OnSpeakStart func(SpokenItem)
	// OnSpeakDone runs once per dispatched item that was not invalidated.
	OnSpeakDone func(SpokenItem, SpeakOutcome, error)
	Now         func() time.Time
}

type finishedItem struct {
	item SpokenItem
	at   time.Time
}

// Queue serializes utterances so that at most one item is speaking.
//
// Items enter the pending FIFO and move to active one at a time. While frozen
// no item is promoted and results of attempts started before the freeze are
// ignored.
type Queue struct {
	cfg    QueueConfig
	ctx    context.Context
	logger *slog.Logger

	mu        sync.Mutex
	active    *SpokenItem
	pending   []SpokenItem
	frozen    bool
	frozenAt  time.Time
	gen       uint64
	finished  []finishedItem
	lastSpeak time.Time
}

// NewQueue creates a queue whose speak calls are bound to ctx.
func NewQueue(ctx context.Context, cfg QueueConfig) *Queue {
	if cfg.Render == nil {
		cfg.Render = SSMLBuilder{}.Build
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RecentLookback <= 0 {
		cfg.RecentLookback = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{cfg: cfg, ctx: ctx, logger: logger}
	if cfg.StartFrozen {
		q.frozen = true
		q.frozenAt = cfg.Now()
	}
	return q
}

// Enqueue adds item behind everything already queued.
func (q *Queue) Enqueue(item SpokenItem) {
	q.mu.Lock()
	if q.active != nil || q.frozen {
		q.pending = append(q.pending, item)
		q.mu.Unlock()
		return
	}
	q.active = &item
	q.gen++
	gen := q.gen
	q.mu.Unlock()

	q.dispatch(item, gen)
}

// Active returns the item currently speaking.
func (q *Queue) Active() (SpokenItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return SpokenItem{}, false
	}
	return *q.active, true
}

// Pending returns a copy of the waiting items.
func (q *Queue) Pending() []SpokenItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SpokenItem(nil), q.pending...)
}

// Speaking reports whether an item is active.
func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil
}

// Frozen reports whether promotion is suspended.
func (q *Queue) Frozen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frozen
}

// LastSpeak returns when an utterance last started or finished.
func (q *Queue) LastSpeak() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSpeak
}

// Advance completes the active item and promotes the next pending one.
func (q *Queue) Advance() (SpokenItem, bool) {
	q.mu.Lock()
	next, gen, ok := q.advanceLocked(OutcomeCompleted)
	q.mu.Unlock()
	if ok {
		q.dispatch(next, gen)
	}
	return next, ok
}

// Clear drops pending items. The active item is left to the synthesizer.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// StopSpeaking drops pending and active items and interrupts the synthesizer.
func (q *Queue) StopSpeaking(ctx context.Context) error {
	q.mu.Lock()
	q.pending = nil
	q.active = nil
	q.finished = nil
	q.gen++
	q.mu.Unlock()

	if q.cfg.Synth == nil {
		return nil
	}
	return q.cfg.Synth.Stop(ctx)
}

// Freeze suspends promotion and invalidates the attempt in flight. The
// active item stays in place.
func (q *Queue) Freeze() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frozen {
		return
	}
	q.frozen = true
	q.frozenAt = q.cfg.Now()
	q.gen++
}

// Resume lifts a freeze, applying policy to the interrupted work.
func (q *Queue) Resume(policy ReplayPolicy) {
	q.mu.Lock()
	if !q.frozen {
		q.mu.Unlock()
		return
	}
	q.frozen = false

	switch policy {
	case ReplayNone:
		q.active = nil
		q.pending = nil
	case ReplayRecent:
		var replay []SpokenItem
		cutoff := q.frozenAt.Add(-q.cfg.RecentLookback)
		for _, f := range q.finished {
			if !f.at.Before(cutoff) {
				item := f.item
				item.IsReplay = true
				replay = append(replay, item)
			}
		}
		if q.active != nil {
			item := *q.active
			item.IsReplay = true
			replay = append(replay, item)
			q.active = nil
		}
		q.pending = append(replay, q.pending...)
	default:
		if q.active != nil {
			q.active.IsReplay = true
		}
	}
	q.finished = nil

	if q.active == nil && len(q.pending) > 0 {
		item := q.pending[0]
		q.pending = q.pending[1:]
		q.active = &item
	}
	if q.active == nil {
		q.mu.Unlock()
		return
	}
	q.gen++
	item, gen := *q.active, q.gen
	q.mu.Unlock()

	q.dispatch(item, gen)
}

func (q *Queue) advanceLocked(outcome SpeakOutcome) (SpokenItem, uint64, bool) {
	now := q.cfg.Now()
	if q.active != nil {
		if outcome == OutcomeCompleted {
			q.finished = append(q.finished, finishedItem{item: *q.active, at: now})
			if len(q.finished) > recentHistoryLimit {
				q.finished = q.finished[len(q.finished)-recentHistoryLimit:]
			}
		}
		q.lastSpeak = now
	}
	q.active = nil
	q.gen++
	if q.frozen || len(q.pending) == 0 {
		return SpokenItem{}, q.gen, false
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.active = &next
	return next, q.gen, true
}

func (q *Queue) dispatch(item SpokenItem, gen uint64) {
	if q.cfg.Synth == nil {
		return
	}
	q.mu.Lock()
	q.lastSpeak = q.cfg.Now()
	q.mu.Unlock()

	go func() {
		ssml, ok := q.cfg.Render(item)
		if !ok {
			q.finish(item, gen, OutcomeSkipped, nil)
			return
		}
		if q.cfg.OnSpeakStart != nil {
			q.cfg.OnSpeakStart(item)
		}
		outcome, err := q.cfg.Synth.Speak(q.ctx, ssml)
		if err != nil && outcome == "" {
			outcome = OutcomeFailed
		}
		q.finish(item, gen, outcome, err)
	}()
}

func (q *Queue) finish(item SpokenItem, gen uint64, outcome SpeakOutcome, err error) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		q.logger.Debug("ignoring stale speak result", "outcome", outcome, "replay", item.IsReplay)
		return
	}
	next, nextGen, ok := q.advanceLocked(outcome)
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("speak failed", "error", err, "outcome", outcome)
	}
	if q.cfg.OnSpeakDone != nil {
		q.cfg.OnSpeakDone(item, outcome, err)
	}
	if ok {
		q.dispatch(next, nextGen)
	}
}
