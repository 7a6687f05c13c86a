package voice

import "context"

// SpeakOutcome is the final state of one speak attempt.
type SpeakOutcome string

const (
	OutcomeCompleted SpeakOutcome = "completed"
	OutcomeCanceled  SpeakOutcome = "canceled"
	OutcomeFailed    SpeakOutcome = "failed"
	// OutcomeSkipped marks an item with nothing speakable in it.
	OutcomeSkipped SpeakOutcome = "skipped"
)

// Synthesizer is the avatar speech capability. Speak blocks until playback of
// the document finishes, is interrupted, or fails. Stop interrupts the
// current utterance.
type Synthesizer interface {
	Speak(ctx context.Context, ssml string) (SpeakOutcome, error)
	Stop(ctx context.Context) error
}

// ReplayPolicy decides what is re-spoken after a reconnection.
type ReplayPolicy string

const (
	// ReplayActive re-speaks the interrupted item, then the pending ones.
	ReplayActive ReplayPolicy = "active"
	// ReplayRecent also re-speaks items that finished shortly before the outage.
	ReplayRecent ReplayPolicy = "recent"
	// ReplayNone drops everything queued before the outage.
	ReplayNone ReplayPolicy = "none"
)

// ParseReplayPolicy maps a config value to a policy, defaulting to ReplayActive.
func ParseReplayPolicy(v string) ReplayPolicy {
	switch ReplayPolicy(v) {
	case ReplayRecent:
		return ReplayRecent
	case ReplayNone:
		return ReplayNone
	default:
		return ReplayActive
	}
}
