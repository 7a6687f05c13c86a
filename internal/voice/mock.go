package voice

import (
	"context"
	"sync"
)

// MockSynthesizer records speak calls and lets tests decide their outcome.
// Each Speak blocks until Complete, Fail or Stop releases it.
type MockSynthesizer struct {
	mu      sync.Mutex
	spoken  []string
	waiters []chan SpeakOutcome
	stops   int
	started chan string
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{started: make(chan string, 64)}
}

func (m *MockSynthesizer) Speak(ctx context.Context, ssml string) (SpeakOutcome, error) {
	done := make(chan SpeakOutcome, 1)
	m.mu.Lock()
	m.spoken = append(m.spoken, ssml)
	m.waiters = append(m.waiters, done)
	m.mu.Unlock()
	m.started <- ssml

	select {
	case <-ctx.Done():
		return OutcomeCanceled, ctx.Err()
	case outcome := <-done:
		if outcome == OutcomeFailed {
			return outcome, errMockSpeakFailed
		}
		return outcome, nil
	}
}

func (m *MockSynthesizer) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.releaseLocked(OutcomeCanceled)
	return nil
}

// Started delivers the SSML of each Speak call as it begins.
func (m *MockSynthesizer) Started() <-chan string {
	return m.started
}

// Complete finishes the most recent outstanding Speak call.
func (m *MockSynthesizer) Complete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseOneLocked(OutcomeCompleted)
}

// Fail fails the most recent outstanding Speak call.
func (m *MockSynthesizer) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseOneLocked(OutcomeFailed)
}

// Spoken returns every SSML document passed to Speak.
func (m *MockSynthesizer) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

// Stops returns how many times Stop was called.
func (m *MockSynthesizer) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func (m *MockSynthesizer) releaseOneLocked(outcome SpeakOutcome) {
	n := len(m.waiters)
	if n == 0 {
		return
	}
	m.waiters[n-1] <- outcome
	m.waiters = m.waiters[:n-1]
}

func (m *MockSynthesizer) releaseLocked(outcome SpeakOutcome) {
	for _, w := range m.waiters {
		w <- outcome
	}
	m.waiters = nil
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockSpeakFailed = mockError("mock speak failed")
