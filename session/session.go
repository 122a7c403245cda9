// Package session holds the state of one mock interview: its phase, the
// question on the table, the latest transcript, and the turn counter. All
// transitions are synchronous and leave the session self-consistent even when
// a later asynchronous step fails.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ivy/gateway"
)

const (
	InitialQuestion = "Let's begin with a fundamental question about machine learning. " +
		"Could you explain what machine learning is and its main types?"
	FallbackQuestion  = "That's interesting. Could you elaborate more on that point?"
	CompletionMessage = "Interview completed successfully! Thank you for your participation. " +
		"You have completed all questions."
	RepromptPrefix = "I didn't quite catch that, let me repeat: "
)

const DefaultTurnLimit = 3

type Phase int

const (
	NotStarted Phase = iota
	Active
	Paused
	Completed
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not started"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrStaleTurn means the session moved on (pause, end, restart) while a
	// turn's flow was still in flight; the caller discards its result.
	ErrStaleTurn = errors.New("result belongs to a stale turn")
)

// Snapshot is a consistent read of the session for one point in time.
type Snapshot struct {
	ID              string
	Phase           Phase
	TurnIndex       int
	TurnLimit       int
	CurrentQuestion string
	LastTranscript  string
	Response        *gateway.Speech
	Epoch           uint64
}

// Session is safe for concurrent use. TurnIndex is 1-based and zero before
// the first Start. The epoch counter bumps on Start, Pause, and End; turn
// mutators take the epoch their flow observed and refuse to apply stale
// writes.
type Session struct {
	mu sync.Mutex

	id              string
	phase           Phase
	turnIndex       int
	turnLimit       int
	currentQuestion string
	lastTranscript  string
	response        *gateway.Speech
	epoch           uint64
}

func New(turnLimit int) *Session {
	if turnLimit <= 0 {
		turnLimit = DefaultTurnLimit
	}
	return &Session{
		id:        uuid.NewString(),
		turnLimit: turnLimit,
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:              s.id,
		Phase:           s.phase,
		TurnIndex:       s.turnIndex,
		TurnLimit:       s.turnLimit,
		CurrentQuestion: s.currentQuestion,
		LastTranscript:  s.lastTranscript,
		Response:        s.response,
		Epoch:           s.epoch,
	}
}

// Start begins a fresh interview. Valid from NotStarted or Completed.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != NotStarted && s.phase != Completed {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.phase)
	}

	s.phase = Active
	s.turnIndex = 1
	s.currentQuestion = InitialQuestion
	s.lastTranscript = ""
	s.response = nil
	s.epoch++
	return nil
}

// Pause suspends an active interview. Pausing twice is a no-op.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case Paused:
		return nil
	case Active:
		s.phase = Paused
		s.epoch++
		return nil
	default:
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s.phase)
	}
}

// Resume reactivates a paused interview. Resuming while Active is a no-op.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case Active:
		return nil
	case Paused:
		s.phase = Active
		return nil
	default:
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.phase)
	}
}

// End resets the session to its initial state from any phase.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = NotStarted
	s.turnIndex = 0
	s.currentQuestion = ""
	s.lastTranscript = ""
	s.response = nil
	s.epoch++
}

// AdvanceTurn moves to the next question. Only valid while Active and below
// the turn limit.
func (s *Session) AdvanceTurn(epoch uint64, nextQuestion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return ErrStaleTurn
	}
	if s.phase != Active || s.turnIndex >= s.turnLimit {
		return fmt.Errorf(
			"%w: advance in %s at turn %d/%d",
			ErrInvalidTransition, s.phase, s.turnIndex, s.turnLimit,
		)
	}

	s.turnIndex++
	s.currentQuestion = nextQuestion
	s.response = nil
	return nil
}

// Complete marks the interview finished with the fixed completion message.
// Only valid once the turn limit has been reached.
func (s *Session) Complete(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return ErrStaleTurn
	}
	if s.turnIndex < s.turnLimit {
		return fmt.Errorf(
			"%w: complete at turn %d/%d",
			ErrInvalidTransition, s.turnIndex, s.turnLimit,
		)
	}

	s.phase = Completed
	s.currentQuestion = CompletionMessage
	s.response = nil
	return nil
}

// SetTranscript records the answer text for the current turn.
func (s *Session) SetTranscript(epoch uint64, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return ErrStaleTurn
	}
	s.lastTranscript = transcript
	return nil
}

// Reprompt prefixes the current question with a short re-ask marker after an
// answer too short to process. The turn does not advance.
func (s *Session) Reprompt(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return ErrStaleTurn
	}
	if s.currentQuestion != "" && !strings.HasPrefix(s.currentQuestion, RepromptPrefix) {
		s.currentQuestion = RepromptPrefix + s.currentQuestion
	}
	return nil
}

// PublishSpeech attaches the synthesized voice for the current question.
func (s *Session) PublishSpeech(epoch uint64, speech *gateway.Speech) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return ErrStaleTurn
	}
	s.response = speech
	return nil
}
