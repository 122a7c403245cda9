// Package flow drives one interview turn: a finished recording goes through
// transcription, validation, question generation, and speech synthesis, with
// the session updated at each step. Question and synthesis failures are
// absorbed with fallback content so the interview always proceeds;
// transcription failures end the turn without touching the session.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"ivy/capture"
	"ivy/gateway"
	"ivy/session"
	"ivy/stt"
)

// MinAnswerChars is the shortest transcript that counts as an answer.
const MinAnswerChars = 10

const NoticeVoiceUnavailable = "voice unavailable, please read the question"

var (
	// ErrTurnInFlight means a previous recording is still being processed.
	// New recordings are rejected outright rather than queued.
	ErrTurnInFlight = errors.New("a turn is already being processed")

	// ErrNoSpeech means the recording was too small to contain speech; no
	// network call was made.
	ErrNoSpeech = errors.New("no speech detected")

	// ErrAnswerTooShort means the transcript was below the minimum length;
	// the current question gains a re-prompt prefix and the turn does not
	// advance.
	ErrAnswerTooShort = errors.New("answer too short")

	ErrSessionNotActive = errors.New("session is not active")
)

// TurnResult is what one processed recording produced.
type TurnResult struct {
	Transcript string
	Question   string
	Speech     *gateway.Speech
	Completed  bool
	Notice     string
}

type Controller struct {
	session     *session.Session
	transcriber gateway.Transcriber
	questioner  gateway.Questioner
	synthesizer gateway.Synthesizer
	logger      *log.Logger

	inFlight atomic.Bool
}

func NewController(
	sess *session.Session,
	transcriber gateway.Transcriber,
	questioner gateway.Questioner,
	synthesizer gateway.Synthesizer,
	logger *log.Logger,
) *Controller {
	return &Controller{
		session:     sess,
		transcriber: transcriber,
		questioner:  questioner,
		synthesizer: synthesizer,
		logger:      logger,
	}
}

// HandleRecording processes one finished recording for the active turn.
// Exactly one recording is processed at a time; overlapping calls return
// ErrTurnInFlight. If the session is paused, ended, or restarted while a
// gateway call is in flight, the late result is discarded.
func (c *Controller) HandleRecording(
	ctx context.Context,
	rec capture.RecordingResult,
) (*TurnResult, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrTurnInFlight
	}
	defer c.inFlight.Store(false)

	if len(rec.Audio) < stt.MinAudioBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoSpeech, len(rec.Audio))
	}

	snap := c.session.Snapshot()
	if snap.Phase != session.Active {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, snap.Phase)
	}
	epoch := snap.Epoch

	transcript, err := c.transcriber.Transcribe(ctx, rec.Audio, rec.MimeType)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	if len(strings.TrimSpace(transcript)) < MinAnswerChars {
		if err := c.session.Reprompt(epoch); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %q", ErrAnswerTooShort, transcript)
	}

	if err := c.session.SetTranscript(epoch, transcript); err != nil {
		return nil, err
	}

	c.logger.Info(
		"turn",
		"index", snap.TurnIndex,
		"limit", snap.TurnLimit,
		"answer", transcript,
	)

	if snap.TurnIndex >= snap.TurnLimit {
		return c.completeInterview(ctx, epoch, transcript)
	}

	return c.nextTurn(ctx, epoch, snap.CurrentQuestion, transcript)
}

// completeInterview marks the session Completed regardless of how the final
// synthesis goes; a missing voice is a notice, not a failure.
func (c *Controller) completeInterview(
	ctx context.Context,
	epoch uint64,
	transcript string,
) (*TurnResult, error) {
	if err := c.session.Complete(epoch); err != nil {
		return nil, err
	}

	result := &TurnResult{
		Transcript: transcript,
		Question:   session.CompletionMessage,
		Completed:  true,
	}

	speech, err := c.synthesizer.Synthesize(ctx, session.CompletionMessage)
	if err != nil {
		c.logger.Warn("completion voice failed", "error", err)
		result.Notice = NoticeVoiceUnavailable
		return result, nil
	}

	if err := c.session.PublishSpeech(epoch, speech); err != nil {
		return nil, err
	}
	result.Speech = speech
	return result, nil
}

func (c *Controller) nextTurn(
	ctx context.Context,
	epoch uint64,
	currentQuestion, transcript string,
) (*TurnResult, error) {
	question, err := c.questioner.NextQuestion(ctx, currentQuestion, transcript)
	if err != nil {
		// The interview must proceed; substitute the fixed follow-up.
		c.logger.Warn("question generation failed, using fallback", "error", err)
		question = session.FallbackQuestion
	}

	if err := c.session.AdvanceTurn(epoch, question); err != nil {
		return nil, err
	}

	result := &TurnResult{
		Transcript: transcript,
		Question:   question,
	}

	speech, err := c.synthesizer.Synthesize(ctx, question)
	if err != nil {
		c.logger.Warn("voice synthesis failed", "error", err)
		result.Notice = NoticeVoiceUnavailable
		return result, nil
	}

	if err := c.session.PublishSpeech(epoch, speech); err != nil {
		return nil, err
	}
	result.Speech = speech
	return result, nil
}
