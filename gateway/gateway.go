// Package gateway defines the contract shared by the remote AI capability
// wrappers: a uniform error taxonomy, the two timeout tiers, and the
// capability interfaces the orchestrator depends on. The concrete providers
// live in stt, tts, and llm; anything that satisfies these interfaces can be
// swapped in without touching the flow.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Timeout tiers. Calls that move audio payloads get the longer bound.
const (
	TextTimeout  = 10 * time.Second
	MediaTimeout = 30 * time.Second
)

type ErrorKind int

const (
	ErrNetwork ErrorKind = iota
	ErrTimeout
	ErrRateLimited
	ErrUpstream
	ErrInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNetwork:
		return "network"
	case ErrTimeout:
		return "timeout"
	case ErrRateLimited:
		return "rate limited"
	case ErrUpstream:
		return "upstream failure"
	case ErrInvalidInput:
		return "invalid input"
	default:
		return "unknown"
	}
}

// Error is the single error type crossing a gateway boundary. RetryAfter is
// only meaningful for ErrRateLimited.
type Error struct {
	Kind       ErrorKind
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Invalid(detail string) *Error {
	return &Error{Kind: ErrInvalidInput, Detail: detail}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: ErrRateLimited, RetryAfter: retryAfter}
}

// Translate maps a transport failure onto the taxonomy. Deadline expiry wins
// over whatever the client library wrapped it in.
func Translate(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return Wrap(ErrTimeout, err)
		}
		return Wrap(ErrNetwork, err)
	}
	return Wrap(ErrUpstream, err)
}

// KindOf reports the taxonomy kind of err, or ErrUpstream when err does not
// carry one.
func KindOf(err error) ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ErrUpstream
}

// Speech is the opaque playable handle produced by synthesis.
type Speech struct {
	Audio    []byte
	MimeType string
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Speech, error)
}

type Questioner interface {
	NextQuestion(ctx context.Context, currentQuestion, answer string) (string, error)
}
