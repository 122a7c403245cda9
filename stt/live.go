package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	listenws "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
)

// Segment is one recognized piece of the live preview. Interim segments are
// replaced by later ones; final segments accumulate.
type Segment struct {
	Text  string
	Final bool
}

// Recognizer is one live recognition channel, alive for at most one
// recording.
type Recognizer interface {
	SendAudio(data []byte) error
	Stop() error
	Segments() <-chan Segment
	Errs() <-chan error
	Silence() time.Duration
}

// Recognition starts live recognition channels. The capture layer restarts a
// failed channel through this seam without touching the recording itself.
type Recognition interface {
	Start(ctx context.Context) (Recognizer, error)
}

type LiveTranscriber struct {
	apiKey string
	logger *log.Logger
}

func NewLiveTranscriber(apiKey string, logger *log.Logger) *LiveTranscriber {
	return &LiveTranscriber{apiKey: apiKey, logger: logger}
}

func (c *LiveTranscriber) Start(ctx context.Context) (Recognizer, error) {
	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-2",
		Language:       "en-US",
		Punctuate:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     16000,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
	}

	session := &LiveSession{
		segments: make(chan Segment, 16),
		errs:     make(chan error, 1),
		logger:   c.logger,
		now:      time.Now,
	}
	session.lastSpeech = session.now()

	client, err := listen.NewWebSocket(ctx, c.apiKey, cOptions, tOptions, session)
	if err != nil {
		return nil, fmt.Errorf("error creating live transcription connection: %w", err)
	}

	session.client = client

	if connected := session.client.Connect(); !connected {
		return nil, fmt.Errorf("failed to connect to deepgram")
	}

	return session, nil
}

type LiveSession struct {
	client   *listen.LiveClient
	segments chan Segment
	errs     chan error
	logger   *log.Logger

	mu         sync.Mutex
	lastSpeech time.Time
	now        func() time.Time
}

func (s *LiveSession) SendAudio(data []byte) error {
	return s.client.WriteBinary(data)
}

func (s *LiveSession) Stop() error {
	s.client.Stop()
	return nil
}

func (s *LiveSession) Segments() <-chan Segment {
	return s.segments
}

func (s *LiveSession) Errs() <-chan error {
	return s.errs
}

// Silence reports how long ago the last recognized speech event arrived.
func (s *LiveSession) Silence() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastSpeech)
}

func (s *LiveSession) addSegment(text string, final bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	s.lastSpeech = s.now()
	s.mu.Unlock()

	select {
	case s.segments <- Segment{Text: text, Final: final}:
	default:
		// Preview only; dropping a segment beats blocking the socket reader.
	}
}

func (s *LiveSession) Message(mr *listenws.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}

	transcript := mr.Channel.Alternatives[0].Transcript
	if mr.IsFinal {
		s.logger.Info("hear", "txt", transcript)
	} else {
		s.logger.Debug("hear", "tmp", transcript)
	}

	s.addSegment(transcript, mr.IsFinal)
	return nil
}

func (s *LiveSession) Open(ocr *listenws.OpenResponse) error {
	s.logger.Info("open", "kind", "deepgram live")
	return nil
}

func (s *LiveSession) Close(ocr *listenws.CloseResponse) error {
	s.logger.Info("closed", "reason", ocr.Type)
	return nil
}

func (s *LiveSession) Metadata(md *listenws.MetadataResponse) error {
	s.logger.Debug("metadata", "request", md.RequestID)
	return nil
}

func (s *LiveSession) SpeechStarted(ssr *listenws.SpeechStartedResponse) error {
	s.logger.Debug("speech start", "timestamp", ssr.Timestamp)
	s.mu.Lock()
	s.lastSpeech = s.now()
	s.mu.Unlock()
	return nil
}

func (s *LiveSession) UtteranceEnd(ur *listenws.UtteranceEndResponse) error {
	s.logger.Debug("utterance end", "timestamp", ur.LastWordEnd)
	return nil
}

func (s *LiveSession) Error(er *listenws.ErrorResponse) error {
	s.logger.Error("error", "type", er.Type, "description", er.Description)
	select {
	case s.errs <- fmt.Errorf("live transcription: %s: %s", er.Type, er.Description):
	default:
	}
	return nil
}

func (s *LiveSession) UnhandledEvent(byData []byte) error {
	s.logger.Warn("unhandled event", "data", string(byData))
	return nil
}
