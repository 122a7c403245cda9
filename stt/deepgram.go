// Package stt wraps Deepgram speech-to-text: prerecorded transcription for
// finished recordings and a live websocket session for the in-recording
// preview.
package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	listenapi "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/pkg/client/listen"

	"ivy/gateway"
)

// MinAudioBytes is the smallest payload worth sending upstream; anything
// shorter cannot contain speech.
const MinAudioBytes = 1024

type Client struct {
	apiKey string
	logger *log.Logger
}

func NewClient(apiKey string, logger *log.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing deepgram api key")
	}
	return &Client{apiKey: apiKey, logger: logger}, nil
}

// Transcribe sends a finished recording for transcription. It never retries;
// the orchestrator owns retry policy.
func (c *Client) Transcribe(
	ctx context.Context,
	audio []byte,
	mimeType string,
) (string, error) {
	if len(audio) == 0 {
		return "", gateway.Invalid("no audio provided")
	}
	if len(audio) < MinAudioBytes {
		return "", gateway.Invalid(
			fmt.Sprintf("audio too short: %d bytes", len(audio)),
		)
	}

	ctx, cancel := context.WithTimeout(ctx, gateway.MediaTimeout)
	defer cancel()

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       "nova-2",
		Language:    "en-US",
		Punctuate:   true,
		SmartFormat: true,
	}

	rest := listen.NewREST(c.apiKey, &interfaces.ClientOptions{})
	dg := listenapi.New(rest)

	res, err := dg.FromStream(ctx, bytes.NewReader(audio), options)
	if err != nil {
		return "", gateway.Translate(fmt.Errorf("deepgram transcription: %w", err))
	}

	var transcript string
	if res != nil && res.Results != nil && len(res.Results.Channels) > 0 &&
		len(res.Results.Channels[0].Alternatives) > 0 {
		transcript = strings.TrimSpace(
			res.Results.Channels[0].Alternatives[0].Transcript,
		)
	}

	c.logger.Info("hear", "txt", transcript, "mime", mimeType, "bytes", len(audio))
	return transcript, nil
}
