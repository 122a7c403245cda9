// Package tts wraps Deepgram speech synthesis.
package tts

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	speakapi "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	speak "github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"ivy/gateway"
)

const (
	defaultVoice     = "aura-asteria-en"
	defaultEncoding  = "linear16"
	defaultContainer = "wav"
)

type Option func(*Client)

// WithVoice selects the voice identity, e.g. "aura-asteria-en".
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithEncoding selects the sample encoding, e.g. "linear16".
func WithEncoding(encoding string) Option {
	return func(c *Client) { c.encoding = encoding }
}

// WithContainer selects the container format, e.g. "wav".
func WithContainer(container string) Option {
	return func(c *Client) { c.container = container }
}

type Client struct {
	apiKey    string
	voice     string
	encoding  string
	container string
	logger    *log.Logger
}

func NewClient(apiKey string, logger *log.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing deepgram api key")
	}
	c := &Client{
		apiKey:    apiKey,
		voice:     defaultVoice,
		encoding:  defaultEncoding,
		container: defaultContainer,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Synthesize turns text into a playable audio handle. It never retries.
func (c *Client) Synthesize(ctx context.Context, text string) (*gateway.Speech, error) {
	if text == "" {
		return nil, gateway.Invalid("no text provided")
	}

	ctx, cancel := context.WithTimeout(ctx, gateway.MediaTimeout)
	defer cancel()

	options := &interfaces.SpeakOptions{
		Model:     c.voice,
		Encoding:  c.encoding,
		Container: c.container,
	}

	rest := speak.NewREST(c.apiKey, &interfaces.ClientOptions{})
	dg := speakapi.New(rest)

	var buf interfaces.RawResponse
	if _, err := dg.ToStream(ctx, text, options, &buf); err != nil {
		return nil, gateway.Translate(fmt.Errorf("deepgram synthesis: %w", err))
	}

	if buf.Len() == 0 {
		return nil, gateway.Wrap(
			gateway.ErrUpstream,
			fmt.Errorf("synthesis returned no audio"),
		)
	}

	c.logger.Info("talk", "chars", len(text), "bytes", buf.Len(), "voice", c.voice)

	return &gateway.Speech{
		Audio:    buf.Bytes(),
		MimeType: c.mimeType(),
	}, nil
}

func (c *Client) mimeType() string {
	switch c.container {
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
