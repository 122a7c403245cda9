package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"ivy/gateway"
	"ivy/ratelimit"
)

type fakeTranscriber struct {
	transcript string
	err        error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f.transcript, f.err
}

type fakeQuestioner struct {
	question string
	err      error
}

func (f *fakeQuestioner) NextQuestion(ctx context.Context, currentQuestion, answer string) (string, error) {
	return f.question, f.err
}

type fakeSynthesizer struct {
	speech *gateway.Speech
	err    error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (*gateway.Speech, error) {
	return f.speech, f.err
}

func newTestHandler(
	transcriber gateway.Transcriber,
	questioner gateway.Questioner,
	synthesizer gateway.Synthesizer,
	opts ratelimit.Options,
) *Handler {
	logger := log.New(io.Discard)
	return NewHandler(transcriber, questioner, synthesizer, ratelimit.New(opts, logger), logger)
}

func generousLimits() ratelimit.Options {
	return ratelimit.Options{Points: 1000, Duration: time.Minute, BlockDuration: time.Minute}
}

func multipartAudio(t *testing.T, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "answer.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(payload)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestTranscribeEndpoint(t *testing.T) {
	t.Run("Returns Transcription", func(t *testing.T) {
		h := newTestHandler(
			&fakeTranscriber{transcript: "hello world"},
			&fakeQuestioner{}, &fakeSynthesizer{}, generousLimits(),
		)
		body, contentType := multipartAudio(t, bytes.Repeat([]byte{1}, 2048))
		req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		if got := decodeJSON(t, rec)["transcription"]; got != "hello world" {
			t.Fatalf("transcription = %q", got)
		}
	})

	t.Run("Missing Audio Is 400", func(t *testing.T) {
		h := newTestHandler(
			&fakeTranscriber{}, &fakeQuestioner{}, &fakeSynthesizer{}, generousLimits(),
		)
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		mw.WriteField("note", "no audio here")
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if decodeJSON(t, rec)["error"] == "" {
			t.Fatal("missing error message")
		}
	})

	t.Run("Upstream Failure Is 500", func(t *testing.T) {
		h := newTestHandler(
			&fakeTranscriber{err: gateway.Wrap(gateway.ErrUpstream, errors.New("boom"))},
			&fakeQuestioner{}, &fakeSynthesizer{}, generousLimits(),
		)
		body, contentType := multipartAudio(t, bytes.Repeat([]byte{1}, 2048))
		req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
	})
}

func TestNextQuestionEndpoint(t *testing.T) {
	t.Run("Returns Question", func(t *testing.T) {
		h := newTestHandler(
			&fakeTranscriber{}, &fakeQuestioner{question: "Why ReLU?"},
			&fakeSynthesizer{}, generousLimits(),
		)
		req := httptest.NewRequest(
			http.MethodPost, "/api/next-question",
			strings.NewReader(`{"currentQuestion":"What is ML?","answer":"Learning from data."}`),
		)
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		if got := decodeJSON(t, rec)["question"]; got != "Why ReLU?" {
			t.Fatalf("question = %q", got)
		}
	})

	t.Run("Empty Answer Is 400", func(t *testing.T) {
		h := newTestHandler(
			&fakeTranscriber{}, &fakeQuestioner{}, &fakeSynthesizer{}, generousLimits(),
		)
		req := httptest.NewRequest(
			http.MethodPost, "/api/next-question",
			strings.NewReader(`{"currentQuestion":"What is ML?","answer":""}`),
		)
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestGenerateVoiceEndpoint(t *testing.T) {
	t.Run("Streams Audio", func(t *testing.T) {
		h := newTestHandler(
			&fakeTranscriber{}, &fakeQuestioner{},
			&fakeSynthesizer{speech: &gateway.Speech{
				Audio: []byte("RIFFdata"), MimeType: "audio/wav",
			}},
			generousLimits(),
		)
		req := httptest.NewRequest(
			http.MethodPost, "/api/generate-voice",
			strings.NewReader(`{"text":"Hello candidate"}`),
		)
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := rec.Header().Get("Content-Type"); got != "audio/wav" {
			t.Fatalf("content type = %q", got)
		}
		if rec.Body.String() != "RIFFdata" {
			t.Fatalf("body = %q", rec.Body.String())
		}
	})

	t.Run("Empty Text Is 400", func(t *testing.T) {
		h := newTestHandler(
			&fakeTranscriber{}, &fakeQuestioner{}, &fakeSynthesizer{}, generousLimits(),
		)
		req := httptest.NewRequest(
			http.MethodPost, "/api/generate-voice", strings.NewReader(`{"text":""}`),
		)
		rec := httptest.NewRecorder()

		h.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestRateLimiting(t *testing.T) {
	h := newTestHandler(
		&fakeTranscriber{}, &fakeQuestioner{question: "Q"}, &fakeSynthesizer{},
		ratelimit.Options{Points: 2, Duration: time.Minute, BlockDuration: time.Minute},
	)
	router := h.Routes()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(
			http.MethodPost, "/api/next-question",
			strings.NewReader(`{"currentQuestion":"Q","answer":"A long enough answer."}`),
		)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	send()
	send()
	rec := send()

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if msg := decodeJSON(t, rec)["error"]; !strings.Contains(msg, "Too many requests") {
		t.Fatalf("error = %q", msg)
	}
}
