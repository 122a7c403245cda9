// Package web exposes the request pipeline over HTTP for the browser UI:
// transcription, next-question generation, and voice synthesis, each gated by
// a per-client rate limit.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ivy/gateway"
	"ivy/ratelimit"
)

// maxUploadBytes bounds a single audio upload (2 minutes of 16kHz PCM plus
// container overhead fits comfortably).
const maxUploadBytes = 8 << 20

type Handler struct {
	transcriber gateway.Transcriber
	questioner  gateway.Questioner
	synthesizer gateway.Synthesizer
	limiter     *ratelimit.Limiter
	logger      *log.Logger
}

func NewHandler(
	transcriber gateway.Transcriber,
	questioner gateway.Questioner,
	synthesizer gateway.Synthesizer,
	limiter *ratelimit.Limiter,
	logger *log.Logger,
) *Handler {
	return &Handler{
		transcriber: transcriber,
		questioner:  questioner,
		synthesizer: synthesizer,
		limiter:     limiter,
		logger:      logger,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(h.rateLimit)

	r.Post("/api/transcribe", h.handleTranscribe)
	r.Post("/api/next-question", h.handleNextQuestion)
	r.Post("/api/generate-voice", h.handleGenerateVoice)

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Info("http", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start))
	})
}

// rateLimit consumes one point per request, keyed by the client address.
// Clients with no discernible address share the anonymous bucket.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := h.limiter.Consume(clientKey(r))
		if !decision.Allowed {
			writeError(w, gateway.RateLimited(decision.RetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, gateway.Invalid("malformed multipart body"))
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, gateway.Invalid("no audio file provided"))
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, gateway.Invalid("unreadable audio file"))
		return
	}

	transcript, err := h.transcriber.Transcribe(
		r.Context(), audio, header.Header.Get("Content-Type"),
	)
	if err != nil {
		h.logger.Error("transcribe", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"transcription": transcript})
}

func (h *Handler) handleNextQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentQuestion string `json:"currentQuestion"`
		Answer          string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gateway.Invalid("malformed request body"))
		return
	}
	if req.Answer == "" {
		writeError(w, gateway.Invalid("no answer provided"))
		return
	}

	question, err := h.questioner.NextQuestion(r.Context(), req.CurrentQuestion, req.Answer)
	if err != nil {
		h.logger.Error("next question", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"question": question})
}

func (h *Handler) handleGenerateVoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gateway.Invalid("malformed request body"))
		return
	}
	if req.Text == "" {
		writeError(w, gateway.Invalid("no text provided"))
		return
	}

	speech, err := h.synthesizer.Synthesize(r.Context(), req.Text)
	if err != nil {
		h.logger.Error("generate voice", "error", err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", speech.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(speech.Audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(speech.Audio)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		status  int
		message string
	)

	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		gerr = gateway.Translate(err)
	}

	switch gerr.Kind {
	case gateway.ErrInvalidInput:
		status = http.StatusBadRequest
		message = gerr.Error()
	case gateway.ErrRateLimited:
		status = http.StatusTooManyRequests
		retryAfter := int(gerr.RetryAfter.Round(time.Second).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		message = fmt.Sprintf(
			"Too many requests. Please try again in %d seconds", retryAfter,
		)
	default:
		status = http.StatusInternalServerError
		message = gerr.Kind.String()
	}

	writeJSON(w, status, map[string]string{"error": message})
}
