// Package capture records microphone audio into a finite buffer and emits
// exactly one RecordingResult per recording cycle on a completion channel.
// An optional live recognition preview runs alongside the recording; preview
// failures restart the preview only, never the recording.
package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"ivy/stt"
)

const (
	// SampleRate is 16kHz mono, enough for speech.
	SampleRate = 16000
	Channels   = 1
	// FramesPerBuffer is 100ms of audio per frame.
	FramesPerBuffer = 1600

	// MaxDuration force-stops a recording that was never stopped.
	MaxDuration = 120 * time.Second

	// energyFloor is the normalized frame energy above which we count the
	// frame as voice, used for the silence counter when no live preview is
	// running.
	energyFloor = 0.1
)

// DeviceError reports microphone acquisition failure (permission denial,
// missing device). It is distinct from recognition errors.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("microphone unavailable: %s", e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Stream delivers microphone frames. Read blocks until one frame is
// available; the returned slice is only valid until the next Read.
type Stream interface {
	Read() ([]int16, error)
	Close() error
}

// Source opens microphone streams.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// RecordingResult is the finished capture, handed to the flow controller.
// Audio is a WAV container around the recorded PCM.
type RecordingResult struct {
	Audio    []byte
	MimeType string
	Duration time.Duration
	TimedOut bool
}

type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

type Option func(*Recorder)

// WithPreview attaches a live recognition preview to each recording.
func WithPreview(recognition stt.Recognition) Option {
	return func(r *Recorder) { r.recognition = recognition }
}

func WithMaxDuration(d time.Duration) Option {
	return func(r *Recorder) { r.maxDuration = d }
}

// Recorder is the Idle -> Recording -> Idle state machine. One recording at
// a time; Done delivers at most one result per Start.
type Recorder struct {
	mu          sync.Mutex
	state       State
	source      Source
	recognition stt.Recognition
	logger      *log.Logger
	maxDuration time.Duration
	now         func() time.Time

	done     chan RecordingResult
	stopCh   chan struct{}
	abortCh  chan struct{}
	segments chan stt.Segment

	recognizer stt.Recognizer
	lastVoice  time.Time
	cancel     context.CancelFunc
}

func New(source Source, logger *log.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		state:       Idle,
		source:      source,
		logger:      logger,
		maxDuration: MaxDuration,
		now:         time.Now,
		segments:    make(chan stt.Segment, 16),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done delivers the result of the current recording cycle. The channel is
// replaced on every Start.
func (r *Recorder) Done() <-chan RecordingResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Segments delivers live preview text across preview restarts.
func (r *Recorder) Segments() <-chan stt.Segment {
	return r.segments
}

// Silence reports the time since the last recognized speech event, falling
// back to frame energy when no preview is running.
func (r *Recorder) Silence() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer != nil {
		return r.recognizer.Silence()
	}
	return r.now().Sub(r.lastVoice)
}

// Start acquires the microphone and begins recording. Acquisition failure
// returns a *DeviceError.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Idle {
		r.mu.Unlock()
		return fmt.Errorf("recorder busy: %s", r.state)
	}
	// Claim the recorder before the (slow) device open so a concurrent
	// Start cannot pass the same check.
	r.state = Recording
	r.mu.Unlock()

	stream, err := r.source.Open(ctx)
	if err != nil {
		r.mu.Lock()
		r.state = Idle
		r.mu.Unlock()
		return &DeviceError{Err: err}
	}

	recCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.done = make(chan RecordingResult, 1)
	r.stopCh = make(chan struct{})
	r.abortCh = make(chan struct{})
	r.lastVoice = r.now()
	r.cancel = cancel
	r.mu.Unlock()

	chunks := make(chan []byte, 8)
	go r.readLoop(recCtx, stream, chunks)

	if r.recognition != nil {
		if err := r.startPreview(recCtx); err != nil {
			// The recording is fine without a preview.
			r.logger.Warn("preview unavailable", "error", err)
		}
	}

	go r.recordLoop(recCtx, stream, chunks)

	r.logger.Info("mic", "state", Recording, "max", r.maxDuration)
	return nil
}

// Stop ends the recording and emits its result on Done.
func (r *Recorder) Stop() {
	r.signal(func() chan struct{} { return r.stopCh })
}

// Abort ends the recording without emitting a result (pause).
func (r *Recorder) Abort() {
	r.signal(func() chan struct{} { return r.abortCh })
}

func (r *Recorder) signal(pick func() chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return
	}
	ch := pick()
	if ch == nil {
		// Start has claimed the recorder but not finished opening the device.
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (r *Recorder) readLoop(ctx context.Context, stream Stream, chunks chan<- []byte) {
	defer close(chunks)
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := stream.Read()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("mic read", "error", err)
			}
			return
		}

		if energy(frame) > energyFloor {
			r.mu.Lock()
			r.lastVoice = r.now()
			r.mu.Unlock()
		}

		data := int16ToBytes(frame)
		r.forwardToPreview(data)

		select {
		case chunks <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) recordLoop(ctx context.Context, stream Stream, chunks <-chan []byte) {
	started := r.now()
	deadline := time.NewTimer(r.maxDuration)
	defer deadline.Stop()

	var pcm []byte
	timedOut := false

	defer func() {
		stream.Close()
		r.stopPreview()
		r.mu.Lock()
		r.state = Idle
		r.cancel()
		r.mu.Unlock()
	}()

	for {
		select {
		case data, ok := <-chunks:
			if !ok {
				// Device went away mid-recording; emit what we have.
				r.emit(pcm, started, timedOut)
				return
			}
			pcm = append(pcm, data...)

		case <-deadline.C:
			r.logger.Warn("mic", "notice", "max duration reached, stopping")
			timedOut = true
			r.emit(pcm, started, true)
			return

		case <-r.stopCh:
			r.emit(pcm, started, timedOut)
			return

		case <-r.abortCh:
			r.logger.Info("mic", "state", Idle, "aborted", true)
			return

		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) emit(pcm []byte, started time.Time, timedOut bool) {
	result := RecordingResult{
		Audio:    writeWAV(pcm),
		MimeType: "audio/wav",
		Duration: r.now().Sub(started),
		TimedOut: timedOut,
	}
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	// The done channel is buffered for one result and replaced on Start,
	// so this never blocks and never double-emits.
	select {
	case done <- result:
		r.logger.Info("mic", "state", Idle, "bytes", len(result.Audio), "dur", result.Duration)
	default:
	}
}

func (r *Recorder) startPreview(ctx context.Context) error {
	recognizer, err := r.recognition.Start(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.recognizer = recognizer
	r.mu.Unlock()

	go r.previewLoop(ctx, recognizer)
	return nil
}

// previewLoop forwards segments and restarts the recognition channel after a
// transport failure. Restarts are bounded by the recording lifetime: once ctx
// is done, the preview dies with the recording.
func (r *Recorder) previewLoop(ctx context.Context, recognizer stt.Recognizer) {
	for {
		select {
		case <-ctx.Done():
			return

		case seg := <-recognizer.Segments():
			select {
			case r.segments <- seg:
			default:
			}

		case err := <-recognizer.Errs():
			r.logger.Warn("preview lost, restarting", "error", err)
			recognizer.Stop()

			next, startErr := r.recognition.Start(ctx)
			if startErr != nil {
				r.logger.Error("preview restart failed", "error", startErr)
				r.mu.Lock()
				r.recognizer = nil
				r.mu.Unlock()
				return
			}

			r.mu.Lock()
			r.recognizer = next
			r.mu.Unlock()
			recognizer = next
		}
	}
}

func (r *Recorder) forwardToPreview(data []byte) {
	r.mu.Lock()
	recognizer := r.recognizer
	r.mu.Unlock()
	if recognizer == nil {
		return
	}
	if err := recognizer.SendAudio(data); err != nil {
		r.logger.Debug("preview send", "error", err)
	}
}

func (r *Recorder) stopPreview() {
	r.mu.Lock()
	recognizer := r.recognizer
	r.recognizer = nil
	r.mu.Unlock()
	if recognizer != nil {
		recognizer.Stop()
	}
}

// energy returns the normalized mean absolute amplitude of a frame.
func energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		if s < 0 {
			sum -= int64(s)
		} else {
			sum += int64(s)
		}
	}
	avg := float64(sum) / float64(len(samples))
	normalized := avg / 10000.0
	if normalized > 1.0 {
		normalized = 1.0
	}
	return normalized
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
