package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"ivy/stt"
)

type fakeStream struct {
	frames    chan []int16
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []int16),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Read() ([]int16, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) push(t *testing.T, frame []int16) {
	t.Helper()
	select {
	case s.frames <- frame:
	case <-time.After(time.Second):
		t.Fatal("timed out pushing frame")
	}
}

type fakeSource struct {
	stream *fakeStream
	err    error
}

func (s *fakeSource) Open(ctx context.Context) (Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

type fakeRecognizer struct {
	segments chan stt.Segment
	errs     chan error
	stopped  bool
	mu       sync.Mutex
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{
		segments: make(chan stt.Segment, 16),
		errs:     make(chan error, 1),
	}
}

func (r *fakeRecognizer) SendAudio(data []byte) error { return nil }

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *fakeRecognizer) Segments() <-chan stt.Segment { return r.segments }
func (r *fakeRecognizer) Errs() <-chan error           { return r.errs }
func (r *fakeRecognizer) Silence() time.Duration       { return 0 }

type fakeRecognition struct {
	mu          sync.Mutex
	recognizers []*fakeRecognizer
}

func (f *fakeRecognition) Start(ctx context.Context) (stt.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := newFakeRecognizer()
	f.recognizers = append(f.recognizers, r)
	return r, nil
}

func (f *fakeRecognition) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recognizers)
}

func (f *fakeRecognition) get(i int) *fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recognizers[i]
}

func quietFrame() []int16 { return make([]int16, 64) }

func awaitResult(t *testing.T, r *Recorder) RecordingResult {
	t.Helper()
	select {
	case result := <-r.Done():
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recording result")
		return RecordingResult{}
	}
}

func awaitIdle(t *testing.T, r *Recorder) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == Idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("recorder never returned to idle")
}

func TestStopEmitsOneResult(t *testing.T) {
	stream := newFakeStream()
	r := New(&fakeSource{stream: stream}, log.New(io.Discard))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stream.push(t, quietFrame())
	stream.push(t, quietFrame())
	time.Sleep(20 * time.Millisecond) // let the record loop drain the chunks

	r.Stop()
	result := awaitResult(t, r)

	if result.MimeType != "audio/wav" {
		t.Fatalf("mime type = %q", result.MimeType)
	}
	if !bytes.HasPrefix(result.Audio, []byte("RIFF")) {
		t.Fatal("result is not a WAV container")
	}
	if result.TimedOut {
		t.Fatal("unexpected timeout flag")
	}

	awaitIdle(t, r)

	// No second result for the same cycle.
	r.Stop()
	select {
	case extra := <-r.Done():
		t.Fatalf("unexpected second result: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAbortEmitsNothing(t *testing.T) {
	stream := newFakeStream()
	r := New(&fakeSource{stream: stream}, log.New(io.Discard))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.push(t, quietFrame())

	r.Abort()
	awaitIdle(t, r)

	select {
	case result := <-r.Done():
		t.Fatalf("aborted recording emitted %+v", result)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMaxDurationForcesStop(t *testing.T) {
	stream := newFakeStream()
	r := New(
		&fakeSource{stream: stream},
		log.New(io.Discard),
		WithMaxDuration(30*time.Millisecond),
	)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	result := awaitResult(t, r)
	if !result.TimedOut {
		t.Fatal("expected timed-out result")
	}
	awaitIdle(t, r)
}

func TestDeviceFailure(t *testing.T) {
	r := New(&fakeSource{err: errors.New("permission denied")}, log.New(io.Discard))

	err := r.Start(context.Background())
	var derr *DeviceError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *DeviceError", err)
	}
	if r.State() != Idle {
		t.Fatal("failed start left recorder busy")
	}
}

func TestStartWhileRecordingRejected(t *testing.T) {
	stream := newFakeStream()
	r := New(&fakeSource{stream: stream}, log.New(io.Discard))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("second start succeeded while recording")
	}

	r.Stop()
	awaitResult(t, r)
}

type slowSource struct {
	stream *fakeStream
	gate   chan struct{}
}

func (s *slowSource) Open(ctx context.Context) (Stream, error) {
	<-s.gate
	return s.stream, nil
}

func TestStartClaimsRecorderBeforeDeviceOpens(t *testing.T) {
	stream := newFakeStream()
	src := &slowSource{stream: stream, gate: make(chan struct{})}
	r := New(src, log.New(io.Discard))

	started := make(chan error, 1)
	go func() { started <- r.Start(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != Recording {
		if time.Now().After(deadline) {
			t.Fatal("recorder never claimed by first start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("second start accepted while the device was opening")
	}

	// A stop signal before the device is open must not panic.
	r.Stop()

	close(src.gate)
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}

	r.Stop()
	awaitResult(t, r)
	awaitIdle(t, r)
}

func TestPreviewRestartsOnError(t *testing.T) {
	stream := newFakeStream()
	recognition := &fakeRecognition{}
	r := New(
		&fakeSource{stream: stream},
		log.New(io.Discard),
		WithPreview(recognition),
	)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if recognition.count() != 1 {
		t.Fatalf("recognizers started = %d, want 1", recognition.count())
	}

	// Preview text flows through the recorder.
	recognition.get(0).segments <- stt.Segment{Text: "hello", Final: false}
	select {
	case seg := <-r.Segments():
		if seg.Text != "hello" {
			t.Fatalf("segment = %+v", seg)
		}
	case <-time.After(time.Second):
		t.Fatal("segment not forwarded")
	}

	// A transport error restarts only the recognition channel.
	recognition.get(0).errs <- errors.New("socket dropped")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && recognition.count() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if recognition.count() != 2 {
		t.Fatalf("recognizers started = %d, want 2 after restart", recognition.count())
	}
	if r.State() != Recording {
		t.Fatal("preview restart disturbed the recording")
	}

	r.Stop()
	awaitResult(t, r)
}

func TestWriteWAV(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	wav := writeWAV(pcm)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Fatal("payload not preserved")
	}
}
