package capture

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// DeviceSource opens the default system microphone through PortAudio.
type DeviceSource struct{}

func (DeviceSource) Open(ctx context.Context) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	in := make([]int16, FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(
		Channels, 0, float64(SampleRate), FramesPerBuffer, in,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	return &deviceStream{stream: stream, in: in}, nil
}

type deviceStream struct {
	stream *portaudio.Stream
	in     []int16
}

func (d *deviceStream) Read() ([]int16, error) {
	if err := d.stream.Read(); err != nil {
		return nil, fmt.Errorf("read input stream: %w", err)
	}
	return d.in, nil
}

func (d *deviceStream) Close() error {
	d.stream.Stop()
	err := d.stream.Close()
	portaudio.Terminate()
	return err
}
