package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/multierr"

	"github.com/algo-boyz/snowgate/pkg/state"
)

// MicStream captures 16-bit mono audio from the default input device and
// fans every buffer out to its subscribers.
type MicStream struct {
	stream          *portaudio.Stream
	buffer          []int16
	framesPerBuffer int
	subscribers     []chan []int16
	subscribersMu   sync.RWMutex
}

// NewMicStream opens the default input device. The stream is stopped and
// portaudio terminated when ctx exits.
func NewMicStream(ctx state.Context, sampleRate, framesPerBuffer int) (_ *MicStream, err error) {
	if err = portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio.Initialize: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, portaudio.Terminate())
		}
	}()
	deviceInfo, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio.DefaultInputDevice: %w", err)
	}
	inputParams := portaudio.LowLatencyParameters(deviceInfo, nil)
	inputParams.Input.Channels = 1
	inputParams.Output.Channels = 0
	inputParams.SampleRate = float64(sampleRate)
	inputParams.FramesPerBuffer = framesPerBuffer

	var s = &MicStream{
		buffer:          make([]int16, framesPerBuffer),
		framesPerBuffer: framesPerBuffer,
	}
	if s.stream, err = portaudio.OpenStream(inputParams, s.buffer); err != nil {
		return nil, fmt.Errorf("portaudio.OpenStream: %w", err)
	}
	if err = s.stream.Start(); err != nil {
		return nil, multierr.Append(fmt.Errorf("portaudio start: %w", err), s.stream.Close())
	}
	slog.Debug("microphone open", "device", deviceInfo.Name, "rate", sampleRate, "frames", framesPerBuffer)
	ctx.Defer(func() error {
		slog.Debug("portaudio exiting")
		return multierr.Combine(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
	})
	go s.broadcast(ctx)
	return s, nil
}

// Subscribe creates a new channel for receiving audio buffers
func (s *MicStream) Subscribe() <-chan []int16 {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	var ch = make(chan []int16, 10) // buffered so a slow reader only drops buffers
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes a specific subscriber channel
func (s *MicStream) Unsubscribe(ch <-chan []int16) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	for i, subscriber := range s.subscribers {
		if subscriber == ch {
			close(subscriber)
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
}

// broadcast continuously reads audio buffers and sends them to all subscribers
func (s *MicStream) broadcast(ctx state.Context) {
	defer s.closeSubscribers()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			if ctx.Err() == nil {
				slog.Error("microphone read failed", "err", err)
			}
			return
		}
		s.subscribersMu.RLock()
		for _, ch := range s.subscribers {
			select {
			case ch <- append([]int16(nil), s.buffer...):
			default:
				slog.Debug("subscriber full, dropping buffer")
			}
		}
		s.subscribersMu.RUnlock()
	}
}

func (s *MicStream) closeSubscribers() {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}
