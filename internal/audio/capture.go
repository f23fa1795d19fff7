package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// Source selects which device graph the capture unit records from.
type Source int

const (
	SourceMicrophone Source = iota
	SourceSystemAudio
	SourceMixed // microphone + system audio fanned into one frame stream
)

func (s Source) String() string {
	switch s {
	case SourceMicrophone:
		return "microphone"
	case SourceSystemAudio:
		return "system"
	case SourceMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// Capture error taxonomy. PermissionDenied is recoverable after user action;
// DeviceNotFound is terminal for the attempt.
var (
	ErrPermissionDenied  = errors.New("audio: device permission denied")
	ErrDeviceNotFound    = errors.New("audio: capture device not found")
	ErrUnsupportedSource = errors.New("audio: unsupported capture source")
)

// RawFrame is one callback's worth of floating-point samples at the device's
// native rate. Index is monotonic per capture, counted even for frames that
// were dropped because the consumer fell behind, so downstream stages can
// account for lost audio.
type RawFrame struct {
	Samples    []float32
	SampleRate float64
	Index      uint64
}

// CaptureConfig configures a capture unit.
type CaptureConfig struct {
	Source          Source
	FramesPerBuffer int // portaudio buffer size, default 1024
	QueueDepth      int // frame channel depth, default 32
}

// Capture owns exclusive access to the audio hardware for its lifetime.
// Frames are pushed to Frames(); Stop releases the device unconditionally.
type Capture struct {
	cfg     CaptureConfig
	streams []*portaudio.Stream
	frames  chan RawFrame

	frameIndex atomic.Uint64
	dropped    atomic.Uint64

	stopOnce sync.Once
	stopErr  error
}

// StartCapture opens the device stream(s) for the given source and begins
// delivering frames. The returned Capture holds the hardware until Stop.
func StartCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 32
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, mapDeviceError(err)
	}

	c := &Capture{
		cfg:    cfg,
		frames: make(chan RawFrame, cfg.QueueDepth),
	}

	var err error
	switch cfg.Source {
	case SourceMicrophone:
		err = c.openDefaultInput()
	case SourceSystemAudio:
		err = c.openLoopback()
	case SourceMixed:
		// Both graphs feed the same frame channel; the encoder treats the
		// interleaved frames as one stream.
		if err = c.openDefaultInput(); err == nil {
			err = c.openLoopback()
		}
	default:
		err = fmt.Errorf("%w: %d", ErrUnsupportedSource, cfg.Source)
	}
	if err != nil {
		c.release()
		return nil, err
	}

	for _, s := range c.streams {
		if startErr := s.Start(); startErr != nil {
			c.release()
			return nil, mapDeviceError(startErr)
		}
	}
	return c, nil
}

func (c *Capture) openDefaultInput() error {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return mapDeviceError(err)
	}
	return c.openDevice(dev)
}

// openLoopback looks for a monitor/loopback input exposed by the host API.
// Not every platform provides one; absence is a DeviceNotFound, not a crash.
func (c *Capture) openLoopback() error {
	devices, err := portaudio.Devices()
	if err != nil {
		return mapDeviceError(err)
	}
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		name := strings.ToLower(dev.Name)
		if strings.Contains(name, "monitor") || strings.Contains(name, "loopback") {
			return c.openDevice(dev)
		}
	}
	return fmt.Errorf("%w: no system-audio loopback device", ErrDeviceNotFound)
}

func (c *Capture) openDevice(dev *portaudio.DeviceInfo) error {
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.FramesPerBuffer = c.cfg.FramesPerBuffer
	rate := params.SampleRate

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		c.push(in, rate)
	})
	if err != nil {
		return mapDeviceError(err)
	}
	c.streams = append(c.streams, stream)
	return nil
}

// push copies the callback buffer and hands ownership of the copy downstream.
// The callback must never block, so a full queue drops the frame and counts it.
func (c *Capture) push(in []float32, sampleRate float64) {
	idx := c.frameIndex.Add(1) - 1
	buf := make([]float32, len(in))
	copy(buf, in)
	select {
	case c.frames <- RawFrame{Samples: buf, SampleRate: sampleRate, Index: idx}:
	default:
		c.dropped.Add(1)
	}
}

// Frames returns the channel of captured frames. Closed after Stop.
func (c *Capture) Frames() <-chan RawFrame { return c.frames }

// Dropped reports how many frames were discarded because the consumer
// fell behind.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }

// Stop halts the stream(s) and releases the hardware. Idempotent; the device
// is released even when Stop of an individual stream errors.
func (c *Capture) Stop() error {
	c.stopOnce.Do(func() {
		c.stopErr = c.release()
		close(c.frames)
	})
	return c.stopErr
}

func (c *Capture) release() error {
	var firstErr error
	for _, s := range c.streams {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.streams = nil
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// mapDeviceError folds host-API failures into the capture error taxonomy so
// callers can branch on errors.Is.
func mapDeviceError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device") || strings.Contains(msg, "invalid device") || strings.Contains(msg, "device unavailable"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("audio: %w", err)
	}
}

// InputDevice describes an available capture device.
type InputDevice struct {
	ID                int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// ListInputDevices enumerates capture-capable devices for CLI selection.
func ListInputDevices() ([]InputDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, mapDeviceError(err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, mapDeviceError(err)
	}
	var out []InputDevice
	for i, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		out = append(out, InputDevice{
			ID:                i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
		})
	}
	return out, nil
}
