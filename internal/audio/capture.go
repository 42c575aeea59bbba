package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Capture reads mono PCM frames from a PortAudio input stream. One Capture
// is created per process; Start/Stop bracket each dictation session so the
// device is held only while listening.
type Capture struct {
	cfg config.AudioConfig
	log *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
	seq     uint64
	err     error

	ring *Ring
	out  chan Frame
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCapture(cfg config.AudioConfig, log *slog.Logger) (*Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Capture{
		cfg:  cfg,
		log:  log.With(slog.String("component", "audio")),
		ring: NewRing(cfg.RingFrames),
	}, nil
}

func (c *Capture) frameSamples() int {
	return c.cfg.SampleRate * c.cfg.FrameDurationMS / 1000
}

// Start opens the capture device and begins producing frames. It is an
// error to start an already-running capture; callers serialize through the
// pipeline state machine.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("audio: capture already running")
	}

	buffer := make([]int16, c.frameSamples())
	stream, err := c.openStream(buffer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	c.stream = stream
	c.running = true
	c.err = nil
	c.out = make(chan Frame, 16)
	c.stop = make(chan struct{})

	c.wg.Add(2)
	go c.readLoop(stream, buffer)
	go c.pumpLoop()

	c.log.Info("audio capture started",
		slog.Int("sample_rate", c.cfg.SampleRate),
		slog.Int("frame_ms", c.cfg.FrameDurationMS))
	return nil
}

func (c *Capture) openStream(buffer []int16) (*portaudio.Stream, error) {
	if c.cfg.Device != "" && c.cfg.Device != "default" {
		device, err := findInputDevice(c.cfg.Device)
		if err == nil {
			params := portaudio.StreamParameters{
				Input: portaudio.StreamDeviceParameters{
					Device:   device,
					Channels: c.cfg.Channels,
					Latency:  device.DefaultLowInputLatency,
				},
				SampleRate:      float64(c.cfg.SampleRate),
				FramesPerBuffer: len(buffer),
			}
			return portaudio.OpenStream(params, buffer)
		}
		c.log.Warn("configured input device not found, using default",
			slog.String("device", c.cfg.Device))
	}
	return portaudio.OpenDefaultStream(c.cfg.Channels, 0, float64(c.cfg.SampleRate), len(buffer), buffer)
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Name == name && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", name)
}

// readLoop blocks on the device and pushes frames into the ring so a slow
// consumer can never stall capture.
func (c *Capture) readLoop(stream *portaudio.Stream, buffer []int16) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			c.fail(fmt.Errorf("%w: %v", ErrDeviceLost, err))
			return
		}

		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()

		pcm := make([]int16, len(buffer))
		copy(pcm, buffer)
		if c.ring.Push(Frame{
			PCM:        pcm,
			SampleRate: c.cfg.SampleRate,
			Channels:   c.cfg.Channels,
			Seq:        seq,
			Timestamp:  time.Now(),
		}) {
			c.log.Warn("frame ring overflow, oldest frame dropped",
				slog.Uint64("dropped_total", c.ring.Dropped()))
		}
	}
}

// pumpLoop drains the ring into the consumer channel.
func (c *Capture) pumpLoop() {
	defer c.wg.Done()
	defer close(c.out)
	ticker := time.NewTicker(time.Duration(c.cfg.FrameDurationMS) * time.Millisecond / 2)
	defer ticker.Stop()
	for {
		for {
			f, ok := c.ring.Pop()
			if !ok {
				break
			}
			select {
			case c.out <- f:
			case <-c.stop:
				return
			}
		}
		select {
		case <-ticker.C:
		case <-c.stop:
			return
		}
	}
}

// fail runs on the read goroutine, so it must not wait on the WaitGroup.
func (c *Capture) fail(err error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.err = err
	close(c.stop)
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
		_ = stream.Close()
	}
	c.log.Error("audio capture failed", slog.String("error", err.Error()))
}

// Stop halts capture and releases the device. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	wasRunning := c.running
	if wasRunning {
		c.running = false
		close(c.stop)
	}
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
		_ = stream.Close()
	}
	c.wg.Wait()

	// Drain anything the pump never delivered so a restart begins clean.
	for {
		if _, ok := c.ring.Pop(); !ok {
			break
		}
	}
	if wasRunning {
		c.log.Info("audio capture stopped")
	}
}

func (c *Capture) Frames() <-chan Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dropped reports frames evicted from the ring since startup.
func (c *Capture) Dropped() uint64 {
	return c.ring.Dropped()
}

// Close releases PortAudio. Call once at process shutdown.
func (c *Capture) Close() error {
	c.Stop()
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	return nil
}
