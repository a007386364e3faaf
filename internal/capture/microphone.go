package capture

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-stt-client/internal/observability"
)

// DeviceInfo describes a capture device
type DeviceInfo struct {
	ID        string // hex encoded platform identifier
	Name      string
	IsDefault bool
}

// MicrophoneConfig configures the microphone source
type MicrophoneConfig struct {
	SampleRate   int    // Native capture rate requested from the device
	BufferFrames int    // Frames per callback
	DeviceID     string // Empty selects the system default
}

// Microphone captures mono float audio from an input device through miniaudio
type Microphone struct {
	cfg          MicrophoneConfig
	logger       zerolog.Logger
	ctx          *malgo.AllocatedContext
	availability Availability

	mu     sync.Mutex
	device *malgo.Device
}

// NewMicrophone creates a microphone source and probes the audio backend once
func NewMicrophone(cfg MicrophoneConfig) *Microphone {
	m := &Microphone{
		cfg:    cfg,
		logger: observability.WithComponent("capture"),
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		m.availability = Unavailable(fmt.Sprintf("native audio backend unavailable (%v); install an ALSA, PulseAudio, CoreAudio or WASAPI capable backend", err))
		return m
	}
	m.ctx = ctx

	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		m.availability = Unavailable(fmt.Sprintf("failed to enumerate capture devices: %v", err))
		return m
	}
	if len(devices) == 0 {
		m.availability = Unavailable("no capture devices found; connect a microphone or use --input with a WAV file")
		return m
	}

	m.availability = Available()
	return m
}

// Availability reports the result of the construction-time probe
func (m *Microphone) Availability() Availability {
	return m.availability
}

// RequestPermission opens and releases the device once. Platforms that gate
// microphone access prompt the user during device initialization.
func (m *Microphone) RequestPermission(ctx context.Context) bool {
	if !m.availability.Available || ctx.Err() != nil {
		return false
	}

	deviceConfig, err := m.deviceConfig()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Invalid capture device configuration")
		return false
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Microphone access denied")
		return false
	}
	dev.Uninit()

	return ctx.Err() == nil
}

// Start opens the device and begins delivering frames
func (m *Microphone) Start(onFrame FrameHandler) error {
	if !m.availability.Available {
		return fmt.Errorf("microphone unavailable: %s", m.availability.Reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return fmt.Errorf("microphone already started")
	}

	deviceConfig, err := m.deviceConfig()
	if err != nil {
		return err
	}

	sampleRate := m.cfg.SampleRate
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			samples := decodeF32(input, int(frameCount))
			if len(samples) == 0 {
				return
			}
			onFrame(Frame{Samples: samples, SampleRate: sampleRate})
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	m.device = dev
	m.logger.Info().
		Int("sample_rate", sampleRate).
		Int("buffer_frames", m.cfg.BufferFrames).
		Msg("Microphone capture started")
	return nil
}

// Stop stops and releases the device
func (m *Microphone) Stop() {
	m.mu.Lock()
	dev := m.device
	m.device = nil
	m.mu.Unlock()

	if dev == nil {
		return
	}

	// Uninit stops the device and waits for the in-flight callback
	dev.Uninit()
	m.logger.Info().Msg("Microphone capture stopped")
}

// Devices lists the available capture devices
func (m *Microphone) Devices() ([]DeviceInfo, error) {
	if m.ctx == nil {
		return nil, fmt.Errorf("microphone unavailable: %s", m.availability.Reason)
	}

	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}

	result := make([]DeviceInfo, 0, len(devices))
	for i := range devices {
		d := &devices[i]
		result = append(result, DeviceInfo{
			ID:        hex.EncodeToString(d.ID[:]),
			Name:      d.Name(),
			IsDefault: d.IsDefault != 0,
		})
	}
	return result, nil
}

// Close releases the audio backend
func (m *Microphone) Close() {
	m.Stop()
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
}

func (m *Microphone) deviceConfig() (malgo.DeviceConfig, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	// miniaudio down-mixes to mono for us
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.cfg.SampleRate)
	if m.cfg.BufferFrames > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(m.cfg.BufferFrames)
	}

	if m.cfg.DeviceID != "" {
		idBytes, err := hex.DecodeString(m.cfg.DeviceID)
		if err != nil {
			return deviceConfig, fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	return deviceConfig, nil
}

// decodeF32 reads little-endian float32 samples
func decodeF32(data []byte, frameCount int) []float32 {
	n := len(data) / 4
	if frameCount > 0 && frameCount < n {
		n = frameCount
	}

	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
