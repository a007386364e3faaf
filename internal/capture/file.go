package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	sttaudio "github.com/lexiqai/live-stt-client/internal/audio"
	"github.com/lexiqai/live-stt-client/internal/observability"
)

const defaultFileChunkFrames = 1024

// FileSource replays a PCM WAV file as if it were captured live
type FileSource struct {
	path         string
	chunkFrames  int
	realtime     bool
	logger       zerolog.Logger
	availability Availability

	mu       sync.Mutex
	stopCh   chan struct{}
	feedDone chan struct{}
	finished chan struct{}
}

// NewFileSource creates a file source. With realtime set, chunks are paced
// at the file's sample rate; otherwise they are delivered as fast as possible.
func NewFileSource(path string, chunkFrames int, realtime bool) *FileSource {
	if chunkFrames <= 0 {
		chunkFrames = defaultFileChunkFrames
	}

	s := &FileSource{
		path:        path,
		chunkFrames: chunkFrames,
		realtime:    realtime,
		logger:      observability.WithComponent("capture").With().Str("input", path).Logger(),
		finished:    make(chan struct{}),
	}
	s.availability = s.probe()
	return s
}

func (s *FileSource) probe() Availability {
	f, err := os.Open(s.path)
	if err != nil {
		return Unavailable(fmt.Sprintf("cannot open input file: %v", err))
	}
	defer f.Close()

	if !wav.NewDecoder(f).IsValidFile() {
		return Unavailable("input file is not a PCM WAV file")
	}
	return Available()
}

// Availability reports whether the file is a readable WAV file
func (s *FileSource) Availability() Availability {
	return s.availability
}

// RequestPermission always succeeds for readable files
func (s *FileSource) RequestPermission(ctx context.Context) bool {
	return s.availability.Available && ctx.Err() == nil
}

// Done is closed once the whole file has been delivered
func (s *FileSource) Done() <-chan struct{} {
	return s.finished
}

// Start begins replaying the file on a background goroutine
func (s *FileSource) Start(onFrame FrameHandler) error {
	if !s.availability.Available {
		return fmt.Errorf("file source unavailable: %s", s.availability.Reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		return fmt.Errorf("file source already started")
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}

	dec := wav.NewDecoder(f)
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return fmt.Errorf("failed to read WAV header: %w", err)
	}

	sampleRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	if sampleRate <= 0 || channels < 1 || bitDepth < 8 {
		f.Close()
		return fmt.Errorf("unsupported WAV format: rate=%d channels=%d bits=%d", sampleRate, channels, bitDepth)
	}

	s.logger.Info().
		Int("sample_rate", sampleRate).
		Int("channels", channels).
		Int("bit_depth", bitDepth).
		Msg("Replaying input file")

	stopCh := make(chan struct{})
	feedDone := make(chan struct{})
	s.stopCh = stopCh
	s.feedDone = feedDone

	interval := time.Duration(s.chunkFrames) * time.Second / time.Duration(sampleRate)

	go func() {
		defer close(feedDone)
		defer f.Close()

		buf := &audio.IntBuffer{
			Format: dec.Format(),
			Data:   make([]int, s.chunkFrames*channels),
		}

		for {
			select {
			case <-stopCh:
				return
			default:
			}

			n, err := dec.PCMBuffer(buf)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Failed to read input file")
			}
			if n == 0 || err != nil {
				s.markFinished()
				return
			}

			samples := normalizeInts(buf.Data[:n], bitDepth)
			onFrame(Frame{Samples: sttaudio.Downmix(samples, channels), SampleRate: sampleRate})

			if !s.realtime {
				continue
			}
			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()

	return nil
}

// Stop halts replay and waits for the feeder goroutine
func (s *FileSource) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	feedDone := s.feedDone
	s.stopCh = nil
	s.feedDone = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-feedDone
}

func (s *FileSource) markFinished() {
	select {
	case <-s.finished:
	default:
		close(s.finished)
		s.logger.Info().Msg("Input file fully delivered")
	}
}

// normalizeInts maps integer PCM samples of the given bit depth onto [-1, 1]
func normalizeInts(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	if bitDepth == 8 {
		// 8-bit WAV is unsigned
		for i, v := range data {
			out[i] = float32(v-128) / 128
		}
		return out
	}

	scale := float32(int64(1) << uint(bitDepth-1))
	for i, v := range data {
		out[i] = float32(v) / scale
	}
	return out
}
