package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/live-stt-client/internal/capture"
	"github.com/lexiqai/live-stt-client/internal/config"
	"github.com/lexiqai/live-stt-client/internal/observability"
	"github.com/lexiqai/live-stt-client/internal/protocol"
	"github.com/lexiqai/live-stt-client/internal/session"
	"github.com/lexiqai/live-stt-client/internal/transport"
)

var (
	serverURL string
	inputFile string
	framing   string
	logLevel  string
	deviceID  string
	duration  time.Duration
	drain     time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "sttclient",
	Short:        "Stream live audio to a transcription service and print the transcript",
	SilenceUsage: true,
	RunE:         runSession,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a streaming transcription session",
	RunE:  runSession,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio capture devices",
	RunE:  listDevices,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().StringVar(&serverURL, "url", "", "Transcription service URL (overrides STT_SERVER_URL)")
		cmd.Flags().StringVarP(&inputFile, "input", "i", "", "Stream a WAV file instead of the microphone")
		cmd.Flags().StringVar(&framing, "framing", "", "Audio framing: base64 or binary (overrides AUDIO_FRAMING)")
		cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
		cmd.Flags().StringVar(&deviceID, "device", "", "Capture device ID from 'sttclient devices'")
		cmd.Flags().DurationVar(&duration, "duration", 0, "Stop the session after this long (0 runs until interrupted)")
		cmd.Flags().DurationVar(&drain, "drain", time.Second, "Time to wait for late results after file input ends")
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if framing != "" {
		cfg.AudioFraming = framing
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if deviceID != "" {
		cfg.CaptureDeviceID = deviceID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	audioFraming, err := protocol.ParseAudioFraming(cfg.AudioFraming)
	if err != nil {
		return err
	}

	stream := cfg.Stream()
	logger.Info().
		Str("server_url", stream.ConnectionURL).
		Int("sample_rate", stream.SampleRate).
		Str("framing", audioFraming.String()).
		Str("input", inputFile).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Streaming transcription client starting")

	var (
		source   capture.Source
		fileDone <-chan struct{}
	)
	if inputFile != "" {
		file := capture.NewFileSource(inputFile, cfg.CaptureBufferFrames, true)
		source = file
		fileDone = file.Done()
	} else {
		mic := capture.NewMicrophone(capture.MicrophoneConfig{
			SampleRate:   cfg.CaptureSampleRate,
			BufferFrames: cfg.CaptureBufferFrames,
			DeviceID:     cfg.CaptureDeviceID,
		})
		defer mic.Close()
		source = mic
	}

	channelOpts := transport.Options{
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		ReconnectDelay:       cfg.ReconnectDelayDuration(),
		BackoffMultiplier:    cfg.ReconnectBackoffMultiplier,
		MaxReconnectDelay:    transport.DefaultOptions().MaxReconnectDelay,
		DialTimeout:          cfg.ConnectTimeoutDuration(),
		WriteTimeout:         cfg.WriteTimeoutDuration(),
		AudioFraming:         audioFraming,
	}
	newChannel := func() session.Channel {
		return transport.New(stream.ConnectionURL, channelOpts)
	}

	ctrl := session.NewController(source, newChannel, session.Options{
		SampleRate:      stream.SampleRate,
		Encoding:        cfg.Encoding,
		FlushDelay:      cfg.FlushDelayDuration(),
		FrameQueueSize:  cfg.FrameQueueSize,
		EndStreamReason: session.DefaultOptions().EndStreamReason,
	})

	console := NewConsole(os.Stdout)
	failed := make(chan error, 1)
	ctrl.OnUpdate(func(s session.Snapshot) {
		console.Update(s)
		if s.Status == session.StatusError {
			select {
			case failed <- s.LastError:
			default:
			}
		}
	})

	if cfg.MetricsEnabled {
		server := startObservabilityServer(cfg.MetricsAddr, ctrl, source)
		defer shutdownObservabilityServer(server)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		if lastErr := ctrl.LastError(); lastErr != nil {
			err = lastErr
		}
		return fmt.Errorf("failed to start session: %w", err)
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timeout = time.After(duration)
	}

	var sessionErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupted, stopping session")
	case <-timeout:
		logger.Info().Dur("duration", duration).Msg("Session duration reached")
	case <-fileDone:
		logger.Info().Str("input", inputFile).Msg("Input file finished")
		select {
		case <-time.After(drain):
		case <-ctx.Done():
		}
	case sessionErr = <-failed:
		logger.Error().Err(sessionErr).Msg("Session failed")
	}

	ctrl.Stop()

	fmt.Fprint(os.Stdout, console.Summary(ctrl.Snapshot()))

	if sessionErr != nil {
		return sessionErr
	}
	return nil
}

func listDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)

	mic := capture.NewMicrophone(capture.MicrophoneConfig{
		SampleRate:   cfg.CaptureSampleRate,
		BufferFrames: cfg.CaptureBufferFrames,
	})
	defer mic.Close()

	devices, err := mic.Devices()
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, renderDevices(devices))
	return nil
}
