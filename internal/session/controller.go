package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-stt-client/internal/audio"
	"github.com/lexiqai/live-stt-client/internal/capture"
	"github.com/lexiqai/live-stt-client/internal/latency"
	"github.com/lexiqai/live-stt-client/internal/observability"
	"github.com/lexiqai/live-stt-client/internal/protocol"
	"github.com/lexiqai/live-stt-client/internal/transcript"
	"github.com/lexiqai/live-stt-client/internal/transport"
)

// Channel is the streaming connection used by a session. Connect reports
// the open through the connection handler before it returns.
type Channel interface {
	Connect(ctx context.Context) error
	Send(msg protocol.ClientMessage)
	Disconnect()
	IsOpen() bool
	OnMessage(h transport.MessageHandler)
	OnConnection(h transport.ConnectionHandler)
	OnError(h transport.ErrorHandler)
}

// ChannelFactory creates a fresh channel for each session
type ChannelFactory func() Channel

// Options configures a Controller
type Options struct {
	SampleRate      int           // Target rate sent to the service
	Encoding        string        // Announced in start_stream
	FlushDelay      time.Duration // Grace period between end_stream and close
	FrameQueueSize  int           // Encoded frames waiting for the sender
	EndStreamReason string
}

// DefaultOptions returns the default controller options
func DefaultOptions() Options {
	return Options{
		SampleRate:      16000,
		Encoding:        "pcm_s16le",
		FlushDelay:      150 * time.Millisecond,
		FrameQueueSize:  64,
		EndStreamReason: "user_stop",
	}
}

// Snapshot is the observable state of a session
type Snapshot struct {
	SessionID   string
	Status      Status
	Finalized   []transcript.Item
	InterimText string
	LastError   error
	IsConnected bool
	Latency     latency.Stats
}

// UpdateHandler receives a snapshot after every observable change
type UpdateHandler func(Snapshot)

// Controller owns one streaming session at a time: the capture source, the
// channel, the transcript and the latency stats.
//
// Status transitions:
//
//	Idle ──Start──→ Connecting ──open──→ Connected ──capture──→ Streaming
//	  ↑                 │                    │                      │
//	  │                 └──────── fail ──────┴──────→ Error ←───────┤
//	  │                                                │            │
//	  └───────── Stopping ←──────── Stop ──────────────┴────────────┘
//
// Connecting and Stopping act as the re-entrancy guards: Start is only
// accepted from Idle or Error. Each Start bumps a generation counter and
// callbacks from an older generation are ignored.
type Controller struct {
	opts       Options
	source     capture.Source
	newChannel ChannelFactory
	assembler  *transcript.Assembler
	tracker    *latency.Tracker
	baseLogger zerolog.Logger
	now        func() time.Time

	mu          sync.Mutex
	status      Status
	gen         uint64
	sessionID   string
	logger      zerolog.Logger
	metrics     *observability.Metrics
	lastError   error
	connected   bool
	streamReady bool
	// connEpoch counts channel opens; announcedEpoch is the open that last
	// received start_stream.
	connEpoch      uint64
	announcedEpoch uint64
	announceWanted bool
	ch             Channel
	captureOn      bool
	cancelStart    context.CancelFunc
	quit           chan struct{}
	senderDone     chan struct{}

	announceMu sync.Mutex

	updateMu sync.RWMutex
	onUpdate UpdateHandler
}

// NewController creates an idle controller
func NewController(source capture.Source, newChannel ChannelFactory, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.SampleRate <= 0 {
		opts.SampleRate = defaults.SampleRate
	}
	if opts.Encoding == "" {
		opts.Encoding = defaults.Encoding
	}
	if opts.FrameQueueSize <= 0 {
		opts.FrameQueueSize = defaults.FrameQueueSize
	}
	if opts.EndStreamReason == "" {
		opts.EndStreamReason = defaults.EndStreamReason
	}

	logger := observability.WithComponent("session")
	return &Controller{
		opts:       opts,
		source:     source,
		newChannel: newChannel,
		assembler:  transcript.NewAssembler(),
		tracker:    latency.NewTracker(),
		baseLogger: logger,
		logger:     logger,
		now:        time.Now,
		status:     StatusIdle,
	}
}

// OnUpdate registers the update handler, replacing any previous one
func (c *Controller) OnUpdate(h UpdateHandler) {
	c.updateMu.Lock()
	c.onUpdate = h
	c.updateMu.Unlock()
}

// Start runs the full start sequence: capability probe, permission, channel
// open, start_stream, then capture. Any failure moves the session to Error
// and is returned. Start returns ErrBusy without side effects when a start
// or stop is already in flight.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.status.CanStart() {
		status := c.status
		logger := c.logger
		c.mu.Unlock()
		logger.Warn().Str("status", status.String()).Msg("Ignoring start while session is busy")
		return ErrBusy
	}

	leftover := c.detachLocked()
	c.gen++
	gen := c.gen
	startCtx, cancel := context.WithCancel(ctx)
	c.cancelStart = cancel
	c.status = StatusConnecting
	c.lastError = nil
	c.sessionID = observability.NewSessionID()
	c.logger = observability.WithSessionID(c.baseLogger, c.sessionID)
	c.metrics = observability.NewSessionMetrics(c.sessionID)
	logger := c.logger
	metrics := c.metrics
	c.mu.Unlock()
	defer cancel()

	c.release(leftover)
	c.assembler.Clear()
	c.tracker.Reset()
	metrics.RecordSessionStart()

	logger.Info().Msg("Starting session")
	c.emit()

	if avail := c.source.Availability(); !avail.Available {
		return c.abortStart(gen, &CapabilityError{Reason: avail.Reason})
	}

	if !c.source.RequestPermission(startCtx) {
		return c.abortStart(gen, ErrPermissionDenied)
	}

	ch := c.newChannel()
	ch.OnMessage(func(msg protocol.ServerMessage) { c.handleMessage(gen, msg) })
	ch.OnConnection(func(open bool) { c.handleConnection(gen, open) })
	ch.OnError(func(err error) { c.handleTransportError(gen, err) })

	c.mu.Lock()
	if !c.startingLocked(gen) {
		c.mu.Unlock()
		return ErrStartAborted
	}
	c.ch = ch
	c.mu.Unlock()

	if err := ch.Connect(startCtx); err != nil {
		return c.abortStart(gen, &ConnectionError{Err: err})
	}

	c.mu.Lock()
	if !c.startingLocked(gen) {
		c.mu.Unlock()
		return ErrStartAborted
	}
	c.status = StatusConnected
	c.announceWanted = true
	c.mu.Unlock()
	c.emit()

	c.tracker.Start(c.now())
	c.announce(gen)
	logger.Info().Int("sample_rate", c.opts.SampleRate).Str("encoding", c.opts.Encoding).Msg("Stream announced")

	frames := make(chan []byte, c.opts.FrameQueueSize)
	quit := make(chan struct{})
	done := make(chan struct{})

	c.mu.Lock()
	if !c.startingLocked(gen) {
		c.mu.Unlock()
		return ErrStartAborted
	}
	c.quit = quit
	c.senderDone = done
	c.mu.Unlock()

	go c.sendLoop(gen, ch, frames, quit, done, metrics)

	err := c.source.Start(func(frame capture.Frame) {
		c.handleFrame(frames, frame, metrics, logger)
	})
	if err != nil {
		return c.abortStart(gen, &CaptureError{Err: err})
	}

	c.mu.Lock()
	if !c.startingLocked(gen) {
		c.mu.Unlock()
		// Stop ran before capture was recorded as started
		c.source.Stop()
		return ErrStartAborted
	}
	c.captureOn = true
	c.status = StatusStreaming
	c.cancelStart = nil
	c.mu.Unlock()

	logger.Info().Msg("Session streaming")
	c.emit()
	return nil
}

// Stop drives the session to Idle: capture stops, end_stream is sent if the
// channel is open, and the channel closes after the flush delay. Safe to
// call in any state; a Start in flight is abandoned.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.status == StatusIdle || c.status == StatusStopping {
		// Already idle or draining; a second stop has nothing to do
		c.mu.Unlock()
		return
	}

	c.status = StatusStopping
	c.streamReady = false
	res := c.detachLocked()
	logger := c.logger
	metrics := c.metrics
	c.mu.Unlock()

	logger.Info().Msg("Stopping session")
	c.emit()

	if res.cancel != nil {
		res.cancel()
	}
	if res.captureOn {
		c.source.Stop()
	}
	if res.quit != nil {
		close(res.quit)
		<-res.done
	}
	if res.ch != nil {
		if res.ch.IsOpen() {
			res.ch.Send(protocol.EndStream{Reason: c.opts.EndStreamReason})
			time.Sleep(c.opts.FlushDelay)
		}
		res.ch.Disconnect()
	}

	c.mu.Lock()
	c.status = StatusIdle
	c.connected = false
	c.mu.Unlock()

	if metrics != nil {
		metrics.RecordSessionEnd("stopped")
	}
	logger.Info().Msg("Session stopped")
	c.emit()
}

// Clear empties the transcript. Allowed in any state.
func (c *Controller) Clear() {
	c.assembler.Clear()
	c.emit()
}

// ClearError forgets the last error and leaves the Error status without restarting
func (c *Controller) ClearError() {
	c.mu.Lock()
	c.lastError = nil
	if c.status == StatusError {
		c.status = StatusIdle
	}
	c.mu.Unlock()
	c.emit()
}

// Status returns the current status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Finalized returns the finalized transcript items
func (c *Controller) Finalized() []transcript.Item {
	return c.assembler.Finalized()
}

// InterimText returns the live interim text
func (c *Controller) InterimText() string {
	return c.assembler.InterimText()
}

// LastError returns the last surfaced error
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// IsConnected reports whether the channel is currently open
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LatencyStats returns the latency statistics of the current session
func (c *Controller) LatencyStats() latency.Stats {
	return c.tracker.Stats()
}

// Snapshot returns the full observable state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		SessionID:   c.sessionID,
		Status:      c.status,
		LastError:   c.lastError,
		IsConnected: c.connected,
	}
	c.mu.Unlock()

	snap.Finalized = c.assembler.Finalized()
	snap.InterimText = c.assembler.InterimText()
	snap.Latency = c.tracker.Stats()
	return snap
}

func (c *Controller) startMessage() protocol.StartStream {
	return protocol.StartStream{Config: protocol.StreamConfig{
		SampleRate: c.opts.SampleRate,
		Encoding:   c.opts.Encoding,
	}}
}

// handleFrame runs on the capture goroutine and never blocks it
func (c *Controller) handleFrame(frames chan<- []byte, frame capture.Frame, metrics *observability.Metrics, logger zerolog.Logger) {
	pcm := audio.ConvertFloatToPCM16(frame.Samples, frame.SampleRate, c.opts.SampleRate)
	if len(pcm) == 0 {
		return
	}

	select {
	case frames <- pcm:
	default:
		metrics.RecordFrame("dropped")
		logger.Debug().Int("bytes", len(pcm)).Msg("Frame queue full, dropping frame")
	}
}

// sendLoop is the only writer of audio. Frames arriving while the stream is
// not announced on the current connection are dropped.
func (c *Controller) sendLoop(gen uint64, ch Channel, frames <-chan []byte, quit, done chan struct{}, metrics *observability.Metrics) {
	defer close(done)

	for {
		select {
		case <-quit:
			return
		case pcm := <-frames:
			if !c.readyToSend(gen) || !ch.IsOpen() {
				metrics.RecordFrame("dropped")
				continue
			}
			ch.Send(protocol.AudioData{Payload: pcm})
			metrics.RecordFrame("sent")
		}
	}
}

func (c *Controller) readyToSend(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.streamReady
}

func (c *Controller) handleMessage(gen uint64, msg protocol.ServerMessage) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	logger := c.logger
	metrics := c.metrics
	c.mu.Unlock()

	if t := msg.Transcript; t != nil {
		lat := c.tracker.Observe(t.IsFinal, c.now())
		metrics.RecordTranscript(t.IsFinal, lat)
		logger.Debug().
			Bool("is_final", t.IsFinal).
			Str("text", t.Text).
			Dur("latency", lat).
			Msg("Transcript received")
	}

	if err := c.assembler.Apply(msg); err != nil {
		logger.Warn().Err(err).Msg("Transcription service reported an error")
		metrics.RecordError("service_error", "session")

		var svcErr *protocol.ServiceError
		if errors.As(err, &svcErr) && svcErr.Fatal() {
			c.fail(gen, err)
			return
		}

		c.mu.Lock()
		if gen == c.gen {
			c.lastError = err
		}
		c.mu.Unlock()
	}

	c.emit()
}

func (c *Controller) handleConnection(gen uint64, open bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.connected = open
	if open {
		c.connEpoch++
	} else {
		c.streamReady = false
	}
	reannounce := open && c.announceWanted
	logger := c.logger
	c.mu.Unlock()

	if reannounce && c.announce(gen) {
		logger.Info().Msg("Stream re-announced after reconnect")
	}

	c.emit()
}

// announce sends start_stream on the current connection unless that
// connection already received one. Audio is only sent on announced
// connections.
func (c *Controller) announce(gen uint64) bool {
	c.announceMu.Lock()
	defer c.announceMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.ch == nil || !c.connected || c.announcedEpoch == c.connEpoch ||
		!(c.status.starting() || c.status == StatusStreaming) {
		c.mu.Unlock()
		return false
	}
	epoch := c.connEpoch
	ch := c.ch
	c.mu.Unlock()

	ch.Send(c.startMessage())

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.announcedEpoch = epoch
	c.streamReady = c.connected && c.connEpoch == epoch
	return true
}

func (c *Controller) handleTransportError(gen uint64, err error) {
	if errors.Is(err, transport.ErrReconnectExhausted) {
		c.fail(gen, &ConnectionError{Err: err})
		return
	}

	// The channel is still retrying on its own; only exhaustion is surfaced
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	logger := c.logger
	metrics := c.metrics
	c.mu.Unlock()

	logger.Warn().Err(err).Msg("Transport error")
	metrics.RecordError("transport", "session")
}

// abortStart fails the session for a Start that is still current. A Start
// overtaken by Stop or a newer Start gets ErrStartAborted instead.
func (c *Controller) abortStart(gen uint64, err error) error {
	if c.fail(gen, err) {
		return err
	}
	return ErrStartAborted
}

// fail moves the session to Error and tears it down. It reports false when
// the generation is stale or the session is already idle, stopping or failed.
func (c *Controller) fail(gen uint64, err error) bool {
	c.mu.Lock()
	if gen != c.gen || c.status == StatusIdle || c.status == StatusStopping || c.status == StatusError {
		c.mu.Unlock()
		return false
	}
	c.status = StatusError
	c.lastError = err
	res := c.detachLocked()
	logger := c.logger
	metrics := c.metrics
	c.mu.Unlock()

	c.release(res)

	logger.Error().Err(err).Msg("Session failed")
	metrics.RecordError(errorType(err), "session")
	metrics.RecordSessionEnd("failed")
	c.emit()
	return true
}

func (c *Controller) startingLocked(gen uint64) bool {
	return c.gen == gen && c.status.starting()
}

type resources struct {
	cancel    context.CancelFunc
	captureOn bool
	quit      chan struct{}
	done      chan struct{}
	ch        Channel
}

// detachLocked takes ownership of the live resources; release frees them
// without holding the lock.
func (c *Controller) detachLocked() resources {
	res := resources{
		cancel:    c.cancelStart,
		captureOn: c.captureOn,
		quit:      c.quit,
		done:      c.senderDone,
		ch:        c.ch,
	}
	c.cancelStart = nil
	c.captureOn = false
	c.quit = nil
	c.senderDone = nil
	c.ch = nil
	c.connected = false
	c.streamReady = false
	c.announcedEpoch = 0
	c.announceWanted = false
	return res
}

func (c *Controller) release(res resources) {
	if res.cancel != nil {
		res.cancel()
	}
	if res.captureOn {
		c.source.Stop()
	}
	if res.quit != nil {
		close(res.quit)
		<-res.done
	}
	if res.ch != nil {
		res.ch.Disconnect()
	}
}

func (c *Controller) emit() {
	c.updateMu.RLock()
	h := c.onUpdate
	c.updateMu.RUnlock()
	if h != nil {
		h(c.Snapshot())
	}
}
