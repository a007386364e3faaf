package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-stt-client/internal/observability"
	"github.com/lexiqai/live-stt-client/internal/protocol"
	"github.com/lexiqai/live-stt-client/internal/resilience"
)

var (
	// ErrNotConnected is reported when sending on a channel that is not open
	ErrNotConnected = errors.New("channel is not connected")
	// ErrReconnectExhausted is reported once every reconnection attempt failed
	ErrReconnectExhausted = errors.New("failed to reconnect to transcription service")
	// ErrClosed is returned by a Connect that was abandoned by Disconnect
	ErrClosed = errors.New("channel closed")
)

// MessageHandler receives decoded server messages in arrival order
type MessageHandler func(msg protocol.ServerMessage)

// ConnectionHandler is told whenever the channel opens or closes
type ConnectionHandler func(open bool)

// ErrorHandler receives transport errors
type ErrorHandler func(err error)

// Options configures a Channel
type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	BackoffMultiplier    float64
	MaxReconnectDelay    time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	AudioFraming         protocol.AudioFraming
	Header               http.Header
}

// DefaultOptions returns the default channel options
func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 3,
		ReconnectDelay:       2 * time.Second,
		BackoffMultiplier:    1.0,
		MaxReconnectDelay:    30 * time.Second,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		AudioFraming:         protocol.FramingBase64,
	}
}

// Channel is one logical streaming connection to the transcription service
// with automatic reconnection after unexpected closes.
type Channel struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu              sync.Mutex
	conn            *websocket.Conn
	manualClose     bool
	reconnecting    bool
	reconnectCancel context.CancelFunc
	pending         chan error

	writeMu sync.Mutex

	handlerMu    sync.RWMutex
	onMessage    MessageHandler
	onConnection ConnectionHandler
	onError      ErrorHandler
}

// New creates a channel for the given ws:// or wss:// URL
func New(rawURL string, opts Options) *Channel {
	defaults := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaults.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = defaults.MaxReconnectDelay
	}
	if opts.BackoffMultiplier < 1.0 {
		opts.BackoffMultiplier = 1.0
	}

	return &Channel{
		url:  rawURL,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
		logger: observability.WithComponent("transport").With().Str("url", rawURL).Logger(),
	}
}

// OnMessage registers the message handler, replacing any previous one
func (c *Channel) OnMessage(h MessageHandler) {
	c.handlerMu.Lock()
	c.onMessage = h
	c.handlerMu.Unlock()
}

// OnConnection registers the connection handler, replacing any previous one
func (c *Channel) OnConnection(h ConnectionHandler) {
	c.handlerMu.Lock()
	c.onConnection = h
	c.handlerMu.Unlock()
}

// OnError registers the error handler, replacing any previous one
func (c *Channel) OnError(h ErrorHandler) {
	c.handlerMu.Lock()
	c.onError = h
	c.handlerMu.Unlock()
}

// Connect opens the channel. It returns once the channel is open, when the
// reconnect policy gives up, or when ctx is cancelled. Invalid URLs fail
// immediately without any retry.
func (c *Channel) Connect(ctx context.Context) error {
	if err := validateURL(c.url); err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.manualClose = false
	pending := make(chan error, 1)
	c.pending = pending
	c.mu.Unlock()

	c.logger.Info().Msg("Connecting to transcription service")

	if err := c.open(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Initial connection failed")
		observability.RecordError("connect_failed", "transport")
		c.scheduleReconnect()
	}

	select {
	case err := <-pending:
		return err
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// Send writes one message. Failures are reported through the error handler.
func (c *Channel) Send(msg protocol.ClientMessage) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.emitError(fmt.Errorf("%w: dropped %s", ErrNotConnected, msg.Event()))
		return
	}

	frame, err := msg.Encode(c.opts.AudioFraming)
	if err != nil {
		c.emitError(err)
		return
	}

	messageType := websocket.TextMessage
	if frame.Binary {
		messageType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err = conn.WriteMessage(messageType, frame.Data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Str("event", msg.Event()).Msg("Failed to send message")
		observability.RecordError("send_failed", "transport")
		c.emitError(fmt.Errorf("failed to send %s: %w", msg.Event(), err))
		return
	}

	observability.RecordMessageSent(msg.Event())
	if audio, ok := msg.(protocol.AudioData); ok {
		observability.RecordAudioBytes(len(audio.Payload))
	} else {
		c.logger.Debug().Str("event", msg.Event()).Msg("Sent control message")
	}
}

// Disconnect closes the channel and suppresses automatic reconnection until
// the next Connect. Safe to call in any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.reconnecting = false
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		pending <- ErrClosed
	}

	if conn == nil {
		return
	}

	c.logger.Info().Msg("Closing connection")

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
	_ = conn.Close()

	observability.SetConnectionOpen(false)
	c.emitConnection(false)
}

// IsOpen reports whether the channel currently has an open connection
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) open(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial transcription service: %w", err)
	}

	c.mu.Lock()
	if c.manualClose || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.reconnecting = false
	c.reconnectCancel = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.logger.Info().Msg("Connected to transcription service")
	observability.SetConnectionOpen(true)

	go c.readLoop(conn)

	c.emitConnection(true)
	if pending != nil {
		pending <- nil
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug().Int("type", messageType).Msg("Ignoring non-text message")
			continue
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed server message")
			observability.RecordError("malformed_message", "transport")
			continue
		}

		c.emitMessage(msg)
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// Already replaced or closed by Disconnect
		c.mu.Unlock()
		return
	}
	c.conn = nil
	manual := c.manualClose
	c.mu.Unlock()

	_ = conn.Close()
	observability.SetConnectionOpen(false)

	if manual {
		return
	}

	c.logger.Warn().Err(cause).Msg("Connection closed unexpectedly")
	observability.RecordError("connection_lost", "transport")
	c.emitConnection(false)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.manualClose || c.reconnecting {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnecting = true
	c.reconnectCancel = cancel
	c.mu.Unlock()

	policy := resilience.ReconnectPolicy{
		MaxAttempts: c.opts.MaxReconnectAttempts,
		Delay:       c.opts.ReconnectDelay,
		Multiplier:  c.opts.BackoffMultiplier,
		MaxDelay:    c.opts.MaxReconnectDelay,
	}

	go func() {
		defer cancel()

		err := resilience.Reconnect(ctx, func(attempt int) error {
			observability.IncrementReconnectAttempts()
			return c.open(ctx)
		}, policy)
		if err == nil {
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil || c.manualClose {
			c.mu.Unlock()
			return
		}
		c.reconnecting = false
		c.reconnectCancel = nil
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		exhausted := fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		c.logger.Error().Err(err).Int("max_attempts", policy.MaxAttempts).Msg("Giving up on transcription service")
		observability.RecordError("reconnect_exhausted", "transport")

		if pending != nil {
			pending <- exhausted
		}
		c.emitError(exhausted)
	}()
}

func (c *Channel) emitMessage(msg protocol.ServerMessage) {
	c.handlerMu.RLock()
	h := c.onMessage
	c.handlerMu.RUnlock()
	if h != nil {
		h(msg)
	}
}

func (c *Channel) emitConnection(open bool) {
	c.handlerMu.RLock()
	h := c.onConnection
	c.handlerMu.RUnlock()
	if h != nil {
		h(open)
	}
}

func (c *Channel) emitError(err error) {
	c.handlerMu.RLock()
	h := c.onError
	c.handlerMu.RUnlock()
	if h != nil {
		h(err)
	}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid channel URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid channel URL %q: scheme must be ws or wss", rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid channel URL %q: missing host", rawURL)
	}
	return nil
}
