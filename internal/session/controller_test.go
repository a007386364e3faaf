package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/live-stt-client/internal/capture"
	"github.com/lexiqai/live-stt-client/internal/protocol"
	"github.com/lexiqai/live-stt-client/internal/transport"
)

// fakeChannel is an in-memory Channel
type fakeChannel struct {
	mu           sync.Mutex
	connectErr   error
	connectGate  chan struct{}
	open         bool
	sent         []protocol.ClientMessage
	disconnects  int
	onMessage    transport.MessageHandler
	onConnection transport.ConnectionHandler
	onError      transport.ErrorHandler
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	gate := f.connectGate
	err := f.connectErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.open = true
	h := f.onConnection
	f.mu.Unlock()
	if h != nil {
		h(true)
	}
	return nil
}

func (f *fakeChannel) Send(msg protocol.ClientMessage) {
	f.mu.Lock()
	if !f.open {
		h := f.onError
		f.mu.Unlock()
		if h != nil {
			h(transport.ErrNotConnected)
		}
		return
	}
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	wasOpen := f.open
	f.open = false
	f.disconnects++
	h := f.onConnection
	f.mu.Unlock()
	if wasOpen && h != nil {
		h(false)
	}
}

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) OnMessage(h transport.MessageHandler) {
	f.mu.Lock()
	f.onMessage = h
	f.mu.Unlock()
}

func (f *fakeChannel) OnConnection(h transport.ConnectionHandler) {
	f.mu.Lock()
	f.onConnection = h
	f.mu.Unlock()
}

func (f *fakeChannel) OnError(h transport.ErrorHandler) {
	f.mu.Lock()
	f.onError = h
	f.mu.Unlock()
}

func (f *fakeChannel) deliver(msg protocol.ServerMessage) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	h(msg)
}

func (f *fakeChannel) setOpen(open bool) {
	f.mu.Lock()
	f.open = open
	h := f.onConnection
	f.mu.Unlock()
	h(open)
}

func (f *fakeChannel) reportError(err error) {
	f.mu.Lock()
	h := f.onError
	f.mu.Unlock()
	h(err)
}

func (f *fakeChannel) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]string, len(f.sent))
	for i, msg := range f.sent {
		events[i] = msg.Event()
	}
	return events
}

func (f *fakeChannel) count(event string) int {
	n := 0
	for _, e := range f.events() {
		if e == event {
			n++
		}
	}
	return n
}

type harness struct {
	ctrl     *Controller
	source   *capture.Fake
	mu       sync.Mutex
	channels []*fakeChannel
	prepare  func(*fakeChannel)
}

func newHarness() *harness {
	h := &harness{source: capture.NewFake()}
	opts := DefaultOptions()
	opts.FlushDelay = 10 * time.Millisecond
	h.ctrl = NewController(h.source, func() Channel {
		ch := &fakeChannel{}
		h.mu.Lock()
		if h.prepare != nil {
			h.prepare(ch)
		}
		h.channels = append(h.channels, ch)
		h.mu.Unlock()
		return ch
	}, opts)
	return h
}

func (h *harness) channelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *harness) channel(i int) *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func frame48k() capture.Frame {
	samples := make([]float32, 480)
	for i := range samples {
		samples[i] = 0.25
	}
	return capture.Frame{Samples: samples, SampleRate: 48000}
}

func transcriptMsg(text string, isFinal bool) protocol.ServerMessage {
	return protocol.ServerMessage{
		Type:       protocol.TypeTranscript,
		Transcript: &protocol.Transcript{Text: text, IsFinal: isFinal},
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	h := newHarness()

	h.ctrl.Stop()
	h.ctrl.Stop()
	if got := h.ctrl.Status(); got != StatusIdle {
		t.Fatalf("Expected idle, got %s", got)
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.ctrl.Stop()
	h.ctrl.Stop()

	if got := h.ctrl.Status(); got != StatusIdle {
		t.Errorf("Expected idle, got %s", got)
	}

	ch := h.channel(0)
	events := ch.events()
	if events[0] != protocol.EventStartStream {
		t.Errorf("Expected start_stream first, got %v", events)
	}
	if events[len(events)-1] != protocol.EventEndStream {
		t.Errorf("Expected end_stream last, got %v", events)
	}
	if ch.count(protocol.EventEndStream) != 1 {
		t.Errorf("Expected exactly one end_stream, got %v", events)
	}
	if ch.IsOpen() {
		t.Error("Expected channel to be closed")
	}
	if h.source.Running() {
		t.Error("Expected capture to be stopped")
	}
}

func TestController_NoDuplicateStarts(t *testing.T) {
	h := newHarness()
	release := h.source.HoldPermission()

	first := make(chan error, 1)
	go func() { first <- h.ctrl.Start(context.Background()) }()

	waitFor(t, "connecting", func() bool { return h.ctrl.Status() == StatusConnecting })

	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for the second start, got %v", err)
	}

	release()
	if err := <-first; err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	if n := h.channelCount(); n != 1 {
		t.Errorf("Expected 1 channel, got %d", n)
	}
	if n := h.source.Starts(); n != 1 {
		t.Errorf("Expected 1 capture start, got %d", n)
	}
	if got := h.ctrl.Status(); got != StatusStreaming {
		t.Errorf("Expected streaming, got %s", got)
	}

	h.ctrl.Stop()
}

func TestController_StartIgnoredWhileStopping(t *testing.T) {
	h := newHarness()
	h.ctrl.opts.FlushDelay = 100 * time.Millisecond

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		h.ctrl.Stop()
		close(stopped)
	}()

	waitFor(t, "stopping", func() bool { return h.ctrl.Status() == StatusStopping })
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy while stopping, got %v", err)
	}

	<-stopped
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Errorf("Expected start after stop to succeed, got %v", err)
	}
	h.ctrl.Stop()

	if n := h.channelCount(); n != 2 {
		t.Errorf("Expected 2 channels over two sessions, got %d", n)
	}
}

func TestController_StopWhileConnecting(t *testing.T) {
	h := newHarness()
	release := h.source.HoldPermission()
	defer release()

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Start(context.Background()) }()

	waitFor(t, "connecting", func() bool { return h.ctrl.Status() == StatusConnecting })
	h.ctrl.Stop()

	if err := <-result; !errors.Is(err, ErrStartAborted) {
		t.Errorf("Expected ErrStartAborted, got %v", err)
	}
	if got := h.ctrl.Status(); got != StatusIdle {
		t.Errorf("Expected idle, got %s", got)
	}
	if h.channelCount() != 0 || h.source.Starts() != 0 {
		t.Errorf("Expected no channel or capture, got %d channels and %d starts", h.channelCount(), h.source.Starts())
	}
}

func TestController_StopDuringChannelOpen(t *testing.T) {
	h := newHarness()
	gate := make(chan struct{})
	h.prepare = func(ch *fakeChannel) { ch.connectGate = gate }

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Start(context.Background()) }()

	waitFor(t, "channel", func() bool { return h.channelCount() == 1 })
	h.ctrl.Stop()

	if err := <-result; !errors.Is(err, ErrStartAborted) {
		t.Errorf("Expected ErrStartAborted, got %v", err)
	}
	if got := h.ctrl.Status(); got != StatusIdle {
		t.Errorf("Expected idle, got %s", got)
	}
	if h.source.Starts() != 0 {
		t.Error("Expected capture never to start")
	}
	if n := h.channel(0).count(protocol.EventStartStream); n != 0 {
		t.Errorf("Expected no start_stream, got %d", n)
	}
}

func TestController_StartFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		check   func(t *testing.T, err error)
		channel bool
	}{
		{
			name:  "capability missing",
			setup: func(h *harness) { h.source.SetAvailability(capture.Unavailable("no backend")) },
			check: func(t *testing.T, err error) {
				var capErr *CapabilityError
				if !errors.As(err, &capErr) || capErr.Reason != "no backend" {
					t.Errorf("Expected CapabilityError, got %v", err)
				}
			},
		},
		{
			name:  "permission denied",
			setup: func(h *harness) { h.source.SetPermission(false) },
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrPermissionDenied) {
					t.Errorf("Expected ErrPermissionDenied, got %v", err)
				}
			},
		},
		{
			name: "connect failure",
			setup: func(h *harness) {
				h.prepare = func(ch *fakeChannel) { ch.connectErr = transport.ErrReconnectExhausted }
			},
			check: func(t *testing.T, err error) {
				var connErr *ConnectionError
				if !errors.As(err, &connErr) || !errors.Is(err, transport.ErrReconnectExhausted) {
					t.Errorf("Expected ConnectionError, got %v", err)
				}
			},
			channel: true,
		},
		{
			name:  "capture failure",
			setup: func(h *harness) { h.source.SetStartError(errors.New("device busy")) },
			check: func(t *testing.T, err error) {
				var capErr *CaptureError
				if !errors.As(err, &capErr) {
					t.Errorf("Expected CaptureError, got %v", err)
				}
			},
			channel: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.setup(h)

			err := h.ctrl.Start(context.Background())
			tt.check(t, err)

			if got := h.ctrl.Status(); got != StatusError {
				t.Errorf("Expected error status, got %s", got)
			}
			if h.ctrl.LastError() != err {
				t.Errorf("Expected lastError %v, got %v", err, h.ctrl.LastError())
			}
			if got := h.channelCount() == 1; got != tt.channel {
				t.Errorf("Expected channel created=%v, got %d channels", tt.channel, h.channelCount())
			}
			if tt.channel && h.channel(0).IsOpen() {
				t.Error("Expected channel to be torn down")
			}
			if h.ctrl.IsConnected() {
				t.Error("Expected not connected")
			}
		})
	}
}

func TestController_RestartFromError(t *testing.T) {
	h := newHarness()
	h.source.SetPermission(false)

	if err := h.ctrl.Start(context.Background()); err == nil {
		t.Fatal("Expected start to fail")
	}

	h.source.SetPermission(true)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Expected restart from error to succeed, got %v", err)
	}
	if h.ctrl.LastError() != nil {
		t.Errorf("Expected lastError cleared on start, got %v", h.ctrl.LastError())
	}
	h.ctrl.Stop()
}

func TestController_ClearError(t *testing.T) {
	h := newHarness()
	h.source.SetPermission(false)
	_ = h.ctrl.Start(context.Background())

	h.ctrl.ClearError()

	if got := h.ctrl.Status(); got != StatusIdle {
		t.Errorf("Expected idle after ClearError, got %s", got)
	}
	if h.ctrl.LastError() != nil {
		t.Errorf("Expected no lastError, got %v", h.ctrl.LastError())
	}
	if h.source.Starts() != 0 {
		t.Error("Expected ClearError not to restart")
	}
}

func TestController_StreamsFrames(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := h.channel(0)

	for i := 0; i < 5; i++ {
		if !h.source.Emit(frame48k()) {
			t.Fatal("Expected capture to be running")
		}
	}

	waitFor(t, "5 audio frames", func() bool { return ch.count(protocol.EventAudioData) == 5 })

	ch.mu.Lock()
	audio := ch.sent[1].(protocol.AudioData)
	ch.mu.Unlock()
	if len(audio.Payload) != 160*2 {
		t.Errorf("Expected 320 bytes of 16kHz PCM per frame, got %d", len(audio.Payload))
	}

	h.ctrl.Stop()
}

func TestController_TranscriptFlow(t *testing.T) {
	h := newHarness()

	var updates int
	var updMu sync.Mutex
	h.ctrl.OnUpdate(func(Snapshot) {
		updMu.Lock()
		updates++
		updMu.Unlock()
	})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := h.channel(0)

	ch.deliver(transcriptMsg("hel", false))
	ch.deliver(transcriptMsg("hello wor", false))
	if got := h.ctrl.InterimText(); got != "hello wor" {
		t.Errorf("Expected interim 'hello wor', got '%s'", got)
	}

	ch.deliver(transcriptMsg("hello world", true))

	finals := h.ctrl.Finalized()
	if len(finals) != 1 || finals[0].Text != "hello world" {
		t.Errorf("Expected one final 'hello world', got %+v", finals)
	}
	if h.ctrl.InterimText() != "" {
		t.Errorf("Expected empty interim, got '%s'", h.ctrl.InterimText())
	}

	stats := h.ctrl.LatencyStats()
	if stats.InterimCount != 2 || stats.FinalCount != 1 || stats.TotalResponses != 3 {
		t.Errorf("Unexpected latency stats: %+v", stats)
	}

	h.ctrl.Clear()
	if len(h.ctrl.Finalized()) != 0 {
		t.Error("Expected Clear to empty the transcript")
	}
	if h.ctrl.Status() != StatusStreaming {
		t.Error("Expected Clear not to affect the session")
	}

	updMu.Lock()
	if updates == 0 {
		t.Error("Expected update notifications")
	}
	updMu.Unlock()

	h.ctrl.Stop()

	// A new session starts with an empty transcript
	ch.deliver(transcriptMsg("stale", true))
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if len(h.ctrl.Finalized()) != 0 {
		t.Errorf("Expected fresh transcript, got %+v", h.ctrl.Finalized())
	}
	if h.ctrl.LatencyStats().TotalResponses != 0 {
		t.Error("Expected latency stats reset on start")
	}

	// Messages from the previous channel are ignored
	ch.deliver(transcriptMsg("late", true))
	if len(h.ctrl.Finalized()) != 0 {
		t.Error("Expected messages from the old session to be ignored")
	}
	h.ctrl.Stop()
}

func TestController_ServiceErrors(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := h.channel(0)

	ch.deliver(transcriptMsg("kept", true))
	ch.deliver(protocol.ServerMessage{
		Type:  protocol.TypeError,
		Error: &protocol.ServiceError{Code: 400, Message: "audio before start"},
	})

	if got := h.ctrl.Status(); got != StatusStreaming {
		t.Errorf("Expected non-fatal error to keep streaming, got %s", got)
	}
	if h.ctrl.LastError() == nil {
		t.Error("Expected lastError to be set")
	}
	if len(h.ctrl.Finalized()) != 1 {
		t.Error("Expected transcript untouched by errors")
	}

	ch.deliver(protocol.ServerMessage{
		Type:  protocol.TypeError,
		Error: &protocol.ServiceError{Code: 503, Message: "engine unavailable"},
	})

	if got := h.ctrl.Status(); got != StatusError {
		t.Errorf("Expected fatal error to move to error, got %s", got)
	}
	var svcErr *protocol.ServiceError
	if !errors.As(h.ctrl.LastError(), &svcErr) || svcErr.Code != 503 {
		t.Errorf("Expected lastError 503, got %v", h.ctrl.LastError())
	}
	if ch.IsOpen() || h.source.Running() {
		t.Error("Expected session torn down")
	}

	h.ctrl.Stop()
	if got := h.ctrl.Status(); got != StatusIdle {
		t.Errorf("Expected stop from error to reach idle, got %s", got)
	}
}

func TestController_ReannouncesAfterReconnect(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := h.channel(0)

	ch.setOpen(false)
	if h.ctrl.IsConnected() {
		t.Error("Expected disconnected after drop")
	}
	if got := h.ctrl.Status(); got != StatusStreaming {
		t.Errorf("Expected a drop not to be terminal, got %s", got)
	}

	// Frames captured while the channel is down are dropped
	h.source.Emit(frame48k())
	time.Sleep(20 * time.Millisecond)

	ch.setOpen(true)
	h.source.Emit(frame48k())
	waitFor(t, "audio after reconnect", func() bool { return ch.count(protocol.EventAudioData) == 1 })

	events := ch.events()
	want := []string{protocol.EventStartStream, protocol.EventStartStream, protocol.EventAudioData}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, events)
	}

	h.ctrl.Stop()
}

func TestController_ReannouncesReconnectDuringCaptureStart(t *testing.T) {
	h := newHarness()
	h.source.SetStartHook(func() {
		// The channel drops and recovers before capture is running
		ch := h.channel(0)
		ch.setOpen(false)
		ch.setOpen(true)
	})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := h.ctrl.Status(); got != StatusStreaming {
		t.Fatalf("Expected streaming, got %s", got)
	}
	ch := h.channel(0)

	for i := 0; i < 5; i++ {
		h.source.Emit(frame48k())
	}
	waitFor(t, "audio after reconnect", func() bool { return ch.count(protocol.EventAudioData) == 5 })

	events := ch.events()
	if events[0] != protocol.EventStartStream || events[1] != protocol.EventStartStream {
		t.Errorf("Expected start_stream on both connections before audio, got %v", events)
	}
	if got := ch.count(protocol.EventStartStream); got != 2 {
		t.Errorf("Expected 2 start_stream messages, got %d", got)
	}

	h.ctrl.Stop()
}

func TestController_NoReannounceOnSameConnection(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := h.channel(0)

	if h.ctrl.announce(h.ctrl.gen) {
		t.Error("Expected an announced connection not to be announced again")
	}
	if got := ch.count(protocol.EventStartStream); got != 1 {
		t.Errorf("Expected 1 start_stream, got %d", got)
	}

	h.ctrl.Stop()
}

func TestController_ReconnectExhaustedFails(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := h.channel(0)

	ch.reportError(transport.ErrNotConnected)
	if got := h.ctrl.Status(); got != StatusStreaming {
		t.Errorf("Expected recoverable transport error to be absorbed, got %s", got)
	}

	ch.setOpen(false)
	ch.reportError(fmt.Errorf("%w: dial refused", transport.ErrReconnectExhausted))

	if got := h.ctrl.Status(); got != StatusError {
		t.Errorf("Expected error after exhaustion, got %s", got)
	}
	var connErr *ConnectionError
	if !errors.As(h.ctrl.LastError(), &connErr) {
		t.Errorf("Expected ConnectionError, got %v", h.ctrl.LastError())
	}
}

func TestStatus_String(t *testing.T) {
	if StatusStreaming.String() != "streaming" {
		t.Errorf("Expected 'streaming', got '%s'", StatusStreaming)
	}
	if Status(42).String() != "unknown(42)" {
		t.Errorf("Expected 'unknown(42)', got '%s'", Status(42))
	}
	if !StatusError.CanStart() || StatusStopping.CanStart() {
		t.Error("Unexpected CanStart result")
	}
}
