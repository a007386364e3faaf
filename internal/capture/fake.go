package capture

import (
	"context"
	"sync"
)

// Fake is a scripted capture source. Frames are pushed with Emit.
type Fake struct {
	mu           sync.Mutex
	availability Availability
	permission   bool
	gate         chan struct{}
	startErr     error
	startHook    func()
	onFrame      FrameHandler
	starts       int
	stops        int
}

// NewFake creates an available fake that grants permission
func NewFake() *Fake {
	return &Fake{availability: Available(), permission: true}
}

// SetAvailability overrides the probe result
func (f *Fake) SetAvailability(a Availability) {
	f.mu.Lock()
	f.availability = a
	f.mu.Unlock()
}

// SetPermission sets the answer to RequestPermission
func (f *Fake) SetPermission(granted bool) {
	f.mu.Lock()
	f.permission = granted
	f.mu.Unlock()
}

// HoldPermission makes RequestPermission block until the returned release
// function is called or the request context ends.
func (f *Fake) HoldPermission() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetStartError makes Start fail with err
func (f *Fake) SetStartError(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

// SetStartHook runs fn inside every Start, before the handler is recorded
func (f *Fake) SetStartHook(fn func()) {
	f.mu.Lock()
	f.startHook = fn
	f.mu.Unlock()
}

// Availability returns the scripted availability
func (f *Fake) Availability() Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availability
}

// RequestPermission returns the scripted answer, waiting on a held gate first
func (f *Fake) RequestPermission(ctx context.Context) bool {
	f.mu.Lock()
	gate := f.gate
	granted := f.permission
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
	return granted
}

// Start records the handler unless a start error is scripted
func (f *Fake) Start(onFrame FrameHandler) error {
	f.mu.Lock()
	hook := f.startHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.onFrame = onFrame
	return nil
}

// Stop drops the handler
func (f *Fake) Stop() {
	f.mu.Lock()
	f.stops++
	f.onFrame = nil
	f.mu.Unlock()
}

// Emit delivers a frame if the fake is running and reports whether it did
func (f *Fake) Emit(frame Frame) bool {
	f.mu.Lock()
	h := f.onFrame
	f.mu.Unlock()

	if h == nil {
		return false
	}
	h(frame)
	return true
}

// Running reports whether a handler is registered
func (f *Fake) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onFrame != nil
}

// Starts returns how many times Start was called
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Stops returns how many times Stop was called
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
