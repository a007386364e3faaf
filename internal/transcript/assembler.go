package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/live-stt-client/internal/protocol"
)

// Item is one transcript segment
type Item struct {
	ID         string
	Text       string
	IsFinal    bool
	Timestamp  float64 // Service timestamp in milliseconds
	Confidence *float64
	ReceivedAt time.Time
}

// Assembler reconciles interim and final results into a transcript: an
// append-only list of finalized items plus at most one interim item.
type Assembler struct {
	mu        sync.RWMutex
	finalized []Item
	interim   *Item
	now       func() time.Time
}

// NewAssembler creates an empty assembler
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// Apply folds one server message into the transcript. Error messages are
// returned as *protocol.ServiceError and leave the transcript untouched.
func (a *Assembler) Apply(msg protocol.ServerMessage) error {
	if msg.Error != nil {
		return msg.Error
	}
	if msg.Transcript == nil {
		return nil
	}

	t := msg.Transcript

	a.mu.Lock()
	defer a.mu.Unlock()

	if !t.IsFinal {
		if a.interim == nil {
			a.interim = &Item{ID: uuid.NewString()}
		}
		a.interim.Text = t.Text
		a.interim.Timestamp = t.Timestamp
		a.interim.Confidence = t.Confidence
		a.interim.ReceivedAt = a.now()
		return nil
	}

	a.finalized = append(a.finalized, Item{
		ID:         uuid.NewString(),
		Text:       t.Text,
		IsFinal:    true,
		Timestamp:  t.Timestamp,
		Confidence: t.Confidence,
		ReceivedAt: a.now(),
	})
	a.interim = nil
	return nil
}

// Clear empties the finalized list and the interim slot
func (a *Assembler) Clear() {
	a.mu.Lock()
	a.finalized = nil
	a.interim = nil
	a.mu.Unlock()
}

// Finalized returns a copy of the finalized items in arrival order
func (a *Assembler) Finalized() []Item {
	a.mu.RLock()
	defer a.mu.RUnlock()

	items := make([]Item, len(a.finalized))
	copy(items, a.finalized)
	return items
}

// Interim returns the current interim item, if any
func (a *Assembler) Interim() (Item, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.interim == nil {
		return Item{}, false
	}
	return *a.interim, true
}

// InterimText returns the current interim text or ""
func (a *Assembler) InterimText() string {
	item, ok := a.Interim()
	if !ok {
		return ""
	}
	return item.Text
}

// Len returns the number of finalized items
func (a *Assembler) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.finalized)
}
