// Package events carries notifications from the protocol core to the
// presentation layer as typed messages on channels.
package events

import (
	"sync"

	"fileswoosh/models"
)

const (
	// TransactionRequested is emitted on the receiving side when a peer asks to send a file.
	TransactionRequested Type = "transaction_requested"
	// TransactionConfirmed is emitted on the sending side when the receiver accepted.
	TransactionConfirmed Type = "transaction_confirmed"
	// TransactionCanceled is emitted when a transaction is canceled by either side or by peer expiry.
	TransactionCanceled Type = "transaction_canceled"
	// TransactionCompleted is emitted on both sides once the file has been streamed.
	TransactionCompleted Type = "transaction_completed"
)

// DefaultBufferSize is the transaction event buffer used by NewBus(0).
const DefaultBufferSize = 128

// Type identifies a transaction notification.
type Type string

// Event describes one transaction notification.
type Event struct {
	Type          Type
	TransactionID string
	Direction     models.Direction
	Address       string

	// Set for TransactionRequested.
	Hostname   string
	Username   string
	FileName   string
	SaveFolder string

	// Set for TransactionCompleted on the receiving side.
	SavedPath string
	Err       error
}

// Bus fans notifications out to a single consumer. Peer-set changes are
// coalesced into one pending signal; transaction events are queued and
// dropped only when the buffer is full.
type Bus struct {
	events       chan Event
	peersChanged chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewBus creates a bus with the given transaction event buffer size.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus{
		events:       make(chan Event, size),
		peersChanged: make(chan struct{}, 1),
	}
}

// Events returns the transaction event stream.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// PeersChanged returns a channel signalled when the peer set may have changed.
func (b *Bus) PeersChanged() <-chan struct{} {
	return b.peersChanged
}

// Emit queues a transaction event. It reports false when the event was
// dropped because the buffer is full or the bus is closed.
func (b *Bus) Emit(event Event) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	select {
	case b.events <- event:
		return true
	default:
		return false
	}
}

// NotifyPeersChanged signals observers without blocking. Repeated calls
// before the consumer reads collapse into one signal.
func (b *Bus) NotifyPeersChanged() {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.peersChanged <- struct{}{}:
	default:
	}
}

// Close closes both channels. Later emits are ignored.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.events)
		close(b.peersChanged)
		b.mu.Unlock()
	})
}
