package events

import (
	"sync"
	"time"

	"github.com/vadiminshakov/vault/internal/domain"
)

// Type what happened to a transaction.
type Type string

const (
	TypeAppended Type = "appended"
	TypeAdvanced Type = "advanced"
)

// TransactionEvent is emitted for every appended or advanced transaction.
// Delivery (mail, push) belongs to downstream consumers.
type TransactionEvent struct {
	Seq       uint64             `json:"seq"`
	Type      Type               `json:"type"`
	AccountID string             `json:"account_id"`
	Tx        domain.Transaction `json:"tx"`
	At        time.Time          `json:"at"`
}

// Broadcaster fans out events to all subscribers via buffered channels and
// keeps a bounded backlog so late subscribers can catch up.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[chan TransactionEvent]struct{}
	buffer  int
	backlog []TransactionEvent
	limit   int
	seq     uint64
	closed  bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer and backlog size.
func NewBroadcaster(buffer, backlog int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	if backlog < 0 {
		backlog = 0
	}
	return &Broadcaster{
		subs:   make(map[chan TransactionEvent]struct{}),
		buffer: buffer,
		limit:  backlog,
	}
}

// Publish stamps a sequence number and sends the event to all subscribers, dropping for slow readers.
func (b *Broadcaster) Publish(e TransactionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	e.Seq = b.seq
	if b.limit > 0 {
		b.backlog = append(b.backlog, e)
		if len(b.backlog) > b.limit {
			b.backlog = b.backlog[len(b.backlog)-b.limit:]
		}
	}

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop slow consumer
		}
	}
}

// After returns backlog events with a sequence greater than seq.
func (b *Broadcaster) After(seq uint64) []TransactionEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []TransactionEvent
	for _, e := range b.backlog {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel that receives events until Unsubscribe or Close is called.
func (b *Broadcaster) Subscribe() chan TransactionEvent {
	ch := make(chan TransactionEvent, b.buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs[ch] = struct{}{}
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan TransactionEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Close closes every subscriber channel; later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
