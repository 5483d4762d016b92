package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/vault/internal/domain"
)

func TestBroadcaster_PublishSubscribe(t *testing.T) {
	b := NewBroadcaster(4, 10)
	ch := b.Subscribe()

	b.Publish(TransactionEvent{Type: TypeAppended, AccountID: "a", Tx: domain.Transaction{ID: "tx1"}})

	got := <-ch
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, "tx1", got.Tx.ID)

	b.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_BacklogIsBounded(t *testing.T) {
	b := NewBroadcaster(1, 2)
	for i := 0; i < 5; i++ {
		b.Publish(TransactionEvent{Type: TypeAdvanced})
	}

	backlog := b.After(0)
	require.Len(t, backlog, 2)
	assert.Equal(t, uint64(4), backlog[0].Seq)
	assert.Equal(t, uint64(5), backlog[1].Seq)
	assert.Len(t, b.After(4), 1)
}

func TestBroadcaster_SlowConsumerDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(1, 0)
	ch := b.Subscribe()

	b.Publish(TransactionEvent{Type: TypeAppended})
	b.Publish(TransactionEvent{Type: TypeAppended})

	assert.Len(t, ch, 1)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(1, 1)
	ch := b.Subscribe()
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	b.Publish(TransactionEvent{Type: TypeAppended})
	assert.Empty(t, b.After(0))

	late := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
