package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemongate/lemongate/internal/common/logger"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// memoryConsumer records deliveries and assigns message ids m-1, m-2, …
// to created messages, the way a channel connector would.
type memoryConsumer struct {
	mu       sync.Mutex
	payloads []v1.OutboundPayload
	created  int
	failWith error
	block    chan struct{} // when set, Deliver waits for close
}

func newMemoryConsumer() *memoryConsumer {
	return &memoryConsumer{}
}

func (c *memoryConsumer) Deliver(ctx context.Context, p v1.OutboundPayload) (string, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return "", c.failWith
	}
	c.payloads = append(c.payloads, p)
	if p.Kind == v1.OutboundText || p.Kind == v1.OutboundFile {
		c.created++
		return fmt.Sprintf("m-%d", c.created), nil
	}
	return "", nil
}

func (c *memoryConsumer) Payloads() []v1.OutboundPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]v1.OutboundPayload, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func (c *memoryConsumer) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestOutboxDeliversAndAcks(t *testing.T) {
	consumer := newMemoryConsumer()
	ob := NewOutbox(consumer, newTestLogger(t))
	defer ob.Close()

	ack := make(chan v1.DeliveryAck, 1)
	err := ob.Enqueue(v1.OutboundPayload{
		ChannelID:      "telegram",
		Peer:           v1.Peer{Kind: v1.PeerKindDM, ID: "99"},
		Kind:           v1.OutboundText,
		Content:        v1.OutboundContent{Text: "hello"},
		IdempotencyKey: "k-1",
		Meta:           map[string]string{"surface": "answer"},
		Ack:            ack,
	})
	require.NoError(t, err)

	select {
	case res := <-ack:
		require.NoError(t, res.Err)
		assert.Equal(t, "m-1", res.MessageID)
		assert.Equal(t, "k-1", res.Ref)
		assert.Equal(t, "answer", res.Tag)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery ack")
	}

	payloads := consumer.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, "telegram", payloads[0].ChannelID)
	assert.Equal(t, "hello", payloads[0].Content.Text)
}

func TestOutboxDropsDuplicateIdempotencyKey(t *testing.T) {
	consumer := newMemoryConsumer()
	ob := NewOutbox(consumer, newTestLogger(t))
	defer ob.Close()

	payload := v1.OutboundPayload{
		ChannelID:      "telegram",
		Kind:           v1.OutboundText,
		Content:        v1.OutboundContent{Text: "once"},
		IdempotencyKey: "dup-1",
	}
	require.NoError(t, ob.Enqueue(payload))
	require.NoError(t, ob.Enqueue(payload))

	require.Eventually(t, func() bool {
		return consumer.Count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give a second delivery time to show up if dedupe were broken.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, consumer.Count())
}

func TestOutboxAcksDeliveryError(t *testing.T) {
	consumer := newMemoryConsumer()
	consumer.failWith = errors.New("channel unavailable")
	ob := NewOutbox(consumer, newTestLogger(t))
	defer ob.Close()

	ack := make(chan v1.DeliveryAck, 1)
	require.NoError(t, ob.Enqueue(v1.OutboundPayload{
		ChannelID: "telegram",
		Kind:      v1.OutboundText,
		Content:   v1.OutboundContent{Text: "doomed"},
		Ack:       ack,
	}))

	select {
	case res := <-ack:
		require.Error(t, res.Err)
		assert.Empty(t, res.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error ack")
	}
}

func TestOutboxEnqueueAfterClose(t *testing.T) {
	consumer := newMemoryConsumer()
	ob := NewOutbox(consumer, newTestLogger(t))
	ob.Close()

	ack := make(chan v1.DeliveryAck, 1)
	err := ob.Enqueue(v1.OutboundPayload{
		Kind: v1.OutboundText,
		Ack:  ack,
	})
	require.ErrorIs(t, err, ErrOutboxClosed)

	res := <-ack
	assert.ErrorIs(t, res.Err, ErrOutboxClosed)
	assert.Zero(t, consumer.Count())
}

func TestOutboxFailsFastWhenFull(t *testing.T) {
	consumer := newMemoryConsumer()
	consumer.block = make(chan struct{})
	ob := NewOutbox(consumer, newTestLogger(t))

	// One payload parks in the consumer; the queue holds the rest.
	for i := 0; i < outboxQueueCap+1; i++ {
		require.NoError(t, ob.Enqueue(v1.OutboundPayload{
			Kind:    v1.OutboundText,
			Content: v1.OutboundContent{Text: fmt.Sprintf("p-%d", i)},
		}))
	}

	ack := make(chan v1.DeliveryAck, 1)
	err := ob.Enqueue(v1.OutboundPayload{
		Kind: v1.OutboundText,
		Ack:  ack,
	})
	require.ErrorIs(t, err, ErrOutboxFull)

	res := <-ack
	assert.ErrorIs(t, res.Err, ErrOutboxFull)

	close(consumer.block)
	ob.Close()
}

func TestOutboxCloseFailsQueuedPayloads(t *testing.T) {
	consumer := newMemoryConsumer()
	consumer.block = make(chan struct{})
	ob := NewOutbox(consumer, newTestLogger(t))

	// Park the loop, then queue a payload behind it.
	require.NoError(t, ob.Enqueue(v1.OutboundPayload{
		Kind:    v1.OutboundText,
		Content: v1.OutboundContent{Text: "in flight"},
	}))
	ack := make(chan v1.DeliveryAck, 1)
	require.NoError(t, ob.Enqueue(v1.OutboundPayload{
		Kind:    v1.OutboundText,
		Content: v1.OutboundContent{Text: "queued"},
		Ack:     ack,
	}))

	done := make(chan struct{})
	go func() {
		ob.Close()
		close(done)
	}()
	// Close blocks on the in-flight delivery; release it.
	close(consumer.block)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not finish")
	}

	res := <-ack
	assert.ErrorIs(t, res.Err, ErrOutboxClosed)
}

func TestLogConsumerFabricatesMessageIDs(t *testing.T) {
	consumer := NewLogConsumer(newTestLogger(t))

	id, err := consumer.Deliver(context.Background(), v1.OutboundPayload{
		Kind:    v1.OutboundText,
		Content: v1.OutboundContent{Text: "hi"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	id, err = consumer.Deliver(context.Background(), v1.OutboundPayload{
		Kind:    v1.OutboundEdit,
		Content: v1.OutboundContent{Text: "hi again", MessageID: id},
	})
	require.NoError(t, err)
	assert.Empty(t, id)
}
