package output

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/coalesce"
	"github.com/lemongate/lemongate/internal/common/logger"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// Common errors
var (
	ErrOutboxClosed = errors.New("outbox is closed")
	ErrOutboxFull   = errors.New("outbox queue is full")
)

const (
	// outboxQueueCap bounds payloads waiting on the consumer; beyond it
	// producers fail fast instead of blocking a coalescer flush.
	outboxQueueCap = 256

	// seenCap bounds the idempotency window; oldest keys fall off first.
	seenCap = 4096

	deliverTimeout = 30 * time.Second
)

// Consumer delivers one payload to its channel. The returned message id
// is the channel-assigned id of the created message, empty for edits,
// deletes and channels that do not report ids.
type Consumer interface {
	Deliver(ctx context.Context, payload v1.OutboundPayload) (messageID string, err error)
}

// Outbox serializes payload delivery through a single consumer
// goroutine. Every accepted payload is acked exactly once on its Ack
// channel (when set) whether delivery succeeded or not; payloads whose
// idempotency key was already accepted are dropped without an ack.
type Outbox struct {
	consumer Consumer
	logger   *logger.Logger

	queue chan v1.OutboundPayload
	quit  chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	seen      map[string]struct{}
	seenOrder []string
}

// NewOutbox starts the delivery loop on the given consumer.
func NewOutbox(consumer Consumer, log *logger.Logger) *Outbox {
	o := &Outbox{
		consumer: consumer,
		logger:   log.WithFields(zap.String("component", "outbox")),
		queue:    make(chan v1.OutboundPayload, outboxQueueCap),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
	go o.loop()
	return o
}

// Enqueue hands one payload to the delivery loop without blocking. A
// full queue and a closed outbox fail fast; both outcomes are also
// acked so producers waiting on the Ack channel are never stranded.
func (o *Outbox) Enqueue(payload v1.OutboundPayload) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.ack(payload, "", ErrOutboxClosed)
		return ErrOutboxClosed
	}
	if payload.IdempotencyKey != "" {
		if _, dup := o.seen[payload.IdempotencyKey]; dup {
			o.mu.Unlock()
			o.logger.Debug("Duplicate payload dropped",
				zap.String("idempotency_key", payload.IdempotencyKey),
				zap.String("channel_id", payload.ChannelID))
			return nil
		}
	}

	// The send happens under the lock so Close's drain cannot miss a
	// payload that passed the closed check. The select never blocks.
	select {
	case o.queue <- payload:
		if payload.IdempotencyKey != "" {
			o.rememberLocked(payload.IdempotencyKey)
		}
		o.mu.Unlock()
		return nil
	default:
		o.mu.Unlock()
		o.logger.Warn("Outbox queue full, payload rejected",
			zap.String("channel_id", payload.ChannelID),
			zap.String("kind", string(payload.Kind)))
		o.ack(payload, "", ErrOutboxFull)
		return ErrOutboxFull
	}
}

// Close stops the loop and fails every queued payload with
// ErrOutboxClosed. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	close(o.quit)
	<-o.done
}

func (o *Outbox) loop() {
	defer close(o.done)
	for {
		// Quit wins over further deliveries so Close reliably fails
		// everything still queued behind an in-flight payload.
		select {
		case <-o.quit:
			o.drainClosed()
			return
		default:
		}
		select {
		case payload := <-o.queue:
			o.deliver(payload)
		case <-o.quit:
			o.drainClosed()
			return
		}
	}
}

func (o *Outbox) drainClosed() {
	for {
		select {
		case payload := <-o.queue:
			o.ack(payload, "", ErrOutboxClosed)
		default:
			return
		}
	}
}

func (o *Outbox) deliver(payload v1.OutboundPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	messageID, err := o.consumer.Deliver(ctx, payload)
	if err != nil {
		o.logger.Error("Delivery failed",
			zap.String("channel_id", payload.ChannelID),
			zap.String("kind", string(payload.Kind)),
			zap.String("idempotency_key", payload.IdempotencyKey),
			zap.Error(err))
	}
	o.ack(payload, messageID, err)
}

// ack reports the delivery result without ever blocking the loop; the
// producer owns a buffered channel sized for its outstanding payloads.
func (o *Outbox) ack(payload v1.OutboundPayload, messageID string, err error) {
	if payload.Ack == nil {
		return
	}
	ack := v1.DeliveryAck{
		Ref:       payload.IdempotencyKey,
		Tag:       payload.Meta["surface"],
		MessageID: messageID,
		Err:       err,
	}
	select {
	case payload.Ack <- ack:
	default:
		o.logger.Warn("Ack channel full, result dropped",
			zap.String("idempotency_key", payload.IdempotencyKey))
	}
}

func (o *Outbox) rememberLocked(key string) {
	o.seen[key] = struct{}{}
	o.seenOrder = append(o.seenOrder, key)
	if len(o.seenOrder) > seenCap {
		evicted := o.seenOrder[0]
		o.seenOrder = o.seenOrder[1:]
		delete(o.seen, evicted)
	}
}

// LogConsumer is the development consumer: it logs each payload and
// fabricates message ids so edit flows work without a real channel
// connector attached.
type LogConsumer struct {
	logger *logger.Logger
}

// NewLogConsumer creates a consumer that only logs.
func NewLogConsumer(log *logger.Logger) *LogConsumer {
	return &LogConsumer{logger: log.WithFields(zap.String("component", "log-consumer"))}
}

// Deliver logs the payload and invents a message id for creates.
func (c *LogConsumer) Deliver(_ context.Context, payload v1.OutboundPayload) (string, error) {
	c.logger.Info("Outbound payload",
		zap.String("channel_id", payload.ChannelID),
		zap.String("kind", string(payload.Kind)),
		zap.String("peer_kind", string(payload.Peer.Kind)),
		zap.String("peer_id", payload.Peer.ID),
		zap.String("message_id", payload.Content.MessageID),
		zap.Int("files", len(payload.Content.Files)),
		zap.String("text", coalesce.Truncate(payload.Content.Text, 120)))

	if payload.Kind == v1.OutboundText || payload.Kind == v1.OutboundFile {
		return uuid.New().String(), nil
	}
	return "", nil
}
