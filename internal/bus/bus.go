package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SubscriberBuffer is the bounded mailbox size per live subscriber. A
// subscriber that cannot drain this many events is disconnected; its next
// reconnect resumes losslessly from the log.
const SubscriberBuffer = 128

// LogStore persists execution events. Events must be durable before any
// live subscriber sees them.
type LogStore interface {
	AppendEvent(ctx context.Context, ev *Event) error
	// ListEvents returns events with sequence > afterSeq, and
	// sequence < beforeSeq when beforeSeq > 0, in sequence order.
	ListEvents(ctx context.Context, executionID string, afterSeq, beforeSeq int64) ([]Event, error)
}

// Bus is a per-execution ordered pub/sub with durable replay. Each
// execution gets its own topic; there is no cross-execution ordering.
type Bus struct {
	store          LogStore
	logger         *zap.Logger
	heartbeatEvery time.Duration
	linger         time.Duration

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu   sync.Mutex
	next int64
	subs map[*subscriber]struct{}
	done bool
}

type subscriber struct {
	mail chan Event
	once sync.Once
}

func (s *subscriber) closeMail() {
	s.once.Do(func() { close(s.mail) })
}

// New creates a bus over the given log store.
func New(store LogStore, heartbeatEvery time.Duration, logger *zap.Logger) *Bus {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	return &Bus{
		store:          store,
		logger:         logger,
		heartbeatEvery: heartbeatEvery,
		linger:         60 * time.Second,
		topics:         make(map[string]*topic),
	}
}

// Open creates the live topic for an execution. Sequence numbering starts
// at 1.
func (b *Bus) Open(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[executionID]; !ok {
		b.topics[executionID] = &topic{next: 1, subs: make(map[*subscriber]struct{})}
	}
}

func (b *Bus) lookup(executionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[executionID]
}

func (b *Bus) remove(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, executionID)
}

// Publish assigns the next sequence, persists the event, then fans it out
// to live subscribers. The per-topic lock is held across the store write
// so no subscriber can ever observe an event that is not durable. A
// failed write is retried once; persistent failure is returned to the
// caller, which kills the execution.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	t := b.lookup(ev.ExecutionID)
	if t == nil {
		return fmt.Errorf("no topic for execution %s", ev.ExecutionID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return fmt.Errorf("topic for execution %s is closed", ev.ExecutionID)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Sequence = t.next

	if err := b.store.AppendEvent(ctx, ev); err != nil {
		b.logger.Warn("event persist failed, retrying once",
			zap.String("execution", ev.ExecutionID), zap.Error(err))
		if err = b.store.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("persist event seq %d: %w", ev.Sequence, err)
		}
	}
	t.next++

	for sub := range t.subs {
		select {
		case sub.mail <- *ev:
		default:
			// Slow consumer: drop the subscriber, never the execution.
			delete(t.subs, sub)
			sub.closeMail()
			b.logger.Warn("subscriber buffer full, disconnecting",
				zap.String("execution", ev.ExecutionID))
		}
	}

	if ev.Type.IsTerminal() {
		t.done = true
		for sub := range t.subs {
			delete(t.subs, sub)
			sub.closeMail()
		}
		execID := ev.ExecutionID
		time.AfterFunc(b.linger, func() { b.remove(execID) })
	}
	return nil
}

// NextSequence returns the sequence the next published event will get, or
// 0 when the topic is gone.
func (b *Bus) NextSequence(executionID string) int64 {
	t := b.lookup(executionID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// Subscribe attaches to an execution's event stream, replaying persisted
// events with sequence > since before forwarding live ones. The handoff
// between replay and live is gapless: the subscriber is attached and the
// current sequence snapshotted under the topic lock, then everything
// below the snapshot is read from the log. Cancel the context to detach.
func (b *Bus) Subscribe(ctx context.Context, executionID string, since int64) <-chan Event {
	out := make(chan Event, 16)

	t := b.lookup(executionID)
	if t == nil {
		go b.replayOnly(ctx, executionID, since, out)
		return out
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		go b.replayOnly(ctx, executionID, since, out)
		return out
	}
	snapshot := t.next
	sub := &subscriber{mail: make(chan Event, SubscriberBuffer)}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go b.pump(ctx, executionID, since, snapshot, t, sub, out)
	return out
}

// replayOnly serves a finished (or reclaimed) execution purely from the
// log.
func (b *Bus) replayOnly(ctx context.Context, executionID string, since int64, out chan<- Event) {
	defer close(out)
	rows, err := b.store.ListEvents(ctx, executionID, since, 0)
	if err != nil {
		b.logger.Warn("log replay failed", zap.String("execution", executionID), zap.Error(err))
		return
	}
	for _, ev := range rows {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) pump(ctx context.Context, executionID string, since, snapshot int64, t *topic, sub *subscriber, out chan<- Event) {
	defer close(out)
	defer func() {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}()

	rows, err := b.store.ListEvents(ctx, executionID, since, snapshot)
	if err != nil {
		b.logger.Warn("log replay failed", zap.String("execution", executionID), zap.Error(err))
		return
	}
	for _, ev := range rows {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
		if ev.Type.IsTerminal() {
			return
		}
	}

	hb := time.NewTimer(b.heartbeatEvery)
	defer hb.Stop()
	for {
		select {
		case ev, ok := <-sub.mail:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type.IsTerminal() {
				return
			}
			if !hb.Stop() {
				select {
				case <-hb.C:
				default:
				}
			}
			hb.Reset(b.heartbeatEvery)
		case <-hb.C:
			// Synthetic keepalive, never persisted.
			beat := Event{
				ExecutionID: executionID,
				Type:        EventHeartbeat,
				Timestamp:   time.Now().UTC(),
				Data:        map[string]any{"next_sequence": b.NextSequence(executionID)},
			}
			select {
			case out <- beat:
			case <-ctx.Done():
				return
			}
			hb.Reset(b.heartbeatEvery)
		case <-ctx.Done():
			return
		}
	}
}
