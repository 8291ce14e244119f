package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// memLog is an in-memory LogStore for bus tests.
type memLog struct {
	mu   sync.Mutex
	rows map[string][]Event
	fail int // fail the next N appends
}

func newMemLog() *memLog {
	return &memLog{rows: make(map[string][]Event)}
}

func (m *memLog) AppendEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return fmt.Errorf("simulated store failure")
	}
	m.rows[ev.ExecutionID] = append(m.rows[ev.ExecutionID], *ev)
	return nil
}

func (m *memLog) ListEvents(ctx context.Context, executionID string, afterSeq, beforeSeq int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.rows[executionID] {
		if ev.Sequence <= afterSeq {
			continue
		}
		if beforeSeq > 0 && ev.Sequence >= beforeSeq {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memLog) count(executionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[executionID])
}

func newTestBus(t *testing.T) (*Bus, *memLog) {
	t.Helper()
	log := newMemLog()
	return New(log, time.Minute, zap.NewNop()), log
}

func publishN(t *testing.T, b *Bus, execID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := &Event{ExecutionID: execID, Type: EventNodeEntered, NodeID: fmt.Sprintf("n%d", i)}
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
}

func TestPublishAssignsGaplessSequence(t *testing.T) {
	b, log := newTestBus(t)
	b.Open("e1")
	publishN(t, b, "e1", 5)

	rows, _ := log.ListEvents(context.Background(), "e1", 0, 0)
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	for i, ev := range rows {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("row %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestPublishRetriesOnce(t *testing.T) {
	b, log := newTestBus(t)
	b.Open("e1")
	log.fail = 1
	if err := b.Publish(context.Background(), &Event{ExecutionID: "e1", Type: EventNodeEntered}); err != nil {
		t.Fatalf("single failure should be retried: %v", err)
	}
	log.fail = 2
	if err := b.Publish(context.Background(), &Event{ExecutionID: "e1", Type: EventNodeEntered}); err == nil {
		t.Fatal("double failure should surface")
	}
	if got := log.count("e1"); got != 1 {
		t.Fatalf("expected exactly 1 durable row, got %d", got)
	}
}

func TestSubscribeReplayThenLive(t *testing.T) {
	b, _ := newTestBus(t)
	b.Open("e1")
	publishN(t, b, "e1", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx, "e1", 2)

	// Replayed events 3..5.
	for want := int64(3); want <= 5; want++ {
		ev := recvEvent(t, ch)
		if ev.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, ev.Sequence)
		}
	}

	// Live events continue with no gap.
	publishN(t, b, "e1", 2)
	for want := int64(6); want <= 7; want++ {
		ev := recvEvent(t, ch)
		if ev.Sequence != want {
			t.Fatalf("expected live sequence %d, got %d", want, ev.Sequence)
		}
	}
}

func TestTerminalEventClosesStream(t *testing.T) {
	b, _ := newTestBus(t)
	b.Open("e1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx, "e1", 0)

	publishN(t, b, "e1", 2)
	if err := b.Publish(context.Background(), &Event{ExecutionID: "e1", Type: EventExecutionCompleted}); err != nil {
		t.Fatalf("terminal publish: %v", err)
	}

	var seqs []int64
	for ev := range ch {
		seqs = append(seqs, ev.Sequence)
	}
	if len(seqs) != 3 || seqs[2] != 3 {
		t.Fatalf("expected sequences 1..3 then close, got %v", seqs)
	}

	// Publishing after the terminal event is rejected.
	if err := b.Publish(context.Background(), &Event{ExecutionID: "e1", Type: EventNodeEntered}); err == nil {
		t.Fatal("publish after terminal should fail")
	}
}

func TestLateSubscribeReadsFromLog(t *testing.T) {
	b, _ := newTestBus(t)
	b.Open("e1")
	publishN(t, b, "e1", 3)
	b.Publish(context.Background(), &Event{ExecutionID: "e1", Type: EventExecutionCompleted})

	ch := b.Subscribe(context.Background(), "e1", 0)
	var seqs []int64
	for ev := range ch {
		seqs = append(seqs, ev.Sequence)
	}
	if len(seqs) != 4 {
		t.Fatalf("late subscriber should replay the full log, got %v", seqs)
	}
}

// Resume losslessness: disconnect mid-stream, reconnect with the last
// seen sequence, and the union covers every sequence exactly once.
func TestResumeLossless(t *testing.T) {
	b, _ := newTestBus(t)
	b.Open("e1")
	publishN(t, b, "e1", 9)
	b.Publish(context.Background(), &Event{ExecutionID: "e1", Type: EventExecutionCompleted})

	ctx1, cancel1 := context.WithCancel(context.Background())
	ch1 := b.Subscribe(ctx1, "e1", 0)
	var first []int64
	for ev := range ch1 {
		first = append(first, ev.Sequence)
		if ev.Sequence == 5 {
			break
		}
	}
	cancel1()

	ch2 := b.Subscribe(context.Background(), "e1", 5)
	var second []int64
	for ev := range ch2 {
		second = append(second, ev.Sequence)
	}

	all := append(first, second...)
	if len(all) != 10 {
		t.Fatalf("union should be sequences 1..10, got %v", all)
	}
	for i, seq := range all {
		if seq != int64(i+1) {
			t.Fatalf("expected contiguous sequences, got %v", all)
		}
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	b, _ := newTestBus(t)
	b.Open("e1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx, "e1", 0)

	// Overwhelm the mailbox without reading.
	publishN(t, b, "e1", SubscriberBuffer+64)

	received := 0
	for range ch {
		received++
	}
	if received >= SubscriberBuffer+64 {
		t.Fatalf("slow subscriber should have been cut off, received %d", received)
	}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}
