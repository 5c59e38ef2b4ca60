package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, domain.TopicEventRecorded, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicEventRecorded, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
			}
			if msg.Topic != domain.TopicEventRecorded {
				t.Errorf("expected topic %s, got %s", domain.TopicEventRecorded, msg.Topic)
			}
			if msg.ID == "" {
				t.Error("expected message id")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var flagged, persisted atomic.Int32

		_, _ = bus.Subscribe(ctx, domain.TopicAnomalyFlagged, func(ctx context.Context, msg *domain.Message) error {
			flagged.Add(1)
			return nil
		})
		_, _ = bus.Subscribe(ctx, domain.TopicAnomalyPersisted, func(ctx context.Context, msg *domain.Message) error {
			persisted.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, domain.TopicAnomalyFlagged, []byte("a"))
		_ = bus.Publish(ctx, domain.TopicAnomalyFlagged, []byte("b"))

		waitFor(t, func() bool { return flagged.Load() == 2 })
		if persisted.Load() != 0 {
			t.Errorf("expected no persisted messages, got %d", persisted.Load())
		}
	})

	t.Run("FanOut", func(t *testing.T) {
		var count atomic.Int32
		for i := 0; i < 3; i++ {
			_, _ = bus.Subscribe(ctx, "fanout", func(ctx context.Context, msg *domain.Message) error {
				count.Add(1)
				return nil
			})
		}
		_ = bus.Publish(ctx, "fanout", nil)
		waitFor(t, func() bool { return count.Load() == 3 })
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, "unsub", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if sub.Topic() != "unsub" {
			t.Errorf("expected topic unsub, got %s", sub.Topic())
		}

		_ = bus.Publish(ctx, "unsub", nil)
		waitFor(t, func() bool { return count.Load() == 1 })

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		_ = bus.Publish(ctx, "unsub", nil)
		time.Sleep(20 * time.Millisecond)
		if count.Load() != 1 {
			t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("EmptyTopic", func(t *testing.T) {
		if _, err := bus.Subscribe(ctx, "", nil); err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusFullBufferDoesNotBlock(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	_, _ = bus.Subscribe(ctx, "slow", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish(ctx, "slow", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	sub, _ := bus.Subscribe(ctx, "topic", func(ctx context.Context, msg *domain.Message) error { return nil })

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
	if err := bus.Publish(ctx, "topic", nil); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe(ctx, "topic", nil); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping on closed bus to fail")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("unsubscribe after close failed: %v", err)
	}
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("expected *ChannelBus, got %T", b)
	}
	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestMessageEnvelope(t *testing.T) {
	if got := Subject(domain.TopicAnomalyFlagged); got != "linklock.anomaly.flagged" {
		t.Errorf("expected linklock.anomaly.flagged, got %s", got)
	}

	data, err := encodeMessage(domain.TopicEventRecorded, []byte(`{"id":"ev-1"}`))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	msg, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Topic != domain.TopicEventRecorded || string(msg.Payload) != `{"id":"ev-1"}` {
		t.Errorf("unexpected message: %+v", msg)
	}
	if _, err := decodeMessage([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}
