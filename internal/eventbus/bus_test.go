package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: PostPublished, Data: "p1"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != PostPublished {
				t.Fatalf("sub %d: type=%q", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: PostFailed})
	b.Publish(Event{Type: PostFailed})
	b.Publish(Event{Type: PostFailed})

	if got := Dropped(b); got != 2 {
		t.Fatalf("dropped=%d want 2", got)
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	b.Publish(Event{Type: CycleFinished})

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}
