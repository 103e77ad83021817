package hub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/joestump/termhub/internal/protocol"
)

func activity(state string) protocol.SessionActivity {
	return protocol.NewSessionActivity("sess-1", state, 0)
}

func stdout(data string) protocol.Stdout {
	return protocol.NewStdout("sess-1", data, false)
}

func TestPublishAndSubscribe(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe(0)
	defer unsub()

	h.Publish(stdout("hello"))
	h.Publish(stdout("world"))

	got := (<-ch).(protocol.Stdout)
	if got.Data != "hello" {
		t.Fatalf("expected hello, got %q", got.Data)
	}
	got = (<-ch).(protocol.Stdout)
	if got.Data != "world" {
		t.Fatalf("expected world, got %q", got.Data)
	}
}

func TestReplayOnSubscribe(t *testing.T) {
	h := New()

	h.Publish(stdout("line1"))
	h.Publish(stdout("line2"))
	h.Publish(stdout("line3"))

	ch, unsub := h.Subscribe(3)
	defer unsub()

	for _, want := range []string{"line1", "line2", "line3"} {
		got := (<-ch).(protocol.Stdout)
		if got.Data != want {
			t.Fatalf("expected %q, got %q", want, got.Data)
		}
	}
}

func TestReplayCappedToRequest(t *testing.T) {
	h := New()

	for i := 0; i < 10; i++ {
		h.Publish(stdout(fmt.Sprintf("line-%d", i)))
	}

	ch, unsub := h.Subscribe(2)
	defer unsub()

	for _, want := range []string{"line-8", "line-9"} {
		got := (<-ch).(protocol.Stdout)
		if got.Data != want {
			t.Fatalf("expected %q, got %q", want, got.Data)
		}
	}
	select {
	case msg := <-ch:
		t.Fatalf("expected exactly 2 replayed messages, got extra %v", msg)
	default:
	}
}

func TestSubscribeWithoutReplaySkipsBuffer(t *testing.T) {
	h := New()
	h.Publish(stdout("old"))

	ch, unsub := h.Subscribe(0)
	defer unsub()

	select {
	case msg := <-ch:
		t.Fatalf("expected no replay, got %v", msg)
	default:
	}

	h.Publish(stdout("new"))
	got := (<-ch).(protocol.Stdout)
	if got.Data != "new" {
		t.Fatalf("expected new, got %q", got.Data)
	}
}

func TestClose(t *testing.T) {
	h := New()
	ch, _ := h.Subscribe(0)

	h.Publish(stdout("before"))
	h.Close()

	// Drain the buffered message, then the channel should be closed.
	<-ch
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after Close")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	h := New()

	h.Publish(stdout("a"))
	h.Publish(stdout("b"))
	h.Close()

	ch, _ := h.Subscribe(2)
	var msgs []protocol.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 replayed messages, got %d", len(msgs))
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	h := New()
	h.Publish(stdout("before"))
	h.Close()
	h.Publish(stdout("after")) // should not panic or grow buffer

	h.mu.Lock()
	if len(h.buf) != 1 {
		t.Fatalf("expected 1 buffered message, got %d", len(h.buf))
	}
	h.mu.Unlock()
}

func TestBufferEviction(t *testing.T) {
	h := New()
	for i := 0; i < defaultBufferCap+100; i++ {
		h.Publish(stdout("line"))
	}

	h.mu.Lock()
	if len(h.buf) != defaultBufferCap {
		t.Fatalf("expected buffer capped at %d, got %d", defaultBufferCap, len(h.buf))
	}
	h.mu.Unlock()
}

func TestBufferEvictionOrdering(t *testing.T) {
	h := New()
	// Write more than buffer capacity to force wrapping.
	total := defaultBufferCap + 50
	for i := 0; i < total; i++ {
		h.Publish(stdout(fmt.Sprintf("line-%d", i)))
	}

	// A full replay should yield the last defaultBufferCap messages in order.
	ch, unsub := h.Subscribe(defaultBufferCap)
	defer unsub()

	h.Close() // close so we can range over ch

	var got []string
	for msg := range ch {
		got = append(got, msg.(protocol.Stdout).Data)
	}

	if len(got) != defaultBufferCap {
		t.Fatalf("expected %d messages, got %d", defaultBufferCap, len(got))
	}

	// First message should be the oldest surviving: line-50.
	want := fmt.Sprintf("line-%d", total-defaultBufferCap)
	if got[0] != want {
		t.Fatalf("expected first message %q, got %q", want, got[0])
	}

	// Last message should be the most recent.
	want = fmt.Sprintf("line-%d", total-1)
	if got[len(got)-1] != want {
		t.Fatalf("expected last message %q, got %q", want, got[len(got)-1])
	}
}

func TestMultipleSubscribers(t *testing.T) {
	h := New()
	ch1, unsub1 := h.Subscribe(0)
	ch2, unsub2 := h.Subscribe(0)
	defer unsub1()
	defer unsub2()

	h.Publish(activity("active"))

	got1 := (<-ch1).(protocol.SessionActivity)
	got2 := (<-ch2).(protocol.SessionActivity)
	if got1.ActivityState != "active" || got2.ActivityState != "active" {
		t.Fatalf("expected both subscribers to get the message, got %v and %v", got1, got2)
	}
}

func TestConcurrentPublish(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe(0)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Publish(stdout("concurrent"))
		}()
	}
	wg.Wait()

	// Drain all messages.
	count := 0
	for count < 100 {
		<-ch
		count++
	}
}

func TestUnsubscribe(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe(0)
	unsub()

	h.Publish(stdout("after-unsub"))

	// Channel should not receive anything after unsubscribe.
	select {
	case <-ch:
		t.Fatal("expected no message after unsubscribe")
	default:
	}

	if n := h.Subscribers(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}
