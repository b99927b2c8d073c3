package manager

import (
	"testing"
	"time"
)

func recvNotification(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		if !ok {
			t.Fatal("observer channel closed unexpectedly")
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Notification{}
}

func TestObserverFanOut(t *testing.T) {
	reg := newObserverRegistry()
	defer reg.close()

	_, chA := reg.subscribe()
	_, chB := reg.subscribe()

	reg.publish(Notification{SessionID: "s1", Kind: KindTitle, Title: "hello"})

	for _, ch := range []<-chan Notification{chA, chB} {
		n := recvNotification(t, ch)
		if n.SessionID != "s1" || n.Kind != KindTitle || n.Title != "hello" {
			t.Errorf("unexpected notification: %+v", n)
		}
	}
}

func TestObserverUnsubscribeClosesChannel(t *testing.T) {
	reg := newObserverRegistry()
	defer reg.close()

	id, ch := reg.subscribe()
	reg.unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}

	// Idempotent, including for IDs that never existed.
	reg.unsubscribe(id)
	reg.unsubscribe("no-such-observer")
}

func TestObserverOverflowDropsInsteadOfBlocking(t *testing.T) {
	reg := newObserverRegistry()
	defer reg.close()

	_, ch := reg.subscribe()

	// Nobody reads: fill past capacity. publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < observerBuffer+50; i++ {
			reg.publish(Notification{SessionID: "s1", Kind: KindDeltaBatch})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full observer")
	}

	if got := len(ch); got != observerBuffer {
		t.Errorf("buffered notifications = %d, want %d", got, observerBuffer)
	}
}

func TestObserverSlowConsumerDoesNotStallOthers(t *testing.T) {
	reg := newObserverRegistry()
	defer reg.close()

	_, slow := reg.subscribe()
	_, fast := reg.subscribe()

	for i := 0; i < observerBuffer+10; i++ {
		reg.publish(Notification{SessionID: "s1", Kind: KindDeltaBatch})
		// Keep the fast observer drained.
		recvNotification(t, fast)
	}

	if got := len(slow); got != observerBuffer {
		t.Errorf("slow observer buffered = %d, want %d", got, observerBuffer)
	}
}

func TestObserverSubscribeAfterClose(t *testing.T) {
	reg := newObserverRegistry()
	reg.close()

	_, ch := reg.subscribe()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel from subscribing to a closed registry")
	}

	// Publishing to a closed registry is a no-op.
	reg.publish(Notification{SessionID: "s1", Kind: KindEvent})
}
