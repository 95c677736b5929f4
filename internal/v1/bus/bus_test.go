package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func event(evType, room, data string) types.Event {
	return types.Event{Type: evType, Room: room, Data: []byte(data)}
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(types.RoomTopic("R1"), nil)
	b.Publish(context.Background(), types.RoomTopic("R1"), event("new-message", "R1", `{"content":"hi"}`))

	select {
	case ev := <-sub.C():
		assert.Equal(t, "new-message", ev.Type)
		assert.Equal(t, `{"content":"hi"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestPublish_TopicIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	subA := b.Subscribe(types.RoomTopic("A"), nil)
	subB := b.Subscribe(types.RoomTopic("B"), nil)

	for i := 0; i < 20; i++ {
		b.Publish(context.Background(), types.RoomTopic("A"), event("user-joined", "A", "{}"))
	}

	// Drain A's events.
	for i := 0; i < 20; i++ {
		select {
		case ev := <-subA.C():
			assert.Equal(t, "A", ev.Room)
		case <-time.After(time.Second):
			t.Fatal("missing event on room:A")
		}
	}

	// B must have seen nothing.
	select {
	case ev := <-subB.C():
		t.Fatalf("room:B subscriber received foreign event %v", ev)
	default:
	}
}

func TestPublish_OrderPreservedPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	const n = 100
	sub1 := b.Subscribe(types.RoomTopic("R1"), nil)
	sub2 := b.Subscribe(types.RoomTopic("R1"), nil)

	var wg sync.WaitGroup
	collect := func(sub *Subscription, out *[]string) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ev := <-sub.C()
			*out = append(*out, string(ev.Data))
		}
	}
	var got1, got2 []string
	wg.Add(2)
	go collect(sub1, &got1)
	go collect(sub2, &got2)

	for i := 0; i < n; i++ {
		b.Publish(context.Background(), types.RoomTopic("R1"), event("new-message", "R1", fmt.Sprintf("%03d", i)))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		want := fmt.Sprintf("%03d", i)
		require.Equal(t, want, got1[i], "subscriber 1 out of order at %d", i)
		require.Equal(t, want, got2[i], "subscriber 2 out of order at %d", i)
	}
}

func TestPublish_ConcurrentPublishersSameOrderForAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	const n = 200
	sub1 := b.Subscribe(types.RoomTopic("R1"), nil)
	sub2 := b.Subscribe(types.RoomTopic("R1"), nil)

	var wg sync.WaitGroup
	var got1, got2 []string
	collect := func(sub *Subscription, out *[]string) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ev := <-sub.C()
			*out = append(*out, string(ev.Data))
		}
	}
	wg.Add(2)
	go collect(sub1, &got1)
	go collect(sub2, &got2)

	var pubs sync.WaitGroup
	for p := 0; p < 4; p++ {
		pubs.Add(1)
		go func(p int) {
			defer pubs.Done()
			for i := 0; i < n/4; i++ {
				b.Publish(context.Background(), types.RoomTopic("R1"),
					event("new-message", "R1", fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}
	pubs.Wait()
	wg.Wait()

	// Interleaving is racy, but both subscribers must observe the SAME
	// total order.
	assert.Equal(t, got1, got2)
}

func TestSlowConsumer_DetachedWithCallback(t *testing.T) {
	b := New()
	defer b.Close()

	overflowed := make(chan struct{})
	slow := b.Subscribe(types.RoomTopic("R1"), func() { close(overflowed) })
	healthy := b.Subscribe(types.RoomTopic("R1"), nil)

	// Fill both queues to the high-water mark.
	for i := 0; i < subscriberQueueSize; i++ {
		b.Publish(context.Background(), types.RoomTopic("R1"), event("new-message", "R1", "x"))
	}
	// The healthy subscriber keeps up; the slow one never reads.
	for i := 0; i < subscriberQueueSize; i++ {
		<-healthy.C()
	}

	// One more publish overflows only the slow subscriber.
	b.Publish(context.Background(), types.RoomTopic("R1"), event("new-message", "R1", "y"))

	select {
	case <-overflowed:
	case <-time.After(time.Second):
		t.Fatal("overflow callback should fire")
	}

	// The slow subscriber's channel ends after its buffered events.
	drained := 0
	for range slow.C() {
		drained++
	}
	assert.Equal(t, subscriberQueueSize, drained)

	// The healthy subscriber received the final event too.
	select {
	case ev := <-healthy.C():
		assert.Equal(t, "y", string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber should still receive publishes")
	}
	healthy.Unsubscribe()
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(types.RoomTopic("R1"), nil)
	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic

	// Publishing after unsubscribe is a no-op for this subscriber.
	b.Publish(context.Background(), types.RoomTopic("R1"), event("user-left", "R1", "{}"))

	_, open := <-sub.C()
	assert.False(t, open, "channel should be closed after unsubscribe")
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := New()
	defer b.Close()
	// Must not panic or block.
	b.Publish(context.Background(), types.RoomTopic("empty"), event("user-joined", "empty", "{}"))
}

func TestClose_ClosesAllSubscriptions(t *testing.T) {
	b := New()

	sub1 := b.Subscribe(types.RoomTopic("R1"), nil)
	sub2 := b.Subscribe(types.LobbyTopic, nil)

	b.Close()
	b.Close() // idempotent

	_, open1 := <-sub1.C()
	_, open2 := <-sub2.C()
	assert.False(t, open1)
	assert.False(t, open2)

	// Subscribing after close yields an already-closed subscription.
	sub3 := b.Subscribe(types.RoomTopic("R1"), nil)
	_, open3 := <-sub3.C()
	assert.False(t, open3)
}

func TestLobbyAndRoomTopicsCoexist(t *testing.T) {
	b := New()
	defer b.Close()

	lobby := b.Subscribe(types.LobbyTopic, nil)
	room := b.Subscribe(types.RoomTopic("R1"), nil)

	b.Publish(context.Background(), types.LobbyTopic, event("occupancy-update", "R1", `{"occupancy":1}`))

	select {
	case ev := <-lobby.C():
		assert.Equal(t, "occupancy-update", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("lobby subscriber should receive occupancy updates")
	}
	select {
	case <-room.C():
		t.Fatal("room subscriber must not receive lobby events")
	default:
	}
}
