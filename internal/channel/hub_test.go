package channel

import (
	"context"
	"testing"
	"time"
)

func TestPublishDeliversToEachSubscriberAtMostOnce(t *testing.T) {
	hub := NewHub(4)
	sub1, unsub1 := hub.Subscribe("s1")
	defer unsub1()
	sub2, unsub2 := hub.Subscribe("s1")
	defer unsub2()

	hub.Publish("s1", Event{Type: EventProgress, UserAnswer: "hello"})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			if ev.UserAnswer != "hello" {
				t.Errorf("UserAnswer = %q, want hello", ev.UserAnswer)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
		select {
		case ev := <-sub.Events():
			t.Fatalf("subscriber received a duplicate event: %+v", ev)
		default:
		}
	}
}

func TestPublishDropsOldestWhenBufferFull(t *testing.T) {
	hub := NewHub(1)
	sub, unsub := hub.Subscribe("s1")
	defer unsub()

	hub.Publish("s1", Event{Type: EventProgress, UserAnswer: "first"})
	hub.Publish("s1", Event{Type: EventProgress, UserAnswer: "second"})

	ev := <-sub.Events()
	if ev.UserAnswer != "second" {
		t.Errorf("UserAnswer = %q, want second (oldest should be dropped)", ev.UserAnswer)
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	hub := NewHub(4)
	_, unsub := hub.Subscribe("s1")
	if hub.SubscriberCount("s1") != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", hub.SubscriberCount("s1"))
	}
	unsub()
	if hub.SubscriberCount("s1") != 0 {
		t.Errorf("SubscriberCount = %d, want 0 after unsubscribe", hub.SubscriberCount("s1"))
	}
}

func TestHeartbeatSchedulerSendsOnInterval(t *testing.T) {
	hub := NewHub(4)
	sub, unsub := hub.Subscribe("s1")
	defer unsub()

	sched := NewHeartbeatScheduler(hub, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx, "s1")
	defer sched.StopSession("s1")

	select {
	case ev := <-sub.Events():
		if ev.Type != EventHeartbeat {
			t.Errorf("Type = %v, want heartbeat", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestHeartbeatStopSessionBlocksUntilExit(t *testing.T) {
	hub := NewHub(4)
	sched := NewHeartbeatScheduler(hub, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx, "s1")
	sched.StopSession("s1")
	if sched.Active() != 0 {
		t.Errorf("Active() = %d, want 0 after StopSession", sched.Active())
	}
}
