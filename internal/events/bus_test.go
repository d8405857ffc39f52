package events

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := New(zap.NewNop())
	var order []int

	bus.Subscribe(TopicPatternDetected, func(payload interface{}) error {
		order = append(order, 1)
		return nil
	})
	bus.Subscribe(TopicPatternDetected, func(payload interface{}) error {
		order = append(order, 2)
		return nil
	})
	bus.Subscribe(TopicPatternDetected, func(payload interface{}) error {
		order = append(order, 3)
		return nil
	})

	bus.Publish(TopicPatternDetected, "candidate")

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected handlers to run in subscription order, got %v", order)
	}
}

func TestPublishIsSynchronous(t *testing.T) {
	bus := New(zap.NewNop())
	done := false
	bus.Subscribe(TopicSignalGenerated, func(payload interface{}) error {
		done = true
		return nil
	})
	bus.Publish(TopicSignalGenerated, nil)
	if !done {
		t.Fatal("expected handler to have completed before Publish returned")
	}
}

func TestHandlerFaultDoesNotStopSubsequentHandlers(t *testing.T) {
	bus := New(zap.NewNop())
	var secondRan bool

	bus.Subscribe(TopicPatternDetected, func(payload interface{}) error {
		return errors.New("boom")
	})
	bus.Subscribe(TopicPatternDetected, func(payload interface{}) error {
		secondRan = true
		return nil
	})

	bus.Publish(TopicPatternDetected, nil)

	if !secondRan {
		t.Fatal("expected second handler to run despite first handler's fault")
	}
	if got := bus.Stats(TopicPatternDetected).HandlerFaults; got != 1 {
		t.Fatalf("expected 1 handler fault recorded, got %d", got)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	bus := New(zap.NewNop())
	var secondRan bool

	bus.Subscribe(TopicPatternDetected, func(payload interface{}) error {
		panic("unexpected")
	})
	bus.Subscribe(TopicPatternDetected, func(payload interface{}) error {
		secondRan = true
		return nil
	})

	bus.Publish(TopicPatternDetected, nil)

	if !secondRan {
		t.Fatal("expected second handler to run despite first handler panicking")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(zap.NewNop())
	calls := 0
	sub := bus.Subscribe(TopicDailyReset, func(payload interface{}) error {
		calls++
		return nil
	})

	bus.Publish(TopicDailyReset, nil)
	bus.Unsubscribe(sub)
	bus.Publish(TopicDailyReset, nil)

	if calls != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", calls)
	}
}
