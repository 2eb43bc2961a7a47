package events

import (
	"testing"

	"github.com/hama-jp/open-harness/pkg/models"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish(models.Event{Type: models.EventGoalStarted, GoalID: "g1"})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case e := <-s.C:
			if e.GoalID != "g1" {
				t.Errorf("unexpected event %+v", e)
			}
		default:
			t.Error("expected both subscribers to receive the published event")
		}
	}
}

func TestPublishDropsOldestOnFullBuffer(t *testing.T) {
	b := New()
	s := b.Subscribe(2)
	defer s.Unsubscribe()

	b.Publish(models.Event{Type: models.EventToolStarted, ToolName: "a"})
	b.Publish(models.Event{Type: models.EventToolStarted, ToolName: "b"})
	b.Publish(models.Event{Type: models.EventToolStarted, ToolName: "c"})

	first := <-s.C
	second := <-s.C
	if first.ToolName != "b" || second.ToolName != "c" {
		t.Errorf("expected the oldest event (a) to be dropped, got %q then %q", first.ToolName, second.ToolName)
	}
	if s.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", s.Dropped())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	s := b.Subscribe(4)
	s.Unsubscribe()

	// Publishing after Unsubscribe must not panic (send to closed channel
	// would be a bug; Publish should simply no longer reach it).
	b.Publish(models.Event{Type: models.EventGoalStarted})

	if len(b.subs) != 0 {
		t.Errorf("expected no subscribers left after Unsubscribe, got %d", len(b.subs))
	}
}

func TestConsumerLagEventCarriesDroppedCount(t *testing.T) {
	e := ConsumerLagEvent(7)
	if e.Type != models.EventConsumerLag || e.Dropped != 7 {
		t.Errorf("unexpected event %+v", e)
	}
}
