package core

import (
	"sort"
	"testing"
)

func TestSubscriptionTopicPrefixScan(t *testing.T) {
	store := newTestStore(t)
	publisher := NewID(KindContract)
	other := NewID(KindContract)
	agentA := NewID(KindAgent)
	agentB := NewID(KindAgent)

	err := store.Update(func(tx *RwTx) error {
		h := NewSubscriptionHandler(tx)
		if err := h.Subscribe(publisher, "prices", agentA, "on_price"); err != nil {
			return err
		}
		if err := h.Subscribe(publisher, "prices", agentB, "on_price_b"); err != nil {
			return err
		}
		// A different topic on the same publisher must not show up in the
		// "prices" scan.
		if err := h.Subscribe(publisher, "orders", agentA, "on_order"); err != nil {
			return err
		}
		// A different publisher entirely must not leak in either.
		if err := h.Subscribe(other, "prices", agentA, "on_other_price"); err != nil {
			return err
		}

		subs, err := h.TopicSubscribers(publisher, "prices")
		if err != nil {
			return err
		}
		if len(subs) != 2 {
			t.Fatalf("TopicSubscribers(prices) = %+v, want 2 entries", subs)
		}
		methods := []string{subs[0].Method, subs[1].Method}
		sort.Strings(methods)
		if methods[0] != "on_price" || methods[1] != "on_price_b" {
			t.Fatalf("methods = %v, want [on_price on_price_b]", methods)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestSubscriptionPublisherScanAndUnsubscribe(t *testing.T) {
	store := newTestStore(t)
	publisher := NewID(KindContract)
	agent := NewID(KindAgent)

	err := store.Update(func(tx *RwTx) error {
		h := NewSubscriptionHandler(tx)
		if err := h.Subscribe(publisher, "prices", agent, "on_price"); err != nil {
			return err
		}
		if err := h.Subscribe(publisher, "orders", agent, "on_order"); err != nil {
			return err
		}

		all, err := h.PublisherSubscribers(publisher)
		if err != nil {
			return err
		}
		if len(all) != 2 {
			t.Fatalf("PublisherSubscribers = %+v, want 2 entries", all)
		}

		if err := h.Unsubscribe(publisher, "orders", agent); err != nil {
			return err
		}
		remaining, err := h.PublisherSubscribers(publisher)
		if err != nil {
			return err
		}
		if len(remaining) != 1 || remaining[0].Method != "on_price" {
			t.Fatalf("PublisherSubscribers after unsubscribe = %+v, want [on_price]", remaining)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestSubscriptionsOfAgent(t *testing.T) {
	store := newTestStore(t)
	publisherA := NewID(KindContract)
	publisherB := NewID(KindContract)
	agent := NewID(KindAgent)
	other := NewID(KindAgent)

	err := store.Update(func(tx *RwTx) error {
		h := NewSubscriptionHandler(tx)
		if err := h.Subscribe(publisherA, "prices", agent, "on_price"); err != nil {
			return err
		}
		if err := h.Subscribe(publisherB, "news", agent, "on_news"); err != nil {
			return err
		}
		if err := h.Subscribe(publisherA, "prices", other, "on_price_other"); err != nil {
			return err
		}

		topics, err := h.SubscriptionsOf(agent)
		if err != nil {
			return err
		}
		if len(topics) != 2 {
			t.Fatalf("SubscriptionsOf = %v, want 2 topics", topics)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}
