package core

import (
	"strings"
)

// generateSubKey builds the "publisher\ntopic\nsubscriber" key. Leaving
// subscriber empty with a non-empty topic yields a topic-scoped prefix;
// leaving both topic and subscriber empty yields a publisher-scoped prefix
// with no trailing delimiters (so the cursor logic below isn't confused by
// an extra "\n").
func generateSubKey(publisher ID, topic string, subscriber ID) []byte {
	pub := strings.ToLower(publisher.String())
	t := strings.ToLower(strings.Trim(topic, "/"))
	var sub string
	if !subscriber.IsNil() {
		sub = strings.ToLower(subscriber.String())
	}
	if t == "" && sub == "" {
		return []byte(pub + "\n")
	}
	return []byte(pub + "\n" + t + "\n" + sub)
}

// parseFullTopic splits a guest-supplied "/{publisher}/{topic}" string (the
// shape subscribe/unsubscribe host calls take) into its publisher id and
// bare topic.
func parseFullTopic(full string) (publisher ID, topic string, err error) {
	trimmed := strings.TrimPrefix(full, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return Nil, "", Errf(KindActionValidation, "parseFullTopic", "malformed topic %q: missing publisher", full)
	}
	publisher, err = ParseID(parts[0])
	if err != nil {
		return Nil, "", err
	}
	if len(parts) == 2 {
		topic = parts[1]
	}
	return publisher, topic, nil
}

func parseSubKey(key []byte) (publisher string, topic string, subscriber ID, ok bool) {
	parts := strings.SplitN(string(key), "\n", 3)
	if len(parts) != 3 {
		return "", "", Nil, false
	}
	id, err := ParseID(parts[2])
	if err != nil {
		return "", "", Nil, false
	}
	return parts[0], parts[1], id, true
}

// SubscriptionHandler is the prefix-indexed publisher->topic->subscriber
// relation. Subscribers are always agents; publishers may be contracts or
// agents.
type SubscriptionHandler struct{ tx *RwTx }

func NewSubscriptionHandler(tx *RwTx) *SubscriptionHandler { return &SubscriptionHandler{tx: tx} }

// Subscribe writes publisher/topic/subscriber -> method.
func (h *SubscriptionHandler) Subscribe(publisher ID, topic string, subscriber AgentID, method string) error {
	key := generateSubKey(publisher, topic, subscriber)
	return h.tx.Put(SubDBSubscriptions, key, []byte(method))
}

// Unsubscribe deletes the publisher/topic/subscriber key.
func (h *SubscriptionHandler) Unsubscribe(publisher ID, topic string, subscriber AgentID) error {
	key := generateSubKey(publisher, topic, subscriber)
	return h.tx.Delete(SubDBSubscriptions, key)
}

// Subscriber pairs an agent with the method its subscription invokes.
type Subscriber struct {
	Agent  AgentID
	Method string
}

// TopicSubscribers returns every (agent, method) pair subscribed to
// (publisher, topic) via a cursor-scan from the topic prefix, stopping when
// the key no longer matches.
func (h *SubscriptionHandler) TopicSubscribers(publisher ID, topic string) ([]Subscriber, error) {
	prefix := generateSubKey(publisher, topic, Nil)
	cur, err := h.tx.Cursor(SubDBSubscriptions)
	if err != nil {
		return nil, err
	}
	var out []Subscriber
	for k, v := cur.Seek(prefix); k != nil; k, v = cur.Next() {
		if !strings.HasPrefix(string(k), string(prefix)) {
			break
		}
		_, _, agent, ok := parseSubKey(k)
		if !ok {
			continue
		}
		out = append(out, Subscriber{Agent: agent, Method: string(v)})
	}
	return out, nil
}

// PublisherSubscribers returns every topic->subscriber pair for publisher,
// scanning the publisher-scoped prefix.
func (h *SubscriptionHandler) PublisherSubscribers(publisher ID) ([]Subscriber, error) {
	return h.TopicSubscribers(publisher, "")
}

// SubscriptionsOf returns every topic agent is subscribed to. This is a
// full linear scan filtered by subscriber equality — fine for small
// subscription counts, and matches the original's own noted future
// optimization.
func (h *SubscriptionHandler) SubscriptionsOf(agent AgentID) ([]string, error) {
	cur, err := h.tx.Cursor(SubDBSubscriptions)
	if err != nil {
		return nil, err
	}
	var out []string
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		publisher, topic, subscriber, ok := parseSubKey(k)
		if !ok || subscriber != agent {
			continue
		}
		out = append(out, "/"+publisher+"/"+topic)
	}
	return out, nil
}
