package mqtt

import (
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return true }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type published struct {
	Topic    string
	Payload  string
	Retained bool
}

// fakeClient records publications and lets tests deliver messages to subscribers.
type fakeClient struct {
	mu            sync.Mutex
	published     []published
	subscriptions map[string]paho.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscriptions: map[string]paho.MessageHandler{}}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	var p string
	switch v := payload.(type) {
	case string:
		p = v
	case []byte:
		p = string(v)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.published = append(c.published, published{Topic: topic, Payload: p, Retained: retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscriptions[topic] = callback
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	return doneToken{}
}

func (c *fakeClient) deliver(topic, payload string) bool {
	c.mu.Lock()
	h, found := c.subscriptions[topic]
	c.mu.Unlock()

	if found {
		h(nil, message{topic: topic, payload: []byte(payload)})
	}
	return found
}

func (c *fakeClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, found := c.subscriptions[topic]
	return found
}

// last returns the last payload published to topic.
func (c *fakeClient) last(topic string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].Topic == topic {
			return c.published[i].Payload, true
		}
	}
	return "", false
}

func (c *fakeClient) topicsWithPrefix(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var topics []string
	for _, p := range c.published {
		if strings.HasPrefix(p.Topic, prefix) {
			topics = append(topics, p.Topic)
		}
	}
	return topics
}
