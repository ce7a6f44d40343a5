package broker

import "sync"

// FakeMessage records one published message.
type FakeMessage struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// FakeClient is an in-memory Client for tests.
type FakeClient struct {
	mu            sync.Mutex
	subscriptions map[string]MessageHandler

	Published    []FakeMessage
	Disconnected bool

	SubscribeErr error
	PublishErr   error
}

// NewFakeClient creates a FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{subscriptions: make(map[string]MessageHandler)}
}

func (f *FakeClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return f.SubscribeErr
	}
	f.subscriptions[topic] = handler
	return nil
}

func (f *FakeClient) Publish(topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.Published = append(f.Published, FakeMessage{Topic: topic, QoS: qos, Payload: payload})
	return nil
}

func (f *FakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = true
}

// Subscribed reports whether a handler is registered for topic.
func (f *FakeClient) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subscriptions[topic]
	return ok
}

// Messages returns the published messages for topic. Safe against
// concurrent publishers.
func (f *FakeClient) Messages(topic string) []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeMessage
	for _, msg := range f.Published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Deliver invokes the registered handler for topic, simulating an inbound
// broker message. Unsubscribed topics are silently dropped, as a broker
// would.
func (f *FakeClient) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.subscriptions[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// FakeDialer hands out FakeClients and records the endpoints dialed.
type FakeDialer struct {
	mu        sync.Mutex
	clients   map[string]*FakeClient
	endpoints []Endpoint

	// Err, if set, fails every dial.
	Err error
}

// NewFakeDialer creates a FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{clients: make(map[string]*FakeClient)}
}

// Dial satisfies Dialer. onConnect runs synchronously, mirroring a client
// that connects on the first attempt.
func (d *FakeDialer) Dial(ep Endpoint, onConnect func(Client)) (Client, error) {
	d.mu.Lock()
	if d.Err != nil {
		d.mu.Unlock()
		return nil, d.Err
	}
	c := NewFakeClient()
	d.clients[ep.key()] = c
	d.endpoints = append(d.endpoints, ep)
	d.mu.Unlock()
	onConnect(c)
	return c, nil
}

// Client returns the client dialed for ep, or nil.
func (d *FakeDialer) Client(ep Endpoint) *FakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[ep.key()]
}

// DialCount returns how many dials succeeded.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}
