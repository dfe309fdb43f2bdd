// Package testutils holds in-memory stand-ins for the transport layer
// so the higher layers can be tested without sockets.
package testutils

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nvidia-omniverse/omnisync/protocol"
)

// FakeChannel records everything sent through it and lets tests inject
// inbound payloads.
type FakeChannel struct {
	id uuid.UUID

	lock      sync.Mutex
	sent      [][]byte
	inbox     chan []byte
	closed    bool
	failSends bool
}

func NewFakeChannel(id uuid.UUID) *FakeChannel {
	return &FakeChannel{id: id, inbox: make(chan []byte, 64)}
}

func (c *FakeChannel) ID() uuid.UUID { return c.id }

// SetFailSends toggles transient send failure: Send returns
// ErrChannelClosed without recording while enabled.
func (c *FakeChannel) SetFailSends(fail bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.failSends = fail
}

func (c *FakeChannel) Send(data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed || c.failSends {
		return protocol.ErrChannelClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *FakeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-c.inbox:
		if !ok {
			return nil, protocol.ErrChannelClosed
		}
		return data, nil
	}
}

func (c *FakeChannel) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

// Inject queues an inbound payload for Receive.
func (c *FakeChannel) Inject(data []byte) {
	c.inbox <- data
}

// InjectMessage encodes and queues an inbound message.
func (c *FakeChannel) InjectMessage(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.Inject(data)
	return nil
}

// Sent returns copies of all payloads sent so far.
func (c *FakeChannel) Sent() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentMessages decodes the recorded payloads.
func (c *FakeChannel) SentMessages() []protocol.Message {
	var msgs []protocol.Message
	for _, data := range c.Sent() {
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// Reset forgets the recorded sends.
func (c *FakeChannel) Reset() {
	c.lock.Lock()
	c.sent = nil
	c.lock.Unlock()
}

// FakeTransport serves a fixed set of fake channels.
type FakeTransport struct {
	lock     sync.Mutex
	channels map[uuid.UUID]*FakeChannel
	order    []uuid.UUID
}

func NewFakeTransport(chans ...*FakeChannel) *FakeTransport {
	t := &FakeTransport{channels: make(map[uuid.UUID]*FakeChannel)}
	for _, ch := range chans {
		t.channels[ch.ID()] = ch
		t.order = append(t.order, ch.ID())
	}
	return t
}

func (t *FakeTransport) Add(ch *FakeChannel) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.channels[ch.ID()]; !ok {
		t.order = append(t.order, ch.ID())
	}
	t.channels[ch.ID()] = ch
}

func (t *FakeTransport) Channels() []uuid.UUID {
	t.lock.Lock()
	defer t.lock.Unlock()
	out := make([]uuid.UUID, len(t.order))
	copy(out, t.order)
	return out
}

func (t *FakeTransport) Open(id uuid.UUID) (protocol.Channel, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	ch, ok := t.channels[id]
	if !ok {
		return nil, protocol.ErrChannelUnknown
	}
	return ch, nil
}
