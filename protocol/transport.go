package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nvidia-omniverse/omnisync/utils"
)

// Record types of the channel multiplexing layer. One TCP/TLS
// connection carries every channel of a session.
//
//	H  hello, body = client name
//	A  channel announcement, body = 16-byte uuid + utf8 label
//	W  channel withdrawal, body = 16-byte uuid
//	M  message, body = 16-byte uuid + JSON payload
//	B  bye, body = reason
const (
	LitHello    = 'H'
	LitAnnounce = 'A'
	LitWithdraw = 'W'
	LitMessage  = 'M'
	LitBye      = 'B'
)

var (
	ErrNotConnected   = errors.New("transport is not connected")
	ErrChannelUnknown = errors.New("channel unknown")
	ErrChannelClosed  = errors.New("channel closed")
)

// Channel is one independently addressable message stream within a
// session: best-effort synchronous sends, ordered blocking receives.
type Channel interface {
	ID() uuid.UUID
	Send(data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport is the boundary the dispatcher works against: enumerate the
// currently announced channels and open one by identifier.
type Transport interface {
	Channels() []uuid.UUID
	Open(id uuid.UUID) (Channel, error)
}

// StreamTransport multiplexes the session's message channels over a
// single live connection kept by Net. The remote side announces and
// withdraws channels; payload frames are routed to the matching
// channel's inbound queue in arrival order.
type StreamTransport struct {
	log  utils.Logger
	name string
	net  *Net
	addr string

	lock     sync.Mutex
	channels *xsync.MapOf[uuid.UUID, *StreamChannel]
	order    []uuid.UUID // announcement order, backs Channels()

	outq      atomic.Pointer[utils.FrameQueue]
	connected atomic.Bool

	onChange atomic.Pointer[func(ids []uuid.UUID)]
	onState  atomic.Pointer[func(connected bool)]
}

func NewStreamTransport(log utils.Logger, name string, tlsConfig *tls.Config) *StreamTransport {
	t := &StreamTransport{
		log:      log,
		name:     name,
		channels: xsync.NewMapOf[uuid.UUID, *StreamChannel](),
	}
	t.net = NewNet(log, tlsConfig,
		func(_ string) FeedDrainCloser { return t.install() },
		func(_ string) { t.destroy() })
	return t
}

// OnChannelsChanged registers the callback fired after every
// announcement or withdrawal, with the full current channel set.
func (t *StreamTransport) OnChannelsChanged(f func(ids []uuid.UUID)) {
	t.onChange.Store(&f)
}

// OnStateChanged registers the connected/disconnected callback.
func (t *StreamTransport) OnStateChanged(f func(connected bool)) {
	t.onState.Store(&f)
}

func (t *StreamTransport) Connect(ctx context.Context, addr string) error {
	t.addr = addr
	return t.net.Connect(ctx, addr)
}

// KeepConnecting dials addr and redials with backoff until ctx is
// cancelled. Blocks; run it in its own goroutine.
func (t *StreamTransport) KeepConnecting(ctx context.Context, addr string) {
	t.addr = addr
	t.net.KeepConnecting(ctx, addr, []string{addr})
}

// Disconnect drops the live connection. KeepConnecting, if running,
// will redial.
func (t *StreamTransport) Disconnect() error {
	return t.net.Disconnect(t.addr)
}

func (t *StreamTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StreamTransport) Close() error {
	err := t.net.Close()
	t.destroy()
	return err
}

// Channels lists currently announced channels in announcement order.
func (t *StreamTransport) Channels() []uuid.UUID {
	t.lock.Lock()
	defer t.lock.Unlock()
	ids := make([]uuid.UUID, len(t.order))
	copy(ids, t.order)
	return ids
}

func (t *StreamTransport) Open(id uuid.UUID) (Channel, error) {
	ch, ok := t.channels.Load(id)
	if !ok {
		return nil, ErrChannelUnknown
	}
	return ch, nil
}

func (t *StreamTransport) install() *streamConn {
	outq := utils.NewFrameQueue(MaxOutQueueLen, TypicalMTU)
	old := t.outq.Swap(outq)
	if old != nil {
		_ = old.Close()
	}
	t.connected.Store(true)
	t.notifyState(true)
	return &streamConn{t: t, outq: outq}
}

func (t *StreamTransport) destroy() {
	t.connected.Store(false)
	if q := t.outq.Swap(nil); q != nil {
		_ = q.Close()
	}

	t.lock.Lock()
	t.order = nil
	t.lock.Unlock()
	t.channels.Range(func(id uuid.UUID, ch *StreamChannel) bool {
		_ = ch.Close()
		return true
	})
	t.channels.Clear()

	t.notifyChange()
	t.notifyState(false)
}

func (t *StreamTransport) notifyChange() {
	if f := t.onChange.Load(); f != nil {
		(*f)(t.Channels())
	}
}

func (t *StreamTransport) notifyState(connected bool) {
	if f := t.onState.Load(); f != nil {
		(*f)(connected)
	}
}

func (t *StreamTransport) announce(id uuid.UUID, label string) {
	ch := &StreamChannel{
		id:    id,
		label: label,
		t:     t,
		inq:   utils.NewFrameQueue(MaxOutQueueLen, TypicalMTU),
	}
	if _, loaded := t.channels.LoadOrStore(id, ch); loaded {
		t.log.Warn("transport: duplicate channel announcement", "uuid", id)
		return
	}
	t.lock.Lock()
	t.order = append(t.order, id)
	t.lock.Unlock()

	t.log.Info("transport: channel announced", "uuid", id, "label", label)
	t.notifyChange()
}

func (t *StreamTransport) withdraw(id uuid.UUID) {
	ch, ok := t.channels.LoadAndDelete(id)
	if !ok {
		t.log.Warn("transport: withdrawal of unknown channel", "uuid", id)
		return
	}
	_ = ch.Close()

	t.lock.Lock()
	for i, known := range t.order {
		if known == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.lock.Unlock()

	t.log.Info("transport: channel withdrawn", "uuid", id)
	t.notifyChange()
}

// streamConn adapts one live connection to the Peer's handler contract.
// A fresh one is installed per (re)connect so the hello record always
// leads the stream.
type streamConn struct {
	t         *StreamTransport
	outq      *utils.FrameQueue
	helloSent bool
}

func (c *streamConn) Feed(ctx context.Context) (Records, error) {
	if !c.helloSent {
		c.helloSent = true
		return Records{Record(LitHello, []byte(c.t.name))}, nil
	}
	frames, err := c.outq.Feed(ctx)
	return Records(frames), err
}

func (c *streamConn) Drain(ctx context.Context, recs Records) error {
	for _, rec := range recs {
		lit, body, _ := TakeAny(rec)
		switch lit {
		case LitAnnounce:
			if len(body) < 16 {
				c.t.log.Warn("transport: short announcement", "len", len(body))
				continue
			}
			id, err := uuid.FromBytes(body[:16])
			if err != nil {
				c.t.log.Warn("transport: bad channel uuid", "err", err)
				continue
			}
			c.t.announce(id, string(body[16:]))

		case LitWithdraw:
			if len(body) != 16 {
				c.t.log.Warn("transport: short withdrawal", "len", len(body))
				continue
			}
			id, err := uuid.FromBytes(body)
			if err != nil {
				c.t.log.Warn("transport: bad channel uuid", "err", err)
				continue
			}
			c.t.withdraw(id)

		case LitMessage:
			if len(body) < 16 {
				c.t.log.Warn("transport: short message frame", "len", len(body))
				continue
			}
			id, err := uuid.FromBytes(body[:16])
			if err != nil {
				c.t.log.Warn("transport: bad channel uuid", "err", err)
				continue
			}
			ch, ok := c.t.channels.Load(id)
			if !ok {
				c.t.log.Warn("transport: message for unknown channel", "uuid", id)
				continue
			}
			if err := ch.push(ctx, body[16:]); err != nil {
				c.t.log.Error("transport: inbound queue failed", "uuid", id, "err", err)
			}

		case LitBye:
			c.t.log.Info("transport: server says bye", "reason", string(body))
			return ErrNotConnected

		default:
			c.t.log.Warn("transport: unexpected record", "lit", string(lit))
		}
	}
	return nil
}

func (c *streamConn) Close() error {
	return c.outq.Close()
}

// StreamChannel is one announced channel of the session.
type StreamChannel struct {
	id    uuid.UUID
	label string
	t     *StreamTransport
	inq   *utils.FrameQueue

	rlock   sync.Mutex
	pending [][]byte
}

func (c *StreamChannel) ID() uuid.UUID { return c.id }

func (c *StreamChannel) Label() string { return c.label }

// Send writes one message frame, best effort: it fails when the
// connection is down or the outbound queue is saturated.
func (c *StreamChannel) Send(data []byte) error {
	if !c.t.connected.Load() {
		return ErrNotConnected
	}
	outq := c.t.outq.Load()
	if outq == nil {
		return ErrNotConnected
	}
	frame := Record(LitMessage, c.id[:], data)
	return outq.Drain(context.Background(), [][]byte{frame})
}

// Receive blocks for the next inbound message payload on this channel.
func (c *StreamChannel) Receive(ctx context.Context) ([]byte, error) {
	c.rlock.Lock()
	defer c.rlock.Unlock()

	for len(c.pending) == 0 {
		frames, err := c.inq.Feed(ctx)
		if err != nil {
			if errors.Is(err, utils.ErrClosed) {
				return nil, ErrChannelClosed
			}
			return nil, err
		}
		c.pending = frames
	}

	head := c.pending[0]
	c.pending = c.pending[1:]
	return head, nil
}

func (c *StreamChannel) push(ctx context.Context, payload []byte) error {
	return c.inq.Drain(ctx, [][]byte{payload})
}

func (c *StreamChannel) Close() error {
	return c.inq.Close()
}
