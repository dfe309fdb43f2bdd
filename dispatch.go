package omnisync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nvidia-omniverse/omnisync/protocol"
	"github.com/nvidia-omniverse/omnisync/utils"
)

// MessageListener observes every message received on any channel the
// dispatcher is attached to.
type MessageListener interface {
	OnMessage(msg protocol.Message, channel uuid.UUID)
}

const DefaultQueuePollInterval = 100 * time.Millisecond

type queuedMessage struct {
	data     []byte
	target   uuid.UUID
	targeted bool
}

type dispatchChannel struct {
	ch     protocol.Channel
	cancel context.CancelFunc
}

type DispatcherOptions struct {
	// PollInterval is how often the drain loop re-checks whether the
	// head message's channel has become ready.
	PollInterval time.Duration
	Clock        clock.Clock
	Metrics      *Metrics
}

func (o *DispatcherOptions) SetDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = DefaultQueuePollInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Dispatcher decouples message senders and listeners from the lifecycle
// of the session's channels, which may not exist at send time and may
// be announced or withdrawn at any point. Messages with no open channel
// are queued and drained strictly in enqueue order: one message waiting
// for a channel that never appears stalls everything queued behind it,
// including messages whose own channel is ready. That head-of-line
// blocking is deliberate, matching the server's expectation that
// configurator messages arrive in the order they were issued.
type Dispatcher struct {
	log       utils.Logger
	transport protocol.Transport
	clock     clock.Clock
	opts      DispatcherOptions

	// one lock guards the channel registry, the listener set and the
	// pending queue
	lock      sync.Mutex
	channels  map[uuid.UUID]*dispatchChannel
	order     []uuid.UUID
	listeners map[MessageListener]struct{}
	pending   []queuedMessage

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(log utils.Logger, transport protocol.Transport, opts DispatcherOptions) *Dispatcher {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		log:       log,
		transport: transport,
		clock:     opts.Clock,
		opts:      opts,
		channels:  make(map[uuid.UUID]*dispatchChannel),
		listeners: make(map[MessageListener]struct{}),
		signal:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.wg.Add(1)
	go func() {
		d.drainLoop()
		d.wg.Done()
	}()
	return d
}

func (d *Dispatcher) Attach(l MessageListener) {
	d.lock.Lock()
	d.listeners[l] = struct{}{}
	d.lock.Unlock()
}

func (d *Dispatcher) Detach(l MessageListener) {
	d.lock.Lock()
	delete(d.listeners, l)
	d.lock.Unlock()
}

// Depth reports the pending queue length and open channel count.
func (d *Dispatcher) Depth() (pending, channels int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.pending), len(d.channels)
}

// SendMessage sends on the channel matching target, or the first
// available channel when target is nil. When no match is open (or the
// queue is non-empty, to preserve FIFO) the message is queued and true
// is returned optimistically: queueing cannot fail, only eventual
// delivery can.
func (d *Dispatcher) SendMessage(data []byte, target *uuid.UUID) bool {
	qm := queuedMessage{data: data}
	if target != nil {
		qm.target, qm.targeted = *target, true
	}

	d.lock.Lock()
	if len(d.pending) == 0 {
		if dc := d.matchLocked(qm); dc != nil {
			d.lock.Unlock()
			if err := dc.ch.Send(data); err != nil {
				d.log.Error("dispatch: send failed", "uuid", dc.ch.ID(), "err", err)
				d.opts.Metrics.SendFailed()
				return false
			}
			d.opts.Metrics.MessageSent()
			return true
		}
	}
	d.pending = append(d.pending, qm)
	d.lock.Unlock()

	d.opts.Metrics.MessageQueued()
	d.kick()
	return true
}

// Reconcile updates the channel registry to the announced set: receive
// loops are started for new channels and cancelled for withdrawn ones.
func (d *Dispatcher) Reconcile(ids []uuid.UUID) {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	d.lock.Lock()
	for id, dc := range d.channels {
		if _, ok := want[id]; ok {
			continue
		}
		dc.cancel()
		delete(d.channels, id)
		for i, known := range d.order {
			if known == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		d.log.Info("dispatch: channel removed", "uuid", id)
	}
	for _, id := range ids {
		if _, ok := d.channels[id]; ok {
			continue
		}
		ch, err := d.transport.Open(id)
		if err != nil {
			d.log.Error("dispatch: couldn't open channel", "uuid", id, "err", err)
			continue
		}
		cctx, cancel := context.WithCancel(d.ctx)
		d.channels[id] = &dispatchChannel{ch: ch, cancel: cancel}
		d.order = append(d.order, id)
		d.wg.Add(1)
		go func() {
			d.receiveLoop(cctx, ch)
			d.wg.Done()
		}()
		d.log.Info("dispatch: channel added", "uuid", id)
	}
	d.lock.Unlock()

	d.kick()
}

func (d *Dispatcher) Close() {
	d.cancel()
	d.lock.Lock()
	for _, dc := range d.channels {
		dc.cancel()
	}
	d.channels = make(map[uuid.UUID]*dispatchChannel)
	d.order = nil
	d.lock.Unlock()
	d.wg.Wait()
}

// matchLocked finds the open channel for a message: its target, or the
// earliest-announced channel when it has no preference.
func (d *Dispatcher) matchLocked(qm queuedMessage) *dispatchChannel {
	if qm.targeted {
		return d.channels[qm.target]
	}
	if len(d.order) == 0 {
		return nil
	}
	return d.channels[d.order[0]]
}

func (d *Dispatcher) kick() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// drainLoop is the single consumer of the pending queue. It delivers
// strictly in enqueue order, polling until the head's channel becomes
// ready; see the type comment for the head-of-line consequences.
func (d *Dispatcher) drainLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.signal:
		}

		for {
			d.lock.Lock()
			if len(d.pending) == 0 {
				d.lock.Unlock()
				break
			}
			head := d.pending[0]
			dc := d.matchLocked(head)
			if dc != nil {
				d.pending = d.pending[1:]
			}
			d.lock.Unlock()

			if dc == nil {
				select {
				case <-d.ctx.Done():
					return
				case <-d.clock.After(d.opts.PollInterval):
				}
				continue
			}

			if err := dc.ch.Send(head.data); err != nil {
				d.log.Error("dispatch: queued send failed", "uuid", dc.ch.ID(), "err", err)
				d.opts.Metrics.SendFailed()
				// a failed send keeps its place at the head of the queue
				d.lock.Lock()
				d.pending = append([]queuedMessage{head}, d.pending...)
				d.lock.Unlock()
				select {
				case <-d.ctx.Done():
					return
				case <-d.clock.After(d.opts.PollInterval):
				}
				continue
			}
			d.opts.Metrics.MessageSent()
		}
	}
}

func (d *Dispatcher) receiveLoop(ctx context.Context, ch protocol.Channel) {
	for {
		data, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && err != protocol.ErrChannelClosed {
				d.log.Error("dispatch: receive failed", "uuid", ch.ID(), "err", err)
			}
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			d.log.Warn("dispatch: undecodable message", "uuid", ch.ID(), "err", err)
			continue
		}

		d.lock.Lock()
		listeners := make([]MessageListener, 0, len(d.listeners))
		for l := range d.listeners {
			listeners = append(listeners, l)
		}
		d.lock.Unlock()

		for _, l := range listeners {
			l.OnMessage(msg, ch.ID())
		}
	}
}
