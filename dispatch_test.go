package omnisync

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia-omniverse/omnisync/protocol"
	"github.com/nvidia-omniverse/omnisync/testutils"
	"github.com/nvidia-omniverse/omnisync/utils"
)

func encodeTestMessage(t *testing.T, n int) []byte {
	t.Helper()
	data, err := protocol.Message{
		protocol.FieldType: "test",
		"seq":              fmt.Sprintf("%d", n),
	}.Encode()
	require.NoError(t, err)
	return data
}

func TestDispatcherQueuesUntilChannelAppears(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	ch := testutils.NewFakeChannel(uuid.New())
	transport := testutils.NewFakeTransport(ch)
	d := NewDispatcher(log, transport, DispatcherOptions{PollInterval: time.Millisecond})
	defer d.Close()

	// no channel known yet: everything queues, sends stay optimistic
	for i := 0; i < 5; i++ {
		assert.True(t, d.SendMessage(encodeTestMessage(t, i), nil))
	}
	pending, open := d.Depth()
	assert.Equal(t, 5, pending)
	assert.Equal(t, 0, open)

	d.Reconcile([]uuid.UUID{ch.ID()})

	assert.Eventually(t, func() bool {
		return len(ch.Sent()) == 5
	}, time.Second, time.Millisecond)

	// delivered exactly once, in enqueue order
	for i, msg := range ch.SentMessages() {
		assert.Equal(t, fmt.Sprintf("%d", i), msg.String("seq"))
	}
	pending, _ = d.Depth()
	assert.Equal(t, 0, pending)
}

func TestDispatcherRetriesFailedQueuedSend(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	ch := testutils.NewFakeChannel(uuid.New())
	transport := testutils.NewFakeTransport(ch)
	d := NewDispatcher(log, transport, DispatcherOptions{PollInterval: time.Millisecond})
	defer d.Close()

	// queue two messages before any channel exists
	assert.True(t, d.SendMessage(encodeTestMessage(t, 0), nil))
	assert.True(t, d.SendMessage(encodeTestMessage(t, 1), nil))

	// the channel appears but rejects sends; nothing may be dropped
	ch.SetFailSends(true)
	d.Reconcile([]uuid.UUID{ch.ID()})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ch.Sent())

	// once it recovers, both arrive in order, exactly once
	ch.SetFailSends(false)
	assert.Eventually(t, func() bool {
		return len(ch.Sent()) == 2
	}, time.Second, time.Millisecond)
	for i, msg := range ch.SentMessages() {
		assert.Equal(t, fmt.Sprintf("%d", i), msg.String("seq"))
	}
	pending, _ := d.Depth()
	assert.Equal(t, 0, pending)
}

func TestDispatcherDirectSendWhenOpen(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	ch := testutils.NewFakeChannel(uuid.New())
	d := NewDispatcher(log, testutils.NewFakeTransport(ch), DispatcherOptions{})
	defer d.Close()
	d.Reconcile([]uuid.UUID{ch.ID()})

	assert.True(t, d.SendMessage(encodeTestMessage(t, 0), nil))
	assert.Len(t, ch.Sent(), 1)
	pending, _ := d.Depth()
	assert.Equal(t, 0, pending)
}

func TestDispatcherHeadOfLineBlocking(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	open := testutils.NewFakeChannel(uuid.New())
	missing := uuid.New()
	d := NewDispatcher(log, testutils.NewFakeTransport(open), DispatcherOptions{PollInterval: time.Millisecond})
	defer d.Close()

	// head targets a channel that never appears
	assert.True(t, d.SendMessage(encodeTestMessage(t, 0), &missing))
	assert.True(t, d.SendMessage(encodeTestMessage(t, 1), nil))

	d.Reconcile([]uuid.UUID{open.ID()})
	time.Sleep(20 * time.Millisecond)

	// the ready message stays stuck behind the unmatchable head
	assert.Empty(t, open.Sent())
	pending, _ := d.Depth()
	assert.Equal(t, 2, pending)
}

func TestDispatcherTargetedSend(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	a := testutils.NewFakeChannel(uuid.New())
	b := testutils.NewFakeChannel(uuid.New())
	d := NewDispatcher(log, testutils.NewFakeTransport(a, b), DispatcherOptions{})
	defer d.Close()
	d.Reconcile([]uuid.UUID{a.ID(), b.ID()})

	id := b.ID()
	assert.True(t, d.SendMessage(encodeTestMessage(t, 0), &id))
	assert.Empty(t, a.Sent())
	assert.Len(t, b.Sent(), 1)

	// untargeted goes to the earliest-announced channel
	assert.True(t, d.SendMessage(encodeTestMessage(t, 1), nil))
	assert.Len(t, a.Sent(), 1)
}

func TestDispatcherReconcileWithdraws(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	a := testutils.NewFakeChannel(uuid.New())
	b := testutils.NewFakeChannel(uuid.New())
	d := NewDispatcher(log, testutils.NewFakeTransport(a, b), DispatcherOptions{})
	defer d.Close()

	d.Reconcile([]uuid.UUID{a.ID(), b.ID()})
	_, open := d.Depth()
	assert.Equal(t, 2, open)

	d.Reconcile([]uuid.UUID{b.ID()})
	_, open = d.Depth()
	assert.Equal(t, 1, open)

	// untargeted sends now land on the survivor
	assert.True(t, d.SendMessage(encodeTestMessage(t, 0), nil))
	assert.Empty(t, a.Sent())
	assert.Len(t, b.Sent(), 1)
}

type recordingListener struct {
	lock sync.Mutex
	msgs []protocol.Message
	ids  []uuid.UUID
}

func (l *recordingListener) OnMessage(msg protocol.Message, ch uuid.UUID) {
	l.lock.Lock()
	l.msgs = append(l.msgs, msg)
	l.ids = append(l.ids, ch)
	l.lock.Unlock()
}

func (l *recordingListener) count() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.msgs)
}

func TestDispatcherFansOutToListeners(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	ch := testutils.NewFakeChannel(uuid.New())
	d := NewDispatcher(log, testutils.NewFakeTransport(ch), DispatcherOptions{})
	defer d.Close()

	l1, l2 := &recordingListener{}, &recordingListener{}
	d.Attach(l1)
	d.Attach(l2)
	d.Reconcile([]uuid.UUID{ch.ID()})

	require.NoError(t, ch.InjectMessage(protocol.Message{protocol.FieldType: "test"}))
	assert.Eventually(t, func() bool {
		return l1.count() == 1 && l2.count() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, ch.ID(), l1.ids[0])

	d.Detach(l2)
	require.NoError(t, ch.InjectMessage(protocol.Message{protocol.FieldType: "test"}))
	assert.Eventually(t, func() bool {
		return l1.count() == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, l2.count())
}
