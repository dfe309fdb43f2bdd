package omnisync

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/nvidia-omniverse/omnisync/protocol"
	"github.com/nvidia-omniverse/omnisync/testutils"
	"github.com/nvidia-omniverse/omnisync/utils"
)

func newTestManager(t *testing.T, opts StateManagerOptions) (*StateManager, *testutils.FakeChannel, *Dispatcher) {
	t.Helper()
	log := utils.NewDefaultLogger(-4)
	ch := testutils.NewFakeChannel(uuid.New())
	disp := NewDispatcher(log, testutils.NewFakeTransport(ch), DispatcherOptions{})
	disp.Reconcile([]uuid.UUID{ch.ID()})
	t.Cleanup(disp.Close)
	return NewStateManager(log, disp, NewPurseAsset(), opts), ch, disp
}

func sentTypes(ch *testutils.FakeChannel) []string {
	var types []string
	for _, msg := range ch.SentMessages() {
		types = append(types, msg.Type())
	}
	return types
}

func TestStateSyncSendsEverythingOnce(t *testing.T) {
	m, ch, _ := newTestManager(t, StateManagerOptions{})

	m.Sync()
	assert.Equal(t, []string{
		KeyColor, KeyStyle, KeyEnvironment, KeyCamera,
		KeyViewingMode, KeyLightIntensity, KeyLightRotation,
	}, sentTypes(ch))

	// a second pass has nothing left to send
	ch.Reset()
	m.Sync()
	assert.Empty(t, ch.Sent())
}

func TestStateImmediateCompletion(t *testing.T) {
	m, ch, _ := newTestManager(t, StateManagerOptions{})

	err := m.SetDesired(KeyColor, Color("#ff0000"))
	assert.NoError(t, err)
	assert.False(t, m.Waiting(KeyColor))

	cur, ok := m.Current(KeyColor)
	assert.True(t, ok)
	assert.Equal(t, Color("#ff0000"), cur)

	msgs := ch.SentMessages()
	if assert.NotEmpty(t, msgs) {
		assert.Equal(t, KeyColor, msgs[0].Type())
		assert.Equal(t, "#ff0000", msgs[0].Variant())
	}
}

func TestStateGatedCompletion(t *testing.T) {
	m, _, _ := newTestManager(t, StateManagerOptions{})

	assert.NoError(t, m.SetDesired(KeyViewingMode, ViewingModePortal))
	assert.True(t, m.Waiting(KeyViewingMode))
	cur, _ := m.Current(KeyViewingMode)
	assert.Nil(t, cur)

	// a completion for some other variant changes nothing
	m.OnMessage(protocol.Message{
		protocol.FieldType:    protocol.MsgLoadingStateFinished,
		protocol.FieldVariant: string(ViewingModeTabletop),
	}, uuid.Nil)
	assert.True(t, m.Waiting(KeyViewingMode))

	m.OnMessage(protocol.Message{
		protocol.FieldType:    protocol.MsgLoadingStateFinished,
		protocol.FieldVariant: string(ViewingModePortal),
	}, uuid.Nil)
	assert.False(t, m.Waiting(KeyViewingMode))
	cur, _ = m.Current(KeyViewingMode)
	assert.Equal(t, ViewingModePortal, cur)
}

func TestStateRejectsWrites(t *testing.T) {
	m, _, _ := newTestManager(t, StateManagerOptions{})

	assert.ErrorIs(t, m.SetDesired("handleLength", Color("#000000")), ErrUnknownStateKey)

	assert.NoError(t, m.SetDesired(KeyViewingMode, ViewingModePortal))
	err := m.SetDesired(KeyViewingMode, ViewingModeTabletop)
	assert.ErrorIs(t, err, ErrAwaitingCompletion)

	// the pending write is untouched
	des, _ := m.Desired(KeyViewingMode)
	assert.Equal(t, ViewingModePortal, des)
}

func TestStateResyncResendsAll(t *testing.T) {
	m, ch, _ := newTestManager(t, StateManagerOptions{})

	m.Sync()
	assert.Len(t, ch.Sent(), 7)

	ch.Reset()
	m.Resync()
	assert.Len(t, ch.Sent(), 7)
	assert.False(t, m.TimedOut())
}

func TestStatePollResendsOverdueKeys(t *testing.T) {
	mock := clock.NewMock()
	m, ch, _ := newTestManager(t, StateManagerOptions{Clock: mock})

	assert.NoError(t, m.SetDesired(KeyViewingMode, ViewingModePortal))
	m.Sync() // converge the remaining keys
	ch.Reset()

	// not overdue yet
	m.pollOnce()
	assert.Empty(t, ch.Sent())

	mock.Add(DefaultResyncInterval)
	m.pollOnce()
	assert.Equal(t, []string{KeyViewingMode}, sentTypes(ch))
	assert.True(t, m.Waiting(KeyViewingMode))
}

func TestStatePollRetriesFailedSends(t *testing.T) {
	mock := clock.NewMock()
	m, ch, _ := newTestManager(t, StateManagerOptions{Clock: mock})

	// the channel refuses everything: both writes land in limbo
	ch.SetFailSends(true)
	assert.NoError(t, m.SetDesired(KeyColor, Color("#112233")))
	assert.NoError(t, m.SetDesired(KeyViewingMode, ViewingModePortal))
	assert.Empty(t, ch.Sent())
	assert.False(t, m.Waiting(KeyViewingMode))
	cur, ok := m.Current(KeyColor)
	assert.True(t, ok)
	assert.Nil(t, cur)

	// the channel recovers: the next poll pass resends on its own,
	// without another user write
	ch.SetFailSends(false)
	m.pollOnce()

	types := sentTypes(ch)
	assert.Contains(t, types, KeyColor)
	assert.Contains(t, types, KeyViewingMode)
	assert.True(t, m.Waiting(KeyViewingMode))
	cur, _ = m.Current(KeyColor)
	assert.Equal(t, Color("#112233"), cur)
}

func TestStateTimeoutForcesCompletion(t *testing.T) {
	mock := clock.NewMock()
	m, _, _ := newTestManager(t, StateManagerOptions{
		Clock:              mock,
		ResyncCountTimeout: 3,
	})

	var fired int
	m.OnTimeout(func() { fired++ })

	assert.NoError(t, m.SetDesired(KeyViewingMode, ViewingModePortal))
	for i := 0; i < 10; i++ {
		mock.Add(DefaultResyncInterval)
		m.pollOnce()
	}

	assert.True(t, m.TimedOut())
	assert.Equal(t, 1, fired)
	assert.False(t, m.Waiting(KeyViewingMode))
	cur, _ := m.Current(KeyViewingMode)
	assert.Equal(t, ViewingModePortal, cur)

	// a resync clears the flag
	m.Resync()
	assert.False(t, m.TimedOut())
}

func TestStatePollingTicker(t *testing.T) {
	mock := clock.NewMock()
	m, ch, _ := newTestManager(t, StateManagerOptions{Clock: mock})

	assert.NoError(t, m.SetDesired(KeyViewingMode, ViewingModePortal))
	m.StartPolling()
	defer m.StopPolling()

	mock.Add(DefaultResyncInterval)
	assert.Eventually(t, func() bool {
		resends := 0
		for _, typ := range sentTypes(ch) {
			if typ == KeyViewingMode {
				resends++
			}
		}
		return resends == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStateSendOneShot(t *testing.T) {
	m, ch, _ := newTestManager(t, StateManagerOptions{})

	err := m.Send(protocol.Message{
		protocol.FieldType: protocol.MsgRequestShapeInfo,
		protocol.FieldPath: "/purse",
	})
	assert.NoError(t, err)

	msgs := ch.SentMessages()
	if assert.Len(t, msgs, 1) {
		assert.Equal(t, protocol.MsgRequestShapeInfo, msgs[0].Type())
		assert.Equal(t, "/purse", msgs[0].String(protocol.FieldPath))
	}
}
