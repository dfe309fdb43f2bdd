package omnisync

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nvidia-omniverse/omnisync/protocol"
	"github.com/nvidia-omniverse/omnisync/utils"
)

var (
	ErrUnknownStateKey    = errors.New("unknown state key")
	ErrAwaitingCompletion = errors.New("state key is awaiting server completion")
	ErrDispatchRejected   = errors.New("dispatcher rejected the message")
)

const (
	DefaultResyncInterval     = 15 * time.Second
	DefaultResyncCountTimeout = 20
)

// State is one entry of the asset's state dictionary: the value the UI
// wants (desired) against the value believed active on the server
// (current, nil when unknown). Entries are created with the asset and
// live for the whole session; a full resync only resets them.
type State struct {
	key                      string
	current                  StateValue
	desired                  StateValue
	serverNotifiesCompletion bool
	waitingForCompletion     bool
	lastSync                 time.Time
	resyncCount              int
}

type StateManagerOptions struct {
	// ResyncInterval is both the polling period and the per-key ack
	// deadline before a resend.
	ResyncInterval time.Duration
	// ResyncCountTimeout is how many unanswered poll cycles a key gets
	// before the session is declared timed out.
	ResyncCountTimeout int
	Clock              clock.Clock
	Metrics            *Metrics
}

func (o *StateManagerOptions) SetDefaults() {
	if o.ResyncInterval == 0 {
		o.ResyncInterval = DefaultResyncInterval
	}
	if o.ResyncCountTimeout == 0 {
		o.ResyncCountTimeout = DefaultResyncCountTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// StateManager converges the asset's desired state with the remote
// scene by sending diffs through the dispatcher. Keys that the server
// confirms explicitly stay pending until the matching completion
// notification arrives; everything else completes on send. The only
// retry mechanism is the poll cycle, and exhausting the resync count is
// terminal: the timeout callback fires so the owner can disconnect.
//
// One lock serializes every read and write of the state dictionary, so
// poll-triggered resends never race acknowledgements.
type StateManager struct {
	log   utils.Logger
	disp  *Dispatcher
	clock clock.Clock
	opts  StateManagerOptions

	lock     sync.Mutex
	states   map[string]*State
	order    []string
	timedOut bool

	onTimeout func()

	ticker   *clock.Ticker
	stopPoll chan struct{}
	pollWG   sync.WaitGroup
}

func NewStateManager(log utils.Logger, disp *Dispatcher, asset *Asset, opts StateManagerOptions) *StateManager {
	opts.SetDefaults()
	m := &StateManager{
		log:    log,
		disp:   disp,
		clock:  opts.Clock,
		opts:   opts,
		states: make(map[string]*State, len(asset.Specs)),
	}
	for _, spec := range asset.Specs {
		m.states[spec.Key] = &State{
			key:                      spec.Key,
			desired:                  spec.Initial,
			serverNotifiesCompletion: spec.ServerNotifiesCompletion,
		}
		m.order = append(m.order, spec.Key)
	}
	return m
}

// OnTimeout registers the callback fired (once per trip) when a key
// exhausts its resync count.
func (m *StateManager) OnTimeout(f func()) {
	m.lock.Lock()
	m.onTimeout = f
	m.lock.Unlock()
}

// SetDesired records a new desired value for the key and immediately
// runs a sync pass. Writes to unknown keys and to keys still awaiting
// completion are dropped with an error; prior values stay untouched.
func (m *StateManager) SetDesired(key string, v StateValue) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	st, ok := m.states[key]
	if !ok {
		m.log.Warn("state: write to unknown key", "key", key)
		return ErrUnknownStateKey
	}
	if st.waitingForCompletion {
		m.log.Warn("state: write while awaiting completion", "key", key)
		return ErrAwaitingCompletion
	}

	st.desired = v
	st.lastSync = m.clock.Now()
	m.syncLocked()
	return nil
}

// Desired returns the desired value for a key.
func (m *StateManager) Desired(key string) (StateValue, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	st, ok := m.states[key]
	if !ok {
		return nil, false
	}
	return st.desired, true
}

// Current returns the value believed active on the server, nil when
// not yet known.
func (m *StateManager) Current(key string) (StateValue, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	st, ok := m.states[key]
	if !ok {
		return nil, false
	}
	return st.current, true
}

// Waiting reports whether the key is between send and acknowledgement.
func (m *StateManager) Waiting(key string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	st, ok := m.states[key]
	return ok && st.waitingForCompletion
}

// TimedOut reports whether any key exhausted its resync count since
// the last resync.
func (m *StateManager) TimedOut() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.timedOut
}

// Sync sends the desired value of every key whose current value is
// unset or differs, by encoded-payload equality.
func (m *StateManager) Sync() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.syncLocked()
}

// Resync forgets everything believed about the server and resends all
// desired state from scratch. Called when the session reconnects.
func (m *StateManager) Resync() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, st := range m.states {
		st.current = nil
		st.resyncCount = 0
		st.waitingForCompletion = false
	}
	m.timedOut = false
	m.opts.Metrics.ResyncStarted()
	m.log.Info("state: full resync")
	m.syncLocked()
}

// Send dispatches a one-shot message not tied to any state key.
func (m *StateManager) Send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if !m.disp.SendMessage(data, nil) {
		m.log.Error("state: one-shot send failed", "type", msg.Type())
		return ErrDispatchRejected
	}
	return nil
}

// StartPolling arms the recurring ack watchdog.
func (m *StateManager) StartPolling() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.ticker != nil {
		return
	}
	m.ticker = m.clock.Ticker(m.opts.ResyncInterval)
	m.stopPoll = make(chan struct{})
	m.pollWG.Add(1)
	go func(ticker *clock.Ticker, stop chan struct{}) {
		defer m.pollWG.Done()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.pollOnce()
			}
		}
	}(m.ticker, m.stopPoll)
}

func (m *StateManager) StopPolling() {
	m.lock.Lock()
	if m.ticker == nil {
		m.lock.Unlock()
		return
	}
	m.ticker.Stop()
	m.ticker = nil
	close(m.stopPoll)
	m.lock.Unlock()
	m.pollWG.Wait()
}

// OnMessage watches for completion notifications: any waiting key whose
// desired variant matches the acknowledged one completes.
func (m *StateManager) OnMessage(msg protocol.Message, _ uuid.UUID) {
	if msg.Type() != protocol.MsgLoadingStateFinished {
		return
	}
	variant := msg.Variant()
	if variant == "" {
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	for _, st := range m.states {
		if !st.waitingForCompletion || st.desired == nil {
			continue
		}
		if st.desired.Variant() != variant {
			continue
		}
		st.current = st.desired
		st.waitingForCompletion = false
		st.resyncCount = 0
		m.opts.Metrics.AckMatched()
		m.log.Debug("state: completion acknowledged", "key", st.key, "variant", variant)
	}
}

func (m *StateManager) syncLocked() {
	for _, key := range m.order {
		st := m.states[key]
		if st.waitingForCompletion {
			continue
		}
		if st.current != nil && valuesEqual(st.current, st.desired) {
			continue
		}
		m.sendLocked(st)
	}
}

// sendLocked pushes one key's desired value out. On dispatch failure
// the key keeps its values and the next sync pass retries; there is no
// per-send backoff.
func (m *StateManager) sendLocked(st *State) {
	data, err := st.desired.Encode().Encode()
	if err != nil {
		m.log.Error("state: couldn't encode", "key", st.key, "err", err)
		return
	}
	if !m.disp.SendMessage(data, nil) {
		m.log.Error("state: send failed", "key", st.key)
		return
	}
	st.lastSync = m.clock.Now()
	if st.serverNotifiesCompletion {
		st.waitingForCompletion = true
	} else {
		st.current = st.desired
	}
}

// pollOnce re-sends every overdue waiting key; a key that stays
// unanswered past the resync count limit is force-completed and the
// session is flagged timed out. It ends with a full sync pass so a
// key whose dispatch failed earlier is retried every poll interval
// rather than stranded until the next user write.
func (m *StateManager) pollOnce() {
	var timeout func()

	m.lock.Lock()
	now := m.clock.Now()
	for _, key := range m.order {
		st := m.states[key]
		if !st.waitingForCompletion {
			continue
		}
		if now.Sub(st.lastSync) < m.opts.ResyncInterval {
			continue
		}

		st.resyncCount++
		if st.resyncCount > m.opts.ResyncCountTimeout {
			st.current = st.desired
			st.waitingForCompletion = false
			st.resyncCount = 0
			if !m.timedOut {
				m.timedOut = true
				timeout = m.onTimeout
			}
			m.opts.Metrics.TimeoutTripped()
			m.log.Error("state: server response timed out", "key", st.key)
			continue
		}

		m.log.Warn("state: completion overdue, resending", "key", st.key, "attempt", st.resyncCount)
		st.waitingForCompletion = false
		m.sendLocked(st)
	}
	m.syncLocked()
	m.lock.Unlock()

	if timeout != nil {
		timeout()
	}
}

// valuesEqual compares by encoded payload, not identity.
func valuesEqual(a, b StateValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	abin, aerr := a.Encode().Encode()
	bbin, berr := b.Encode().Encode()
	if aerr != nil || berr != nil {
		return false
	}
	return protocol.Fingerprint(abin) == protocol.Fingerprint(bbin)
}
