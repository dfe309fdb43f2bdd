package omnisync

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvidia-omniverse/omnisync/prim"
	"github.com/nvidia-omniverse/omnisync/protocol"
	"github.com/nvidia-omniverse/omnisync/utils"
)

// Session owns one configurator connection end to end: the stream
// transport, the dispatcher, the state manager, the prim system and
// the desired-state journal. Construct it, Start it, and use
// SetDesired / Prims from the UI layer.
//
// Ownership is unidirectional: the session owns everything, nothing
// holds a back-reference to the session.
type Session struct {
	log       utils.Logger
	cfg       Config
	asset     *Asset
	metrics   *Metrics
	transport *protocol.StreamTransport
	disp      *Dispatcher
	states    *StateManager
	prims     *prim.System
	journal   *Journal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
}

// SessionOptions carries the injectable collaborators. All fields are
// optional; nil factory disables proxy creation, nil registerer
// disables metrics.
type SessionOptions struct {
	EntityFactory prim.EntityFactory
	Registerer    prometheus.Registerer
	TLSConfig     *tls.Config
}

func NewSession(log utils.Logger, cfg Config, asset *Asset, opts SessionOptions) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metrics := NewMetrics(opts.Registerer)
	transport := protocol.NewStreamTransport(log, "session", opts.TLSConfig)
	disp := NewDispatcher(log, transport, DispatcherOptions{
		PollInterval: cfg.QueuePollInterval,
		Metrics:      metrics,
	})
	states := NewStateManager(log, disp, asset, StateManagerOptions{
		ResyncInterval:     cfg.ResyncInterval,
		ResyncCountTimeout: cfg.ResyncCountTimeout,
		Metrics:            metrics,
	})
	prims := prim.NewSystem(log, disp, opts.EntityFactory, prim.SystemOptions{
		ServerFrameRate: cfg.ServerFrameRate,
		Observer:        metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:       log,
		cfg:       cfg,
		asset:     asset,
		metrics:   metrics,
		transport: transport,
		disp:      disp,
		states:    states,
		prims:     prims,
		ctx:       ctx,
		cancel:    cancel,
	}

	if opts.Registerer != nil {
		opts.Registerer.MustRegister(NewDispatcherCollector(disp))
	}

	if cfg.JournalDir != "" {
		journal, err := OpenJournal(log, filepath.Join(cfg.JournalDir, asset.Name))
		if err != nil {
			cancel()
			disp.Close()
			return nil, err
		}
		s.journal = journal
		if err := journal.Restore(states.SetDesired); err != nil {
			log.Warn("session: journal restore failed", "err", err)
		}
	}

	disp.Attach(states)
	disp.Attach(prims)
	transport.OnChannelsChanged(disp.Reconcile)
	transport.OnStateChanged(s.onConnState)
	states.OnTimeout(s.onTimeout)

	return s, nil
}

// Start dials the server and keeps redialing with backoff for the
// session's lifetime, and arms the acknowledgement watchdog.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	addr := s.cfg.ServerAddr
	if s.cfg.TLS {
		addr = "tls://" + addr
	} else {
		addr = "tcp://" + addr
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transport.KeepConnecting(s.ctx, addr)
	}()
	s.states.StartPolling()
}

// SetDesired writes a desired state value, journals it, and lets the
// state manager converge it with the server.
func (s *Session) SetDesired(key string, v StateValue) error {
	if err := s.states.SetDesired(key, v); err != nil {
		return err
	}
	if s.journal != nil {
		if err := s.journal.Record(key, v); err != nil {
			s.log.Warn("session: journal write failed", "key", key, "err", err)
		}
	}
	return nil
}

func (s *Session) States() *StateManager           { return s.states }
func (s *Session) Prims() *prim.System             { return s.prims }
func (s *Session) Dispatcher() *Dispatcher         { return s.disp }
func (s *Session) Asset() *Asset                   { return s.asset }
func (s *Session) Connected() bool                 { return s.transport.Connected() }
func (s *Session) TimedOut() bool                  { return s.states.TimedOut() }
func (s *Session) Send(msg protocol.Message) error { return s.states.Send(msg) }

func (s *Session) onConnState(connected bool) {
	if !connected {
		s.log.Warn("session: disconnected")
		return
	}
	s.log.Info("session: connected", "addr", s.cfg.ServerAddr)
	// everything believed about the server is stale now
	s.states.Resync()
}

// onTimeout tears the connection down when the server stops
// acknowledging. Disconnect runs off the poll goroutine so the state
// manager isn't blocked on its own teardown.
func (s *Session) onTimeout() {
	s.log.Error("session: server response timed out, disconnecting")
	go func() {
		if err := s.transport.Disconnect(); err != nil {
			s.log.Warn("session: disconnect failed", "err", err)
		}
	}()
}

func (s *Session) Close() error {
	s.cancel()
	s.states.StopPolling()
	s.prims.Close()
	s.disp.Close()
	err := s.transport.Close()
	if s.journal != nil {
		if jerr := s.journal.Close(); err == nil {
			err = jerr
		}
	}
	s.wg.Wait()
	return err
}
