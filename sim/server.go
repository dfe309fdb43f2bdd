// Package sim is a stand-in configurator server: it speaks the real
// wire protocol over real sockets, announces channels, acknowledges
// gated state changes and answers shape-info requests from a scripted
// scene. Useful for integration tests and for running the CLI without
// an actual scene server.
package sim

import (
	"context"
	"crypto/tls"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvidia-omniverse/omnisync/protocol"
	"github.com/nvidia-omniverse/omnisync/utils"
)

// ChannelDef is one channel the server announces on connect.
type ChannelDef struct {
	ID    uuid.UUID
	Label string
}

// Prim is a scripted scene object the server can answer shape-info
// requests for. Nine numbers, same order as the wire format.
type Prim struct {
	Path   string
	Size   [3]float64
	Center [3]float64
	World  [3]float64
}

func (p Prim) infoLine() string {
	fields := []string{p.Path}
	for _, v := range [][3]float64{p.Size, p.Center, p.World} {
		for _, f := range v {
			fields = append(fields, strconv.FormatFloat(f, 'f', -1, 64))
		}
	}
	return strings.Join(fields, ", ")
}

type ServerOptions struct {
	Channels []ChannelDef
	Prims    []Prim
	// AckDelay is how long the server sits on a gated state change
	// before sending loadingStateFinished. Zero acks immediately.
	AckDelay time.Duration
	// AckTypes lists the state keys the server acknowledges with a
	// completion message. Defaults to viewingMode.
	AckTypes []string
	// FrameRate, when non-zero, is reported to clients on connect.
	FrameRate float64
	TLSConfig *tls.Config
}

func (o *ServerOptions) SetDefaults() {
	if len(o.Channels) == 0 {
		o.Channels = []ChannelDef{{ID: uuid.New(), Label: "configurator"}}
	}
	if o.AckTypes == nil {
		o.AckTypes = []string{"viewingMode"}
	}
}

// Server accepts any number of concurrent client sessions.
type Server struct {
	log  utils.Logger
	opts ServerOptions
	net  *protocol.Net
	acks map[string]struct{}

	lock  sync.Mutex
	conns map[string]*serverConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(log utils.Logger, opts ServerOptions) *Server {
	opts.SetDefaults()
	s := &Server{
		log:   log,
		opts:  opts,
		acks:  make(map[string]struct{}, len(opts.AckTypes)),
		conns: make(map[string]*serverConn),
	}
	for _, t := range opts.AckTypes {
		s.acks[t] = struct{}{}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.net = protocol.NewNet(log, opts.TLSConfig, s.install, s.destroy)
	return s
}

// Listen binds addr ("tcp://host:port" or "tls://...") and serves
// until Close.
func (s *Server) Listen(addr string) error {
	if err := s.net.Listen(s.ctx, addr); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.net.KeepListening(s.ctx, addr)
	}()
	return nil
}

func (s *Server) Close() {
	s.cancel()
	_ = s.net.Close()
	s.wg.Wait()
}

// Broadcast pushes a message to every connected client on the first
// announced channel.
func (s *Server) Broadcast(msg protocol.Message) {
	s.lock.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()
	for _, c := range conns {
		c.sendMessage(s.opts.Channels[0].ID, msg)
	}
}

func (s *Server) install(name string) protocol.FeedDrainCloser {
	c := &serverConn{
		s:    s,
		name: name,
		outq: utils.NewFrameQueue(protocol.MaxOutQueueLen, protocol.TypicalMTU),
	}
	s.lock.Lock()
	s.conns[name] = c
	s.lock.Unlock()

	for _, def := range s.opts.Channels {
		c.enqueue(protocol.Record(protocol.LitAnnounce, def.ID[:], []byte(def.Label)))
	}
	if s.opts.FrameRate > 0 {
		c.sendMessage(s.opts.Channels[0].ID, protocol.Message{
			protocol.FieldType: protocol.MsgFrameRate,
			protocol.FieldFPS:  s.opts.FrameRate,
		})
	}
	return c
}

func (s *Server) destroy(name string) {
	s.lock.Lock()
	c, ok := s.conns[name]
	delete(s.conns, name)
	s.lock.Unlock()
	if ok {
		_ = c.outq.Close()
	}
}

// serverConn is the server side of one client session.
type serverConn struct {
	s         *Server
	name      string
	outq      *utils.FrameQueue
	helloSeen bool
}

func (c *serverConn) enqueue(rec []byte) {
	if err := c.outq.Drain(context.Background(), [][]byte{rec}); err != nil {
		c.s.log.Warn("sim: outbound queue failed", "name", c.name, "err", err)
	}
}

func (c *serverConn) sendMessage(ch uuid.UUID, msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	c.enqueue(protocol.Record(protocol.LitMessage, ch[:], data))
}

func (c *serverConn) Feed(ctx context.Context) (protocol.Records, error) {
	frames, err := c.outq.Feed(ctx)
	return protocol.Records(frames), err
}

func (c *serverConn) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		lit, body, _ := protocol.TakeAny(rec)
		switch lit {
		case protocol.LitHello:
			c.helloSeen = true
			c.s.log.Info("sim: client hello", "name", c.name, "client", string(body))

		case protocol.LitMessage:
			if len(body) < 16 {
				continue
			}
			ch, err := uuid.FromBytes(body[:16])
			if err != nil {
				continue
			}
			msg, err := protocol.DecodeMessage(body[16:])
			if err != nil {
				c.s.log.Warn("sim: undecodable client message", "err", err)
				continue
			}
			c.handle(ch, msg)

		case protocol.LitBye:
			return protocol.ErrNotConnected
		}
	}
	return nil
}

func (c *serverConn) Close() error {
	return c.outq.Close()
}

// handle scripts the server's reactions: shape-info requests are
// answered from the scene, gated state changes get a (possibly
// delayed) completion notification, everything else is accepted
// silently the way a real scene server applies updates.
func (c *serverConn) handle(ch uuid.UUID, msg protocol.Message) {
	switch msg.Type() {
	case protocol.MsgRequestShapeInfo:
		path := msg.String(protocol.FieldPath)
		for _, p := range c.s.opts.Prims {
			if p.Path == path {
				c.sendMessage(ch, protocol.Message{
					protocol.FieldType: protocol.MsgShapeInfo,
					protocol.FieldData: p.infoLine(),
				})
				return
			}
		}
		c.s.log.Warn("sim: shape info for unknown prim", "path", path)

	case protocol.MsgSetPrimTransform:
		// applied silently

	default:
		if _, gated := c.s.acks[msg.Type()]; !gated {
			return
		}
		variant := msg.Variant()
		ack := func() {
			c.sendMessage(ch, protocol.Message{
				protocol.FieldType:    protocol.MsgLoadingStateFinished,
				protocol.FieldVariant: variant,
			})
		}
		if c.s.opts.AckDelay == 0 {
			ack()
			return
		}
		c.s.wg.Add(1)
		go func() {
			defer c.s.wg.Done()
			select {
			case <-c.s.ctx.Done():
			case <-time.After(c.s.opts.AckDelay):
				ack()
			}
		}()
	}
}
