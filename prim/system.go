package prim

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"cogentcore.org/core/math32"

	"github.com/nvidia-omniverse/omnisync/protocol"
	"github.com/nvidia-omniverse/omnisync/utils"
)

// serverUnitScale converts local scene units (meters) to the server's
// scene-graph units (centimeters).
const serverUnitScale = 100.0

const (
	DefaultServerFrameRate = 10.0
	DefaultShapeCacheSize  = 128
	DefaultRateWindow      = 30
)

// Sender is the slice of the dispatcher the prim system needs.
type Sender interface {
	SendMessage(data []byte, target *uuid.UUID) bool
}

// Entity is a visual proxy in the local entity tree.
type Entity interface {
	SetTransform(m *math32.Matrix4)
	SetParent(parent Entity)
}

// EntityFactory is the scene boundary that materializes proxies.
type EntityFactory interface {
	CreateProxy(path string, bounds math32.Box3, world math32.Vector3) Entity
}

// SendObserver gets a callback per streamed transform.
type SendObserver interface {
	TransformSent()
}

type SystemOptions struct {
	Clock clock.Clock
	// ServerFrameRate is the send-rate floor used until the server
	// reports its own frame-receive rate.
	ServerFrameRate float64
	ShapeCacheSize  int
	RateWindow      int
	Observer        SendObserver
}

func (o *SystemOptions) SetDefaults() {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.ServerFrameRate == 0 {
		o.ServerFrameRate = DefaultServerFrameRate
	}
	if o.ShapeCacheSize == 0 {
		o.ShapeCacheSize = DefaultShapeCacheSize
	}
	if o.RateWindow == 0 {
		o.RateWindow = DefaultRateWindow
	}
}

type shapeResult struct {
	path string
	info ShapeInfo
}

// System reconciles tracked prims against the remote scene graph once
// per rendering frame. Inbound messages land in a small locked inbox
// and are applied at the top of the next Update pass, so component
// data is only ever touched from the frame callback.
//
// Outbound transform sends go through a single in-flight sender that
// enforces the server's frame-receive rate; updates arriving while a
// send sleeps are coalesced into the next one.
type System struct {
	log     utils.Logger
	send    Sender
	factory EntityFactory
	clock   clock.Clock
	opts    SystemOptions

	components map[string]*Component
	order      []string

	shapeCache *lru.Cache[string, ShapeInfo]
	rate       *movingaverage.MovingAverage

	inboxLock sync.Mutex
	shapes    []shapeResult
	camera    *math32.Matrix4
	rateSeen  bool

	sendLock sync.Mutex
	pending  map[string]math32.Vector3
	sendSeq  []string
	inflight bool
	closed   bool
	wg       sync.WaitGroup
}

func NewSystem(log utils.Logger, send Sender, factory EntityFactory, opts SystemOptions) *System {
	opts.SetDefaults()
	cache, _ := lru.New[string, ShapeInfo](opts.ShapeCacheSize)
	return &System{
		log:        log,
		send:       send,
		factory:    factory,
		clock:      opts.Clock,
		opts:       opts,
		components: make(map[string]*Component),
		shapeCache: cache,
		rate:       movingaverage.New(opts.RateWindow),
		pending:    make(map[string]math32.Vector3),
	}
}

// Track starts reconciling the prim at path. Tracking an already
// tracked path is a no-op.
func (s *System) Track(path string) {
	if _, ok := s.components[path]; ok {
		return
	}
	s.components[path] = newComponent(path)
	s.order = append(s.order, path)
	s.log.Debug("prim: tracking", "path", path)
}

// Untrack drops the prim. Late metadata for it is discarded.
func (s *System) Untrack(path string) {
	if _, ok := s.components[path]; !ok {
		return
	}
	delete(s.components, path)
	for i, p := range s.order {
		if p == path {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log.Debug("prim: untracked", "path", path)
}

// Tracked returns the tracked paths in registration order.
func (s *System) Tracked() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Component returns the tracking record for a path.
func (s *System) Component(path string) (*Component, bool) {
	c, ok := s.components[path]
	return c, ok
}

// SetTransform records a local manipulation of the prim, expressed in
// the current camera frame. Called from the frame loop, like Update.
func (s *System) SetTransform(path string, m *math32.Matrix4) {
	c, ok := s.components[path]
	if !ok {
		return
	}
	c.local = *m
}

// OnMessage feeds server metadata into the inbox. Safe to call from
// the dispatcher's receive goroutines.
func (s *System) OnMessage(msg protocol.Message, _ uuid.UUID) {
	switch msg.Type() {
	case protocol.MsgShapeInfo:
		path, info := ParseBoxShapeInfo(msg.String(protocol.FieldData))
		if info.IsZero() {
			s.log.Warn("prim: malformed shape info", "path", path)
			return
		}
		s.shapeCache.Add(path, info)
		s.inboxLock.Lock()
		s.shapes = append(s.shapes, shapeResult{path: path, info: info})
		s.inboxLock.Unlock()

	case protocol.MsgCameraTransform:
		vals, ok := msg.Floats(protocol.FieldMatrix)
		if !ok || len(vals) != 16 {
			s.log.Warn("prim: bad camera transform")
			return
		}
		// wire order is row-major, storage is column-major
		var m math32.Matrix4
		for row := 0; row < 4; row++ {
			for col := 0; col < 4; col++ {
				m[col*4+row] = float32(vals[row*4+col])
			}
		}
		s.inboxLock.Lock()
		s.camera = &m
		s.inboxLock.Unlock()

	case protocol.MsgFrameRate:
		fps, ok := msg.Float(protocol.FieldFPS)
		if !ok || fps <= 0 {
			return
		}
		s.inboxLock.Lock()
		s.rate.Add(fps)
		s.rateSeen = true
		s.inboxLock.Unlock()
	}
}

// Update is the per-frame reconciliation pass. camera is the current
// camera pose from the rendering loop; pass nil to fall back to the
// last camera transform the server reported. A system with nothing
// tracked is a no-op.
func (s *System) Update(camera *math32.Matrix4) {
	if len(s.order) == 0 {
		return
	}

	s.inboxLock.Lock()
	shapes := s.shapes
	s.shapes = nil
	if camera == nil {
		camera = s.camera
	}
	s.inboxLock.Unlock()

	for _, r := range shapes {
		c, ok := s.components[r.path]
		if !ok {
			continue
		}
		c.shape = r.info
		c.shapeKnown = true
	}

	for _, path := range s.order {
		s.reconcile(s.components[path], camera)
	}
}

func (s *System) reconcile(c *Component, camera *math32.Matrix4) {
	if c.stage == StageUnregistered {
		if cached, ok := s.shapeCache.Get(c.path); ok {
			c.shape = cached
			c.shapeKnown = true
		} else {
			s.requestShapeInfo(c.path)
		}
		c.stage = StageShapeInfoRequested
	}

	if c.stage == StageShapeInfoRequested && c.shapeKnown {
		s.createProxy(c)
		c.stage = StageProxyCreated
	}

	if c.stage == StageProxyCreated && camera != nil {
		c.camera = *camera
		c.cameraKnown = true
		c.stage = StageSteady
		return
	}

	if c.stage != StageSteady {
		return
	}

	if camera != nil && *camera != c.camera {
		s.reframe(c, camera)
	}
	if c.local != c.remote {
		s.scheduleSend(c)
		c.remote = c.local
	}
}

func (s *System) requestShapeInfo(path string) {
	msg := protocol.Message{
		protocol.FieldType: protocol.MsgRequestShapeInfo,
		protocol.FieldPath: path,
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if !s.send.SendMessage(data, nil) {
		s.log.Warn("prim: shape info request failed", "path", path)
	}
}

// createProxy materializes the bounding-box proxy and stitches it into
// the containment-derived hierarchy. The proxy's local transform is
// the reported world position re-expressed relative to its parent by
// inverting the parent's accumulated world transform.
func (s *System) createProxy(c *Component) {
	if s.factory != nil {
		c.entity = s.factory.CreateProxy(c.path, c.shape.Bounds(), c.shape.World)
	}
	c.initialWorld = c.shape.World

	known := make([]string, 0, len(s.order))
	for _, p := range s.order {
		if p != c.path {
			known = append(known, p)
		}
	}

	world := translation3D(c.shape.World)
	local := world
	parentPath, hasParent := ParentOf(c.path, known)
	c.isRoot = !hasParent
	if hasParent {
		parent := s.components[parentPath]
		if c.entity != nil && parent.entity != nil {
			c.entity.SetParent(parent.entity)
		}
		if parent.shapeKnown {
			pworld := translation3D(parent.shape.World)
			if inv, err := pworld.Inverse(); err == nil {
				local.MulMatrices(inv, &world)
			}
		}
	}
	if c.entity != nil {
		c.entity.SetTransform(&local)
	}
	c.local = local
	c.remote = local

	// the new prim may itself be the missing parent of earlier ones
	for _, childPath := range DirectChildren(c.path, known) {
		child := s.components[childPath]
		if c.entity != nil && child.entity != nil {
			child.entity.SetParent(c.entity)
		}
		child.isRoot = false
	}

	s.log.Info("prim: proxy created", "path", c.path, "root", c.isRoot)
}

// reframe re-expresses the local transform when the camera moves:
// undo the previous camera frame, reapply the new one. Keeps the prim
// visually camera-relative without accumulating drift.
func (s *System) reframe(c *Component, camera *math32.Matrix4) {
	inv, err := camera.Inverse()
	if err != nil {
		s.log.Warn("prim: singular camera transform", "path", c.path)
		return
	}
	var rel, local math32.Matrix4
	rel.MulMatrices(inv, &c.camera)
	local.MulMatrices(&rel, &c.local)
	c.local = local
	c.camera = *camera
	if c.entity != nil {
		c.entity.SetTransform(&c.local)
	}
}

// scheduleSend queues the prim's server-frame position and wakes the
// rate-limited sender. Root prims subtract their originally reported
// world position so local-origin semantics match the server's.
func (s *System) scheduleSend(c *Component) {
	pos := translationOf(&c.local).MulScalar(serverUnitScale)
	if c.isRoot {
		pos = pos.Sub(c.initialWorld)
	}

	s.sendLock.Lock()
	if s.closed {
		s.sendLock.Unlock()
		return
	}
	if _, queued := s.pending[c.path]; !queued {
		s.sendSeq = append(s.sendSeq, c.path)
	}
	s.pending[c.path] = pos
	if !s.inflight {
		s.inflight = true
		s.wg.Add(1)
		go s.sendLoop()
	}
	s.sendLock.Unlock()
}

// sendLoop is the single in-flight sender: flush what's pending, sleep
// out the minimum inter-send interval, repeat until nothing is left.
func (s *System) sendLoop() {
	defer s.wg.Done()
	for {
		s.sendLock.Lock()
		if len(s.pending) == 0 || s.closed {
			s.inflight = false
			s.sendLock.Unlock()
			return
		}
		batch := make([]shapeSend, 0, len(s.sendSeq))
		for _, path := range s.sendSeq {
			batch = append(batch, shapeSend{path: path, pos: s.pending[path]})
		}
		s.pending = make(map[string]math32.Vector3)
		s.sendSeq = nil
		s.sendLock.Unlock()

		for _, b := range batch {
			s.sendTransform(b.path, b.pos)
		}

		<-s.clock.After(s.minSendInterval())
	}
}

type shapeSend struct {
	path string
	pos  math32.Vector3
}

func (s *System) sendTransform(path string, pos math32.Vector3) {
	msg := protocol.Message{
		protocol.FieldType:     protocol.MsgSetPrimTransform,
		protocol.FieldPath:     path,
		protocol.FieldPosition: []float64{float64(pos.X), float64(pos.Y), float64(pos.Z)},
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if !s.send.SendMessage(data, nil) {
		s.log.Warn("prim: transform send failed", "path", path)
		return
	}
	if s.opts.Observer != nil {
		s.opts.Observer.TransformSent()
	}
}

func (s *System) minSendInterval() time.Duration {
	s.inboxLock.Lock()
	rate := s.opts.ServerFrameRate
	if s.rateSeen {
		if avg := s.rate.Avg(); avg > 0 {
			rate = avg
		}
	}
	s.inboxLock.Unlock()
	return time.Duration(float64(time.Second) / rate)
}

// Close stops scheduling new sends. An in-flight send completes
// rather than being cancelled.
func (s *System) Close() {
	s.sendLock.Lock()
	s.closed = true
	s.sendLock.Unlock()
	s.wg.Wait()
}
