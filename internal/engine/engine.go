package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/scenehost/internal/comms"
	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/opbridge"
	"github.com/roach88/scenehost/internal/permission"
	"github.com/roach88/scenehost/internal/sandbox"
	"github.com/roach88/scenehost/internal/scheduler"
	"github.com/roach88/scenehost/internal/store"
	"github.com/roach88/scenehost/internal/wire"
)

// Defaults for engine options.
const (
	DefaultQueueSize = 256
	DefaultFrameRate = 30
)

// RealmResolver returns the content catalog of a realm. Used when a scene
// or the console changes realm.
type RealmResolver func(realm string) (content.Catalog, error)

// Engine is the host loop.
//
// It owns the reconciler, the scheduler and every sandbox manager call.
// Sandboxes reach it through ops: component batches travel over a bounded
// queue and are applied in the order each scene sent them; every other
// host-state access is a closure run on the loop.
//
// Thread-safety model:
//   - Run, Step, Settle, Exec, MoveTo and ChangeRealm: host loop only
//   - Execute, Do: safe from any goroutine
type Engine struct {
	logger     *slog.Logger
	actor      ir.ActorID
	ids        IDGenerator
	registry   *wire.Registry
	reconciler *crdt.Reconciler
	gate       *permission.Gate
	ownsGate   bool
	bridge     *opbridge.Bridge
	sandboxes  *sandbox.Manager
	scheduler  *scheduler.Scheduler
	store      *store.Store
	world      WorldModel
	actions    Actions
	transport  comms.Transport
	httpClient *http.Client
	realms     RealmResolver

	queue   *taskQueue
	clock   *Clock
	quota   *MessageQuota
	streams *eventStreams
	outbox  *outboxes
	net     *netIndex

	frameInterval time.Duration
	queueSize     int
	quotaLimit    int
	opTimeout     time.Duration
	gateOpts      []permission.GateOption
	schedOpts     []scheduler.Option
	sandboxOpts   []sandbox.ManagerOption
	extraOps      []opbridge.Op

	catMu   sync.RWMutex
	catalog content.Catalog
	realm   string

	// Host loop state.
	started bool
	live    map[ir.SceneID]*content.Manifest
	player  wire.Vec3
	polled  ir.Parcel
	peerTS  ir.Timestamp
	pending map[ir.Namespace][]wire.Message

	stopped   chan struct{}
	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithActor sets the actor id this host writes with. Defaults to a fresh
// "host-<uuid>".
func WithActor(a ir.ActorID) Option { return func(e *Engine) { e.actor = a } }

// WithIDGenerator sets the generator for actor and permission request ids.
func WithIDGenerator(g IDGenerator) Option { return func(e *Engine) { e.ids = g } }

// WithRealm sets the initial realm.
func WithRealm(realm string) Option { return func(e *Engine) { e.realm = realm } }

// WithRealmResolver sets how realm changes find their content. Without
// one a realm change keeps the current catalog.
func WithRealmResolver(r RealmResolver) Option { return func(e *Engine) { e.realms = r } }

// WithStore enables persisted permission decisions and scene local storage.
func WithStore(s *store.Store) Option { return func(e *Engine) { e.store = s } }

// WithWorld sets the world model. Defaults to a MemWorld at 0,0.
func WithWorld(w WorldModel) Option { return func(e *Engine) { e.world = w } }

// WithActions sets the host actions. Defaults to LogActions.
func WithActions(a Actions) Option { return func(e *Engine) { e.actions = a } }

// WithTransport connects the engine to peers.
func WithTransport(t comms.Transport) Option { return func(e *Engine) { e.transport = t } }

// WithGate uses an existing permission gate. The caller keeps ownership.
func WithGate(g *permission.Gate) Option { return func(e *Engine) { e.gate = g } }

// WithGateOptions configures the gate the engine creates when WithGate is
// not given.
func WithGateOptions(opts ...permission.GateOption) Option {
	return func(e *Engine) { e.gateOpts = append(e.gateOpts, opts...) }
}

// WithRegistry sets the component registry.
func WithRegistry(r *wire.Registry) Option { return func(e *Engine) { e.registry = r } }

// WithQueueSize bounds the queue between sandboxes and the host loop.
func WithQueueSize(n int) Option { return func(e *Engine) { e.queueSize = n } }

// WithMessageQuota caps component messages per scene per frame. Zero
// disables the cap.
func WithMessageQuota(n int) Option { return func(e *Engine) { e.quotaLimit = n } }

// WithFrameRate sets how often Run ticks scenes.
func WithFrameRate(hz int) Option {
	return func(e *Engine) {
		if hz > 0 {
			e.frameInterval = time.Second / time.Duration(hz)
		}
	}
}

// WithOpTimeout bounds async op handlers.
func WithOpTimeout(d time.Duration) Option { return func(e *Engine) { e.opTimeout = d } }

// WithHTTPClient sets the client used by Fetch.fetch.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.httpClient = c } }

// WithSchedulerOptions passes options to the scene scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(e *Engine) { e.schedOpts = append(e.schedOpts, opts...) }
}

// WithSandboxOptions passes options to the sandbox manager.
func WithSandboxOptions(opts ...sandbox.ManagerOption) Option {
	return func(e *Engine) { e.sandboxOpts = append(e.sandboxOpts, opts...) }
}

// WithOps registers extra ops next to the standard catalog.
func WithOps(ops ...opbridge.Op) Option {
	return func(e *Engine) { e.extraOps = append(e.extraOps, ops...) }
}

// New creates an engine serving scenes from catalog.
func New(catalog content.Catalog, opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:        slog.Default(),
		ids:           UUIDv7Generator{},
		frameInterval: time.Second / DefaultFrameRate,
		queueSize:     DefaultQueueSize,
		httpClient:    http.DefaultClient,
		catalog:       catalog,
		clock:         NewClock(),
		live:          make(map[ir.SceneID]*content.Manifest),
		pending:       make(map[ir.Namespace][]wire.Message),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.actor == "" {
		e.actor = ir.ActorID("host-" + e.ids.Generate())
	}
	if e.world == nil {
		e.world = NewMemWorld(ir.Parcel{})
	}
	if e.actions == nil {
		e.actions = NewLogActions(e.logger)
	}
	if e.registry == nil {
		e.registry = wire.DefaultRegistry()
	}
	e.queue = newTaskQueue(e.queueSize)
	e.quota = NewMessageQuota(e.quotaLimit)
	e.streams = newEventStreams(DefaultStreamRetention)
	e.outbox = newOutboxes()
	e.net = newNetIndex()

	e.reconciler = crdt.New(
		crdt.WithRegistry(e.registry),
		crdt.WithLogger(e.logger),
		crdt.WithListener(crdt.ListenerFunc(e.toWorld)),
	)

	if e.gate == nil {
		gateOpts := []permission.GateOption{
			permission.WithLogger(e.logger),
			permission.WithIDGenerator(e.ids.Generate),
		}
		if e.store != nil {
			gateOpts = append(gateOpts, permission.WithPolicyStore(e.store))
		}
		e.gate = permission.NewGate(append(gateOpts, e.gateOpts...)...)
		e.ownsGate = true
	}

	ops := opbridge.NewCatalog()
	if err := e.registerOps(ops); err != nil {
		return nil, fmt.Errorf("register standard ops: %w", err)
	}
	for _, op := range e.extraOps {
		if err := ops.Register(op); err != nil {
			return nil, fmt.Errorf("register op: %w", err)
		}
	}
	e.bridge = opbridge.NewBridge(ops,
		opbridge.WithGate(e.gate),
		opbridge.WithLogger(e.logger),
		opbridge.WithOpTimeout(e.opTimeout),
	)
	e.sandboxes = sandbox.NewManager(e.bridge,
		append([]sandbox.ManagerOption{sandbox.WithLogger(e.logger)}, e.sandboxOpts...)...)
	e.scheduler = scheduler.New(catalog, e.sandboxes,
		append([]scheduler.Option{
			scheduler.WithLogger(e.logger),
			scheduler.WithRealm(e.realm),
			scheduler.WithOnReady(e.sceneReady),
			scheduler.WithOnDispose(e.sceneDisposed),
		}, e.schedOpts...)...)
	return e, nil
}

// Actor returns the id this host writes with.
func (e *Engine) Actor() ir.ActorID { return e.actor }

// Realm returns the current realm.
func (e *Engine) Realm() string {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.realm
}

// Content returns the current realm's content catalog.
func (e *Engine) Content() content.Catalog {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.catalog
}

// Scheduler returns the scene scheduler. Host loop only.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Reconciler returns the component store. Host loop only.
func (e *Engine) Reconciler() *crdt.Reconciler { return e.reconciler }

// Gate returns the permission gate.
func (e *Engine) Gate() *permission.Gate { return e.gate }

// World returns the world model.
func (e *Engine) World() WorldModel { return e.world }

// Ops returns the op catalog scenes see.
func (e *Engine) Ops() *opbridge.Catalog { return e.bridge.Catalog() }

// Clock returns the frame clock.
func (e *Engine) Clock() *Clock { return e.clock }

// Start places the player where the world model says and starts loading
// the scenes around it. Run and Step call it on first use.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	e.started = true
	p := e.world.PlayerPosition()
	e.logger.Info("engine starting",
		"actor", e.actor,
		"realm", e.Realm(),
		"position", p.String(),
	)
	return e.moveTo(ctx, p, parcelCenter(p))
}

// Run is the host loop. It blocks until ctx is cancelled or the engine is
// closed.
//
// ERROR HANDLING: a task, frame or peer message that fails is logged with
// its context and the loop keeps going. A failure in one scene never
// stops the others.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		e.logger.Error("initial scene placement failed", "error", err)
	}

	ticker := time.NewTicker(e.frameInterval)
	defer ticker.Stop()
	var frames <-chan comms.Frame
	if e.transport != nil {
		frames = e.transport.Frames()
	}
	prompts := e.gate.Prompts()
	last := time.Now()

	for {
		if t, ok := e.queue.TryDequeue(); ok {
			e.process(ctx, t)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-e.stopped:
			return nil
		case _, ok := <-e.queue.Wait():
			if !ok {
				return nil
			}
		case <-e.scheduler.Loaded():
			e.scheduler.Drain()
		case f := <-frames:
			e.handleFrame(ctx, f)
		case req := <-prompts:
			e.promptRaised(req)
		case now := <-ticker.C:
			e.Frame(ctx, now.Sub(last))
			last = now
		}
	}
}

// Step runs one frame of dt without a wall clock: pending work is
// processed, scenes are ticked, and the work their tick produced is
// processed. Used by the harness and tests.
func (e *Engine) Step(ctx context.Context, dt time.Duration) []scheduler.TickReport {
	if err := e.Start(ctx); err != nil {
		e.logger.Error("initial scene placement failed", "error", err)
	}
	e.pump(ctx)
	reports := e.Frame(ctx, dt)
	e.pump(ctx)
	return reports
}

// Settle processes work until every scene load in flight has finished.
func (e *Engine) Settle(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	prompts := e.gate.Prompts()
	for {
		e.pump(ctx)
		if e.scheduler.Loading() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.scheduler.Loaded():
		case <-e.queue.Wait():
		case req := <-prompts:
			e.promptRaised(req)
		}
	}
}

// pump does every piece of ready work without blocking.
func (e *Engine) pump(ctx context.Context) {
	var frames <-chan comms.Frame
	if e.transport != nil {
		frames = e.transport.Frames()
	}
	for {
		if t, ok := e.queue.TryDequeue(); ok {
			e.process(ctx, t)
			continue
		}
		select {
		case f := <-frames:
			e.handleFrame(ctx, f)
			continue
		case req := <-e.gate.Prompts():
			e.promptRaised(req)
			continue
		default:
		}
		if e.scheduler.Loading() > 0 {
			before := e.scheduler.Loading()
			e.scheduler.Drain()
			if e.scheduler.Loading() != before {
				continue
			}
		}
		return
	}
}

// Frame runs one host frame: it follows the player if the world model
// moved them, then ticks scenes.
func (e *Engine) Frame(ctx context.Context, dt time.Duration) []scheduler.TickReport {
	frame := e.clock.Next()
	e.quota.Reset()

	if p := e.world.PlayerPosition(); p != e.polled {
		if err := e.moveTo(ctx, p, parcelCenter(p)); err != nil {
			e.logger.Warn("following player failed", "frame", frame, "position", p.String(), "error", err)
		}
	}

	reports := e.scheduler.Frame(ctx, dt)
	for _, r := range reports {
		if r.Status != sandbox.TickOK {
			e.logger.Debug("scene tick",
				"frame", frame,
				"scene_id", r.Scene,
				"status", r.Status.String(),
				"duration", r.Duration,
				"budget", r.Budget,
				"debt", r.Debt,
			)
		}
	}
	return reports
}

// process runs one task. A task from a producer that has gone away is
// dropped: its scene was disposed and its namespace already swept.
func (e *Engine) process(ctx context.Context, t task) {
	if t.ctx != nil && t.ctx.Err() != nil {
		e.logger.Debug("dropping task from stopped producer", "scene_id", t.scene)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("host task panicked", "scene_id", t.scene, "panic", r)
		}
	}()
	switch {
	case t.batch != nil:
		res := e.reconciler.ApplyBatch(*t.batch)
		e.logger.Debug("batch applied",
			"scene_id", t.scene,
			"messages", len(t.batch.Messages),
			"accepted", res.Accepted(),
		)
		e.route(ctx, ir.SceneID(t.batch.Namespace), res.Changes)
		e.flushNet(ctx)
	case t.fn != nil:
		t.fn()
	}
}

// Do runs fn on the host loop and waits for it. It must not be called
// from the host loop itself.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	err := e.queue.Enqueue(ctx, task{ctx: ctx, fn: func() {
		defer close(done)
		fn()
	}})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrQueueClosed
	}
}

// enqueueBatch hands a scene's messages to the host loop, waiting while
// the queue is full. Scene writes carry the host actor, the same actor
// their mirrors into network namespaces carry.
func (e *Engine) enqueueBatch(ctx context.Context, scene ir.SceneID, msgs []wire.Message) error {
	return e.queue.Enqueue(ctx, task{
		ctx:   ctx,
		scene: string(scene),
		batch: &crdt.Batch{Namespace: ir.SceneNamespace(scene), Actor: e.actor, Messages: msgs},
	})
}

// MoveTo moves the player to the centre of a parcel. Host loop only.
func (e *Engine) MoveTo(ctx context.Context, p ir.Parcel) error {
	return e.moveTo(ctx, p, parcelCenter(p))
}

type positioner interface {
	SetPlayerPosition(ir.Parcel)
}

func (e *Engine) moveTo(ctx context.Context, p ir.Parcel, pos wire.Vec3) error {
	e.player = pos
	e.polled = p
	if w, ok := e.world.(positioner); ok && e.world.PlayerPosition() != p {
		w.SetPlayerPosition(p)
	}
	if err := e.scheduler.SetPosition(ctx, p); err != nil {
		return err
	}
	for _, id := range e.liveScenes() {
		e.publishPlayer(id)
	}
	e.announcePlayer(ctx)
	return nil
}

// ChangeRealm disposes every scene and loads the new realm's scenes around
// the player. Host loop only.
func (e *Engine) ChangeRealm(ctx context.Context, realm string) error {
	var cat content.Catalog
	if e.realms != nil {
		c, err := e.realms(realm)
		if err != nil {
			return fmt.Errorf("resolve realm %q: %w", realm, err)
		}
		cat = c
	}
	e.catMu.Lock()
	e.realm = realm
	if cat != nil {
		e.catalog = cat
	}
	e.catMu.Unlock()
	return e.scheduler.ChangeRealm(ctx, realm, cat)
}

func (e *Engine) promptRaised(req permission.Request) {
	e.logger.Info("permission requested",
		"request_id", req.ID,
		"scene_id", req.Scene,
		"kind", req.Kind,
		"description", req.Description,
	)
	e.streams.publish(StreamPermissions, req.Scene, ir.IRObject{
		"id":    ir.IRString(req.ID),
		"kind":  ir.IRString(req.Kind),
		"value": valueOrNull(req.Value),
	})
}

// Publish adds an event to a stream. Renderer integrations use it for
// pointer events; scene may be empty to address every scene.
func (e *Engine) Publish(stream string, scene ir.SceneID, v ir.IRValue) {
	e.streams.publish(stream, scene, v)
}

// Close disposes every scene and stops the loop. The transport and store
// belong to the caller.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stopped)
		e.scheduler.Close()
		e.sandboxes.Close()
		e.queue.Close()
		if e.ownsGate {
			e.gate.Close()
		}
		e.logger.Info("engine stopped", "frames", e.clock.Current())
	})
}

func valueOrNull(v ir.IRValue) ir.IRValue {
	if v == nil {
		return ir.IRNull{}
	}
	return v
}
