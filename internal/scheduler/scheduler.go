package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/sandbox"
)

// Sandboxes is the part of the sandbox manager the scheduler drives.
type Sandboxes interface {
	Spawn(ctx context.Context, info sandbox.SceneInfo) (*sandbox.Handle, error)
	TickAll(ctx context.Context, reqs []sandbox.TickRequest) []sandbox.TickResult
	Dispose(h *sandbox.Handle)
	DecayDebt()
}

// Defaults for scheduler options.
const (
	DefaultLoadRadius       = 2
	DefaultKeepWarmRadius   = 4
	DefaultTeleportDistance = 16
	DefaultFrameBudget      = 10 * time.Millisecond
	DefaultMinTickBudget    = 500 * time.Microsecond
)

// Scheduler owns the scene table. It is not safe for concurrent use; all
// methods are called from the host loop.
type Scheduler struct {
	catalog   content.Catalog
	sandboxes Sandboxes
	logger    *slog.Logger

	loadRadius       int
	keepWarmRadius   int
	teleportDistance int
	frameBudget      time.Duration
	minTickBudget    time.Duration
	realm            string

	onReady   func(*Scene)
	onDispose func(*Scene)

	scenes   map[ir.SceneID]*Scene
	position ir.Parcel
	placed   bool
	loadGen  uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	loading int

	mu     sync.Mutex
	done   []loadResult
	loaded chan struct{}
}

type loadResult struct {
	id       ir.SceneID
	gen      uint64
	manifest *content.Manifest
	handle   *sandbox.Handle
	err      error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLoadRadius sets the radius, in parcels, of scenes that run.
func WithLoadRadius(r int) Option { return func(s *Scheduler) { s.loadRadius = r } }

// WithKeepWarmRadius sets the radius within which scenes are suspended
// rather than disposed.
func WithKeepWarmRadius(r int) Option { return func(s *Scheduler) { s.keepWarmRadius = r } }

// WithTeleportDistance sets the move distance that triggers a full reload.
func WithTeleportDistance(d int) Option { return func(s *Scheduler) { s.teleportDistance = d } }

// WithFrameBudget sets the total tick time per frame.
func WithFrameBudget(d time.Duration) Option { return func(s *Scheduler) { s.frameBudget = d } }

// WithMinTickBudget sets the floor of each scene's share.
func WithMinTickBudget(d time.Duration) Option { return func(s *Scheduler) { s.minTickBudget = d } }

// WithRealm sets the initial realm.
func WithRealm(realm string) Option { return func(s *Scheduler) { s.realm = realm } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithOnReady registers a hook run on the host loop when a scene's sandbox
// has started.
func WithOnReady(fn func(*Scene)) Option { return func(s *Scheduler) { s.onReady = fn } }

// WithOnDispose registers a hook run after a started scene's sandbox has
// been disposed.
func WithOnDispose(fn func(*Scene)) Option { return func(s *Scheduler) { s.onDispose = fn } }

// New creates a scheduler.
func New(catalog content.Catalog, sandboxes Sandboxes, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		catalog:          catalog,
		sandboxes:        sandboxes,
		logger:           slog.Default(),
		loadRadius:       DefaultLoadRadius,
		keepWarmRadius:   DefaultKeepWarmRadius,
		teleportDistance: DefaultTeleportDistance,
		frameBudget:      DefaultFrameBudget,
		minTickBudget:    DefaultMinTickBudget,
		scenes:           make(map[ir.SceneID]*Scene),
		ctx:              ctx,
		cancel:           cancel,
		loaded:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.keepWarmRadius = max(s.keepWarmRadius, s.loadRadius)
	return s
}

// Realm returns the current realm.
func (s *Scheduler) Realm() string { return s.realm }

// Position returns the last position given to SetPosition.
func (s *Scheduler) Position() (ir.Parcel, bool) { return s.position, s.placed }

// SetPosition moves the player and reconciles the scene table against the
// new surroundings.
func (s *Scheduler) SetPosition(ctx context.Context, p ir.Parcel) error {
	if s.placed && s.position.Distance(p) > s.teleportDistance {
		s.logger.Info("teleport, reloading all scenes",
			"from", s.position.String(),
			"to", p.String(),
		)
		s.disposeAll()
	}
	s.position, s.placed = p, true
	return s.refresh(ctx)
}

func (s *Scheduler) refresh(ctx context.Context) error {
	if !s.placed {
		return nil
	}
	warm, err := s.catalog.Locate(ctx, s.position.Within(s.keepWarmRadius))
	if err != nil {
		return fmt.Errorf("locate scenes around %s: %w", s.position, err)
	}
	near := make(map[ir.SceneID][]ir.Parcel)
	for _, ptr := range warm {
		near[ptr.Scene] = append(near[ptr.Scene], ptr.Parcel)
	}

	for id, sc := range s.scenes {
		if _, ok := near[id]; !ok {
			s.dispose(sc)
			delete(s.scenes, id)
		}
	}

	for _, id := range content.Scenes(warm) {
		sc, known := s.scenes[id]
		if !known {
			sc = &Scene{ID: id, parcels: near[id]}
		}
		sc.Distance = ir.MinDistance(s.position, s.parcelsOf(sc))
		sc.active = sc.Distance <= s.loadRadius

		switch {
		case !known && sc.active:
			s.scenes[id] = sc
			s.startLoad(sc)
		case !known:
			// Only in the keep-warm band: not worth loading yet.
		case sc.State == Ready && !sc.active:
			sc.State = Suspended
			s.logger.Debug("scene suspended", "scene_id", id, "distance", sc.Distance)
		case sc.State == Suspended && sc.active:
			sc.State = Ready
			s.logger.Debug("scene resumed", "scene_id", id, "distance", sc.Distance)
		}
	}
	return nil
}

func (s *Scheduler) parcelsOf(sc *Scene) []ir.Parcel {
	if sc.Manifest != nil {
		return sc.Manifest.Parcels
	}
	return sc.parcels
}

func (s *Scheduler) startLoad(sc *Scene) {
	s.loadGen++
	sc.loadGen = s.loadGen
	sc.State = Loading
	sc.Err = nil
	s.loading++
	s.wg.Add(1)
	id, gen, realm := sc.ID, sc.loadGen, s.realm
	catalog := s.catalog
	s.logger.Debug("loading scene", "scene_id", id, "distance", sc.Distance)
	go func() {
		defer s.wg.Done()
		res := loadResult{id: id, gen: gen}
		res.manifest, res.handle, res.err = s.load(catalog, id, realm)
		s.mu.Lock()
		s.done = append(s.done, res)
		s.mu.Unlock()
		select {
		case s.loaded <- struct{}{}:
		default:
		}
	}()
}

func (s *Scheduler) load(catalog content.Catalog, id ir.SceneID, realm string) (*content.Manifest, *sandbox.Handle, error) {
	m, err := catalog.Resolve(s.ctx, id)
	if err != nil {
		return nil, nil, &sandbox.LoadError{Scene: id, Stage: "resolve", Err: err}
	}
	src, err := catalog.ReadFile(s.ctx, id, m.Main)
	if err != nil {
		return m, nil, &sandbox.LoadError{Scene: id, Stage: "resolve", Err: err}
	}
	h, err := s.sandboxes.Spawn(s.ctx, sandbox.SceneInfo{
		ID:     id,
		Realm:  realm,
		Main:   string(id) + "/" + m.Main,
		Source: string(src),
	})
	return m, h, err
}

// Loaded is signalled when background loads have results for Drain.
func (s *Scheduler) Loaded() <-chan struct{} { return s.loaded }

// Drain applies finished loads. Results for scenes that were disposed or
// reloaded in the meantime are thrown away.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()

	for _, res := range done {
		s.loading--
		sc, ok := s.scenes[res.id]
		if !ok || sc.loadGen != res.gen {
			if res.handle != nil {
				s.sandboxes.Dispose(res.handle)
			}
			continue
		}
		sc.Manifest = res.manifest
		if res.err != nil {
			sc.State, sc.Err = Failed, res.err
			s.logger.Warn("scene failed to load", "scene_id", sc.ID, "error", res.err)
			continue
		}
		sc.Handle = res.handle
		sc.Distance = ir.MinDistance(s.position, s.parcelsOf(sc))
		sc.active = sc.Distance <= s.loadRadius
		sc.State = Ready
		if !sc.active {
			sc.State = Suspended
		}
		s.logger.Info("scene ready", "scene_id", sc.ID, "distance", sc.Distance, "state", sc.State.String())
		if s.onReady != nil {
			s.onReady(sc)
		}
	}
}

// Settle waits for every outstanding load and applies it.
func (s *Scheduler) Settle(ctx context.Context) error {
	for {
		s.Drain()
		if s.loading == 0 {
			return nil
		}
		select {
		case <-s.loaded:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Loading returns the number of loads whose results have not been drained.
func (s *Scheduler) Loading() int { return s.loading }

// dispose stops a scene's sandbox. The scene stays in the table; callers
// remove it when it should be forgotten.
func (s *Scheduler) dispose(sc *Scene) {
	prev := sc.State
	sc.State = Disposed
	sc.loadGen = 0
	if sc.Handle == nil {
		return
	}
	s.sandboxes.Dispose(sc.Handle)
	s.logger.Info("scene disposed", "scene_id", sc.ID, "previous_state", prev.String())
	if s.onDispose != nil {
		s.onDispose(sc)
	}
	sc.Handle = nil
}

func (s *Scheduler) disposeAll() {
	for _, id := range s.sortedIDs() {
		s.dispose(s.scenes[id])
		delete(s.scenes, id)
	}
}

// ChangeRealm disposes every scene, switches realm and content catalog,
// and loads the scenes around the current position. A nil catalog keeps
// the current one.
func (s *Scheduler) ChangeRealm(ctx context.Context, realm string, catalog content.Catalog) error {
	s.logger.Info("changing realm", "from", s.realm, "to", realm)
	s.disposeAll()
	s.realm = realm
	if catalog != nil {
		s.catalog = catalog
	}
	return s.refresh(ctx)
}

// Reload disposes and reloads one scene. Failed and faulted scenes only
// come back this way.
func (s *Scheduler) Reload(id ir.SceneID) error {
	sc, ok := s.scenes[id]
	if !ok {
		return fmt.Errorf("unknown scene %q", id)
	}
	s.dispose(sc)
	s.startLoad(sc)
	return nil
}

// ReloadAll reloads every scene inside the load radius.
func (s *Scheduler) ReloadAll() {
	for _, id := range s.sortedIDs() {
		if sc := s.scenes[id]; sc.active {
			s.dispose(sc)
			s.startLoad(sc)
		}
	}
}

// SetHidden hides or shows a scene. Hidden scenes are not ticked.
func (s *Scheduler) SetHidden(id ir.SceneID, hidden bool) error {
	sc, ok := s.scenes[id]
	if !ok {
		return fmt.Errorf("unknown scene %q", id)
	}
	sc.Hidden = hidden
	return nil
}

// Scene returns a scene by id.
func (s *Scheduler) Scene(id ir.SceneID) (*Scene, bool) {
	sc, ok := s.scenes[id]
	return sc, ok
}

// SceneForHandle finds the scene running in a sandbox.
func (s *Scheduler) SceneForHandle(h *sandbox.Handle) (*Scene, bool) {
	sc, ok := s.scenes[h.Scene()]
	if !ok || sc.Handle != h {
		return nil, false
	}
	return sc, true
}

// Scenes reports every known scene ordered by distance, then id.
func (s *Scheduler) Scenes() []SceneInfo {
	out := make([]SceneInfo, 0, len(s.scenes))
	for _, sc := range s.scenes {
		out = append(out, sc.info())
	}
	slices.SortFunc(out, func(a, b SceneInfo) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (s *Scheduler) sortedIDs() []ir.SceneID {
	ids := make([]ir.SceneID, 0, len(s.scenes))
	for id := range s.scenes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close disposes every scene and waits for background loads to finish.
func (s *Scheduler) Close() {
	s.cancel()
	s.disposeAll()
	s.wg.Wait()
	s.Drain()
}
