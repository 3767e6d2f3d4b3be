package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/store"
)

// PolicyStore persists realm and global decisions. *store.Store implements it.
type PolicyStore interface {
	LookupDecision(ctx context.Context, key store.DecisionKey) (string, bool, error)
	SaveDecision(ctx context.Context, rec store.DecisionRecord) error
}

// DefaultTimeout is how long a prompt waits for an answer before denying.
const DefaultTimeout = 30 * time.Second

// Pending is the shared handle of a (possibly coalesced) request.
type Pending struct {
	req      Request
	done     chan struct{}
	answer   chan answer
	decision Decision
}

type answer struct {
	value     Value
	scope     Scope
	cancelled bool
}

// Request returns the request this handle resolves.
func (p *Pending) Request() Request { return p.req }

// Done is closed once a decision exists.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the decision is made or ctx ends. A cancelled wait does
// not cancel the request; other coalesced callers still receive the answer.
func (p *Pending) Wait(ctx context.Context) (Decision, error) {
	select {
	case <-p.done:
		return p.decision, nil
	case <-ctx.Done():
		return Decision{Value: Deny, Source: SourceCancelled}, ctx.Err()
	}
}

// Decision returns the decision if made.
func (p *Pending) Decision() (Decision, bool) {
	select {
	case <-p.done:
		return p.decision, true
	default:
		return Decision{}, false
	}
}

type sessionKey struct {
	scene ir.SceneID
	kind  Kind
}

// Gate resolves permission requests.
type Gate struct {
	policy      PolicyStore
	rules       []*Rule
	timeout     time.Duration
	interactive bool
	logger      *slog.Logger
	newID       func() string
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]*Pending // by coalescing key
	byID     map[string]*Pending // prompts awaiting an answer
	session  map[sessionKey]Value
	grants   map[sessionKey]int // one-shot AllowOnce grants
	prompts  chan Request
	closed   bool
	wg       sync.WaitGroup
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPolicyStore sets the store used for realm and global decisions.
func WithPolicyStore(s PolicyStore) GateOption {
	return func(g *Gate) { g.policy = s }
}

// WithRules sets the compiled policy rules, evaluated in order.
func WithRules(rules []*Rule) GateOption {
	return func(g *Gate) { g.rules = rules }
}

// WithTimeout sets the prompt timeout.
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithInteractive controls whether prompts are issued. A non-interactive
// gate denies every request no other source decides.
func WithInteractive(b bool) GateOption {
	return func(g *Gate) { g.interactive = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithIDGenerator overrides request id generation (tests).
func WithIDGenerator(f func() string) GateOption {
	return func(g *Gate) { g.newID = f }
}

// WithClock overrides the wall clock used for request timestamps.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		timeout:     DefaultTimeout,
		interactive: true,
		logger:      slog.Default(),
		newID:       func() string { return uuid.Must(uuid.NewV7()).String() },
		now:         time.Now,
		inflight:    make(map[string]*Pending),
		byID:        make(map[string]*Pending),
		session:     make(map[sessionKey]Value),
		grants:      make(map[sessionKey]int),
		prompts:     make(chan Request, 64),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Prompts delivers requests that need a user answer. Answer them with
// Decide. If nobody reads the channel, prompts still time out and deny.
func (g *Gate) Prompts() <-chan Request {
	return g.prompts
}

// Request registers a permission request and returns its handle. The call
// never blocks on the decision: it only computes the coalescing key and
// either joins an identical undecided request or starts resolving a new
// one. Resolution continues in the background until decided.
func (g *Gate) Request(ctx context.Context, req Request) *Pending {
	key, err := ir.PermissionKey(req.Scene, string(req.Kind), valueOrNull(req.Value))
	if err != nil {
		// An uncanonicalizable value cannot be shown to the user either.
		p := g.newPending(req)
		g.finish(p, Decision{Value: Deny, Source: SourceRule})
		return p
	}
	req.Key = key

	g.mu.Lock()
	if p, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		g.logger.Debug("permission request coalesced",
			"scene_id", req.Scene,
			"kind", req.Kind,
			"request_id", p.req.ID,
		)
		return p
	}
	if g.closed {
		g.mu.Unlock()
		p := g.newPending(req)
		g.finish(p, Decision{Value: Deny, Source: SourceCancelled})
		return p
	}
	p := g.newPending(req)
	g.inflight[key] = p
	g.wg.Add(1)
	g.mu.Unlock()

	go g.resolve(context.WithoutCancel(ctx), p)
	return p
}

func valueOrNull(v ir.IRValue) ir.IRValue {
	if v == nil {
		return ir.IRNull{}
	}
	return v
}

func (g *Gate) newPending(req Request) *Pending {
	if req.ID == "" {
		req.ID = g.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = g.now()
	}
	return &Pending{
		req:    req,
		done:   make(chan struct{}),
		answer: make(chan answer, 1),
	}
}

func (g *Gate) resolve(ctx context.Context, p *Pending) {
	defer g.wg.Done()
	d := g.lookup(ctx, &p.req)
	if d == nil {
		d = g.prompt(ctx, p)
	}
	g.mu.Lock()
	delete(g.inflight, p.req.Key)
	delete(g.byID, p.req.ID)
	g.mu.Unlock()
	g.finish(p, *d)
}

func (g *Gate) finish(p *Pending, d Decision) {
	p.decision = d
	close(p.done)
	level := slog.LevelDebug
	if !d.Granted() {
		level = slog.LevelInfo
	}
	g.logger.Log(context.Background(), level, "permission decided",
		"scene_id", p.req.Scene,
		"kind", p.req.Kind,
		"request_id", p.req.ID,
		"decision", d.Value.String(),
		"source", d.Source,
	)
}

// lookup consults every non-interactive source. nil means "ask the user".
func (g *Gate) lookup(ctx context.Context, req *Request) *Decision {
	sk := sessionKey{scene: req.Scene, kind: req.Kind}

	g.mu.Lock()
	if n := g.grants[sk]; n > 0 {
		if n == 1 {
			delete(g.grants, sk)
		} else {
			g.grants[sk] = n - 1
		}
		g.mu.Unlock()
		return &Decision{Value: AllowOnce, Source: SourceSession}
	}
	v, ok := g.session[sk]
	g.mu.Unlock()
	if ok {
		if v == AskEveryTime {
			return nil
		}
		return &Decision{Value: v, Source: SourceSession}
	}

	if g.policy != nil {
		for _, candidate := range []struct {
			key    store.DecisionKey
			source Source
		}{
			{store.DecisionKey{Scope: store.ScopeRealm, Realm: req.Realm, Scene: string(req.Scene), Kind: string(req.Kind)}, SourceRealm},
			{store.DecisionKey{Scope: store.ScopeGlobal, Scene: string(req.Scene), Kind: string(req.Kind)}, SourceGlobal},
		} {
			stored, ok, err := g.policy.LookupDecision(ctx, candidate.key)
			if err != nil {
				g.logger.Warn("permission store lookup failed",
					"scene_id", req.Scene,
					"kind", req.Kind,
					"error", err,
				)
				continue
			}
			if ok {
				v := Deny
				if stored == store.DecisionAllow {
					v = Allow
				}
				return &Decision{Value: v, Source: candidate.source}
			}
		}
	}

	for _, r := range g.rules {
		if v, ok := r.Match(req); ok {
			return &Decision{Value: v, Source: SourceRule}
		}
	}
	return nil
}

func (g *Gate) prompt(ctx context.Context, p *Pending) *Decision {
	if !g.interactive {
		return &Decision{Value: Deny, Source: SourceNonInteractive}
	}

	g.mu.Lock()
	g.byID[p.req.ID] = p
	g.mu.Unlock()

	select {
	case g.prompts <- p.req:
	default:
		g.logger.Warn("prompt feed full, request stays pending until timeout",
			"scene_id", p.req.Scene,
			"request_id", p.req.ID,
		)
	}

	timeout := g.timeout
	if p.req.Timeout > 0 {
		timeout = p.req.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case a := <-p.answer:
		if a.cancelled {
			return &Decision{Value: Deny, Source: SourceCancelled}
		}
		g.remember(ctx, &p.req, a)
		return &Decision{Value: a.value, Source: SourcePrompt}
	case <-timer.C:
		return &Decision{Value: Deny, Source: SourceTimeout}
	}
}

// remember records an answer according to its scope.
func (g *Gate) remember(ctx context.Context, req *Request, a answer) {
	sk := sessionKey{scene: req.Scene, kind: req.Kind}
	switch a.value {
	case AllowOnce:
		return
	case AskEveryTime:
		g.mu.Lock()
		g.session[sk] = AskEveryTime
		g.mu.Unlock()
		return
	}

	if a.scope == ScopeScene || g.policy == nil {
		g.mu.Lock()
		g.session[sk] = a.value
		g.mu.Unlock()
		return
	}

	rec := store.DecisionRecord{
		DecisionKey: store.DecisionKey{Scope: a.scope.String(), Realm: req.Realm, Scene: string(req.Scene), Kind: string(req.Kind)},
		Decision:    store.DecisionDeny,
	}
	if a.value == Allow {
		rec.Decision = store.DecisionAllow
	}
	if err := g.policy.SaveDecision(ctx, rec); err != nil {
		g.logger.Error("failed to persist permission decision",
			"scene_id", req.Scene,
			"kind", req.Kind,
			"scope", a.scope.String(),
			"error", err,
		)
	}
}

// Decide answers a prompted request. Returns an error if no prompt with
// that id is waiting (already decided, timed out, or unknown).
func (g *Gate) Decide(requestID string, value Value, scope Scope) error {
	g.mu.Lock()
	p, ok := g.byID[requestID]
	if ok {
		delete(g.byID, requestID)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission request %q", requestID)
	}
	p.answer <- answer{value: value, scope: scope}
	return nil
}

// Grant pre-records a session decision for a scene and kind, as if the user
// had answered a prompt. AllowOnce grants accumulate and are consumed one
// per request.
func (g *Gate) Grant(scene ir.SceneID, kind Kind, value Value) {
	sk := sessionKey{scene: scene, kind: kind}
	g.mu.Lock()
	defer g.mu.Unlock()
	if value == AllowOnce {
		g.grants[sk]++
		return
	}
	g.session[sk] = value
}

// ForgetScene drops the session decisions of a scene (on dispose).
func (g *Gate) ForgetScene(scene ir.SceneID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.session {
		if k.scene == scene {
			delete(g.session, k)
		}
	}
	for k := range g.grants {
		if k.scene == scene {
			delete(g.grants, k)
		}
	}
}

// PendingPrompts returns requests waiting for an answer, oldest first.
func (g *Gate) PendingPrompts() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.byID))
	for _, p := range g.byID {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close denies every waiting prompt and waits for resolvers to exit.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	waiting := make([]*Pending, 0, len(g.byID))
	for id, p := range g.byID {
		waiting = append(waiting, p)
		delete(g.byID, id)
	}
	g.mu.Unlock()
	for _, p := range waiting {
		p.answer <- answer{cancelled: true}
	}
	g.wg.Wait()
}
