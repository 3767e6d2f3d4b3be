package opbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/permission"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const urlSchema = `{
	"type": "object",
	"properties": {"url": {"type": "string", "minLength": 1}},
	"required": ["url"],
	"additionalProperties": false
}`

type fixture struct {
	catalog *Catalog
	opened  atomic.Int32
	release chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{catalog: NewCatalog(), release: make(chan struct{})}
	f.catalog.MustRegister(Op{
		Module: "Runtime", Name: "echo", Version: 1,
		ArgSchema: `{"type":"object"}`,
		Handler: func(_ context.Context, call *Call) (ir.IRValue, error) {
			return call.Args, nil
		},
	})
	f.catalog.MustRegister(Op{
		Module: "Runtime", Name: "slow", Async: true,
		Handler: func(ctx context.Context, call *Call) (ir.IRValue, error) {
			select {
			case <-f.release:
				return ir.IRInt(int64(call.Seq)), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	f.catalog.MustRegister(Op{
		Module: "RestrictedActions", Name: "openExternalUrl", Version: 1,
		ArgSchema:  urlSchema,
		Async:      true,
		Capability: CapRestricted,
		Permission: permission.KindOpenURL,
		PermissionValue: func(args ir.IRObject) ir.IRValue {
			return args["url"]
		},
		Handler: func(context.Context, *Call) (ir.IRValue, error) {
			f.opened.Add(1)
			return ir.IRBool(true), nil
		},
	})
	return f
}

func TestCatalogRegisterValidation(t *testing.T) {
	c := NewCatalog()
	noop := func(context.Context, *Call) (ir.IRValue, error) { return nil, nil }

	require.NoError(t, c.Register(Op{Module: "M", Name: "a", Handler: noop}))
	assert.Error(t, c.Register(Op{Module: "M", Name: "a", Handler: noop}), "duplicate")
	assert.Error(t, c.Register(Op{Module: "M", Name: "b"}), "no handler")
	assert.Error(t, c.Register(Op{Module: "M", Name: "c", Handler: noop, ArgSchema: `{"type": 12}`}), "bad schema")
	assert.Error(t, c.Register(Op{Module: "M", Name: "d", Handler: noop, Capability: CapRestricted, Permission: permission.KindFetch}),
		"restricted ops must be async")
	assert.Error(t, c.Register(Op{Module: "M", Name: "e", Handler: noop, Async: true, Capability: CapRestricted}),
		"restricted ops need a permission kind")

	c.Seal()
	assert.Error(t, c.Register(Op{Module: "M", Name: "f", Handler: noop}), "sealed")
}

func TestCatalogModules(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, map[string][]string{
		"Runtime":           {"echo", "slow"},
		"RestrictedActions": {"openExternalUrl"},
	}, f.catalog.Modules())
	assert.Len(t, f.catalog.Ops(), 3)
}

func TestValidateArgs(t *testing.T) {
	f := newFixture(t)
	op, ok := f.catalog.Lookup("RestrictedActions", "openExternalUrl")
	require.True(t, ok)

	assert.NoError(t, f.catalog.Validate(op, ir.IRObject{"url": ir.IRString("https://x")}))

	err := f.catalog.Validate(op, ir.IRObject{"url": ir.IRInt(3)})
	var ae *ArgError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "RestrictedActions.openExternalUrl", ae.Op)

	assert.Error(t, f.catalog.Validate(op, ir.IRObject{}))
	assert.Error(t, f.catalog.Validate(op, ir.IRObject{"url": ir.IRString("x"), "extra": ir.IRBool(true)}))
}

func TestInvokeUnknownOp(t *testing.T) {
	b := NewBridge(newFixture(t).catalog, WithLogger(discardLogger()))
	_, err := b.Invoke(context.Background(), "s", "", "Runtime", "exec", nil).Result()
	var ue *UnknownOpError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "exec", ue.Name)
}

func TestInvokeSyncOp(t *testing.T) {
	b := NewBridge(newFixture(t).catalog, WithLogger(discardLogger()))
	f := b.Invoke(context.Background(), "s", "", "Runtime", "echo", ir.IRObject{"a": ir.IRInt(1)})

	select {
	case <-f.Done():
	default:
		t.Fatal("sync op must return a resolved future")
	}
	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"a": ir.IRInt(1)}, v)
}

func TestRestrictedOpDeniedHasNoSideEffect(t *testing.T) {
	fx := newFixture(t)
	gate := permission.NewGate(permission.WithLogger(discardLogger()), permission.WithTimeout(20*time.Millisecond))
	defer gate.Close()
	b := NewBridge(fx.catalog, WithGate(gate), WithLogger(discardLogger()))

	_, err := b.Invoke(context.Background(), "s", "main", "RestrictedActions", "openExternalUrl",
		ir.IRObject{"url": ir.IRString("https://example.com")}).Wait(context.Background())

	require.Error(t, err)
	assert.True(t, permission.IsDenied(err))
	assert.Zero(t, fx.opened.Load(), "handler must not run when denied")
}

func TestOpTimeoutWhileAwaitingPermissionDenies(t *testing.T) {
	fx := newFixture(t)
	gate := permission.NewGate(permission.WithLogger(discardLogger()), permission.WithTimeout(time.Minute))
	defer gate.Close()
	b := NewBridge(fx.catalog, WithGate(gate), WithLogger(discardLogger()), WithOpTimeout(20*time.Millisecond))

	_, err := b.Invoke(context.Background(), "s", "main", "RestrictedActions", "openExternalUrl",
		ir.IRObject{"url": ir.IRString("https://example.com")}).Wait(context.Background())

	require.Error(t, err)
	assert.False(t, IsCancelled(err))
	var denied *permission.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, permission.SourceTimeout, denied.Source)
	assert.Zero(t, fx.opened.Load())
}

func TestRestrictedOpWithoutGateIsDenied(t *testing.T) {
	fx := newFixture(t)
	b := NewBridge(fx.catalog, WithLogger(discardLogger()))
	_, err := b.Invoke(context.Background(), "s", "", "RestrictedActions", "openExternalUrl",
		ir.IRObject{"url": ir.IRString("https://example.com")}).Result()
	assert.True(t, permission.IsDenied(err))
	assert.Zero(t, fx.opened.Load())
}

func TestRestrictedOpCoalescedAndGranted(t *testing.T) {
	fx := newFixture(t)
	gate := permission.NewGate(permission.WithLogger(discardLogger()))
	defer gate.Close()
	b := NewBridge(fx.catalog, WithGate(gate), WithLogger(discardLogger()))

	args := ir.IRObject{"url": ir.IRString("https://example.com")}
	ctx := context.Background()
	f1 := b.Invoke(ctx, "s", "main", "RestrictedActions", "openExternalUrl", args)
	f2 := b.Invoke(ctx, "s", "main", "RestrictedActions", "openExternalUrl", args)

	var req permission.Request
	select {
	case req = <-gate.Prompts():
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt")
	}
	assert.Equal(t, ir.IRString("https://example.com"), req.Value)
	select {
	case <-gate.Prompts():
		t.Fatal("identical calls must share one prompt")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, gate.Decide(req.ID, permission.Allow, permission.ScopeScene))

	v1, err1 := f1.Wait(ctx)
	v2, err2 := f2.Wait(ctx)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(2), fx.opened.Load())
}

func TestCancelResolvesWithErrCancelled(t *testing.T) {
	fx := newFixture(t)
	b := NewBridge(fx.catalog, WithLogger(discardLogger()))

	f := b.Invoke(context.Background(), "s", "", "Runtime", "slow", nil)
	f.Cancel()

	_, err := f.Wait(context.Background())
	assert.True(t, IsCancelled(err))
	close(fx.release)
}

func TestContextCancellationCancelsAsyncOp(t *testing.T) {
	fx := newFixture(t)
	b := NewBridge(fx.catalog, WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	f := b.Invoke(ctx, "s", "", "Runtime", "slow", nil)
	cancel()

	_, err := f.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestHandlerPanicBecomesError(t *testing.T) {
	c := NewCatalog()
	c.MustRegister(Op{Module: "M", Name: "boom", Handler: func(context.Context, *Call) (ir.IRValue, error) {
		panic("boom")
	}})
	b := NewBridge(c, WithLogger(discardLogger()))
	_, err := b.Invoke(context.Background(), "s", "", "M", "boom", nil).Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal error")
}

func TestInflightDeliversInRequestOrder(t *testing.T) {
	q := NewInflight()
	f1 := newFuture(1, "a", nil)
	f2 := newFuture(2, "b", nil)
	f3 := newFuture(3, "c", nil)
	q.Push(f1)
	q.Push(f2)
	q.Push(f3)

	f2.resolve(ir.IRInt(2), nil)
	<-q.Notify()
	assert.Empty(t, q.Drain(), "f1 is still pending")

	f1.resolve(ir.IRInt(1), nil)
	got := q.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, 1, q.Len())

	cancelled := q.CancelAll()
	require.Len(t, cancelled, 1)
	_, err := f3.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, q.Len())
}

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture(1, "x", nil)
	assert.True(t, f.resolve(ir.IRInt(1), nil))
	assert.False(t, f.resolve(ir.IRInt(2), nil))
	f.Cancel()
	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(1), v)

	called := false
	f.OnDone(func() { called = true })
	assert.True(t, called)
}
