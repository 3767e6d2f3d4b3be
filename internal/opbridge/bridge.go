package opbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/permission"
)

// Gate is the part of the permission gate the bridge needs.
type Gate interface {
	Request(ctx context.Context, req permission.Request) *permission.Pending
}

// Bridge dispatches calls to the catalog.
type Bridge struct {
	catalog *Catalog
	gate    Gate
	logger  *slog.Logger
	seq     atomic.Uint64
	timeout time.Duration
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithGate sets the permission gate. Without one every restricted op is
// denied.
func WithGate(g Gate) BridgeOption {
	return func(b *Bridge) { b.gate = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

// WithOpTimeout bounds how long an async handler may run. Zero means no
// bound beyond the caller's context.
func WithOpTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.timeout = d }
}

// NewBridge creates a bridge over a catalog. The catalog is sealed.
func NewBridge(catalog *Catalog, opts ...BridgeOption) *Bridge {
	catalog.Seal()
	b := &Bridge{catalog: catalog, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Catalog returns the bridge's catalog.
func (b *Bridge) Catalog() *Catalog { return b.catalog }

// Invoke starts a call. Argument validation and, for restricted ops, the
// permission request happen before Invoke returns, so two identical calls
// made back to back are coalesced by the gate. Sync ops run inline and
// return a resolved future.
func (b *Bridge) Invoke(ctx context.Context, scene ir.SceneID, realm, module, name string, args ir.IRObject) *Future {
	seq := b.seq.Add(1)
	op, ok := b.catalog.Lookup(module, name)
	if !ok {
		return Resolved(seq, module+"."+name, nil, &UnknownOpError{Module: module, Name: name})
	}
	if err := b.catalog.Validate(op, args); err != nil {
		return Resolved(seq, op.FullName(), nil, err)
	}
	call := &Call{Scene: scene, Realm: realm, Op: op, Args: args, Seq: seq}

	if !op.Async {
		v, err := b.run(ctx, call)
		return Resolved(seq, op.FullName(), v, err)
	}

	var pending *permission.Pending
	if op.Capability == CapRestricted {
		if b.gate == nil {
			return Resolved(seq, op.FullName(), nil,
				&permission.DeniedError{Scene: scene, Kind: op.Permission, Source: permission.SourceRule})
		}
		value := ir.IRValue(args)
		if op.PermissionValue != nil {
			value = op.PermissionValue(args)
		}
		pending = b.gate.Request(ctx, permission.Request{
			Scene:       scene,
			Realm:       realm,
			Kind:        op.Permission,
			Value:       value,
			Description: op.FullName(),
		})
	}

	var (
		opCtx  context.Context
		cancel context.CancelFunc
	)
	if b.timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, b.timeout)
	} else {
		opCtx, cancel = context.WithCancel(ctx)
	}
	f := newFuture(seq, op.FullName(), cancel)
	go func() {
		if pending != nil {
			d, err := pending.Wait(opCtx)
			if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				// The op ran out of time before anyone answered.
				d, err = permission.Decision{Value: permission.Deny, Source: permission.SourceTimeout}, nil
			}
			if err != nil {
				f.resolve(nil, ErrCancelled)
				return
			}
			if !d.Granted() {
				b.logger.Info("restricted op denied",
					"scene_id", scene,
					"op", op.FullName(),
					"source", d.Source,
				)
				f.resolve(nil, &permission.DeniedError{Scene: scene, Kind: op.Permission, Source: d.Source})
				return
			}
		}
		// The future may have been cancelled while waiting for permission.
		select {
		case <-f.Done():
			return
		default:
		}
		v, err := b.run(opCtx, call)
		if err != nil && opCtx.Err() != nil {
			err = ErrCancelled
		}
		f.resolve(v, err)
	}()
	return f
}

func (b *Bridge) run(ctx context.Context, call *Call) (v ir.IRValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("op handler panicked",
				"scene_id", call.Scene,
				"op", call.Op.FullName(),
				"panic", r,
			)
			v, err = nil, fmt.Errorf("%s: internal error", call.Op.FullName())
		}
	}()
	v, err = call.Op.Handler(ctx, call)
	if err != nil {
		b.logger.Debug("op failed",
			"scene_id", call.Scene,
			"op", call.Op.FullName(),
			"error", err,
		)
	}
	if v == nil && err == nil {
		v = ir.IRNull{}
	}
	return v, err
}

// Modules returns the module table scripts may require.
func (b *Bridge) Modules() map[string][]string {
	return b.catalog.Modules()
}
