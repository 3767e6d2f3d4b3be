package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/scenehost/internal/comms"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/opbridge"
	"github.com/roach88/scenehost/internal/permission"
	"github.com/roach88/scenehost/internal/wire"
)

// MaxFetchBody caps the response body Fetch.fetch hands to a scene.
const MaxFetchBody = 8 << 20

const (
	schemaData = `{
		"type": "object",
		"properties": {"data": {"type": "array", "items": {"type": "array"}}},
		"required": ["data"]
	}`
	schemaNone = `{"type": "object"}`
	vecSchema  = `{
		"type": "object",
		"properties": {"x": {"type": "number"}, "y": {"type": "number"}, "z": {"type": "number"}},
		"required": ["x", "y", "z"]
	}`
)

func stringArg(name string) string {
	return fmt.Sprintf(`{
		"type": "object",
		"properties": {%q: {"type": "string", "minLength": 1}},
		"required": [%q]
	}`, name, name)
}

// registerOps installs the standard op catalog.
func (e *Engine) registerOps(cat *opbridge.Catalog) error {
	ops := []opbridge.Op{
		{
			Module: "EngineApi", Name: "crdtSendToRenderer", Version: 1,
			ArgSchema: schemaData,
			Handler:   e.opSendToRenderer,
		},
		{
			Module: "EngineApi", Name: "crdtGetState", Version: 1, Async: true,
			ArgSchema: schemaNone,
			Handler:   e.opGetState,
		},
		{
			Module: "RestrictedActions", Name: "movePlayerTo", Version: 1, Async: true,
			ArgSchema: `{
				"type": "object",
				"properties": {
					"newRelativePosition": ` + vecSchema + `,
					"cameraTarget": ` + vecSchema + `
				},
				"required": ["newRelativePosition"]
			}`,
			Capability: opbridge.CapRestricted,
			Permission: permission.KindMovePlayer,
			PermissionValue: func(ir.IRObject) ir.IRValue {
				return ir.IRNull{}
			},
			Handler: e.opMovePlayerTo,
		},
		{
			Module: "RestrictedActions", Name: "teleportTo", Version: 1, Async: true,
			ArgSchema: `{
				"type": "object",
				"properties": {
					"worldCoordinates": {
						"type": "object",
						"properties": {"x": {"type": "integer"}, "y": {"type": "integer"}},
						"required": ["x", "y"]
					}
				},
				"required": ["worldCoordinates"]
			}`,
			Capability:      opbridge.CapRestricted,
			Permission:      permission.KindTeleport,
			PermissionValue: field("worldCoordinates"),
			Handler:         e.opTeleportTo,
		},
		{
			Module: "RestrictedActions", Name: "triggerEmote", Version: 1, Async: true,
			ArgSchema:       stringArg("predefinedEmote"),
			Capability:      opbridge.CapRestricted,
			Permission:      permission.KindAvatarControl,
			PermissionValue: field("predefinedEmote"),
			Handler: func(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
				emote, _ := call.Args.String("predefinedEmote")
				return nil, e.actions.TriggerEmote(ctx, call.Scene, emote)
			},
		},
		{
			Module: "RestrictedActions", Name: "changeRealm", Version: 1, Async: true,
			ArgSchema: `{
				"type": "object",
				"properties": {"realm": {"type": "string", "minLength": 1}, "message": {"type": "string"}},
				"required": ["realm"]
			}`,
			Capability:      opbridge.CapRestricted,
			Permission:      permission.KindChangeRealm,
			PermissionValue: field("realm"),
			Handler:         e.opChangeRealm,
		},
		{
			Module: "RestrictedActions", Name: "openExternalUrl", Version: 1, Async: true,
			ArgSchema:       stringArg("url"),
			Capability:      opbridge.CapRestricted,
			Permission:      permission.KindOpenURL,
			PermissionValue: field("url"),
			Handler: func(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
				u, _ := call.Args.String("url")
				if _, err := httpURL(u); err != nil {
					return nil, err
				}
				return nil, e.actions.OpenURL(ctx, call.Scene, u)
			},
		},
		{
			Module: "CommsApi", Name: "setCommunicationsAdapter", Version: 1, Async: true,
			ArgSchema:       stringArg("adapter"),
			Capability:      opbridge.CapRestricted,
			Permission:      permission.KindCommsAdapter,
			PermissionValue: field("adapter"),
			Handler: func(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
				adapter, _ := call.Args.String("adapter")
				return nil, e.actions.SetCommsAdapter(ctx, call.Scene, adapter)
			},
		},
		{
			Module: "CommsApi", Name: "enableMicrophone", Version: 1, Async: true,
			ArgSchema: `{
				"type": "object",
				"properties": {"enabled": {"type": "boolean"}},
				"required": ["enabled"]
			}`,
			Capability: opbridge.CapRestricted,
			Permission: permission.KindMicrophone,
			PermissionValue: func(ir.IRObject) ir.IRValue {
				return ir.IRNull{}
			},
			Handler: func(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
				on, _ := call.Args.Bool("enabled")
				return nil, e.actions.EnableMicrophone(ctx, call.Scene, on)
			},
		},
		{
			Module: "CommsApi", Name: "sendChatMessage", Version: 1, Async: true,
			ArgSchema: stringArg("message"),
			Handler:   e.opSendChat,
		},
		{
			Module: "UserIdentity", Name: "setAvatar", Version: 1, Async: true,
			ArgSchema: `{"type": "object", "minProperties": 1}`,
			Capability: opbridge.CapRestricted,
			Permission: permission.KindSetAvatar,
			PermissionValue: func(ir.IRObject) ir.IRValue {
				return ir.IRNull{}
			},
			Handler: func(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
				return nil, e.actions.SetAvatar(ctx, call.Scene, call.Args)
			},
		},
		{
			Module: "Runtime", Name: "getSceneInformation", Version: 1,
			ArgSchema: schemaNone,
			Handler:   e.opSceneInformation,
		},
		{
			Module: "Runtime", Name: "getRealm", Version: 1,
			ArgSchema: schemaNone,
			Handler: func(_ context.Context, call *opbridge.Call) (ir.IRValue, error) {
				return ir.IRObject{
					"realmName":       ir.IRString(call.Realm),
					"protocolVersion": ir.IRString(ir.ProtocolVersion),
					"hostVersion":     ir.IRString(ir.HostVersion),
				}, nil
			},
		},
		{
			Module: "Runtime", Name: "readFile", Version: 1, Async: true,
			ArgSchema: stringArg("fileName"),
			Handler:   e.opReadFile,
		},
		{
			Module: "LocalStorage", Name: "getItem", Version: 1, Async: true,
			ArgSchema: stringArg("key"),
			Handler:   e.opGetItem,
		},
		{
			Module: "LocalStorage", Name: "setItem", Version: 1, Async: true,
			ArgSchema: `{
				"type": "object",
				"properties": {"key": {"type": "string", "minLength": 1}, "value": {"type": "string"}},
				"required": ["key", "value"]
			}`,
			Handler: e.opSetItem,
		},
		{
			Module: "LocalStorage", Name: "removeItem", Version: 1, Async: true,
			ArgSchema: stringArg("key"),
			Handler:   e.opRemoveItem,
		},
		{
			Module: "Fetch", Name: "fetch", Version: 1, Async: true,
			ArgSchema: `{
				"type": "object",
				"properties": {
					"url": {"type": "string", "minLength": 1},
					"method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}},
					"body": {"type": "string"}
				},
				"required": ["url"]
			}`,
			Capability: opbridge.CapRestricted,
			Permission: permission.KindFetch,
			PermissionValue: func(args ir.IRObject) ir.IRValue {
				raw, _ := args.String("url")
				if u, err := url.Parse(raw); err == nil && u.Host != "" {
					return ir.IRString(strings.ToLower(u.Host))
				}
				return ir.IRString(raw)
			},
			Handler: e.opFetch,
		},
		{
			Module: "EventStream", Name: "next", Version: 1, Async: true,
			ArgSchema: `{
				"type": "object",
				"properties": {"stream": {"enum": ["` + strings.Join(Streams, `", "`) + `"]}},
				"required": ["stream"]
			}`,
			Handler: func(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
				stream, _ := call.Args.String("stream")
				ev, err := e.streams.next(ctx, stream, call.Scene)
				if err != nil {
					return nil, err
				}
				return ir.IRObject{"stream": ir.IRString(stream), "event": ev}, nil
			},
		},
	}
	for _, op := range ops {
		if err := cat.Register(op); err != nil {
			return err
		}
	}
	return nil
}

func field(name string) func(ir.IRObject) ir.IRValue {
	return func(args ir.IRObject) ir.IRValue {
		return valueOrNull(args[name])
	}
}

// opSendToRenderer is the scene's frame exchange: its component writes go
// to the host and the writes it has not seen come back.
func (e *Engine) opSendToRenderer(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	data, _ := call.Args.Array("data")
	var msgs []wire.Message
	for i, item := range data {
		buf, ok := item.(ir.IRBytes)
		if !ok {
			return nil, fmt.Errorf("data[%d] is not a byte buffer", i)
		}
		decoded, errs := e.registry.DecodeStream(buf)
		for _, err := range errs {
			e.logger.Warn("dropping scene message", "scene_id", call.Scene, "error", err)
		}
		msgs = append(msgs, decoded...)
	}

	if len(msgs) > 0 {
		if err := e.quota.Check(string(call.Scene), len(msgs)); err != nil {
			return nil, err
		}
		if err := e.enqueueBatch(ctx, call.Scene, msgs); err != nil {
			return nil, err
		}
	}

	out := ir.IRArray{}
	if pending := e.outbox.take(call.Scene); len(pending) > 0 {
		out = append(out, ir.IRBytes(wire.EncodeAll(pending)))
	}
	return ir.IRObject{"data": out}, nil
}

func (e *Engine) opGetState(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	var state []wire.Message
	err := e.Do(ctx, func() {
		state = e.reconciler.State(ir.SceneNamespace(call.Scene))
	})
	if err != nil {
		return nil, err
	}
	out := ir.IRArray{}
	if len(state) > 0 {
		out = append(out, ir.IRBytes(wire.EncodeAll(state)))
	}
	return ir.IRObject{"data": out}, nil
}

func vec3(obj ir.IRObject) wire.Vec3 {
	x, _ := obj.Float("x")
	y, _ := obj.Float("y")
	z, _ := obj.Float("z")
	return wire.Vec3{X: float32(x), Y: float32(y), Z: float32(z)}
}

func (e *Engine) opMovePlayerTo(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	m, err := e.Content().Resolve(ctx, call.Scene)
	if err != nil {
		return nil, err
	}
	rel, _ := call.Args.Object("newRelativePosition")
	pos := worldFrom(vec3(rel), m.Base)
	if !m.Covers(parcelAt(pos)) {
		return nil, fmt.Errorf("position %v is outside the scene", vec3(rel))
	}
	var camera *wire.Vec3
	if c, ok := call.Args.Object("cameraTarget"); ok {
		v := worldFrom(vec3(c), m.Base)
		camera = &v
	}
	if err := e.actions.MovePlayer(ctx, call.Scene, pos, camera); err != nil {
		return nil, err
	}
	return nil, e.onLoop(ctx, func(hctx context.Context) error {
		return e.moveTo(hctx, parcelAt(pos), pos)
	})
}

func (e *Engine) opTeleportTo(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	coords, _ := call.Args.Object("worldCoordinates")
	x, _ := coords.Int("x")
	y, _ := coords.Int("y")
	p := ir.Parcel{X: int(x), Y: int(y)}
	if err := e.actions.Teleport(ctx, call.Scene, p); err != nil {
		return nil, err
	}
	return nil, e.onLoop(ctx, func(hctx context.Context) error {
		return e.MoveTo(hctx, p)
	})
}

func (e *Engine) opChangeRealm(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	realm, _ := call.Args.String("realm")
	if msg, ok := call.Args.String("message"); ok {
		e.logger.Info("scene requested realm change", "scene_id", call.Scene, "realm", realm, "message", msg)
	}
	return nil, e.onLoop(ctx, func(hctx context.Context) error {
		return e.ChangeRealm(hctx, realm)
	})
}

// onLoop runs fn on the host loop. fn gets a context that outlives the
// calling scene: moving the player or changing realm may dispose it.
func (e *Engine) onLoop(ctx context.Context, fn func(context.Context) error) error {
	var err error
	hctx := context.WithoutCancel(ctx)
	if derr := e.Do(ctx, func() { err = fn(hctx) }); derr != nil {
		if errors.Is(derr, context.Canceled) {
			return nil
		}
		return derr
	}
	return err
}

func (e *Engine) opSendChat(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	msg, _ := call.Args.String("message")
	e.streams.publish(StreamChat, "", ir.IRObject{
		"from":    ir.IRString(e.actor),
		"message": ir.IRString(msg),
	})
	if e.transport == nil {
		return nil, nil
	}
	return nil, e.transport.Send(ctx, comms.Frame{Kind: comms.KindChat, From: e.actor, Data: []byte(msg)})
}

func (e *Engine) opSceneInformation(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	m, err := e.Content().Resolve(ctx, call.Scene)
	if err != nil {
		return nil, err
	}
	parcels := make(ir.IRArray, len(m.Parcels))
	for i, p := range m.Parcels {
		parcels[i] = ir.IRString(p.String())
	}
	return ir.IRObject{
		"urn":     ir.IRString(m.ID),
		"title":   ir.IRString(m.Title),
		"main":    ir.IRString(m.Main),
		"baseUrl": ir.IRString(m.BaseURL),
		"base":    ir.IRString(m.Base.String()),
		"parcels": parcels,
		"realm":   ir.IRString(call.Realm),
	}, nil
}

func (e *Engine) opReadFile(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	name, _ := call.Args.String("fileName")
	data, err := e.Content().ReadFile(ctx, call.Scene, name)
	if err != nil {
		return nil, err
	}
	return ir.IRObject{
		"content": ir.IRBytes(data),
		"hash":    ir.IRString(ir.ContentHash(data)),
	}, nil
}

func (e *Engine) opGetItem(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	if e.store == nil {
		return nil, NewUnavailableError("local storage")
	}
	key, _ := call.Args.String("key")
	v, ok, err := e.store.GetItem(ctx, call.Scene, key)
	if err != nil || !ok {
		return ir.IRNull{}, err
	}
	return ir.IRString(v), nil
}

func (e *Engine) opSetItem(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	if e.store == nil {
		return nil, NewUnavailableError("local storage")
	}
	key, _ := call.Args.String("key")
	value, _ := call.Args.String("value")
	return nil, e.store.SetItem(ctx, call.Scene, key, value)
}

func (e *Engine) opRemoveItem(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	if e.store == nil {
		return nil, NewUnavailableError("local storage")
	}
	key, _ := call.Args.String("key")
	return nil, e.store.RemoveItem(ctx, call.Scene, key)
}

func httpURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}

func (e *Engine) opFetch(ctx context.Context, call *opbridge.Call) (ir.IRValue, error) {
	raw, _ := call.Args.String("url")
	u, err := httpURL(raw)
	if err != nil {
		return nil, err
	}
	method, ok := call.Args.String("method")
	if !ok {
		method = http.MethodGet
	}
	var body io.Reader
	if b, ok := call.Args.String("body"); ok {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if headers, ok := call.Args.Object("headers"); ok {
		for _, k := range headers.SortedKeys() {
			if v, ok := headers.String(k); ok {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBody+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", u.Redacted(), err)
	}
	if len(data) > MaxFetchBody {
		return nil, fmt.Errorf("fetch %s: response larger than %d bytes", u.Redacted(), MaxFetchBody)
	}

	headers := make(ir.IRObject, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = ir.IRString(resp.Header.Get(k))
	}
	return ir.IRObject{
		"ok":         ir.IRBool(resp.StatusCode >= 200 && resp.StatusCode < 300),
		"status":     ir.IRInt(resp.StatusCode),
		"statusText": ir.IRString(http.StatusText(resp.StatusCode)),
		"headers":    headers,
		"url":        ir.IRString(resp.Request.URL.String()),
		"body":       ir.IRString(data),
	}, nil
}
