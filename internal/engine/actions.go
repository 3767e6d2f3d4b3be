package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/wire"
)

// Actions performs the effects of restricted ops that reach outside the
// host: avatar movement, emotes, external URLs, voice. Movement and
// teleport also update the host's own position; Actions only has to tell
// the renderer.
type Actions interface {
	MovePlayer(ctx context.Context, scene ir.SceneID, position wire.Vec3, cameraTarget *wire.Vec3) error
	Teleport(ctx context.Context, scene ir.SceneID, parcel ir.Parcel) error
	TriggerEmote(ctx context.Context, scene ir.SceneID, emote string) error
	OpenURL(ctx context.Context, scene ir.SceneID, url string) error
	SetCommsAdapter(ctx context.Context, scene ir.SceneID, adapter string) error
	EnableMicrophone(ctx context.Context, scene ir.SceneID, enabled bool) error
	SetAvatar(ctx context.Context, scene ir.SceneID, avatar ir.IRObject) error
}

// ActionCall is one recorded Actions call.
type ActionCall struct {
	Scene  ir.SceneID
	Action string
	Args   ir.IRObject
}

// LogActions logs and records every call. It is the default for headless
// hosts.
type LogActions struct {
	logger *slog.Logger

	mu    sync.Mutex
	calls []ActionCall
}

// NewLogActions creates a LogActions. A nil logger uses slog.Default().
func NewLogActions(logger *slog.Logger) *LogActions {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogActions{logger: logger}
}

func (a *LogActions) record(ctx context.Context, scene ir.SceneID, action string, args ir.IRObject) error {
	a.logger.InfoContext(ctx, "host action", "scene_id", scene, "action", action)
	a.mu.Lock()
	a.calls = append(a.calls, ActionCall{Scene: scene, Action: action, Args: args})
	a.mu.Unlock()
	return nil
}

func vec(v wire.Vec3) ir.IRObject {
	return ir.IRObject{"x": ir.IRFloat(v.X), "y": ir.IRFloat(v.Y), "z": ir.IRFloat(v.Z)}
}

// MovePlayer implements Actions.
func (a *LogActions) MovePlayer(ctx context.Context, scene ir.SceneID, position wire.Vec3, cameraTarget *wire.Vec3) error {
	args := ir.IRObject{"position": vec(position)}
	if cameraTarget != nil {
		args["cameraTarget"] = vec(*cameraTarget)
	}
	return a.record(ctx, scene, "movePlayerTo", args)
}

// Teleport implements Actions.
func (a *LogActions) Teleport(ctx context.Context, scene ir.SceneID, parcel ir.Parcel) error {
	return a.record(ctx, scene, "teleportTo", ir.IRObject{"parcel": ir.IRString(parcel.String())})
}

// TriggerEmote implements Actions.
func (a *LogActions) TriggerEmote(ctx context.Context, scene ir.SceneID, emote string) error {
	return a.record(ctx, scene, "triggerEmote", ir.IRObject{"emote": ir.IRString(emote)})
}

// OpenURL implements Actions.
func (a *LogActions) OpenURL(ctx context.Context, scene ir.SceneID, url string) error {
	return a.record(ctx, scene, "openExternalUrl", ir.IRObject{"url": ir.IRString(url)})
}

// SetCommsAdapter implements Actions.
func (a *LogActions) SetCommsAdapter(ctx context.Context, scene ir.SceneID, adapter string) error {
	return a.record(ctx, scene, "setCommunicationsAdapter", ir.IRObject{"adapter": ir.IRString(adapter)})
}

// EnableMicrophone implements Actions.
func (a *LogActions) EnableMicrophone(ctx context.Context, scene ir.SceneID, enabled bool) error {
	return a.record(ctx, scene, "enableMicrophone", ir.IRObject{"enabled": ir.IRBool(enabled)})
}

// SetAvatar implements Actions.
func (a *LogActions) SetAvatar(ctx context.Context, scene ir.SceneID, avatar ir.IRObject) error {
	return a.record(ctx, scene, "setAvatar", avatar)
}

// Calls returns the recorded calls in order.
func (a *LogActions) Calls() []ActionCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ActionCall(nil), a.calls...)
}
