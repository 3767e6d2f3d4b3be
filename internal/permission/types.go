package permission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/scenehost/internal/ir"
)

// Kind is the category of a restricted capability.
type Kind string

const (
	KindMovePlayer    Kind = "MovePlayer"
	KindTeleport      Kind = "Teleport"
	KindAvatarControl Kind = "AvatarControl"
	KindChangeRealm   Kind = "ChangeRealm"
	KindOpenURL       Kind = "OpenURL"
	KindCommsAdapter  Kind = "CommsAdapter"
	KindMicrophone    Kind = "Microphone"
	KindSetAvatar     Kind = "SetAvatar"
	KindFetch         Kind = "Fetch"
)

// Value is a user's answer to a permission request.
type Value int

const (
	Deny Value = iota
	Allow
	// AllowOnce grants a single request and is not remembered.
	AllowOnce
	// AskEveryTime grants the current request and forces a prompt for every
	// future request of the same kind from the scene.
	AskEveryTime
)

func (v Value) String() string {
	switch v {
	case Allow:
		return "allow"
	case AllowOnce:
		return "allow-once"
	case AskEveryTime:
		return "ask-every-time"
	default:
		return "deny"
	}
}

// Granted reports whether the value lets the current request proceed.
func (v Value) Granted() bool {
	return v == Allow || v == AllowOnce || v == AskEveryTime
}

// ParseValue parses "allow", "deny", "once"/"allow-once" or "ask"/"ask-every-time".
func ParseValue(s string) (Value, error) {
	switch strings.ToLower(s) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	case "once", "allow-once":
		return AllowOnce, nil
	case "ask", "ask-every-time":
		return AskEveryTime, nil
	}
	return Deny, fmt.Errorf("unknown permission value %q", s)
}

// Scope is how widely a decision applies.
type Scope int

const (
	// ScopeScene lasts for the session and applies to one scene.
	ScopeScene Scope = iota
	// ScopeRealm applies to the scene within the current realm, persisted.
	ScopeRealm
	// ScopeGlobal applies to the scene in every realm, persisted.
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeRealm:
		return "realm"
	case ScopeGlobal:
		return "global"
	default:
		return "scene"
	}
}

// ParseScope parses "scene", "realm" or "global".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "scene", "":
		return ScopeScene, nil
	case "realm":
		return ScopeRealm, nil
	case "global":
		return ScopeGlobal, nil
	}
	return ScopeScene, fmt.Errorf("unknown permission scope %q", s)
}

// Source names where a decision came from.
type Source string

const (
	SourceSession        Source = "session"
	SourceRealm          Source = "realm"
	SourceGlobal         Source = "global"
	SourceRule           Source = "rule"
	SourcePrompt         Source = "prompt"
	SourceTimeout        Source = "timeout"
	SourceNonInteractive Source = "non-interactive"
	SourceCancelled      Source = "cancelled"
)

// Request asks for one restricted capability on behalf of a scene.
type Request struct {
	ID          string        `json:"id"`
	Scene       ir.SceneID    `json:"scene"`
	Realm       string        `json:"realm"`
	Kind        Kind          `json:"kind"`
	Value       ir.IRValue    `json:"value,omitempty"`
	Description string        `json:"description,omitempty"`
	Key         string        `json:"key"`
	CreatedAt   time.Time     `json:"created_at"`
	Timeout     time.Duration `json:"-"`
}

// Decision is the resolved answer to a request.
type Decision struct {
	Value  Value  `json:"value"`
	Source Source `json:"source"`
}

// Granted reports whether the request may proceed.
func (d Decision) Granted() bool { return d.Value.Granted() }

// DeniedError is returned to a caller whose restricted op was denied.
type DeniedError struct {
	Scene  ir.SceneID
	Kind   Kind
	Source Source
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s for scene %s (%s)", e.Kind, e.Scene, e.Source)
}

// IsDenied reports whether err is a permission denial.
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}
