package scheduler

import (
	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/sandbox"
)

// SceneState is the scheduler's view of a scene.
type SceneState int

const (
	Loading SceneState = iota
	Ready
	Suspended
	Failed
	Faulted
	Disposed
)

func (s SceneState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Suspended:
		return "suspended"
	case Failed:
		return "failed"
	case Faulted:
		return "faulted"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Scene is one scene known to the scheduler.
type Scene struct {
	ID       ir.SceneID
	Manifest *content.Manifest
	State    SceneState
	Handle   *sandbox.Handle
	Hidden   bool
	Distance int
	Err      error

	// active is true while the scene is inside the load radius.
	active  bool
	parcels []ir.Parcel
	loadGen uint64
}

// SceneInfo is a read-only copy of a Scene for reporting.
type SceneInfo struct {
	ID       ir.SceneID
	Title    string
	State    SceneState
	Hidden   bool
	Distance int
	Parcels  []ir.Parcel
	Err      error
}

func (s *Scene) info() SceneInfo {
	info := SceneInfo{
		ID:       s.ID,
		Title:    string(s.ID),
		State:    s.State,
		Hidden:   s.Hidden,
		Distance: s.Distance,
		Parcels:  s.parcels,
		Err:      s.Err,
	}
	if s.Manifest != nil {
		info.Title = s.Manifest.Title
		info.Parcels = s.Manifest.Parcels
	}
	return info
}
