package wire

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/scenehost/internal/ir"
)

// MergeKind is how the reconciler merges writes to a component.
type MergeKind int

const (
	// LastWriterWins keeps the single write with the greatest order key.
	LastWriterWins MergeKind = iota
	// GrowOnly keeps a bounded set of appended values.
	GrowOnly
)

func (k MergeKind) String() string {
	if k == GrowOnly {
		return "grow-only"
	}
	return "lww"
}

// ComponentSpec describes a well-known component type.
type ComponentSpec struct {
	ID       ir.ComponentID
	Name     string
	Kind     MergeKind
	Validate func(payload []byte) error
}

// Well-known component ids.
const (
	Transform           ir.ComponentID = 1
	Material            ir.ComponentID = 1017
	MeshRenderer        ir.ComponentID = 1018
	MeshCollider        ir.ComponentID = 1019
	AudioSource         ir.ComponentID = 1020
	TextShape           ir.ComponentID = 1030
	NftShape            ir.ComponentID = 1040
	GltfContainer       ir.ComponentID = 1041
	Animator            ir.ComponentID = 1042
	VideoPlayer         ir.ComponentID = 1043
	UiTransform         ir.ComponentID = 1050
	PointerEvents       ir.ComponentID = 1062
	PointerEventsResult ir.ComponentID = 1063
	Raycast             ir.ComponentID = 1067
	AvatarAttach        ir.ComponentID = 1073
	AvatarShape         ir.ComponentID = 1080
	VisibilityComponent ir.ComponentID = 1081
	PlayerIdentityData  ir.ComponentID = 1089
	Billboard           ir.ComponentID = 1090
	NetworkEntity       ir.ComponentID = 1097
)

// Registry maps component ids to their specs. Safe for concurrent reads
// after construction.
type Registry struct {
	mu    sync.RWMutex
	specs map[ir.ComponentID]ComponentSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[ir.ComponentID]ComponentSpec)}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the registry of the built-in components.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		r.MustRegister(ComponentSpec{ID: Transform, Name: "Transform", Validate: ValidateTransform})
		for _, c := range []struct {
			id   ir.ComponentID
			name string
			kind MergeKind
		}{
			{Material, "Material", LastWriterWins},
			{MeshRenderer, "MeshRenderer", LastWriterWins},
			{MeshCollider, "MeshCollider", LastWriterWins},
			{AudioSource, "AudioSource", LastWriterWins},
			{TextShape, "TextShape", LastWriterWins},
			{NftShape, "NftShape", LastWriterWins},
			{GltfContainer, "GltfContainer", LastWriterWins},
			{Animator, "Animator", LastWriterWins},
			{VideoPlayer, "VideoPlayer", LastWriterWins},
			{UiTransform, "UiTransform", LastWriterWins},
			{PointerEvents, "PointerEvents", LastWriterWins},
			{PointerEventsResult, "PointerEventsResult", GrowOnly},
			{Raycast, "Raycast", LastWriterWins},
			{AvatarAttach, "AvatarAttach", LastWriterWins},
			{AvatarShape, "AvatarShape", LastWriterWins},
			{VisibilityComponent, "VisibilityComponent", LastWriterWins},
			{PlayerIdentityData, "PlayerIdentityData", LastWriterWins},
			{Billboard, "Billboard", LastWriterWins},
			{NetworkEntity, "NetworkEntity", LastWriterWins},
		} {
			r.MustRegister(ComponentSpec{ID: c.id, Name: c.name, Kind: c.kind, Validate: ValidateProtobuf})
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Register adds a component spec. Registering an id twice is an error.
func (r *Registry) Register(spec ComponentSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.ID]; exists {
		return fmt.Errorf("component %d already registered", spec.ID)
	}
	r.specs[spec.ID] = spec
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(spec ComponentSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Lookup returns the spec for id.
func (r *Registry) Lookup(id ir.ComponentID) (ComponentSpec, bool) {
	if r == nil {
		return ComponentSpec{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	return spec, ok
}

// KindOf returns the merge kind of id. Unknown components are
// last-writer-wins unless they arrive as AppendValue.
func (r *Registry) KindOf(id ir.ComponentID) (MergeKind, bool) {
	spec, ok := r.Lookup(id)
	return spec.Kind, ok
}

// Name returns a component's name, or its number for unknown ids.
func (r *Registry) Name(id ir.ComponentID) string {
	if spec, ok := r.Lookup(id); ok {
		return spec.Name
	}
	return fmt.Sprintf("component#%d", id)
}

// ByName finds a registered component by name.
func (r *Registry) ByName(name string) (ir.ComponentID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, spec := range r.specs {
		if spec.Name == name {
			return id, true
		}
	}
	return 0, false
}

// IDs returns all registered ids in ascending order.
func (r *Registry) IDs() []ir.ComponentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ir.ComponentID, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks a decoded message against the registry. Messages for
// unknown components always pass; their payloads are opaque.
func (r *Registry) Validate(m Message) error {
	if m.Type == DeleteEntity {
		return nil
	}
	spec, ok := r.Lookup(m.Component)
	if !ok {
		return nil
	}
	switch {
	case m.Type == AppendValue && spec.Kind != GrowOnly,
		m.Type == PutComponent && spec.Kind == GrowOnly:
		return &CodecError{Kind: ErrKindKindMismatch, Component: m.Component,
			Err: fmt.Errorf("%s on %s component %s", m.Type, spec.Kind, spec.Name)}
	}
	if m.Type == DeleteComponent || spec.Validate == nil {
		return nil
	}
	if err := spec.Validate(m.Payload); err != nil {
		return &CodecError{Kind: ErrKindPayloadInvalid, Component: m.Component,
			Err: fmt.Errorf("%s: %w", spec.Name, err)}
	}
	return nil
}
