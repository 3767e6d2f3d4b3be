package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Entity is a scene-local entity id: the low 16 bits are the entity number,
// the high 16 bits are its generation. A number reused after deletion carries
// a higher generation and is therefore a distinct entity.
type Entity uint32

// Reserved entity numbers shared between scenes and the host.
const (
	RootEntity   Entity = 0
	PlayerEntity Entity = 1
	CameraEntity Entity = 2

	// FirstSceneEntity is the first number scenes allocate for themselves.
	FirstSceneEntity Entity = 512
)

// NewEntity packs an entity number and generation.
func NewEntity(number, generation uint16) Entity {
	return Entity(uint32(generation)<<16 | uint32(number))
}

// Number returns the entity number (index part).
func (e Entity) Number() uint16 { return uint16(e & 0xffff) }

// Generation returns the entity generation.
func (e Entity) Generation() uint16 { return uint16(e >> 16) }

func (e Entity) String() string {
	if e.Generation() == 0 {
		return strconv.Itoa(int(e.Number()))
	}
	return fmt.Sprintf("%d.v%d", e.Number(), e.Generation())
}

// ComponentID is the numeric component-type id shared by scenes and host.
type ComponentID uint32

// Timestamp is the per-(entity, component) Lamport timestamp carried by
// every component write.
type Timestamp uint32

// ActorID identifies the writer of a component update: a sandbox id for
// local scenes, a peer id for remote writers. Used as the deterministic
// tiebreak for equal timestamps.
type ActorID string

// SceneID is a scene's content hash or URN.
type SceneID string

// Namespace scopes entity numbers. Scene entities live in the namespace of
// their scene id; remote avatars live in "peer:<id>".
type Namespace string

// PeerNamespace returns the namespace owning a remote peer's entities.
func PeerNamespace(peer string) Namespace {
	return Namespace("peer:" + peer)
}

// NetworkNamespace returns the namespace shared by every writer of a
// networked entity. Scene and peer writes to the same network id merge here.
func NetworkNamespace(networkID uint64) Namespace {
	return Namespace("net:" + strconv.FormatUint(networkID, 10))
}

// IsNetwork reports whether ns is a shared network namespace.
func (ns Namespace) IsNetwork() bool {
	return strings.HasPrefix(string(ns), "net:")
}

// NetworkID returns the network id of a network namespace.
func (ns Namespace) NetworkID() (uint64, bool) {
	rest, ok := strings.CutPrefix(string(ns), "net:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	return id, err == nil
}

// IsPeer reports whether ns belongs to a remote peer.
func (ns Namespace) IsPeer() bool {
	return strings.HasPrefix(string(ns), "peer:")
}

// SceneNamespace returns the namespace of a scene.
func SceneNamespace(id SceneID) Namespace {
	return Namespace(id)
}

// EntityRef globally addresses an entity.
type EntityRef struct {
	Namespace Namespace `json:"namespace"`
	Entity    Entity    `json:"entity"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s#%s", r.Namespace, r.Entity)
}

// Parcel is a cell of the world grid.
type Parcel struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Distance returns the Chebyshev (grid) distance between two parcels.
func (p Parcel) Distance(q Parcel) int {
	dx := p.X - q.X
	if dx < 0 {
		dx = -dx
	}
	dy := p.Y - q.Y
	if dy < 0 {
		dy = -dy
	}
	if dx > dy {
		return dx
	}
	return dy
}

// Within returns all parcels whose Chebyshev distance from p is at most r,
// in row-major order.
func (p Parcel) Within(r int) []Parcel {
	if r < 0 {
		return nil
	}
	out := make([]Parcel, 0, (2*r+1)*(2*r+1))
	for y := p.Y - r; y <= p.Y+r; y++ {
		for x := p.X - r; x <= p.X+r; x++ {
			out = append(out, Parcel{X: x, Y: y})
		}
	}
	return out
}

func (p Parcel) String() string {
	return fmt.Sprintf("%d,%d", p.X, p.Y)
}

// ParseParcel parses "x,y".
func ParseParcel(s string) (Parcel, error) {
	xs, ys, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return Parcel{}, fmt.Errorf("parcel %q: expected x,y", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return Parcel{}, fmt.Errorf("parcel %q: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return Parcel{}, fmt.Errorf("parcel %q: %w", s, err)
	}
	return Parcel{X: x, Y: y}, nil
}

// MinDistance returns the smallest distance from p to any parcel in ps.
// An empty set is infinitely far away (returns -1).
func MinDistance(p Parcel, ps []Parcel) int {
	best := -1
	for _, q := range ps {
		d := p.Distance(q)
		if best < 0 || d < best {
			best = d
		}
	}
	return best
}
