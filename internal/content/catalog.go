package content

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/scenehost/internal/ir"
)

// Pointer says which scene covers a parcel.
type Pointer struct {
	Parcel ir.Parcel
	Scene  ir.SceneID
}

// Catalog finds and resolves scenes.
type Catalog interface {
	// Locate returns one pointer per covered parcel, ordered by parcel
	// as given. Uncovered parcels are omitted.
	Locate(ctx context.Context, parcels []ir.Parcel) ([]Pointer, error)
	// Resolve returns the scene's manifest.
	Resolve(ctx context.Context, id ir.SceneID) (*Manifest, error)
	// ReadFile returns one file of the scene's content.
	ReadFile(ctx context.Context, id ir.SceneID, name string) ([]byte, error)
}

// ResolutionError is returned when scene content cannot be obtained.
type ResolutionError struct {
	Scene ir.SceneID
	File  string
	// Temporary marks failures worth retrying.
	Temporary bool
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("resolve %s/%s: %v", e.Scene, e.File, e.Err)
	}
	return fmt.Sprintf("resolve %s: %v", e.Scene, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError reports whether err is a ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// IsTemporary reports whether err is a retryable ResolutionError.
func IsTemporary(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re) && re.Temporary
}

// ErrNotFound is wrapped by ResolutionError for unknown scenes and files.
var ErrNotFound = errors.New("not found")

// Scenes returns the distinct scene ids of ptrs in first-seen order.
func Scenes(ptrs []Pointer) []ir.SceneID {
	var out []ir.SceneID
	for _, p := range ptrs {
		if !slices.Contains(out, p.Scene) {
			out = append(out, p.Scene)
		}
	}
	return out
}

// validFileName rejects names that would escape the scene's content.
func validFileName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." || part == "" {
			return false
		}
	}
	return true
}
