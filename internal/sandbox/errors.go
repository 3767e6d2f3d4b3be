package sandbox

import (
	"errors"
	"fmt"

	"github.com/roach88/scenehost/internal/ir"
)

var (
	// ErrHardLimit faults a scene whose tick ran past the hard limit.
	ErrHardLimit = errors.New("tick exceeded hard limit")

	// ErrDisposed is returned for operations on a disposed sandbox.
	ErrDisposed = errors.New("sandbox disposed")

	errSpawnTimeout = errors.New("spawn timed out")
)

// LoadError is returned when a scene could not be started. The sandbox is
// torn down before the error is returned.
type LoadError struct {
	Scene ir.SceneID
	Stage string // resolve, compile, evaluate, onStart
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Scene, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// RuntimeFault is an uncaught script error after the scene started.
type RuntimeFault struct {
	Scene ir.SceneID
	Phase string // onUpdate, timer, op
	Err   error
}

func (e *RuntimeFault) Error() string {
	return fmt.Sprintf("scene %s faulted in %s: %v", e.Scene, e.Phase, e.Err)
}

func (e *RuntimeFault) Unwrap() error { return e.Err }

// IsLoadError reports whether err is a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// IsRuntimeFault reports whether err is a RuntimeFault.
func IsRuntimeFault(err error) bool {
	var rf *RuntimeFault
	return errors.As(err, &rf)
}
