package opbridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/permission"
)

// Capability tags an op with what it needs beyond being in the catalog.
type Capability int

const (
	// CapNone ops run as soon as their arguments validate.
	CapNone Capability = iota
	// CapRestricted ops pass the permission gate first.
	CapRestricted
)

func (c Capability) String() string {
	if c == CapRestricted {
		return "restricted"
	}
	return "none"
}

// Handler implements an op. It runs on a bridge goroutine for async ops and
// on the calling sandbox goroutine for sync ops; it must honour ctx.
type Handler func(ctx context.Context, call *Call) (ir.IRValue, error)

// Op is one catalog entry.
type Op struct {
	Module     string
	Name       string
	Version    int
	ArgSchema  string
	Async      bool
	Capability Capability
	Permission permission.Kind

	// PermissionValue extracts the part of the arguments that identifies
	// the request for coalescing and display. Defaults to the full args.
	PermissionValue func(args ir.IRObject) ir.IRValue

	Handler Handler

	schema *jsonschema.Schema
}

// FullName returns "Module.name".
func (o *Op) FullName() string {
	return o.Module + "." + o.Name
}

// Call is one invocation of an op by a scene.
type Call struct {
	Scene ir.SceneID
	Realm string
	Op    *Op
	Args  ir.IRObject
	Seq   uint64
}

// ArgError reports arguments that failed the op's schema.
type ArgError struct {
	Op  string
	Err error
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Op, e.Err)
}

func (e *ArgError) Unwrap() error { return e.Err }

// UnknownOpError is returned when a script names an op outside the catalog.
type UnknownOpError struct {
	Module string
	Name   string
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("unknown op %s.%s", e.Module, e.Name)
}

// Catalog is the registry of ops. Register everything, then Seal; a sealed
// catalog is read-only and safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	ops    map[string]*Op
	sealed bool
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{ops: make(map[string]*Op)}
}

// Register adds an op, compiling its argument schema.
func (c *Catalog) Register(op Op) error {
	if op.Module == "" || op.Name == "" {
		return fmt.Errorf("op needs a module and a name")
	}
	if op.Handler == nil {
		return fmt.Errorf("op %s has no handler", op.FullName())
	}
	if op.Capability == CapRestricted {
		if !op.Async {
			return fmt.Errorf("restricted op %s must be async", op.FullName())
		}
		if op.Permission == "" {
			return fmt.Errorf("restricted op %s has no permission kind", op.FullName())
		}
	}
	if op.ArgSchema != "" {
		sch, err := compileSchema(op.FullName(), op.ArgSchema)
		if err != nil {
			return fmt.Errorf("op %s: %w", op.FullName(), err)
		}
		op.schema = sch
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return fmt.Errorf("catalog is sealed, cannot register %s", op.FullName())
	}
	name := op.FullName()
	if _, exists := c.ops[name]; exists {
		return fmt.Errorf("op %s already registered", name)
	}
	c.ops[name] = &op
	return nil
}

// MustRegister is like Register but panics on error.
func (c *Catalog) MustRegister(op Op) {
	if err := c.Register(op); err != nil {
		panic(err)
	}
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "mem://ops/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// Seal freezes the catalog.
func (c *Catalog) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// Lookup finds an op by module and name.
func (c *Catalog) Lookup(module, name string) (*Op, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.ops[module+"."+name]
	return op, ok
}

// Modules returns the module table scripts can require: module name to the
// sorted names of its ops.
func (c *Catalog) Modules() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string)
	for _, op := range c.ops {
		out[op.Module] = append(out[op.Module], op.Name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// Ops returns every op sorted by full name.
func (c *Catalog) Ops() []*Op {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Op, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

// Validate checks args against the op's schema.
func (c *Catalog) Validate(op *Op, args ir.IRObject) error {
	if op.schema == nil {
		return nil
	}
	if args == nil {
		args = ir.IRObject{}
	}
	if err := op.schema.Validate(ir.ToJSONAny(args)); err != nil {
		return &ArgError{Op: op.FullName(), Err: err}
	}
	return nil
}
