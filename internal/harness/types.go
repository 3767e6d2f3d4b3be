package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/scenehost/internal/ir"
)

// Trace event types.
const (
	EventStart   = "start"
	EventStep    = "step"
	EventConsole = "console"
	EventPut     = "put"
	EventDelete  = "delete"
	EventAction  = "action"
)

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Scene is the namespace of a world change or the scene behind an
	// action.
	Scene string `json:"scene,omitempty"`

	// Entity, Component and Payload (hex) describe put and delete events.
	Entity    uint32 `json:"entity,omitempty"`
	Component string `json:"component,omitempty"`
	Payload   string `json:"payload,omitempty"`

	// Action and Args describe action events.
	Action string      `json:"action,omitempty"`
	Args   ir.IRObject `json:"args,omitempty"`

	// Detail is the step description or the console output.
	Detail string `json:"detail,omitempty"`
}

func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", e.Seq, e.Type)
	switch e.Type {
	case EventPut, EventDelete:
		fmt.Fprintf(&b, " %s/%d %s", e.Scene, e.Entity, e.Component)
		if e.Payload != "" {
			fmt.Fprintf(&b, " %s", e.Payload)
		}
	case EventAction:
		fmt.Fprintf(&b, " %s %s", e.Scene, e.Action)
	default:
		if e.Detail != "" {
			fmt.Fprintf(&b, " %s", e.Detail)
		}
	}
	return b.String()
}

// worldChange reports whether the event describes a world change.
func (e TraceEvent) worldChange() bool {
	return e.Type == EventPut || e.Type == EventDelete
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace is what happened, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Scenes maps each scene the scheduler knows to its final state.
	Scenes map[string]string `json:"scenes,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Scenes: make(map[string]string),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
