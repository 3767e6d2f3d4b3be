package harness

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/wire"
)

// WorldReader is the part of the world model assertions look at.
type WorldReader interface {
	Get(ref ir.EntityRef, component ir.ComponentID) ([]byte, bool)
	Has(ref ir.EntityRef) bool
}

// AssertionContext is the final state assertions run against.
type AssertionContext struct {
	World WorldReader
	// Scenes maps scene ids to scheduler state names.
	Scenes map[string]string
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertWorldHas:
		return assertWorldHas(actx.World, a)
	case AssertWorldMissing:
		return assertWorldMissing(actx.World, a)
	case AssertSceneState:
		return assertSceneState(actx.Scenes, a)
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func refOf(a Assertion) ir.EntityRef {
	var e uint32
	if a.Entity != nil {
		e = *a.Entity
	}
	return ir.EntityRef{Namespace: ir.Namespace(a.Scene), Entity: ir.Entity(e)}
}

func assertWorldHas(w WorldReader, a Assertion) error {
	ref := refOf(a)
	got, ok := w.Get(ref, a.Component.ID)
	if !ok {
		return &AssertionError{
			Type:     AssertWorldHas,
			Expected: fmt.Sprintf("component %d on %s", a.Component.ID, ref),
			Actual:   "not in world",
		}
	}

	var want []byte
	switch {
	case a.Text != nil:
		want = []byte(*a.Text)
	case a.Hex != "":
		b, err := hex.DecodeString(a.Hex)
		if err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}
		want = b
	default:
		return nil
	}
	if !bytes.Equal(got, want) {
		return &AssertionError{
			Type:     AssertWorldHas,
			Expected: fmt.Sprintf("payload %x on %s component %d", want, ref, a.Component.ID),
			Actual:   fmt.Sprintf("payload %x", got),
		}
	}
	return nil
}

func assertWorldMissing(w WorldReader, a Assertion) error {
	ref := refOf(a)
	if a.Component.Set {
		if _, ok := w.Get(ref, a.Component.ID); ok {
			return &AssertionError{
				Type:     AssertWorldMissing,
				Expected: fmt.Sprintf("no component %d on %s", a.Component.ID, ref),
				Actual:   "component is live",
			}
		}
		return nil
	}
	if w.Has(ref) {
		return &AssertionError{
			Type:     AssertWorldMissing,
			Expected: fmt.Sprintf("no live components on %s", ref),
			Actual:   "entity is live",
		}
	}
	return nil
}

func assertSceneState(scenes map[string]string, a Assertion) error {
	got, ok := scenes[a.Scene]
	if !ok {
		got = "absent"
	}
	if got != a.State {
		return &AssertionError{
			Type:     AssertSceneState,
			Expected: fmt.Sprintf("scene %s %s", a.Scene, a.State),
			Actual:   got,
		}
	}
	return nil
}

// matches reports whether ev satisfies every field set in m.
func (m EventMatch) matches(ev TraceEvent) bool {
	if m.Event != "" && m.Event != ev.Type {
		return false
	}
	if m.Scene != "" && m.Scene != ev.Scene {
		return false
	}
	if m.Entity != nil && (!ev.worldChange() || *m.Entity != ev.Entity) {
		return false
	}
	if m.Component.Set && wire.DefaultRegistry().Name(m.Component.ID) != ev.Component {
		return false
	}
	if m.Action != "" && m.Action != ev.Action {
		return false
	}
	if m.Detail != "" && !strings.Contains(ev.Detail, m.Detail) {
		return false
	}
	return true
}

func (m EventMatch) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("event", m.Event)
	add("scene", m.Scene)
	if m.Entity != nil {
		add("entity", fmt.Sprint(*m.Entity))
	}
	if m.Component.Set {
		add("component", wire.DefaultRegistry().Name(m.Component.ID))
	}
	add("action", m.Action)
	add("detail", m.Detail)
	return "{" + strings.Join(parts, " ") + "}"
}

func countMatches(trace []TraceEvent, m EventMatch) int {
	n := 0
	for _, ev := range trace {
		if m.matches(ev) {
			n++
		}
	}
	return n
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	if countMatches(trace, a.EventMatch) > 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: "an event matching " + a.EventMatch.String(),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := countMatches(trace, a.EventMatch)
	if n == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d events matching %s", *a.Count, a.EventMatch),
		Actual:   fmt.Sprintf("%d events", n),
		Trace:    trace,
	}
}

// assertTraceOrder checks that the matchers match events in order.
// Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Sequence) && a.Sequence[next].matches(ev) {
			next++
		}
	}
	if next == len(a.Sequence) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %v", a.Sequence),
		Actual:   fmt.Sprintf("no event matching %s after the first %d", a.Sequence[next], next),
		Trace:    trace,
	}
}
