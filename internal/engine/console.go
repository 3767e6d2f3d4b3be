package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/scenehost/internal/console"
	"github.com/roach88/scenehost/internal/ir"
)

// Exec runs a console command and returns its output. Host loop only.
func (e *Engine) Exec(ctx context.Context, cmd console.Command) (string, error) {
	switch cmd.Verb {
	case console.VerbHelp:
		return strings.Join(console.Help(), "\n"), nil
	case console.VerbScenes:
		return e.describeScenes(), nil
	case console.VerbPermissions:
		return e.describePrompts(), nil
	case console.VerbStorage:
		return e.describeStorage(ctx, cmd.Scene)
	case console.VerbReload:
		if cmd.All {
			e.scheduler.ReloadAll()
			return "reloading all scenes", nil
		}
		if err := e.scheduler.Reload(cmd.Scene); err != nil {
			return "", NewUnknownSceneError(string(cmd.Scene))
		}
		return fmt.Sprintf("reloading %s", cmd.Scene), nil
	case console.VerbShow, console.VerbHide:
		hidden := cmd.Verb == console.VerbHide
		if err := e.scheduler.SetHidden(cmd.Scene, hidden); err != nil {
			return "", NewUnknownSceneError(string(cmd.Scene))
		}
		return fmt.Sprintf("%s %s", cmd.Scene, map[bool]string{true: "hidden", false: "shown"}[hidden]), nil
	case console.VerbMove:
		if err := e.MoveTo(ctx, cmd.Parcel); err != nil {
			return "", err
		}
		return fmt.Sprintf("moved to %s", cmd.Parcel), nil
	case console.VerbRealm:
		if err := e.ChangeRealm(ctx, cmd.Realm); err != nil {
			return "", err
		}
		return fmt.Sprintf("realm is now %s", cmd.Realm), nil
	case console.VerbAllow, console.VerbDeny:
		if err := e.gate.Decide(cmd.RequestID, cmd.Value, cmd.Scope); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s", cmd.RequestID, cmd.Value), nil
	default:
		return "", fmt.Errorf("unsupported command %q", cmd.Verb)
	}
}

// Execute parses and runs a console line on the host loop.
func (e *Engine) Execute(ctx context.Context, line string) (string, error) {
	cmd, err := console.Parse(line)
	if err != nil {
		return "", err
	}
	var out string
	if derr := e.Do(ctx, func() { out, err = e.Exec(ctx, cmd) }); derr != nil {
		return "", derr
	}
	return out, err
}

func (e *Engine) describeScenes() string {
	scenes := e.scheduler.Scenes()
	if len(scenes) == 0 {
		return "no scenes"
	}
	var b strings.Builder
	for i, s := range scenes {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\tdistance=%d", s.ID, s.State, s.Title, s.Distance)
		if s.Hidden {
			b.WriteString("\thidden")
		}
		if s.Err != nil {
			fmt.Fprintf(&b, "\terror=%v", s.Err)
		}
	}
	return b.String()
}

func (e *Engine) describePrompts() string {
	prompts := e.gate.PendingPrompts()
	if len(prompts) == 0 {
		return "no pending permission requests"
	}
	var b strings.Builder
	for i, p := range prompts {
		if i > 0 {
			b.WriteByte('\n')
		}
		v, _ := ir.MarshalIRValue(valueOrNull(p.Value))
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s", p.ID, p.Scene, p.Kind, v)
	}
	return b.String()
}

func (e *Engine) describeStorage(ctx context.Context, scene ir.SceneID) (string, error) {
	if e.store == nil {
		return "", NewUnavailableError("local storage")
	}
	items, err := e.store.Items(ctx, scene)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return fmt.Sprintf("no stored items for %s", scene), nil
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = it.Key + "\t" + it.Value
	}
	return strings.Join(lines, "\n"), nil
}
