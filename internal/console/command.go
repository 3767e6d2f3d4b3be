package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/permission"
)

// Verb names a console command.
type Verb string

const (
	VerbReload      Verb = "reload"
	VerbShow        Verb = "show"
	VerbHide        Verb = "hide"
	VerbMove        Verb = "move"
	VerbRealm       Verb = "realm"
	VerbAllow       Verb = "allow"
	VerbDeny        Verb = "deny"
	VerbScenes      Verb = "scenes"
	VerbPermissions Verb = "permissions"
	VerbStorage     Verb = "storage"
	VerbHelp        Verb = "help"
)

// Command is one parsed console line.
type Command struct {
	Verb Verb

	// Scene is set for reload, show, hide and storage. All is set for "reload all".
	Scene ir.SceneID
	All   bool

	// Parcel is set for move.
	Parcel ir.Parcel

	// Realm is set for realm.
	Realm string

	// RequestID, Value and Scope are set for allow and deny.
	RequestID string
	Value     permission.Value
	Scope     permission.Scope
}

// ErrEmpty is returned for blank lines and comments.
var ErrEmpty = errors.New("empty command")

// SyntaxError describes a line that could not be parsed.
type SyntaxError struct {
	Line  string
	Usage string
	Err   error
}

func (e *SyntaxError) Error() string {
	if e.Usage != "" {
		return fmt.Sprintf("%v (usage: %s)", e.Err, e.Usage)
	}
	return e.Err.Error()
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// IsSyntaxError reports whether err is a SyntaxError.
func IsSyntaxError(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se)
}

var usage = map[Verb]string{
	VerbReload:      "reload <scene|all>",
	VerbShow:        "show <scene>",
	VerbHide:        "hide <scene>",
	VerbMove:        "move <x> <y>",
	VerbRealm:       "realm <name>",
	VerbAllow:       "allow <request-id> [scene|realm|global|once|ask]",
	VerbDeny:        "deny <request-id> [scene|realm|global]",
	VerbScenes:      "scenes",
	VerbPermissions: "permissions",
	VerbStorage:     "storage <scene>",
	VerbHelp:        "help",
}

// Help returns one usage line per command, in a fixed order.
func Help() []string {
	verbs := []Verb{VerbScenes, VerbPermissions, VerbStorage, VerbMove, VerbRealm, VerbReload,
		VerbShow, VerbHide, VerbAllow, VerbDeny, VerbHelp}
	out := make([]string, len(verbs))
	for i, v := range verbs {
		out[i] = usage[v]
	}
	return out
}

// Parse parses one console line. Words are separated by whitespace; a
// leading '#' makes the line a comment.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return Command{}, ErrEmpty
	}
	verb := Verb(strings.ToLower(fields[0]))
	args := fields[1:]
	fail := func(format string, a ...any) (Command, error) {
		return Command{}, &SyntaxError{Line: line, Usage: usage[verb], Err: fmt.Errorf(format, a...)}
	}
	arity := func(min, max int) bool { return len(args) >= min && len(args) <= max }

	cmd := Command{Verb: verb}
	switch verb {
	case VerbScenes, VerbPermissions, VerbHelp:
		if !arity(0, 0) {
			return fail("%s takes no arguments", verb)
		}

	case VerbReload:
		if !arity(1, 1) {
			return fail("reload needs a scene id")
		}
		if strings.EqualFold(args[0], "all") {
			cmd.All = true
		} else {
			cmd.Scene = ir.SceneID(args[0])
		}

	case VerbShow, VerbHide, VerbStorage:
		if !arity(1, 1) {
			return fail("%s needs a scene id", verb)
		}
		cmd.Scene = ir.SceneID(args[0])

	case VerbMove:
		if len(args) == 1 {
			p, err := ir.ParseParcel(args[0])
			if err != nil {
				return fail("%v", err)
			}
			cmd.Parcel = p
			break
		}
		if !arity(2, 2) {
			return fail("move needs two coordinates")
		}
		x, err := strconv.Atoi(args[0])
		if err != nil {
			return fail("bad x coordinate %q", args[0])
		}
		y, err := strconv.Atoi(args[1])
		if err != nil {
			return fail("bad y coordinate %q", args[1])
		}
		cmd.Parcel = ir.Parcel{X: x, Y: y}

	case VerbRealm:
		if !arity(1, 1) {
			return fail("realm needs a name")
		}
		cmd.Realm = args[0]

	case VerbAllow, VerbDeny:
		if !arity(1, 2) {
			return fail("%s needs a request id", verb)
		}
		cmd.RequestID = args[0]
		cmd.Value = permission.Allow
		if verb == VerbDeny {
			cmd.Value = permission.Deny
		}
		if len(args) == 2 {
			switch mod := strings.ToLower(args[1]); {
			case mod == "once" && verb == VerbAllow:
				cmd.Value = permission.AllowOnce
			case mod == "ask" && verb == VerbAllow:
				cmd.Value = permission.AskEveryTime
			default:
				scope, err := permission.ParseScope(mod)
				if err != nil {
					return fail("%v", err)
				}
				cmd.Scope = scope
			}
		}

	default:
		return Command{}, &SyntaxError{Line: line, Err: fmt.Errorf("unknown command %q, try help", fields[0])}
	}
	return cmd, nil
}
