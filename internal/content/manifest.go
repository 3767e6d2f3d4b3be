package content

import (
	"fmt"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/scenehost/internal/ir"
)

// ManifestFile is the manifest's file name inside a scene directory.
const ManifestFile = "scene.json"

// manifestSchema is the accepted shape of scene.json. Unknown top-level
// fields are allowed.
const manifestSchema = `
#Parcel: =~"^-?[0-9]+,-?[0-9]+$"

#Scene: {
	main: string & =~"\\.js$"
	scene: {
		base:    #Parcel
		parcels: [#Parcel, ...#Parcel]
	}
	display?: {
		title?:       string
		description?: string
		...
	}
	requiredPermissions?: [...=~"^[A-Z][A-Z0-9_]*$"]
	allowedMediaHostnames?: [...string]
	...
}
`

// Manifest describes one scene.
type Manifest struct {
	ID                    ir.SceneID
	Title                 string
	Main                  string
	Base                  ir.Parcel
	Parcels               []ir.Parcel
	RequiredPermissions   []string
	AllowedMediaHostnames []string
	BaseURL               string
}

// Covers reports whether the scene occupies p.
func (m *Manifest) Covers(p ir.Parcel) bool {
	return slices.Contains(m.Parcels, p)
}

type rawManifest struct {
	Main  string `json:"main"`
	Scene struct {
		Base    string   `json:"base"`
		Parcels []string `json:"parcels"`
	} `json:"scene"`
	Display struct {
		Title string `json:"title"`
	} `json:"display"`
	RequiredPermissions   []string `json:"requiredPermissions"`
	AllowedMediaHostnames []string `json:"allowedMediaHostnames"`
}

// ManifestError reports an invalid scene.json.
type ManifestError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *ManifestError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// ParseManifest validates data against the manifest schema and decodes it.
// file is used in error positions.
func ParseManifest(id ir.SceneID, file string, data []byte) (*Manifest, error) {
	cctx := cuecontext.New()
	schema := cctx.CompileString(manifestSchema).LookupPath(cue.ParsePath("#Scene"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}

	doc := cctx.CompileBytes(data, cue.Filename(file))
	if err := doc.Err(); err != nil {
		return nil, manifestError(file, err)
	}
	v := schema.Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, manifestError(file, err)
	}

	var raw rawManifest
	if err := v.Decode(&raw); err != nil {
		return nil, manifestError(file, err)
	}

	m := &Manifest{
		ID:                    id,
		Title:                 raw.Display.Title,
		Main:                  raw.Main,
		RequiredPermissions:   raw.RequiredPermissions,
		AllowedMediaHostnames: raw.AllowedMediaHostnames,
	}
	base, err := ir.ParseParcel(raw.Scene.Base)
	if err != nil {
		return nil, &ManifestError{File: file, Message: err.Error()}
	}
	m.Base = base
	for _, s := range raw.Scene.Parcels {
		p, err := ir.ParseParcel(s)
		if err != nil {
			return nil, &ManifestError{File: file, Message: err.Error()}
		}
		if !slices.Contains(m.Parcels, p) {
			m.Parcels = append(m.Parcels, p)
		}
	}
	if !m.Covers(m.Base) {
		return nil, &ManifestError{File: file, Message: fmt.Sprintf("base parcel %s is not one of the scene parcels", m.Base)}
	}
	if m.Title == "" {
		m.Title = string(id)
	}
	return m, nil
}

// manifestError keeps the first CUE error and its position.
func manifestError(file string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ManifestError{File: file, Message: err.Error()}
	}
	first := errs[0]
	me := &ManifestError{File: file, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 && pos[0].IsValid() {
		me.Line, me.Column = pos[0].Line(), pos[0].Column()
	}
	return me
}
